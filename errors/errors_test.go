package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransport(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"not connected", ErrNotConnected, true},
		{"wrapped not connected", Wrap(ErrNotConnected, "Session", "Publish", "publish"), true},
		{"classified lost", WrapTransient(ErrConnectionLost, "Session", "Connect", "dial"), true},
		{"circuit open", ErrCircuitOpen, true},
		{"subscription failed", ErrSubscriptionFailed, true},
		{"call timeout", ErrCallTimeout, false},
		{"remote failure", ErrRemoteFailure, false},
		{"plain error", fmt.Errorf("connection refused"), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransport(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	if IsTimeout(nil) {
		t.Error("nil should not be a timeout")
	}
	if !IsTimeout(fmt.Errorf("trigger: %w", ErrCallTimeout)) {
		t.Error("wrapped ErrCallTimeout should be a timeout")
	}
	if IsTimeout(context.DeadlineExceeded) {
		t.Error("context deadline is not a call timeout")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"not connected", ErrNotConnected, true},
		{"circuit open", ErrCircuitOpen, true},
		{"call timeout", ErrCallTimeout, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"invalid data", ErrInvalidData, false},
		{"invalid topic", ErrInvalidTopic, false},
		{"remote failure", ErrRemoteFailure, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"network error", fmt.Errorf("network connection failed"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"fatal in message", fmt.Errorf("fatal error occurred"), true},
		{"connection lost", ErrConnectionLost, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsFatal(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid topic", ErrInvalidTopic, true},
		{"invalid pattern", ErrInvalidPattern, true},
		{"empty payload", ErrEmptyPayload, true},
		{"malformed payload", fmt.Errorf("decode: %w", ErrMalformedPayload), true},
		{"not connected", ErrNotConnected, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsInvalid(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestClassifiedError(t *testing.T) {
	base := errors.New("base")
	ce := &ClassifiedError{
		Class:     ErrorInvalid,
		Err:       base,
		Message:   "custom message",
		Component: "Table",
		Operation: "Add",
	}

	if ce.Error() != "custom message" {
		t.Errorf("expected custom message, got %s", ce.Error())
	}
	if !errors.Is(ce, base) {
		t.Error("expected ClassifiedError to unwrap to base")
	}
}

func TestClassifiedError_NoMessage(t *testing.T) {
	ce := &ClassifiedError{Class: ErrorFatal, Err: errors.New("underlying")}
	if ce.Error() != "underlying" {
		t.Errorf("expected underlying, got %s", ce.Error())
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "c", "m", "a") != nil {
		t.Error("wrapping nil should return nil")
	}

	err := Wrap(ErrNotConnected, "Session", "Publish", "publish message")
	expected := "Session.Publish: publish message failed: not connected to broker"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, ErrNotConnected) {
		t.Error("wrapped error should match sentinel")
	}
}

func TestWrapClassified(t *testing.T) {
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"fatal", WrapFatal, ErrorFatal},
		{"invalid", WrapInvalid, ErrorInvalid},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if test.wrap(nil, "c", "m", "a") != nil {
				t.Fatal("wrapping nil should return nil")
			}

			err := test.wrap(ErrEmptyPayload, "Client", "Publish", "encode")
			var ce *ClassifiedError
			if !errors.As(err, &ce) {
				t.Fatal("expected ClassifiedError")
			}
			if ce.Class != test.class {
				t.Errorf("expected class %v, got %v", test.class, ce.Class)
			}
			if ce.Component != "Client" || ce.Operation != "Publish" {
				t.Errorf("unexpected component/operation: %s/%s", ce.Component, ce.Operation)
			}
			if !strings.Contains(err.Error(), "Client.Publish: encode failed") {
				t.Errorf("unexpected message: %s", err.Error())
			}
			if !errors.Is(err, ErrEmptyPayload) {
				t.Error("classified error should unwrap to sentinel")
			}
		})
	}
}
