// Package errors provides standardized error handling patterns for the message fabric.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid (bad input,
// non-retryable), and Fatal (unrecoverable). Transport failures (publish while
// disconnected, reconnect timeouts, an open circuit breaker) are transient but are also
// reported by IsTransport so callers can tell a broker problem apart from a remote
// plugin that answered with a failure status.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions set the classification explicitly:
//
//	errors.WrapTransient(err, "Session", "Publish", "publish to broker")
//	errors.WrapInvalid(err, "Table", "Add", "compile pattern")
//	errors.WrapFatal(err, "Runtime", "Run", "load config")
//
// The generic Wrap() keeps whatever classification the wrapped error already has.
//
// # Standard Error Variables
//
//   - Transport: ErrNotConnected, ErrConnectionLost, ErrConnectionTimeout, ErrCircuitOpen,
//     ErrPublishFailed, ErrSubscriptionFailed
//   - Messages: ErrInvalidTopic, ErrInvalidPattern, ErrEmptyPayload, ErrMalformedPayload
//   - Calls: ErrCallTimeout, ErrRemoteFailure, ErrCallInProgress
//   - Configuration: ErrInvalidConfig, ErrMissingConfig
//
// Check them with the standard library:
//
//	if errors.Is(err, errors.ErrCallTimeout) {
//	    // nobody answered: either the receiver is gone or it could not route a reply
//	}
package errors
