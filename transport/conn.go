package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/mqfabric/errors"
)

// Message is one delivery from the broker.
type Message struct {
	Topic     string
	Payload   []byte
	Retained  bool
	Duplicate bool
}

// PublishOptions are the per-message delivery options.
type PublishOptions struct {
	Retain    bool
	QoS       byte
	Duplicate bool
}

// Validate rejects QoS levels the broker does not offer.
func (o PublishOptions) Validate() error {
	if o.QoS > 2 {
		return fmt.Errorf("%w: qos %d not in 0..2", errors.ErrInvalidData, o.QoS)
	}
	return nil
}

// Will is published by the broker when a connection drops without a clean
// disconnect. Drivers without native support ignore it.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// DialOptions carry the session identity and connection tuning to a driver.
type DialOptions struct {
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Will           *Will
}

// Callbacks are invoked by a driver connection. OnMessage calls for one
// connection never overlap.
type Callbacks struct {
	OnConnectionLost func(err error)
	OnMessage        func(Message)
}

// Conn is one live broker connection. A Conn does not reconnect on its own;
// the Session dials a fresh one after OnConnectionLost.
type Conn interface {
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error
	Subscribe(ctx context.Context, filter string, qos byte) error
	Unsubscribe(ctx context.Context, filter string) error
	IsConnected() bool
	// Close disconnects cleanly. The will is not published and
	// OnConnectionLost is not called.
	Close(ctx context.Context) error
}

// Dialer opens connections. Dial returns once the broker acknowledged the
// connection.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions, cb Callbacks) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, opts DialOptions, cb Callbacks) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, opts DialOptions, cb Callbacks) (Conn, error) {
	return f(ctx, opts, cb)
}

// NewClientID returns name with a random suffix so several processes can
// run the same plugin without the broker kicking one of them off.
func NewClientID(name string) string {
	suffix := uuid.NewString()[:8]
	if name == "" {
		return suffix
	}
	return name + "-" + suffix
}

// RedactAddress masks the password in a broker URL for logs and errors.
// Comma separated server lists are redacted entry by entry.
func RedactAddress(address string) string {
	parts := strings.Split(address, ",")
	for i, p := range parts {
		u, err := url.Parse(strings.TrimSpace(p))
		if err != nil {
			parts[i] = "[invalid address]"
			continue
		}
		parts[i] = u.Redacted()
	}
	return strings.Join(parts, ",")
}
