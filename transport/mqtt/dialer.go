// Package mqtt connects a transport.Session to an MQTT 3.1.1 broker using the
// Eclipse Paho client.
//
// PublishOptions.Duplicate is ignored: Paho sets the DUP flag itself on
// redelivery and has no way to force it on a first publish.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/transport"
)

// DefaultAddress is used when no broker address is configured
const DefaultAddress = "tcp://localhost:1883"

// quiesce is how long Disconnect waits for in-flight work, in milliseconds.
const quiesce = 250

// Dialer opens Paho connections. Reconnection is left to the Session, so
// every connection uses a clean session with auto-reconnect disabled.
type Dialer struct {
	address string
	tls     *tls.Config
	logger  *slog.Logger
}

// Option configures a Dialer
type Option func(*Dialer)

// WithLogger sets the dialer logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithTLSConfig secures ssl:// and wss:// connections with cfg.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(d *Dialer) {
		d.tls = cfg
	}
}

// NewDialer creates a dialer for address. Addresses without a scheme are
// treated as tcp://host:port.
func NewDialer(address string, opts ...Option) *Dialer {
	d := &Dialer{
		address: NormalizeAddress(address),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "mqtt", "broker", transport.RedactAddress(d.address))
	return d
}

// NormalizeAddress adds the tcp:// scheme to bare host:port addresses.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return DefaultAddress
	}
	if !strings.Contains(address, "://") {
		return "tcp://" + address
	}
	return address
}

// Address returns the broker URL
func (d *Dialer) Address() string {
	return d.address
}

// Dial connects and waits for the CONNACK.
func (d *Dialer) Dial(ctx context.Context, opts transport.DialOptions, cb transport.Callbacks) (transport.Conn, error) {
	if opts.ClientID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Dialer", "Dial", "validate client id")
	}

	deliver := cb.OnMessage
	if deliver == nil {
		deliver = func(transport.Message) {}
	}
	c := &conn{logger: d.logger.With("client_id", opts.ClientID)}
	c.inbox = transport.NewInbox(deliver)

	po := paho.NewClientOptions().
		AddBroker(d.address).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true)

	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	if opts.KeepAlive > 0 {
		po.SetKeepAlive(opts.KeepAlive)
	}
	if opts.ConnectTimeout > 0 {
		po.SetConnectTimeout(opts.ConnectTimeout)
	}
	if d.tls != nil {
		po.SetTLSConfig(d.tls)
	}
	if w := opts.Will; w != nil {
		po.SetBinaryWill(w.Topic, w.Payload, w.QoS, w.Retain)
	}

	// Subscriptions are made without a callback so everything arrives here.
	po.SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) {
		c.inbox.Push(transport.Message{
			Topic:     m.Topic(),
			Payload:   m.Payload(),
			Retained:  m.Retained(),
			Duplicate: m.Duplicate(),
		})
	})
	po.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.inbox.Close()
		c.logger.Info("MQTT connection lost", "error", err)
		if cb.OnConnectionLost != nil {
			cb.OnConnectionLost(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err))
		}
	})

	c.client = paho.NewClient(po)
	if err := wait(ctx, c.client.Connect()); err != nil {
		c.inbox.Close()
		c.client.Disconnect(0)
		return nil, errors.WrapTransient(err, "Dialer", "Dial", "connect to "+transport.RedactAddress(d.address))
	}

	c.logger.Debug("MQTT client connected")
	return c, nil
}

// wait blocks until the token completes or ctx is done.
func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, ctx.Err())
	}
}

type conn struct {
	client paho.Client
	inbox  *transport.Inbox
	logger *slog.Logger
}

func (c *conn) Publish(ctx context.Context, topic string, payload []byte, opts transport.PublishOptions) error {
	if !c.client.IsConnectionOpen() {
		return errors.ErrNotConnected
	}
	if opts.Duplicate {
		// Paho sets DUP itself on redelivery and offers no way to force it.
		c.logger.Debug("duplicate flag not supported by driver, ignoring", "topic", topic)
	}
	return wait(ctx, c.client.Publish(topic, opts.QoS, opts.Retain, payload))
}

func (c *conn) Subscribe(ctx context.Context, filter string, qos byte) error {
	return wait(ctx, c.client.Subscribe(filter, qos, nil))
}

func (c *conn) Unsubscribe(ctx context.Context, filter string) error {
	return wait(ctx, c.client.Unsubscribe(filter))
}

func (c *conn) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *conn) Close(ctx context.Context) error {
	c.inbox.Close()
	q := uint(quiesce)
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < quiesce*time.Millisecond {
			q = uint(max(remaining, 0) / time.Millisecond)
		}
	}
	c.client.Disconnect(q)
	return nil
}
