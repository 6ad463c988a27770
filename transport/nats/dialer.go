// Package nats connects a transport.Session to a NATS server. Topics map to
// subjects, and retained values live in a JetStream key-value bucket that is
// replayed to new subscribers.
package nats

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/topic"
	"github.com/c360/mqfabric/transport"
)

// Defaults
const (
	DefaultURL          = nats.DefaultURL
	DefaultBucket       = "mqfabric_retained"
	DefaultDrainTimeout = 5 * time.Second
)

// Dialer opens NATS connections. Reconnection is left to the Session, so
// the client library's own reconnect is disabled.
type Dialer struct {
	url          string
	bucket       string
	drainTimeout time.Duration
	tls          *tls.Config
	logger       *slog.Logger
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

// WithBucket sets the key-value bucket holding retained values
func WithBucket(name string) Option {
	return func(d *Dialer) {
		if name != "" {
			d.bucket = name
		}
	}
}

// WithDrainTimeout bounds how long Close drains in-flight messages
func WithDrainTimeout(timeout time.Duration) Option {
	return func(d *Dialer) {
		if timeout > 0 {
			d.drainTimeout = timeout
		}
	}
}

// WithTLSConfig requires TLS on the connection and verifies the server with cfg.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(d *Dialer) {
		d.tls = cfg
	}
}

// NewDialer creates a dialer for url
func NewDialer(url string, opts ...Option) *Dialer {
	if url == "" {
		url = DefaultURL
	}
	d := &Dialer{
		url:          url,
		bucket:       DefaultBucket,
		drainTimeout: DefaultDrainTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "nats", "url", transport.RedactAddress(d.url))
	return d
}

// URL returns the NATS server URL
func (d *Dialer) URL() string {
	return d.url
}

// Dial connects and opens the retained-value bucket.
func (d *Dialer) Dial(ctx context.Context, opts transport.DialOptions, cb transport.Callbacks) (transport.Conn, error) {
	if opts.ClientID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Dialer", "Dial", "validate client id")
	}

	deliver := cb.OnMessage
	if deliver == nil {
		deliver = func(transport.Message) {}
	}
	c := &conn{
		logger:       d.logger.With("client_id", opts.ClientID),
		subs:         make(map[string][]*nats.Subscription),
		drainTimeout: d.drainTimeout,
	}
	c.inbox = transport.NewInbox(deliver)

	if opts.Will != nil {
		c.logger.Debug("last will not supported by NATS, ignoring", "topic", opts.Will.Topic)
	}

	natsOpts := []nats.Option{
		nats.Name(opts.ClientID),
		nats.NoReconnect(),
		nats.DrainTimeout(d.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if c.closing.Load() {
				return
			}
			c.inbox.Close()
			c.logger.Info("NATS connection lost", "error", err)
			if cb.OnConnectionLost != nil {
				cb.OnConnectionLost(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err))
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if opts.Username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.Username, opts.Password))
	}
	if opts.ConnectTimeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(opts.ConnectTimeout))
	}
	if opts.KeepAlive > 0 {
		natsOpts = append(natsOpts, nats.PingInterval(opts.KeepAlive))
	}
	if d.tls != nil {
		natsOpts = append(natsOpts, nats.Secure(d.tls))
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(d.url, natsOpts...)
		done <- result{nc, err}
	}()

	var nc *nats.Conn
	select {
	case r := <-done:
		if r.err != nil {
			c.inbox.Close()
			return nil, errors.WrapTransient(r.err, "Dialer", "Dial", "connect to "+transport.RedactAddress(d.url))
		}
		nc = r.nc
	case <-ctx.Done():
		c.inbox.Close()
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, ctx.Err()),
			"Dialer", "Dial", "connect to "+transport.RedactAddress(d.url))
	}
	c.nc = nc

	js, err := jetstream.New(nc)
	if err == nil {
		c.kv, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      d.bucket,
			Description: "retained topic values",
			History:     1,
		})
	}
	if err != nil {
		c.closing.Store(true)
		c.inbox.Close()
		nc.Close()
		return nil, errors.WrapTransient(err, "Dialer", "Dial", "open retained bucket "+d.bucket)
	}

	c.logger.Debug("NATS client connected")
	return c, nil
}

type conn struct {
	nc           *nats.Conn
	kv           jetstream.KeyValue
	inbox        *transport.Inbox
	logger       *slog.Logger
	drainTimeout time.Duration
	closing      atomic.Bool

	mu   sync.Mutex
	subs map[string][]*nats.Subscription
}

func (c *conn) Publish(ctx context.Context, name string, payload []byte, opts transport.PublishOptions) error {
	if !c.nc.IsConnected() {
		return errors.ErrNotConnected
	}
	subject, err := TopicToSubject(name)
	if err != nil {
		return err
	}

	if opts.Retain {
		if len(payload) == 0 {
			if err := c.kv.Delete(ctx, subject); err != nil && !stderrors.Is(err, jetstream.ErrKeyNotFound) {
				return fmt.Errorf("clear retained %s: %w", name, err)
			}
		} else if _, err := c.kv.Put(ctx, subject, payload); err != nil {
			return fmt.Errorf("store retained %s: %w", name, err)
		}
	}

	if err := c.nc.Publish(subject, payload); err != nil {
		return err
	}
	if opts.QoS > 0 {
		return c.nc.FlushWithContext(ctx)
	}
	return nil
}

func (c *conn) Subscribe(ctx context.Context, filter string, _ byte) error {
	subjects, err := FilterToSubjects(filter)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.subs[filter]; !ok {
		subs := make([]*nats.Subscription, 0, len(subjects))
		for _, subject := range subjects {
			sub, err := c.nc.Subscribe(subject, c.receive)
			if err != nil {
				for _, s := range subs {
					_ = s.Unsubscribe()
				}
				c.mu.Unlock()
				return err
			}
			subs = append(subs, sub)
		}
		c.subs[filter] = subs
	}
	c.mu.Unlock()

	return c.replayRetained(ctx, filter)
}

func (c *conn) receive(m *nats.Msg) {
	c.inbox.Push(transport.Message{Topic: SubjectToTopic(m.Subject), Payload: m.Data})
}

// replayRetained delivers stored values matching filter, as an MQTT broker
// does on subscribe.
func (c *conn) replayRetained(ctx context.Context, filter string) error {
	lister, err := c.kv.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("list retained keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	for key := range lister.Keys() {
		name := SubjectToTopic(key)
		if !topic.MatchFilter(filter, name) {
			continue
		}
		entry, err := c.kv.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return fmt.Errorf("read retained %s: %w", name, err)
		}
		c.inbox.Push(transport.Message{Topic: name, Payload: entry.Value(), Retained: true})
	}
	return nil
}

func (c *conn) Unsubscribe(_ context.Context, filter string) error {
	c.mu.Lock()
	subs := c.subs[filter]
	delete(c.subs, filter)
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (c *conn) IsConnected() bool {
	return c.nc.IsConnected()
}

// Close drains the connection, bounded by the drain timeout or ctx.
func (c *conn) Close(ctx context.Context) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.inbox.Close()

	drainTimeout := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
			drainTimeout = remaining
		}
	}

	drained := make(chan error, 1)
	go func() {
		drained <- c.nc.Drain()
	}()

	var err error
	select {
	case err = <-drained:
		if err != nil {
			err = errors.Wrap(err, "conn", "Close", "drain connection")
		}
	case <-time.After(drainTimeout):
		err = errors.WrapTransient(fmt.Errorf("drain timeout after %v", drainTimeout), "conn", "Close", "drain connection")
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "conn", "Close", "context cancelled during drain")
	}

	c.nc.Close()
	return err
}
