// Package memory is an in-process broker with retained values and MQTT
// wildcard filters. It backs unit tests and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/topic"
	"github.com/c360/mqfabric/transport"
)

// Broker routes publishes to connected clients. Each connection receives its
// messages in publish order, once per publish even when several of its
// filters match.
type Broker struct {
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[string]*conn
	retained map[string][]byte
	dialErr  error
	drop     func(topicName string) bool
	onPub    []func(transport.Message)
}

// Option configures a Broker
type Option func(*Broker)

// WithLogger sets the broker logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBroker creates an empty broker
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		logger:   slog.Default(),
		conns:    make(map[string]*conn),
		retained: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "memory_broker")
	return b
}

// Dialer returns a transport.Dialer connecting to this broker.
func (b *Broker) Dialer() transport.Dialer {
	return transport.DialerFunc(b.dial)
}

func (b *Broker) dial(ctx context.Context, opts transport.DialOptions, cb transport.Callbacks) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.ClientID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Broker", "Dial", "validate client id")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dialErr != nil {
		return nil, b.dialErr
	}

	// A second connection with the same id takes over, as MQTT brokers do.
	if old, ok := b.conns[opts.ClientID]; ok {
		b.dropLocked(old, fmt.Errorf("%w: client id taken over", errors.ErrConnectionLost))
	}

	c := &conn{
		broker:  b,
		id:      opts.ClientID,
		will:    opts.Will,
		lost:    cb.OnConnectionLost,
		filters: make(map[string]struct{}),
	}
	deliver := cb.OnMessage
	if deliver == nil {
		deliver = func(transport.Message) {}
	}
	c.inbox = transport.NewInbox(deliver)
	b.conns[c.id] = c
	b.logger.Debug("client connected", "client_id", c.id)
	return c, nil
}

// SetDialError makes every Dial fail with err until it is called with nil.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetDropFilter silently discards publishes for which fn returns true.
// Pass nil to deliver everything again.
func (b *Broker) SetDropFilter(fn func(topicName string) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop = fn
}

// OnPublish registers a hook that observes every accepted publish.
func (b *Broker) OnPublish(fn func(transport.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPub = append(b.onPub, fn)
}

// Publish injects a message as if a client had published it.
func (b *Broker) Publish(topicName string, payload []byte, retain bool) {
	b.publish(topicName, payload, transport.PublishOptions{Retain: retain})
}

func (b *Broker) publish(topicName string, payload []byte, opts transport.PublishOptions) {
	b.mu.Lock()
	if b.drop != nil && b.drop(topicName) {
		b.mu.Unlock()
		b.logger.Debug("dropping publish", "topic", topicName)
		return
	}

	data := slices.Clone(payload)
	if opts.Retain {
		if len(data) == 0 {
			delete(b.retained, topicName)
		} else {
			b.retained[topicName] = data
		}
	}

	msg := transport.Message{Topic: topicName, Payload: data, Duplicate: opts.Duplicate}
	for _, c := range b.sortedConnsLocked() {
		if c.matches(topicName) {
			c.inbox.Push(msg)
		}
	}
	hooks := slices.Clone(b.onPub)
	b.mu.Unlock()

	for _, fn := range hooks {
		fn(transport.Message{Topic: topicName, Payload: data, Retained: opts.Retain, Duplicate: opts.Duplicate})
	}
}

func (b *Broker) sortedConnsLocked() []*conn {
	out := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Retained returns the retained value for a topic.
func (b *Broker) Retained(topicName string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.retained[topicName]
	return slices.Clone(v), ok
}

// Clients returns the connected client ids, sorted.
func (b *Broker) Clients() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.conns))
	for id := range b.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscriptions returns the filters a client is subscribed to, sorted.
func (b *Broker) Subscriptions(clientID string) []string {
	b.mu.Lock()
	c, ok := b.conns[clientID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return c.filterList()
}

// Disconnect drops a client's connection without a clean disconnect: its
// will is published and the client is told the connection was lost. It
// reports whether the client was connected.
func (b *Broker) Disconnect(clientID string) bool {
	b.mu.Lock()
	c, ok := b.conns[clientID]
	if ok {
		b.dropLocked(c, errors.ErrConnectionLost)
	}
	b.mu.Unlock()

	if ok && c.will != nil {
		b.publish(c.will.Topic, c.will.Payload, transport.PublishOptions{Retain: c.will.Retain, QoS: c.will.QoS})
	}
	return ok
}

// DisconnectAll drops every connection as Disconnect does.
func (b *Broker) DisconnectAll() {
	for _, id := range b.Clients() {
		b.Disconnect(id)
	}
}

func (b *Broker) dropLocked(c *conn, cause error) {
	delete(b.conns, c.id)
	if !c.shutdown() {
		return
	}
	if c.lost != nil {
		go c.lost(cause)
	}
	b.logger.Debug("client dropped", "client_id", c.id, "cause", cause)
}

func (b *Broker) remove(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.conns[c.id]; ok && cur == c {
		delete(b.conns, c.id)
	}
}

func (b *Broker) subscribe(c *conn, filter string) error {
	if err := topic.ValidFilter(filter); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.conns[c.id]; !ok || cur != c {
		return errors.ErrNotConnected
	}

	c.addFilter(filter)

	names := make([]string, 0)
	for name := range b.retained {
		if topic.MatchFilter(filter, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		c.inbox.Push(transport.Message{Topic: name, Payload: b.retained[name], Retained: true})
	}
	return nil
}

type conn struct {
	broker *Broker
	id     string
	will   *transport.Will
	lost   func(error)
	inbox  *transport.Inbox

	mu      sync.Mutex
	filters map[string]struct{}
	closed  bool
}

func (c *conn) matches(topicName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for f := range c.filters {
		if topic.MatchFilter(f, topicName) {
			return true
		}
	}
	return false
}

func (c *conn) addFilter(f string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters[f] = struct{}{}
}

func (c *conn) filterList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.filters))
	for f := range c.filters {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// shutdown marks the connection closed. It reports false if it already was.
func (c *conn) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.inbox.Close()
	return true
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) Publish(ctx context.Context, topicName string, payload []byte, opts transport.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return errors.ErrNotConnected
	}
	c.broker.publish(topicName, payload, opts)
	return nil
}

func (c *conn) Subscribe(ctx context.Context, filter string, _ byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.broker.subscribe(c, filter)
}

func (c *conn) Unsubscribe(ctx context.Context, filter string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.ErrNotConnected
	}
	delete(c.filters, filter)
	return nil
}

func (c *conn) IsConnected() bool {
	return !c.isClosed()
}

func (c *conn) Close(context.Context) error {
	c.broker.remove(c)
	c.shutdown()
	return nil
}
