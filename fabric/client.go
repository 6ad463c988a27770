package fabric

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/health"
	"github.com/c360/mqfabric/message"
	"github.com/c360/mqfabric/metric"
	"github.com/c360/mqfabric/pkg/worker"
	"github.com/c360/mqfabric/route"
	"github.com/c360/mqfabric/topic"
	"github.com/c360/mqfabric/transport"
)

// Defaults
const (
	DefaultVersion       = "0.0"
	DefaultCallTimeout   = 10 * time.Second
	DefaultDispatchQueue = 1000
	stopTimeout          = 5 * time.Second
)

// Handler and Message are the route table types, re-exported so plugin code
// only needs this package.
type (
	Handler = route.Handler
	Message = route.Message
)

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records fabric and dispatch pool metrics in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Client) {
		c.registry = registry
	}
}

// WithVersion sets the version sent in message headers
func WithVersion(v string) Option {
	return func(c *Client) {
		if v != "" {
			c.version = v
		}
	}
}

// WithNamespace sets the first topic segment
func WithNamespace(ns string) Option {
	return func(c *Client) {
		if ns != "" {
			c.topics = topic.NewBuilder(ns)
		}
	}
}

// WithCallTimeout sets the timeout used when a call passes zero
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithDispatchWorkers sets how many goroutines run regular handlers. More
// than one gives up delivery order.
func WithDispatchWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithDispatchQueue sets how many received messages may wait for a handler
// before the receive path blocks.
func WithDispatchQueue(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.queue = n
		}
	}
}

// WithSessionConfig sets the broker session configuration. The client id
// defaults to the plugin name plus a random suffix.
func WithSessionConfig(cfg transport.Config) Option {
	return func(c *Client) {
		c.sessionCfg = cfg
	}
}

// WithHealthMonitor reports session health transitions to m.
func WithHealthMonitor(m *health.Monitor) Option {
	return func(c *Client) {
		c.monitor = m
	}
}

// PutValidator checks a put payload before the handler sees it. property is
// the concrete property from the topic.
type PutValidator func(property string, env message.Envelope) error

// WithPutValidator rejects put requests that fail fn. Rejected puts are
// answered with a failed reply and never reach the OnPut handler.
func WithPutValidator(fn PutValidator) Option {
	return func(c *Client) {
		c.putValidator = fn
	}
}

// Subscription is a registered route. Pass it to Unsubscribe to remove it.
type Subscription struct {
	Token   route.Token
	Pattern string
	Filter  string
}

type delivery struct {
	topic string
	env   message.Envelope
}

// Client is a fabric participant: a named identity with a route table, a
// broker session and a local event bus.
type Client struct {
	name        string
	version     string
	topics      topic.Builder
	callTimeout time.Duration
	workers     int
	queue       int
	sessionCfg  transport.Config

	putValidator PutValidator

	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	monitor  *health.Monitor

	session *transport.Session
	routes  *route.Table
	bus     *EventBus
	pool    *worker.Pool[delivery]

	// subMu keeps route table and subscription set changes in step.
	subMu sync.Mutex

	calling atomic.Bool
	started atomic.Bool
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a client named name that connects through dialer. It does not
// connect until Start.
func New(dialer transport.Dialer, name string, opts ...Option) (*Client, error) {
	if err := topic.ValidSegment(name); err != nil {
		return nil, errors.WrapInvalid(err, "Client", "New", "validate name")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		name:        name,
		version:     DefaultVersion,
		topics:      topic.NewBuilder(""),
		callTimeout: DefaultCallTimeout,
		workers:     1,
		queue:       DefaultDispatchQueue,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.sessionCfg.ClientID == "" {
		c.sessionCfg.ClientID = transport.NewClientID(name)
	}
	c.metrics = c.registry.CoreMetrics()
	c.logger = c.logger.With("client", name)

	session, err := transport.NewSession(dialer, c.sessionCfg,
		transport.WithLogger(c.logger),
		transport.WithMetrics(c.metrics, name))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "Client", "New", "create session")
	}
	c.session = session
	c.session.OnMessage(c.receive)
	c.session.OnStatusChange(c.statusChanged)

	c.routes = route.NewTable(
		route.WithLogger(c.logger),
		route.WithDropHook(func(reason string) { c.metrics.RecordDropped(name, reason) }),
		route.WithErrorHook(func(string, error) { c.metrics.RecordHandlerError(name) }),
	)
	c.bus = NewEventBus(c.logger)

	var poolOpts []worker.Option[delivery]
	if c.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[delivery](c.registry, "dispatch_"+c.sessionCfg.ClientID))
	}
	c.pool = worker.NewPool(c.workers, c.queue, c.dispatch, poolOpts...)

	return c, nil
}

// Name returns the plugin name used in topics and headers
func (c *Client) Name() string { return c.name }

// Version returns the version sent in headers
func (c *Client) Version() string { return c.version }

// Topics returns the topic builder for the client namespace
func (c *Client) Topics() topic.Builder { return c.topics }

// Session returns the underlying broker session
func (c *Client) Session() *transport.Session { return c.session }

// Bus returns the local event bus
func (c *Client) Bus() *EventBus { return c.bus }

// Header returns the header stamped on outgoing requests and replies
func (c *Client) Header() message.Header {
	return message.Header{PluginName: c.name, PluginVersion: c.version}
}

// Subscriptions returns the session subscription set
func (c *Client) Subscriptions() []string {
	return c.session.Subscriptions()
}

// Routes returns the registered route patterns in registration order
func (c *Client) Routes() []string {
	return c.routes.Patterns()
}

// Start starts the dispatch loop and connects. Routes registered before
// Start are subscribed on connect.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "Client", "Start", "start client")
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Client", "Start", "start client")
	}

	if err := c.pool.Start(c.ctx); err != nil {
		c.started.Store(false)
		return errors.Wrap(err, "Client", "Start", "start dispatch pool")
	}
	if err := c.session.Connect(ctx); err != nil {
		_ = c.pool.Stop(stopTimeout)
		c.started.Store(false)
		return errors.Wrap(err, "Client", "Start", "connect")
	}

	c.logger.Info("fabric client started", "client_id", c.session.ClientID(), "routes", c.routes.Len())
	return nil
}

// Close disconnects and stops dispatching. Queued messages are dropped.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	err := c.session.Close(ctx)
	if c.started.Load() {
		timeout := stopTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = max(time.Until(deadline), time.Millisecond)
		}
		if perr := c.pool.Stop(timeout); perr != nil {
			c.logger.Warn("dispatch pool did not stop cleanly", "error", perr)
		}
	}
	if c.monitor != nil {
		c.monitor.Remove(c.healthName())
	}
	c.logger.Info("fabric client closed")
	return err
}

// Health returns the client health derived from the session state.
func (c *Client) Health() health.Status {
	st := c.session.GetStatus()
	name := c.healthName()
	switch st.Status {
	case transport.StatusConnected:
		ps := c.pool.Stats()
		m := &health.Metrics{
			ErrorCount:        int(st.FailureCount),
			MessagesProcessed: ps.Processed,
		}
		if ps.QueueDepth >= ps.QueueSize {
			return health.NewDegraded(name, "dispatch queue full").WithMetrics(m)
		}
		return health.NewHealthy(name, "connected").WithMetrics(m)
	case transport.StatusReconnecting, transport.StatusConnecting:
		return health.NewDegraded(name, st.Status.String())
	default:
		return health.NewUnhealthy(name, st.Status.String())
	}
}

func (c *Client) healthName() string {
	return "fabric." + c.name
}

func (c *Client) statusChanged(st transport.ConnectionStatus) {
	c.logger.Debug("session status changed", "status", st.String())
	if c.monitor != nil {
		c.monitor.Update(c.healthName(), c.Health())
	}
}

// receive runs on the driver's delivery goroutine. Inline routes see the
// message here; everything else is queued for the dispatch pool.
func (c *Client) receive(m transport.Message) {
	c.metrics.RecordReceived(c.name, topic.KindOf(m.Topic))

	env, ok := c.routes.Parse(m.Topic, m.Payload)
	if !ok {
		return
	}
	c.routes.DispatchInline(c.ctx, m.Topic, env)

	d := delivery{topic: m.Topic, env: env}
	err := c.pool.Submit(d)
	if stderrors.Is(err, worker.ErrQueueFull) {
		c.logger.Warn("dispatch queue full, receive blocked", "topic", m.Topic, "queue", c.queue)
		err = c.pool.SubmitContext(c.ctx, d)
	}
	if err != nil {
		c.metrics.RecordDropped(c.name, "stopped")
		c.logger.Debug("message not dispatched", "topic", m.Topic, "error", err)
	}
}

func (c *Client) dispatch(ctx context.Context, d delivery) error {
	if n := c.routes.DispatchEnvelope(ctx, d.topic, d.env); n == 0 {
		c.logger.Debug("no route for message", "topic", d.topic)
	}
	return nil
}

// Subscribe registers h for a pattern topic. The broker filter is
// subscribed when the first route needing it is added.
func (c *Client) Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	return c.subscribe(ctx, pattern, h)
}

func (c *Client) subscribe(ctx context.Context, pattern string, h Handler, opts ...route.Option) (Subscription, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	tok, filter, first, err := c.routes.Add(pattern, h, opts...)
	if err != nil {
		return Subscription{}, err
	}
	if first {
		if err := c.session.Subscribe(ctx, filter); err != nil {
			c.routes.Remove(tok)
			return Subscription{}, err
		}
	}
	c.logger.Debug("route added", "pattern", pattern, "filter", filter)
	return Subscription{Token: tok, Pattern: pattern, Filter: filter}, nil
}

// Unsubscribe removes a route. The broker filter is unsubscribed when no
// other route needs it. Unknown subscriptions are ignored.
func (c *Client) Unsubscribe(ctx context.Context, sub Subscription) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	filter, last := c.routes.Remove(sub.Token)
	if !last {
		return nil
	}
	if err := c.session.Unsubscribe(ctx, filter); err != nil {
		return err
	}
	c.logger.Debug("route removed", "pattern", sub.Pattern, "filter", filter)
	return nil
}

// UnsubscribeAll removes every route and clears the subscription set.
func (c *Client) UnsubscribeAll(ctx context.Context) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	var errs []error
	for _, filter := range c.routes.RemoveAll() {
		if err := c.session.Unsubscribe(ctx, filter); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("unsubscribe all: %w", errs[0])
	}
	return nil
}
