package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/metric"
	"github.com/c360/mqfabric/pkg/retry"
	"github.com/c360/mqfabric/topic"
)

// Config tunes a Session. Zero values take the defaults from DefaultConfig.
type Config struct {
	ClientID string
	Username string
	Password string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// ConnectAttempts bounds the initial Connect. Reconnects after a lost
	// connection retry until Close.
	ConnectAttempts  int
	ReconnectWait    time.Duration
	MaxReconnectWait time.Duration

	CircuitThreshold int
	MaxBackoff       time.Duration

	SubscribeQoS byte
	Will         *Will
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		KeepAlive:        30 * time.Second,
		ConnectTimeout:   5 * time.Second,
		ConnectAttempts:  10,
		ReconnectWait:    500 * time.Millisecond,
		MaxReconnectWait: 30 * time.Second,
		CircuitThreshold: 5,
		MaxBackoff:       time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = d.ConnectAttempts
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = d.ReconnectWait
	}
	if c.MaxReconnectWait < c.ReconnectWait {
		c.MaxReconnectWait = max(d.MaxReconnectWait, c.ReconnectWait)
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = d.CircuitThreshold
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records connection metrics under the given client label.
func WithMetrics(m *metric.Metrics, label string) Option {
	return func(s *Session) {
		s.metrics = m
		s.label = label
	}
}

// Status is a snapshot of the session connection state.
type Status struct {
	Status          ConnectionStatus
	ClientID        string
	Subscriptions   int
	FailureCount    int32
	LastFailureTime time.Time
	Backoff         time.Duration
}

// Session owns one logical broker connection. It keeps the subscription set,
// re-issues it on every connect, and reconnects after connection loss.
// Deliveries from a connection that has been replaced are discarded.
type Session struct {
	dialer  Dialer
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	label   string

	breaker *circuitBreaker
	status  atomic.Int32

	// dialMu serializes dialing so a reconnect and a clear never race.
	dialMu sync.Mutex

	mu           sync.Mutex
	conn         Conn
	gen          uint64
	filters      []string
	filterSet    map[string]struct{}
	ready        chan struct{}
	readyClosed  bool
	started      bool
	closed       bool
	reconnecting bool
	handler      func(Message)
	listeners    []func(ConnectionStatus)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a disconnected session. cfg.ClientID is required.
func NewSession(dialer Dialer, cfg Config, opts ...Option) (*Session, error) {
	if dialer == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil dialer"), "Session", "NewSession", "validate config")
	}
	if cfg.ClientID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Session", "NewSession", "validate client id")
	}
	if cfg.SubscribeQoS > 2 {
		return nil, errors.WrapInvalid(fmt.Errorf("subscribe qos %d not in 0..2", cfg.SubscribeQoS),
			"Session", "NewSession", "validate config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		dialer:    dialer,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		filterSet: make(map[string]struct{}),
		ready:     make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.label == "" {
		s.label = s.cfg.ClientID
	}
	s.logger = s.logger.With("component", "session", "client_id", s.cfg.ClientID)
	s.breaker = newCircuitBreaker(s.cfg.CircuitThreshold, s.cfg.MaxBackoff, s.logger, s.circuitChanged)
	s.status.Store(int32(StatusDisconnected))
	return s, nil
}

// ClientID returns the broker client identifier
func (s *Session) ClientID() string {
	return s.cfg.ClientID
}

// OnMessage sets the delivery callback. Set it before Connect.
func (s *Session) OnMessage(fn func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// OnStatusChange registers a listener for connection status transitions.
func (s *Session) OnStatusChange(fn func(ConnectionStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Status returns the current connection status
func (s *Session) Status() ConnectionStatus {
	return ConnectionStatus(s.status.Load())
}

// Healthy reports whether the session is connected and subscribed.
func (s *Session) Healthy() bool {
	return s.Status() == StatusConnected
}

// GetStatus returns a status snapshot
func (s *Session) GetStatus() Status {
	s.mu.Lock()
	n := len(s.filters)
	s.mu.Unlock()
	return Status{
		Status:          s.Status(),
		ClientID:        s.cfg.ClientID,
		Subscriptions:   n,
		FailureCount:    s.breaker.totalFailures(),
		LastFailureTime: s.breaker.lastFailureTime(),
		Backoff:         s.breaker.currentBackoff(),
	}
}

func (s *Session) setStatus(st ConnectionStatus) {
	old := ConnectionStatus(s.status.Swap(int32(st)))
	if old == st {
		return
	}
	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

func (s *Session) circuitChanged(open bool) {
	s.metrics.RecordCircuitBreaker(s.label, open)
	if open {
		s.setStatus(StatusCircuitOpen)
		return
	}
	if s.Status() == StatusCircuitOpen {
		s.setStatus(StatusReconnecting)
	}
}

// Ready returns a channel closed once the current connection is up and the
// subscription set has been re-issued. A new channel is handed out after
// every disconnect.
func (s *Session) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// WaitReady blocks until the session is ready, ctx is done, or the session is closed.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.Ready():
		return nil
	case <-s.ctx.Done():
		return errors.WrapFatal(errors.ErrShuttingDown, "Session", "WaitReady", "wait for ready")
	case <-ctx.Done():
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, ctx.Err()),
			"Session", "WaitReady", "wait for ready")
	}
}

func (s *Session) markReadyLocked() {
	if !s.readyClosed {
		close(s.ready)
		s.readyClosed = true
	}
}

func (s *Session) resetReadyLocked() {
	if s.readyClosed {
		s.ready = make(chan struct{})
		s.readyClosed = false
	}
}

// Connect dials the broker, retrying with backoff up to ConnectAttempts
// times, and returns once the session is ready.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return errors.WrapFatal(errors.ErrShuttingDown, "Session", "Connect", "connect to broker")
	case s.started:
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Session", "Connect", "connect to broker")
	}
	s.started = true
	s.mu.Unlock()

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = s.cfg.ConnectAttempts
	cfg.InitialDelay = s.cfg.ReconnectWait
	cfg.MaxDelay = s.cfg.MaxReconnectWait
	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
		s.logger.Warn("broker connect failed, retrying", "attempt", attempt, "error", err, "next", next)
	}

	if err := retry.Do(ctx, cfg, func() error { return s.dialOnce(ctx) }); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		if s.Status() != StatusCircuitOpen {
			s.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(err, "Session", "Connect", "connect to broker")
	}
	return nil
}

// dialOnce dials unless a connection is already up.
func (s *Session) dialOnce(ctx context.Context) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	closed, connected := s.closed, s.conn != nil
	s.mu.Unlock()
	if closed {
		return retry.NonRetryable(errors.ErrShuttingDown)
	}
	if connected {
		return nil
	}
	return s.dial(ctx)
}

// dial opens a new connection generation and re-issues the subscription
// set. The caller holds dialMu.
func (s *Session) dial(ctx context.Context) error {
	if s.breaker.isOpen() {
		return fmt.Errorf("%w: retry after %v", errors.ErrCircuitOpen, s.breaker.currentBackoff())
	}
	if s.Status() != StatusReconnecting {
		s.setStatus(StatusConnecting)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dctx, s.dialOptions(), Callbacks{
		OnConnectionLost: func(err error) { s.connectionLost(gen, err) },
		OnMessage:        func(m Message) { s.deliver(gen, m) },
	})
	if err != nil {
		s.breaker.recordFailure()
		if stderrors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %v: %v", errors.ErrConnectionTimeout, s.cfg.ConnectTimeout, err)
		}
		return errors.WrapTransient(err, "Session", "dial", "connect to broker")
	}

	if err := s.resubscribe(dctx, conn, gen); err != nil {
		_ = conn.Close(context.Background())
		s.breaker.recordFailure()
		return err
	}

	s.breaker.reset()
	s.setStatus(StatusConnected)
	s.metrics.RecordConnected(s.label, true)

	s.mu.Lock()
	n := len(s.filters)
	s.mu.Unlock()
	s.metrics.RecordSubscriptions(s.label, n)
	s.logger.Info("connected to broker", "subscriptions", n)
	return nil
}

// resubscribe issues the subscription set on conn and installs it as the
// current connection. Filters added or removed while it runs are picked up
// before the session is marked ready.
func (s *Session) resubscribe(ctx context.Context, conn Conn, gen uint64) error {
	issued := make(map[string]bool)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return retry.NonRetryable(errors.ErrShuttingDown)
		}
		if s.gen != gen {
			s.mu.Unlock()
			return errors.WrapTransient(errors.ErrConnectionLost, "Session", "resubscribe", "re-issue subscriptions")
		}

		var add, remove []string
		for _, f := range s.filters {
			if !issued[f] {
				add = append(add, f)
			}
		}
		for f := range issued {
			if _, ok := s.filterSet[f]; !ok {
				remove = append(remove, f)
			}
		}
		if len(add) == 0 && len(remove) == 0 {
			s.conn = conn
			s.markReadyLocked()
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		for _, f := range add {
			if err := conn.Subscribe(ctx, f, s.cfg.SubscribeQoS); err != nil {
				return errors.WrapTransient(fmt.Errorf("%w: %s: %v", errors.ErrSubscriptionFailed, f, err),
					"Session", "resubscribe", "re-issue subscriptions")
			}
			issued[f] = true
		}
		for _, f := range remove {
			if err := conn.Unsubscribe(ctx, f); err != nil {
				s.logger.Warn("unsubscribe during resubscribe failed", "filter", f, "error", err)
			}
			delete(issued, f)
		}
	}
}

func (s *Session) dialOptions() DialOptions {
	return DialOptions{
		ClientID:       s.cfg.ClientID,
		Username:       s.cfg.Username,
		Password:       s.cfg.Password,
		KeepAlive:      s.cfg.KeepAlive,
		ConnectTimeout: s.cfg.ConnectTimeout,
		Will:           s.cfg.Will,
	}
}

func (s *Session) deliver(gen uint64, m Message) {
	s.mu.Lock()
	current := gen == s.gen && !s.closed
	h := s.handler
	s.mu.Unlock()

	if !current {
		s.logger.Debug("discarding delivery from replaced connection", "topic", m.Topic)
		return
	}
	if h != nil {
		h(m)
	}
}

func (s *Session) connectionLost(gen uint64, cause error) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.gen++
	s.resetReadyLocked()
	start := !s.reconnecting
	if start {
		s.reconnecting = true
		s.wg.Add(1)
	}
	s.mu.Unlock()

	s.metrics.RecordConnected(s.label, false)
	s.setStatus(StatusReconnecting)
	s.logger.Info("connection lost, reconnecting", "error", cause)

	if start {
		go s.reconnectLoop()
	}
}

// startReconnect brings the session back in the background after a failed clear.
func (s *Session) startReconnect() {
	s.mu.Lock()
	if s.closed || s.conn != nil || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.reconnectLoop()
}

func (s *Session) reconnectLoop() {
	defer s.wg.Done()

	delay := s.cfg.ReconnectWait
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		err := s.dialOnce(s.ctx)
		if err == nil {
			s.mu.Lock()
			if s.closed || s.conn != nil {
				s.reconnecting = false
				s.mu.Unlock()
				s.metrics.RecordReconnect(s.label)
				s.logger.Info("reconnected to broker", "attempts", attempt)
				return
			}
			s.mu.Unlock()
		} else {
			if retry.IsNonRetryable(err) {
				s.mu.Lock()
				s.reconnecting = false
				s.mu.Unlock()
				return
			}
			s.logger.Warn("reconnect failed", "attempt", attempt, "error", err, "next", delay)
		}

		timer.Reset(delay)
		delay = min(delay*2, s.cfg.MaxReconnectWait)
	}
}

// ClearAndResubscribe drops the current connection, dials a new one and
// re-issues the subscription set. It returns once the new connection is
// ready, or fails with ErrConnectionTimeout when that takes longer than
// timeout. A timeout of zero or less waits for ctx only. On failure the
// session keeps reconnecting in the background.
func (s *Session) ClearAndResubscribe(ctx context.Context, timeout time.Duration) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WrapFatal(errors.ErrShuttingDown, "Session", "ClearAndResubscribe", "clear connection")
	}
	old := s.conn
	s.conn = nil
	s.gen++
	s.resetReadyLocked()
	s.mu.Unlock()

	s.setStatus(StatusReconnecting)
	if old != nil {
		if err := old.Close(ctx); err != nil {
			s.logger.Debug("closing replaced connection", "error", err)
		}
	}

	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := s.dial(cctx); err != nil {
		s.metrics.RecordConnected(s.label, false)
		defer s.startReconnect()
		if stderrors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return errors.WrapTransient(
				fmt.Errorf("%w: not ready within %v: %v", errors.ErrConnectionTimeout, timeout, err),
				"Session", "ClearAndResubscribe", "reconnect")
		}
		return errors.WrapTransient(err, "Session", "ClearAndResubscribe", "reconnect")
	}

	s.metrics.RecordReconnect(s.label)
	s.logger.Debug("cleared and resubscribed")
	return nil
}

// Publish sends payload on topic. It fails immediately with ErrNotConnected
// while the session is not ready.
func (s *Session) Publish(ctx context.Context, name string, payload []byte, opts PublishOptions) error {
	if err := opts.Validate(); err != nil {
		return errors.WrapInvalid(err, "Session", "Publish", "validate options")
	}
	if err := topic.ValidTopic(name); err != nil {
		return errors.WrapInvalid(err, "Session", "Publish", "validate topic")
	}

	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()

	if closed {
		return errors.WrapTransient(fmt.Errorf("%w: session closed", errors.ErrNotConnected),
			"Session", "Publish", "publish "+name)
	}
	if conn == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "Session", "Publish", "publish "+name)
	}

	if err := conn.Publish(ctx, name, payload, opts); err != nil {
		if !errors.IsTransport(err) {
			err = fmt.Errorf("%w: %v", errors.ErrPublishFailed, err)
		}
		return errors.WrapTransient(err, "Session", "Publish", "publish "+name)
	}

	s.logger.Debug("published", "topic", name, "bytes", len(payload), "retain", opts.Retain, "qos", opts.QoS)
	return nil
}

// Subscribe adds filter to the subscription set. Before the session is
// ready the filter is only recorded and gets issued on connect. Adding a
// filter that is already in the set does nothing.
func (s *Session) Subscribe(ctx context.Context, filter string) error {
	if err := topic.ValidFilter(filter); err != nil {
		return errors.WrapInvalid(err, "Session", "Subscribe", "validate filter")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WrapFatal(errors.ErrShuttingDown, "Session", "Subscribe", "subscribe "+filter)
	}
	if _, ok := s.filterSet[filter]; ok {
		s.mu.Unlock()
		return nil
	}
	s.filterSet[filter] = struct{}{}
	s.filters = append(s.filters, filter)
	conn := s.conn
	n := len(s.filters)
	s.mu.Unlock()

	s.metrics.RecordSubscriptions(s.label, n)
	if conn == nil {
		return nil
	}

	if err := conn.Subscribe(ctx, filter, s.cfg.SubscribeQoS); err != nil {
		s.mu.Lock()
		replaced := s.conn != conn
		s.mu.Unlock()
		if replaced {
			// The new connection already issued it, or will.
			return nil
		}
		s.removeFilter(filter)
		return errors.WrapTransient(fmt.Errorf("%w: %s: %v", errors.ErrSubscriptionFailed, filter, err),
			"Session", "Subscribe", "subscribe "+filter)
	}
	s.logger.Debug("subscribed", "filter", filter)
	return nil
}

// Unsubscribe removes filter from the subscription set. Removing an unknown
// filter does nothing.
func (s *Session) Unsubscribe(ctx context.Context, filter string) error {
	if !s.removeFilter(filter) {
		return nil
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Unsubscribe(ctx, filter); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %s: %v", errors.ErrSubscriptionFailed, filter, err),
			"Session", "Unsubscribe", "unsubscribe "+filter)
	}
	s.logger.Debug("unsubscribed", "filter", filter)
	return nil
}

func (s *Session) removeFilter(filter string) bool {
	s.mu.Lock()
	if _, ok := s.filterSet[filter]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.filterSet, filter)
	s.filters = slices.DeleteFunc(s.filters, func(f string) bool { return f == filter })
	n := len(s.filters)
	s.mu.Unlock()

	s.metrics.RecordSubscriptions(s.label, n)
	return true
}

// Subscriptions returns the subscription set in insertion order.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.filters)
}

// HasSubscription reports whether filter is in the subscription set.
func (s *Session) HasSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.filterSet[filter]
	return ok
}

// Close disconnects cleanly and stops reconnecting. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.gen++
	s.resetReadyLocked()
	s.mu.Unlock()

	s.cancel()
	s.breaker.stop()

	var errs []error
	if conn != nil {
		if err := conn.Close(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "Session", "Close", "disconnect"))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, errors.Wrap(ctx.Err(), "Session", "Close", "wait for reconnect loop"))
	}

	s.metrics.RecordConnected(s.label, false)
	s.setStatus(StatusClosed)
	s.logger.Info("session closed")
	return stderrors.Join(errs...)
}
