package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/mqfabric/config"
	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/fabric"
	"github.com/c360/mqfabric/health"
	"github.com/c360/mqfabric/message"
	"github.com/c360/mqfabric/metric"
	"github.com/c360/mqfabric/topic"
	"github.com/c360/mqfabric/transport"
)

// Retained status values on {ns}/status/{plugin}
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusOffline = "offline"
)

// Built-in trigger actions and signals
const (
	ActionGetSubscriptions = "get-subscriptions"
	ActionPing             = "ping"
	SignalStart            = "start"
	SignalExit             = "exit"
	PropertyVersion        = "version"
)

const shutdownTimeout = 5 * time.Second

// Option configures a Runtime
type Option func(*Runtime)

// WithLogger sets the runtime logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDialer replaces the dialer built from the broker configuration.
func WithDialer(d transport.Dialer) Option {
	return func(r *Runtime) {
		r.dialer = d
	}
}

// WithMetricsRegistry shares a metrics registry instead of creating one.
func WithMetricsRegistry(reg *metric.MetricsRegistry) Option {
	return func(r *Runtime) {
		r.registry = reg
	}
}

// WithHealthMonitor shares a health monitor instead of creating one.
func WithHealthMonitor(m *health.Monitor) Option {
	return func(r *Runtime) {
		r.monitor = m
	}
}

// WithClientOptions appends options for the fabric client.
func WithClientOptions(opts ...fabric.Option) Option {
	return func(r *Runtime) {
		r.clientOpts = append(r.clientOpts, opts...)
	}
}

// Info is the payload of the start and exit signals.
type Info struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	ClientID string `json:"client_id"`
}

// Runtime hosts one plugin: it owns the fabric client, announces the
// plugin's version and status, answers the built-in triggers and serves
// metrics.
type Runtime struct {
	plugin  Plugin
	cfg     *config.Config
	name    string
	version string

	logger     *slog.Logger
	dialer     transport.Dialer
	registry   *metric.MetricsRegistry
	monitor    *health.Monitor
	clientOpts []fabric.Option
	schemas    putSchemas

	mu      sync.Mutex
	client  *fabric.Client
	server  *metric.Server
	running atomic.Bool
}

// New prepares a runtime for p. The name comes from cfg.Plugin.Name, the
// plugin's Name method or its type, in that order.
func New(p Plugin, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if p == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil plugin"), "Runtime", "New", "validate plugin")
	}
	if cfg == nil {
		cfg = config.Default()
	}

	r := &Runtime{
		plugin:  p,
		cfg:     cfg,
		name:    pluginName(p, cfg),
		version: pluginVersion(p, cfg),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := topic.ValidSegment(r.name); err != nil {
		return nil, errors.WrapInvalid(err, "Runtime", "New", "validate plugin name")
	}
	r.logger = r.logger.With("plugin", r.name)

	if s, ok := p.(Schemed); ok {
		schemas, err := compileSchemas(s.PutSchemas())
		if err != nil {
			return nil, err
		}
		r.schemas = schemas
	}

	if r.dialer == nil {
		d, err := NewDialer(cfg.Broker, r.logger)
		if err != nil {
			return nil, err
		}
		r.dialer = d
	}
	if r.registry == nil {
		r.registry = metric.NewMetricsRegistry()
	}
	if r.monitor == nil {
		r.monitor = health.NewMonitor(
			health.WithMetrics(r.registry.CoreMetrics()),
			health.WithSystemName(r.name))
	}
	return r, nil
}

func pluginName(p Plugin, cfg *config.Config) string {
	if cfg.Plugin.Name != "" {
		return cfg.Plugin.Name
	}
	if n, ok := p.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return NameOf(p)
}

func pluginVersion(p Plugin, cfg *config.Config) string {
	if cfg.Plugin.Version != "" {
		return cfg.Plugin.Version
	}
	if v, ok := p.(Versioned); ok && v.Version() != "" {
		return v.Version()
	}
	return fabric.DefaultVersion
}

// Name returns the plugin name
func (r *Runtime) Name() string { return r.name }

// Version returns the plugin version
func (r *Runtime) Version() string { return r.version }

// Monitor returns the health monitor
func (r *Runtime) Monitor() *health.Monitor { return r.monitor }

// Registry returns the metrics registry
func (r *Runtime) Registry() *metric.MetricsRegistry { return r.registry }

// Client returns the fabric client, or nil before Start.
func (r *Runtime) Client() *fabric.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

// Start connects, registers the built-in routes, runs the plugin's Listen
// and announces it on the fabric.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Runtime", "Start", "start plugin")
	}

	client, err := r.newClient()
	if err != nil {
		return err
	}
	if err := r.registerBuiltins(ctx, client); err != nil {
		return r.abort(client, err)
	}
	if err := client.Start(ctx); err != nil {
		return r.abort(client, err)
	}
	if err := client.PublishState(ctx, PropertyVersion, r.version); err != nil {
		return r.abort(client, err)
	}
	if err := r.plugin.Listen(ctx, client); err != nil {
		return r.abort(client, errors.Wrap(err, "Runtime", "Start", "listen"))
	}
	if err := client.PublishStatus(ctx, StatusRunning, fabric.Retain(), fabric.QoS(1)); err != nil {
		return r.abort(client, err)
	}
	if err := client.PublishSignal(ctx, SignalStart, r.info(client)); err != nil {
		return r.abort(client, err)
	}

	if r.cfg.Metrics.Enabled {
		r.server = metric.NewServer(r.cfg.Metrics.Port, r.cfg.Metrics.Path, r.registry,
			metric.WithHealthHandler(r.monitor),
			metric.WithServerLogger(r.logger))
		if err := r.server.Start(); err != nil {
			r.server = nil
			return r.abort(client, err)
		}
		r.logger.Info("metrics server started", "address", r.server.Address())
	}

	r.client = client
	r.running.Store(true)
	r.monitor.UpdateHealthy("plugin."+r.name, StatusRunning)
	r.logger.Info("plugin started", "version", r.version, "client_id", client.Session().ClientID())
	return nil
}

func (r *Runtime) newClient() (*fabric.Client, error) {
	statusTopic := topic.NewBuilder(r.cfg.Fabric.Namespace).Status(r.name)
	offline, err := message.Encode(StatusOffline)
	if err != nil {
		return nil, err
	}

	sessionCfg := r.cfg.SessionConfig(transport.NewClientID(r.name))
	sessionCfg.Will = &transport.Will{Topic: statusTopic, Payload: offline, QoS: 1, Retain: true}

	opts := []fabric.Option{
		fabric.WithLogger(r.logger),
		fabric.WithMetrics(r.registry),
		fabric.WithHealthMonitor(r.monitor),
		fabric.WithVersion(r.version),
		fabric.WithNamespace(r.cfg.Fabric.Namespace),
		fabric.WithCallTimeout(r.cfg.Fabric.CallTimeout),
		fabric.WithDispatchWorkers(r.cfg.Fabric.DispatchWorkers),
		fabric.WithDispatchQueue(r.cfg.Fabric.DispatchQueue),
		fabric.WithSessionConfig(sessionCfg),
	}
	if r.schemas != nil {
		opts = append(opts, fabric.WithPutValidator(r.schemas.validate))
	}
	opts = append(opts, r.clientOpts...)

	return fabric.New(r.dialer, r.name, opts...)
}

func (r *Runtime) registerBuiltins(ctx context.Context, c *fabric.Client) error {
	_, err := c.OnTrigger(ctx, ActionGetSubscriptions, func(ctx context.Context, msg fabric.Message) error {
		_, err := c.NotifySender(ctx, msg.Envelope, c.Subscriptions(), ActionGetSubscriptions, "")
		return err
	})
	if err != nil {
		return err
	}
	_, err = c.OnTrigger(ctx, ActionPing, func(ctx context.Context, msg fabric.Message) error {
		_, err := c.NotifySender(ctx, msg.Envelope, "pong", ActionPing, "")
		return err
	})
	if err != nil {
		return err
	}

	// The broker publishes the offline will when the connection drops
	// uncleanly. It is replayed to us once the session is back.
	_, err = c.OnStatus(ctx, c.Name(), func(ctx context.Context, msg fabric.Message) error {
		var status string
		if err := msg.Envelope.Decode(&status); err != nil || status != StatusOffline || !r.running.Load() {
			return nil
		}
		r.logger.Info("restoring running status after unclean disconnect")
		return c.PublishStatus(ctx, StatusRunning, fabric.Retain(), fabric.QoS(1))
	})
	return err
}

func (r *Runtime) info(c *fabric.Client) Info {
	return Info{Name: r.name, Version: r.version, ClientID: c.Session().ClientID()}
}

func (r *Runtime) abort(c *fabric.Client, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		r.logger.Debug("closing client after failed start", "error", err)
	}
	name := "plugin." + r.name
	r.monitor.Update(name, health.FromError(name, cause, ""))
	return errors.Wrap(cause, "Runtime", "Start", "start plugin "+r.name)
}

// Stop announces the exit, stops the plugin and disconnects. The retained
// status becomes "stopped".
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	c := r.client

	var errs []error
	if err := c.PublishSignal(ctx, SignalExit, r.info(c)); err != nil {
		errs = append(errs, err)
	}
	if s, ok := r.plugin.(Stopper); ok {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "Runtime", "Stop", "stop plugin"))
		}
	}
	if err := c.PublishStatus(ctx, StatusStopped, fabric.Retain(), fabric.QoS(1)); err != nil {
		errs = append(errs, err)
	}
	if err := c.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.server != nil {
		if err := r.server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		r.server = nil
	}

	r.monitor.UpdateUnhealthy("plugin."+r.name, StatusStopped)
	r.logger.Info("plugin stopped")
	if len(errs) > 0 {
		return fmt.Errorf("stop plugin %s: %w", r.name, errs[0])
	}
	return nil
}

// Run starts the plugin and blocks until ctx is done, then stops it.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return r.Stop(stopCtx)
}

// Subscriptions asks a running plugin for its subscription set.
func Subscriptions(ctx context.Context, c *fabric.Client, plugin string, timeout time.Duration) ([]string, error) {
	raw, err := c.Trigger(ctx, plugin, ActionGetSubscriptions, nil, timeout)
	if err != nil {
		return nil, err
	}
	var subs []string
	if err := json.Unmarshal(raw, &subs); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrMalformedPayload, err),
			"plugin", "Subscriptions", "decode reply")
	}
	return subs, nil
}

// Ping triggers a plugin's ping action and reports the round trip time.
func Ping(ctx context.Context, c *fabric.Client, plugin string, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	if _, err := c.Trigger(ctx, plugin, ActionPing, nil, timeout); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
