package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/fabric"
	"github.com/c360/mqfabric/health"
	"github.com/c360/mqfabric/metric"
	"github.com/c360/mqfabric/topic"
	"github.com/c360/mqfabric/transport"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// NameParam is the query parameter a browser uses to pick its fabric name.
	NameParam = "name"
)

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the bridge logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetricsRegistry records gateway metrics in registry.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(b *Bridge) {
		b.registry = registry
	}
}

// WithAllowedOrigins restricts the Origin header of upgrade requests. An
// empty list accepts any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(b *Bridge) {
		b.origins = origins
	}
}

// WithSessionConfig sets the broker session template for peers. Each peer
// gets its own client id.
func WithSessionConfig(cfg transport.Config) Option {
	return func(b *Bridge) {
		cfg.ClientID = ""
		cfg.Will = nil
		b.sessionCfg = cfg
	}
}

// WithClientOptions appends options for every peer's fabric client.
func WithClientOptions(opts ...fabric.Option) Option {
	return func(b *Bridge) {
		b.clientOpts = append(b.clientOpts, opts...)
	}
}

// Bridge is an http.Handler that lets browsers join the fabric over a
// websocket. Every peer drives its own fabric client, so it has its own name
// and can make calls independently of other peers.
type Bridge struct {
	dialer     transport.Dialer
	sessionCfg transport.Config
	clientOpts []fabric.Option
	origins    []string

	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	peers  map[string]*peer
	closed bool
	wg     sync.WaitGroup
}

// NewBridge creates a bridge whose peers connect through dialer.
func NewBridge(dialer transport.Dialer, opts ...Option) (*Bridge, error) {
	if dialer == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Bridge", "NewBridge", "validate dialer")
	}
	b := &Bridge{
		dialer:     dialer,
		sessionCfg: transport.DefaultConfig(),
		logger:     slog.Default(),
		peers:      make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "websocket-gateway")
	b.metrics = newMetrics(b.registry)
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     b.checkOrigin,
	}
	return b, nil
}

func (b *Bridge) checkOrigin(r *http.Request) bool {
	if len(b.origins) == 0 {
		return true
	}
	return slices.Contains(b.origins, r.Header.Get("Origin"))
}

// Peers returns the ids of connected peers, sorted
func (b *Bridge) Peers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.peers))
	for id := range b.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ServeHTTP connects a fabric client for the peer, then upgrades the
// request. The fabric name comes from the "name" query parameter and
// defaults to "web-" plus a random suffix.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get(NameParam)
	if name == "" {
		name = "web-" + uuid.NewString()[:8]
	}
	if err := topic.ValidSegment(name); err != nil {
		b.metrics.recordError("invalid_name")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.isClosed() {
		http.Error(w, "gateway is shutting down", http.StatusServiceUnavailable)
		return
	}

	opts := append([]fabric.Option{
		fabric.WithLogger(b.logger),
		fabric.WithSessionConfig(b.sessionCfg),
	}, b.clientOpts...)
	client, err := fabric.New(b.dialer, name, opts...)
	if err != nil {
		b.metrics.recordError("client_create")
		http.Error(w, health.Sanitize(err.Error()), http.StatusInternalServerError)
		return
	}
	if err := client.Start(r.Context()); err != nil {
		b.metrics.recordError("client_start")
		b.closeClient(client)
		b.logger.Warn("peer client failed to start", "name", name, "error", err)
		http.Error(w, health.Sanitize(err.Error()), http.StatusBadGateway)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		b.metrics.recordError("connection_upgrade")
		b.closeClient(client)
		return
	}

	p := newPeer(uuid.NewString(), conn, client, b.logger, b.metrics)
	if !b.add(p) {
		p.shutdown()
		return
	}
	b.logger.Info("peer connected", "peer", p.id, "name", name, "remote", r.RemoteAddr)

	go func() {
		defer b.wg.Done()
		p.run()
		b.remove(p)
		b.logger.Info("peer disconnected", "peer", p.id, "name", name)
	}()
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bridge) add(p *peer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.peers[p.id] = p
	b.wg.Add(1)
	b.metrics.peerConnected(len(b.peers))
	return true
}

func (b *Bridge) remove(p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, p.id)
	b.metrics.peerDisconnected(len(b.peers))
}

func (b *Bridge) closeClient(c *fabric.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		b.logger.Debug("closing peer client", "client", c.Name(), "error", err)
	}
}

// Close disconnects every peer and waits until their clients are closed or
// ctx is done. New upgrade requests are refused.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	peers := make([]*peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, p := range peers {
		p.closeConn(websocket.CloseGoingAway, "gateway shutting down")
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Bridge", "Close", "wait for peers")
	}
}
