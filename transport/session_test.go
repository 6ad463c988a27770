package transport_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/transport"
	"github.com/c360/mqfabric/transport/memory"
)

type collector struct {
	mu   sync.Mutex
	msgs []transport.Message
	ch   chan transport.Message
}

func newCollector() *collector {
	return &collector{ch: make(chan transport.Message, 64)}
}

func (c *collector) handle(m transport.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	c.ch <- m
}

func (c *collector) next(t *testing.T) transport.Message {
	t.Helper()
	select {
	case m := <-c.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return transport.Message{}
	}
}

func (c *collector) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-c.ch:
		t.Fatalf("unexpected message on %s", m.Topic)
	case <-time.After(d):
	}
}

func testConfig(id string) transport.Config {
	return transport.Config{
		ClientID:         id,
		ConnectAttempts:  2,
		ReconnectWait:    10 * time.Millisecond,
		MaxReconnectWait: 50 * time.Millisecond,
		ConnectTimeout:   time.Second,
	}
}

func newSession(t *testing.T, b *memory.Broker, id string) (*transport.Session, *collector) {
	t.Helper()
	s, err := transport.NewSession(b.Dialer(), testConfig(id))
	require.NoError(t, err)
	c := newCollector()
	s.OnMessage(c.handle)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, c
}

func TestNewSession_Validation(t *testing.T) {
	b := memory.NewBroker()

	_, err := transport.NewSession(nil, testConfig("a"))
	assert.True(t, errors.IsInvalid(err))

	_, err = transport.NewSession(b.Dialer(), transport.Config{})
	assert.True(t, errors.IsInvalid(err))

	cfg := testConfig("a")
	cfg.SubscribeQoS = 3
	_, err = transport.NewSession(b.Dialer(), cfg)
	assert.True(t, errors.IsInvalid(err))
}

func TestSession_SubscribeBeforeReady(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s, c := newSession(t, b, "client-a")

	require.NoError(t, s.Subscribe(ctx, "app/+/state/#"))
	assert.Equal(t, []string{"app/+/state/#"}, s.Subscriptions())
	assert.Equal(t, transport.StatusDisconnected, s.Status())

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.WaitReady(ctx))
	assert.Equal(t, transport.StatusConnected, s.Status())
	assert.Equal(t, []string{"app/+/state/#"}, b.Subscriptions("client-a"))

	require.NoError(t, s.Publish(ctx, "app/dm/state/device", []byte(`{"id":1}`), transport.PublishOptions{}))
	m := c.next(t)
	assert.Equal(t, "app/dm/state/device", m.Topic)
	assert.JSONEq(t, `{"id":1}`, string(m.Payload))
}

func TestSession_ConnectTwice(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t, memory.NewBroker(), "client-a")
	require.NoError(t, s.Connect(ctx))

	err := s.Connect(ctx)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestSession_PublishWhileDisconnected(t *testing.T) {
	s, _ := newSession(t, memory.NewBroker(), "client-a")

	start := time.Now()
	err := s.Publish(context.Background(), "app/x", []byte(`1`), transport.PublishOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestSession_PublishValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t, memory.NewBroker(), "client-a")
	require.NoError(t, s.Connect(ctx))

	err := s.Publish(ctx, "app/x", []byte(`1`), transport.PublishOptions{QoS: 3})
	assert.True(t, errors.IsInvalid(err))

	err = s.Publish(ctx, "app/+/x", []byte(`1`), transport.PublishOptions{})
	assert.True(t, errors.IsInvalid(err))

	err = s.Subscribe(ctx, "app/#/x")
	assert.True(t, errors.IsInvalid(err))
}

func TestSession_RetainedDeliveredToNewSubscriber(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	b.Publish("app/dm/state/count", []byte(`5`), true)

	s, c := newSession(t, b, "client-a")
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Subscribe(ctx, "app/dm/state/count"))

	m := c.next(t)
	assert.Equal(t, "5", string(m.Payload))
	assert.True(t, m.Retained)
}

func TestSession_ReconnectRestoresSubscriptions(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s, c := newSession(t, b, "client-a")

	var mu sync.Mutex
	var statuses []transport.ConnectionStatus
	s.OnStatusChange(func(st transport.ConnectionStatus) {
		mu.Lock()
		statuses = append(statuses, st)
		mu.Unlock()
	})

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Subscribe(ctx, "app/a"))
	require.NoError(t, s.Subscribe(ctx, "app/b/#"))

	require.True(t, b.Disconnect("client-a"))

	require.Eventually(t, func() bool {
		return s.Status() == transport.StatusConnected && len(b.Subscriptions("client-a")) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"app/a", "app/b/#"}, b.Subscriptions("client-a"))

	b.Publish("app/b/c", []byte(`{}`), false)
	assert.Equal(t, "app/b/c", c.next(t).Topic)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return statuses[len(statuses)-1] == transport.StatusConnected
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, transport.StatusReconnecting)
}

func TestSession_ClearAndResubscribe(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	b.Publish("app/dm/state/count", []byte(`7`), true)

	s, c := newSession(t, b, "client-a")
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Subscribe(ctx, "app/dm/state/count"))
	assert.Equal(t, "7", string(c.next(t).Payload))

	// Subscribing again is a no-op, so no second retained delivery.
	require.NoError(t, s.Subscribe(ctx, "app/dm/state/count"))
	c.none(t, 50*time.Millisecond)

	require.NoError(t, s.ClearAndResubscribe(ctx, time.Second))
	m := c.next(t)
	assert.Equal(t, "7", string(m.Payload))
	assert.True(t, m.Retained)
	assert.Equal(t, []string{"app/dm/state/count"}, s.Subscriptions())
	assert.True(t, s.Healthy())
}

func TestSession_ClearAndResubscribeFailure(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s, _ := newSession(t, b, "client-a")
	require.NoError(t, s.Connect(ctx))

	refused := stderrors.New("connection refused")
	b.SetDialError(refused)

	err := s.ClearAndResubscribe(ctx, 200*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, refused)
	assert.False(t, s.Healthy())

	err = s.Publish(ctx, "app/x", []byte(`1`), transport.PublishOptions{})
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	b.SetDialError(nil)
	require.Eventually(t, s.Healthy, 3*time.Second, 5*time.Millisecond)
}

func TestSession_UnsubscribeUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s, c := newSession(t, b, "client-a")
	require.NoError(t, s.Connect(ctx))

	require.NoError(t, s.Unsubscribe(ctx, "app/none"))
	require.NoError(t, s.Subscribe(ctx, "app/x"))
	require.NoError(t, s.Unsubscribe(ctx, "app/x"))
	assert.Empty(t, s.Subscriptions())
	assert.False(t, s.HasSubscription("app/x"))

	b.Publish("app/x", []byte(`1`), false)
	c.none(t, 50*time.Millisecond)
}

func TestSession_CircuitBreakerOpens(t *testing.T) {
	b := memory.NewBroker()
	b.SetDialError(stderrors.New("connection refused"))

	cfg := testConfig("client-a")
	cfg.ConnectAttempts = 3
	cfg.CircuitThreshold = 2
	s, err := transport.NewSession(b.Dialer(), cfg)
	require.NoError(t, err)
	defer s.Close(context.Background())

	err = s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	st := s.GetStatus()
	assert.Equal(t, transport.StatusCircuitOpen, st.Status)
	assert.Equal(t, int32(2), st.FailureCount)
	assert.Equal(t, 2*time.Second, st.Backoff)
	assert.False(t, st.LastFailureTime.IsZero())
}

func TestSession_WillOnAbruptDisconnect(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()

	cfg := testConfig("plugin-a")
	cfg.Will = &transport.Will{Topic: "app/status/plugin", Payload: []byte(`"offline"`), Retain: true}
	s, err := transport.NewSession(b.Dialer(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx))

	b.Disconnect("plugin-a")
	v, ok := b.Retained("app/status/plugin")
	require.True(t, ok)
	assert.Equal(t, `"offline"`, string(v))

	require.NoError(t, s.Close(ctx))
}

func TestSession_Close(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s, _ := newSession(t, b, "client-a")
	require.NoError(t, s.Connect(ctx))

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, transport.StatusClosed, s.Status())
	assert.Empty(t, b.Clients())

	err := s.Publish(ctx, "app/x", []byte(`1`), transport.PublishOptions{})
	assert.True(t, errors.IsTransport(err))

	err = s.WaitReady(ctx)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestNewClientID(t *testing.T) {
	a := transport.NewClientID("device-model")
	b := transport.NewClientID("device-model")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^device-model-[0-9a-f]{8}$`, a)
}
