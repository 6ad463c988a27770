// Package transporttest checks broker drivers against the behavior a
// transport.Session relies on, and starts real brokers for integration
// tests.
package transporttest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mqfabric/transport"
)

const receiveTimeout = 5 * time.Second

type inbox chan transport.Message

func (in inbox) next(t *testing.T) transport.Message {
	t.Helper()
	select {
	case m := <-in:
		return m
	case <-time.After(receiveTimeout):
		t.Fatal("timed out waiting for message")
		return transport.Message{}
	}
}

func (in inbox) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-in:
		t.Fatalf("unexpected message on %s", m.Topic)
	case <-time.After(d):
	}
}

// Config is the session template used by the conformance suite.
func Config(clientID string) transport.Config {
	cfg := transport.DefaultConfig()
	cfg.ClientID = clientID
	cfg.ConnectAttempts = 3
	cfg.ReconnectWait = 50 * time.Millisecond
	cfg.MaxReconnectWait = 500 * time.Millisecond
	return cfg
}

// Connect starts a session on dialer and closes it when the test ends.
func Connect(t *testing.T, dialer transport.Dialer, name string) (*transport.Session, chan transport.Message) {
	t.Helper()
	s, err := transport.NewSession(dialer, Config(transport.NewClientID(name)))
	require.NoError(t, err)
	in := make(inbox, 64)
	s.OnMessage(func(m transport.Message) { in <- m })
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), receiveTimeout)
		defer cancel()
		_ = s.Close(ctx)
	})
	require.NoError(t, s.Connect(context.Background()))
	return s, in
}

// RunConformance runs the driver suite. Every subtest uses a fresh topic
// namespace so retained values from earlier runs cannot interfere.
func RunConformance(t *testing.T, dialer transport.Dialer) {
	t.Run("PublishSubscribeWildcards", func(t *testing.T) {
		ns := namespace()
		ctx := context.Background()
		pub, _ := Connect(t, dialer, "pub")
		sub, in := Connect(t, dialer, "sub")

		require.NoError(t, sub.Subscribe(ctx, ns+"/+/state/#"))
		require.NoError(t, pub.Publish(ctx, ns+"/dropbot/state/voltage", []byte(`42`), transport.PublishOptions{QoS: 1}))

		m := inbox(in).next(t)
		assert.Equal(t, ns+"/dropbot/state/voltage", m.Topic)
		assert.JSONEq(t, `42`, string(m.Payload))
		assert.False(t, m.Retained)

		require.NoError(t, pub.Publish(ctx, ns+"/dropbot/signal/start", []byte(`{}`), transport.PublishOptions{}))
		inbox(in).none(t, 200*time.Millisecond)
	})

	t.Run("RetainedReplay", func(t *testing.T) {
		ns := namespace()
		ctx := context.Background()
		pub, _ := Connect(t, dialer, "pub")
		require.NoError(t, pub.Publish(ctx, ns+"/dropbot/state/voltage", []byte(`7`),
			transport.PublishOptions{Retain: true, QoS: 1}))

		sub, in := Connect(t, dialer, "sub")
		require.NoError(t, sub.Subscribe(ctx, ns+"/dropbot/state/voltage"))
		m := inbox(in).next(t)
		assert.Equal(t, `7`, string(m.Payload))
		assert.True(t, m.Retained)
	})

	t.Run("ClearRetained", func(t *testing.T) {
		ns := namespace()
		ctx := context.Background()
		pub, _ := Connect(t, dialer, "pub")
		opts := transport.PublishOptions{Retain: true, QoS: 1}
		require.NoError(t, pub.Publish(ctx, ns+"/dropbot/state/mode", []byte(`"auto"`), opts))
		require.NoError(t, pub.Publish(ctx, ns+"/dropbot/state/mode", nil, opts))

		sub, in := Connect(t, dialer, "sub")
		require.NoError(t, sub.Subscribe(ctx, ns+"/dropbot/state/mode"))
		inbox(in).none(t, 300*time.Millisecond)
	})

	t.Run("ClearAndResubscribeReplays", func(t *testing.T) {
		ns := namespace()
		ctx := context.Background()
		pub, _ := Connect(t, dialer, "pub")
		sub, in := Connect(t, dialer, "sub")

		require.NoError(t, sub.Subscribe(ctx, ns+"/dropbot/state/count"))
		require.NoError(t, pub.Publish(ctx, ns+"/dropbot/state/count", []byte(`1`),
			transport.PublishOptions{Retain: true, QoS: 1}))
		assert.Equal(t, `1`, string(inbox(in).next(t).Payload))

		require.NoError(t, sub.ClearAndResubscribe(ctx, receiveTimeout))
		m := inbox(in).next(t)
		assert.Equal(t, `1`, string(m.Payload))
		assert.True(t, m.Retained)
		assert.True(t, sub.Healthy())
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		ns := namespace()
		ctx := context.Background()
		pub, _ := Connect(t, dialer, "pub")
		sub, in := Connect(t, dialer, "sub")

		require.NoError(t, sub.Subscribe(ctx, ns+"/trigger/dropbot/home"))
		require.NoError(t, pub.Publish(ctx, ns+"/trigger/dropbot/home", []byte(`{}`), transport.PublishOptions{QoS: 1}))
		inbox(in).next(t)

		require.NoError(t, sub.Unsubscribe(ctx, ns+"/trigger/dropbot/home"))
		require.NoError(t, pub.Publish(ctx, ns+"/trigger/dropbot/home", []byte(`{}`), transport.PublishOptions{QoS: 1}))
		inbox(in).none(t, 300*time.Millisecond)
	})
}

func namespace() string {
	return "conformance-" + uuid.NewString()[:8]
}
