package fabric_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/mqfabric/fabric"
	"github.com/c360/mqfabric/transport"
	"github.com/c360/mqfabric/transport/memory"
)

func testSession() transport.Config {
	return transport.Config{
		ConnectAttempts:  2,
		ReconnectWait:    10 * time.Millisecond,
		MaxReconnectWait: 50 * time.Millisecond,
		ConnectTimeout:   time.Second,
	}
}

func newClient(t *testing.T, b *memory.Broker, name string, opts ...fabric.Option) *fabric.Client {
	t.Helper()
	opts = append([]fabric.Option{fabric.WithSessionConfig(testSession())}, opts...)
	c, err := fabric.New(b.Dialer(), name, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func startClient(t *testing.T, b *memory.Broker, name string, opts ...fabric.Option) *fabric.Client {
	t.Helper()
	c := newClient(t, b, name, opts...)
	require.NoError(t, c.Start(context.Background()))
	return c
}

// inbox collects handler deliveries.
type inbox chan fabric.Message

func newInbox() inbox { return make(inbox, 32) }

func (in inbox) handle(_ context.Context, msg fabric.Message) error {
	in <- msg
	return nil
}

func (in inbox) next(t *testing.T) fabric.Message {
	t.Helper()
	select {
	case msg := <-in:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return fabric.Message{}
	}
}

func (in inbox) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-in:
		t.Fatalf("unexpected message on %s", msg.Topic)
	case <-time.After(d):
	}
}
