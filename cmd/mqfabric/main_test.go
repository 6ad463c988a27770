package main

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mqfabric/config"
	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/fabric"
	"github.com/c360/mqfabric/message"
	"github.com/c360/mqfabric/transport"
	"github.com/c360/mqfabric/transport/memory"
)

// useBroker points every command at an in-memory broker.
func useBroker(t *testing.T) *memory.Broker {
	t.Helper()
	b := memory.NewBroker()
	prev := newDialer
	newDialer = func(config.BrokerConfig, *slog.Logger) (transport.Dialer, error) {
		return b.Dialer(), nil
	}
	t.Cleanup(func() { newDialer = prev })
	return b
}

func startPlugin(t *testing.T, b *memory.Broker, name string) *fabric.Client {
	t.Helper()
	c, err := fabric.New(b.Dialer(), name, fabric.WithSessionConfig(transport.Config{
		ConnectAttempts:  2,
		ReconnectWait:    10 * time.Millisecond,
		MaxReconnectWait: 50 * time.Millisecond,
		ConnectTimeout:   time.Second,
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	require.NoError(t, c.Start(context.Background()))
	return c
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name  string
		arg   string
		stdin string
		want  any
	}{
		{"empty", "", "", nil},
		{"number", "80", "", json.RawMessage("80")},
		{"object", `{"x":1}`, "", json.RawMessage(`{"x":1}`)},
		{"quoted", `"hi"`, "", json.RawMessage(`"hi"`)},
		{"bare word", "hello", "", "hello"},
		{"stdin", "-", " {\"a\":true}\n", json.RawMessage(`{"a":true}`)},
		{"empty stdin", "-", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePayload(tt.arg, strings.NewReader(tt.stdin))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, []byte(`{"a":[1,2]}`)))
	assert.Equal(t, "{\n  \"a\": [\n    1,\n    2\n  ]\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, printJSON(&buf, []byte(`not json`)))
	assert.Equal(t, "not json\n", buf.String())
}

func TestGlobalFlags_Validate(t *testing.T) {
	tests := []struct {
		name    string
		flags   globalFlags
		wantErr bool
	}{
		{"valid", globalFlags{LogLevel: "warn", LogFormat: "text"}, false},
		{"bad level", globalFlags{LogLevel: "loud", LogFormat: "text"}, true},
		{"bad format", globalFlags{LogLevel: "info", LogFormat: "xml"}, true},
		{"negative timeout", globalFlags{LogLevel: "info", LogFormat: "json", Timeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.flags.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGlobalFlags_LoadConfigOverrides(t *testing.T) {
	g := globalFlags{
		Broker:    "tcp://broker:1883",
		Driver:    config.DriverMQTT,
		Namespace: "lab",
		Timeout:   3 * time.Second,
	}
	cfg, err := g.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker:1883", cfg.Broker.Address)
	assert.Equal(t, "lab", cfg.Fabric.Namespace)
	assert.Equal(t, 3*time.Second, cfg.Fabric.CallTimeout)

	g.Driver = "amqp"
	_, err = g.loadConfig()
	assert.True(t, errors.IsFatal(err))
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, appName, line["service"])
	assert.Equal(t, "v", line["k"])
}

func TestTriggerCommand(t *testing.T) {
	b := useBroker(t)
	device := startPlugin(t, b, "dropbot")
	_, err := device.OnTrigger(context.Background(), "home", func(ctx context.Context, msg fabric.Message) error {
		_, err := device.NotifySender(ctx, msg.Envelope, map[string]any{"speed": msg.Envelope.Field("speed").Int()}, "home", "")
		return err
	})
	require.NoError(t, err)

	out, err := execute(t, "", "trigger", "dropbot", "home", `{"speed":2}`, "--timeout", "1s")
	require.NoError(t, err)
	assert.JSONEq(t, `{"speed":2}`, out)
}

func TestTriggerCommand_Timeout(t *testing.T) {
	useBroker(t)

	_, err := execute(t, "", "trigger", "nobody", "home", "--timeout", "50ms")
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"config", errors.WrapFatal(errors.ErrInvalidConfig, "Loader", "Load", "validate"), exitFatal},
		{"not connected", fmt.Errorf("publish: %w", errors.ErrNotConnected), exitTransient},
		{"call timeout", fmt.Errorf("trigger: %w", errors.ErrCallTimeout), exitTransient},
		{"other", stderrors.New("payload is not JSON"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestTriggerCommand_TimeoutExitCode(t *testing.T) {
	useBroker(t)

	_, err := execute(t, "", "trigger", "nobody", "home", "--timeout", "50ms")
	require.Error(t, err)
	assert.Equal(t, exitTransient, exitCode(err))
}

func TestPutCommand(t *testing.T) {
	b := useBroker(t)
	device := startPlugin(t, b, "dropbot")
	_, err := device.OnPut(context.Background(), "voltage", func(ctx context.Context, msg fabric.Message) error {
		v := msg.Envelope.Field("voltage").Int()
		if v > 100 {
			_, err := device.NotifySender(ctx, msg.Envelope, "too high", "voltage", message.StatusFailed)
			return err
		}
		_, err := device.NotifySender(ctx, msg.Envelope, v, "voltage", "")
		return err
	})
	require.NoError(t, err)

	out, err := execute(t, "", "put", "dropbot", "voltage", "80", "-t", "1s")
	require.NoError(t, err)
	assert.Equal(t, "80\n", out)

	_, err = execute(t, "", "put", "dropbot", "voltage", "500", "-t", "1s")
	assert.ErrorIs(t, err, errors.ErrRemoteFailure)
}

func TestGetStateCommand(t *testing.T) {
	b := useBroker(t)
	b.Publish("microdrop/dropbot/state/voltage", []byte(`12`), true)

	out, err := execute(t, "", "get-state", "dropbot", "voltage", "-t", "1s")
	require.NoError(t, err)
	assert.Equal(t, "12\n", out)
}

func TestPublishCommand(t *testing.T) {
	b := useBroker(t)

	_, err := execute(t, `{"route":[1,2]}`, "publish", "lab/ui/state/route", "-", "--retain")
	require.NoError(t, err)
	v, ok := b.Retained("lab/ui/state/route")
	require.True(t, ok)
	assert.JSONEq(t, `{"route":[1,2]}`, string(v))

	_, err = execute(t, "", "publish", "lab/ui/state/route", "1", "--qos", "3")
	assert.Error(t, err)
}

func TestPingAndSubscriptionsCommands(t *testing.T) {
	b := useBroker(t)
	device := startPlugin(t, b, "dropbot")
	ctx := context.Background()
	_, err := device.OnTrigger(ctx, "ping", func(ctx context.Context, msg fabric.Message) error {
		_, err := device.NotifySender(ctx, msg.Envelope, "pong", "ping", "")
		return err
	})
	require.NoError(t, err)
	_, err = device.OnTrigger(ctx, "get-subscriptions", func(ctx context.Context, msg fabric.Message) error {
		_, err := device.NotifySender(ctx, msg.Envelope, device.Subscriptions(), "get-subscriptions", "")
		return err
	})
	require.NoError(t, err)

	out, err := execute(t, "", "ping", "dropbot", "-t", "1s")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "dropbot: pong in "))

	out, err = execute(t, "", "subscriptions", "dropbot", "-t", "1s")
	require.NoError(t, err)
	assert.Contains(t, out, "microdrop/trigger/dropbot/ping\n")
	assert.Contains(t, out, "microdrop/trigger/dropbot/get-subscriptions\n")
}

func TestWatchCommand(t *testing.T) {
	b := useBroker(t)

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		cmd := newRootCommand()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"watch", "microdrop/{plugin}/state/{property}", "--json", "--count", "1"})
		err := cmd.ExecuteContext(context.Background())
		done <- result{out.String(), err}
	}()

	require.Eventually(t, func() bool {
		for _, id := range b.Clients() {
			for _, f := range b.Subscriptions(id) {
				if f == "microdrop/+/state/+" {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	b.Publish("microdrop/dropbot/state/voltage", []byte(`42`), false)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		var line watchLine
		require.NoError(t, json.Unmarshal([]byte(r.out), &line))
		assert.Equal(t, "microdrop/dropbot/state/voltage", line.Topic)
		assert.Equal(t, "dropbot", line.Params["plugin"])
		assert.JSONEq(t, `42`, string(line.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not exit")
	}
}

func TestConfigCommand_InitAndCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabric.yaml")

	out, err := execute(t, "", "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "", "config", "init", path)
	require.Error(t, err)
	_, err = execute(t, "", "config", "init", "--force", path)
	require.NoError(t, err)

	out, err = execute(t, "", "config", "check", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"namespace": "microdrop"`)
}

func TestConfigCommand_CheckInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabric.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"broker": {"driver": "carrier-pigeon"}}`), 0o600))

	_, err := execute(t, "", "config", "check", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.Equal(t, exitFatal, exitCode(err))
}

func TestUnknownFlagsRejected(t *testing.T) {
	_, err := execute(t, "", "trigger", "dropbot", "home", "--log-level", "loud")
	assert.Error(t, err)
}
