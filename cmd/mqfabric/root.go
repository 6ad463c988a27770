package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/c360/mqfabric/config"
	"github.com/c360/mqfabric/fabric"
	"github.com/c360/mqfabric/plugin"
)

// newDialer is replaced in tests.
var newDialer = plugin.NewDialer

// app carries what every command needs once flags are parsed.
type app struct {
	flags  globalFlags
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Talk to plugins on the message fabric",
		Version:       fmt.Sprintf("%s (build %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.flags.validate(); err != nil {
				return err
			}
			a.logger = setupLogger(cmd.ErrOrStderr(), a.flags.LogLevel, a.flags.LogFormat)
			slog.SetDefault(a.logger)
			return nil
		},
		Example: `  # Call an action and print the response
  mqfabric trigger dropbot home '{"speed": 2}'

  # Set a property and read it back
  mqfabric put dropbot voltage 80
  mqfabric get-state dropbot voltage

  # Watch every state change
  mqfabric watch 'microdrop/{plugin}/state/{property}'`,
	}
	a.flags.register(cmd)

	cmd.AddCommand(
		newTriggerCommand(a),
		newPutCommand(a),
		newGetStateCommand(a),
		newPublishCommand(a),
		newWatchCommand(a),
		newPingCommand(a),
		newSubscriptionsCommand(a),
		newGatewayCommand(a),
		newConfigCommand(),
	)
	return cmd
}

// connect loads the configuration and starts a fabric client for one
// command. The caller closes it.
func (a *app) connect(ctx context.Context) (*fabric.Client, *config.Config, error) {
	cfg, err := a.flags.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	dialer, err := newDialer(cfg.Broker, a.logger)
	if err != nil {
		return nil, nil, err
	}

	client, err := fabric.New(dialer, a.flags.Name,
		fabric.WithLogger(a.logger),
		fabric.WithNamespace(cfg.Fabric.Namespace),
		fabric.WithCallTimeout(cfg.Fabric.CallTimeout),
		fabric.WithSessionConfig(cfg.SessionConfig("")),
	)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Start(ctx); err != nil {
		_ = client.Close(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	return client, cfg, nil
}

// withClient runs fn with a connected client and closes it afterwards.
func (a *app) withClient(ctx context.Context, fn func(*fabric.Client) error) error {
	client, _, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Debug("closing client", "error", err)
		}
	}()
	return fn(client)
}

// parsePayload reads a command line payload. Valid JSON is sent as is,
// anything else as a JSON string. "-" reads stdin and "" sends null.
func parsePayload(arg string, stdin io.Reader) (any, error) {
	if arg == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		arg = strings.TrimSpace(string(data))
	}
	if arg == "" {
		return nil, nil
	}
	if gjson.Valid(arg) {
		return json.RawMessage(arg), nil
	}
	return arg, nil
}

func payloadArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

// printJSON writes raw indented, or verbatim if it is not JSON.
func printJSON(w io.Writer, raw []byte) error {
	if !gjson.ValidBytes(raw) {
		_, err := fmt.Fprintln(w, string(raw))
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, out.String())
	return err
}
