package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/mqfabric/config"
	"github.com/c360/mqfabric/fabric"
	"github.com/c360/mqfabric/gateway/websocket"
	"github.com/c360/mqfabric/health"
	"github.com/c360/mqfabric/metric"
	"github.com/c360/mqfabric/pkg/tlsutil"
	"github.com/c360/mqfabric/plugin"
	"github.com/c360/mqfabric/topic"
)

const shutdownTimeout = 10 * time.Second

func newTriggerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <plugin> <action> [payload]",
		Short: "Trigger an action and print the response",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(payloadArg(args, 2), cmd.InOrStdin())
			if err != nil {
				return err
			}
			return a.withClient(cmd.Context(), func(c *fabric.Client) error {
				res, err := c.Trigger(cmd.Context(), args[0], args[1], payload, 0)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newPutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put <plugin> <property> <payload>",
		Short: "Ask a plugin to set a property and print its reply",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[2], cmd.InOrStdin())
			if err != nil {
				return err
			}
			return a.withClient(cmd.Context(), func(c *fabric.Client) error {
				res, err := c.Put(cmd.Context(), args[0], args[1], payload, 0)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newGetStateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get-state <plugin> <property>",
		Short: "Print the current value of a state property",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(c *fabric.Client) error {
				res, err := c.GetState(cmd.Context(), args[0], args[1], 0)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newPublishCommand(a *app) *cobra.Command {
	var retain bool
	var qos int

	cmd := &cobra.Command{
		Use:   "publish <topic> [payload]",
		Short: "Publish a payload on a concrete topic",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if qos < 0 || qos > 2 {
				return fmt.Errorf("invalid qos: %d", qos)
			}
			payload, err := parsePayload(payloadArg(args, 1), cmd.InOrStdin())
			if err != nil {
				return err
			}
			opts := []fabric.PublishOption{fabric.QoS(byte(qos))}
			if retain {
				opts = append(opts, fabric.Retain())
			}
			return a.withClient(cmd.Context(), func(c *fabric.Client) error {
				return c.Publish(cmd.Context(), args[0], payload, opts...)
			})
		},
	}
	cmd.Flags().BoolVarP(&retain, "retain", "r", false, "Retain the message on the broker")
	cmd.Flags().IntVarP(&qos, "qos", "q", getEnvInt("MQFABRIC_CLI_QOS", 0), "Delivery QoS 0-2 (env: MQFABRIC_CLI_QOS)")
	return cmd
}

// watchLine is one message in --json output
type watchLine struct {
	Topic   string          `json:"topic"`
	Params  topic.Params    `json:"params,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func newWatchCommand(a *app) *cobra.Command {
	var asJSON bool
	var count int

	cmd := &cobra.Command{
		Use:   "watch <pattern>...",
		Short: "Print messages matching topic patterns until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.withClient(ctx, func(c *fabric.Client) error {
				out := cmd.OutOrStdout()
				var mu sync.Mutex
				seen := 0
				done := make(chan struct{})

				handler := func(_ context.Context, msg fabric.Message) error {
					mu.Lock()
					defer mu.Unlock()
					if count > 0 && seen >= count {
						return nil
					}
					var err error
					if asJSON {
						err = json.NewEncoder(out).Encode(watchLine{
							Topic:   msg.Topic,
							Params:  msg.Params,
							Payload: msg.Envelope.Raw,
						})
					} else {
						_, err = fmt.Fprintf(out, "%s %s\n", msg.Topic, msg.Envelope.String())
					}
					seen++
					if count > 0 && seen == count {
						close(done)
					}
					return err
				}

				for _, pattern := range args {
					if _, err := c.Subscribe(ctx, pattern, handler); err != nil {
						return err
					}
				}
				a.logger.Info("watching", "patterns", args)

				select {
				case <-ctx.Done():
				case <-done:
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per message")
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many messages, 0 for no limit")
	return cmd
}

func newPingCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping <plugin>",
		Short: "Check that a plugin is running and print the round trip time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(c *fabric.Client) error {
				rtt, err := plugin.Ping(cmd.Context(), c, args[0], 0)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: pong in %v\n", args[0], rtt.Round(time.Microsecond))
				return err
			})
		},
	}
}

func newSubscriptionsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "subscriptions <plugin>",
		Short: "List the topic filters a plugin is subscribed to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(c *fabric.Client) error {
				subs, err := plugin.Subscriptions(cmd.Context(), c, args[0], 0)
				if err != nil {
					return err
				}
				for _, s := range subs {
					if _, err := fmt.Fprintln(cmd.OutOrStdout(), s); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or check a configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration as JSON or YAML, chosen by extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", args[0])
			}
			if err := config.Default().SaveToFile(args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	checkCmd := &cobra.Command{
		Use:   "check <path>",
		Short: "Validate a configuration file and print the effective configuration",
		Long: `Validate a configuration file and print the effective configuration.
MQFABRIC_* environment variables are applied on top of the file. The broker
password is masked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader()
			loader.EnableValidation(true)
			cfg, err := loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return err
		},
	}

	cmd.AddCommand(initCmd, checkCmd)
	return cmd
}

func newGatewayCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Serve the websocket gateway for browser plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runGateway(ctx)
		},
	}
}

func (a *app) runGateway(ctx context.Context) error {
	cfg, err := a.flags.loadConfig()
	if err != nil {
		return err
	}
	dialer, err := newDialer(cfg.Broker, a.logger)
	if err != nil {
		return err
	}
	serverTLS, err := tlsutil.LoadServerConfig(cfg.Gateway.TLS)
	if err != nil {
		return err
	}

	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor(
		health.WithMetrics(registry.CoreMetrics()),
		health.WithSystemName(appName))

	bridge, err := websocket.NewBridge(dialer,
		websocket.WithLogger(a.logger),
		websocket.WithMetricsRegistry(registry),
		websocket.WithAllowedOrigins(cfg.Gateway.AllowedOrigins...),
		websocket.WithSessionConfig(cfg.SessionConfig("")),
		websocket.WithClientOptions(
			fabric.WithNamespace(cfg.Fabric.Namespace),
			fabric.WithCallTimeout(cfg.Fabric.CallTimeout),
			fabric.WithMetrics(registry),
		))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Gateway.Path, bridge)
	mux.Handle("/health", monitor)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:           mux,
		TLSConfig:         serverTLS,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry,
			metric.WithHealthHandler(monitor),
			metric.WithServerLogger(a.logger))
		if err := metricsServer.Start(); err != nil {
			return err
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if serverTLS != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()
	monitor.UpdateHealthy("gateway", "serving")
	a.logger.Info("gateway listening", "address", srv.Addr, "path", cfg.Gateway.Path, "tls", serverTLS != nil)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("gateway shutdown", "error", err)
	}
	if err := bridge.Close(shutdownCtx); err != nil {
		a.logger.Warn("closing gateway peers", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			a.logger.Warn("metrics server shutdown", "error", err)
		}
	}
	a.logger.Info("gateway stopped")
	return runErr
}
