package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/mqfabric/config"
)

// globalFlags are shared by every command
type globalFlags struct {
	ConfigPath string
	Broker     string
	Driver     string
	Namespace  string
	Name       string
	Timeout    time.Duration
	LogLevel   string
	LogFormat  string
}

func (g *globalFlags) register(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.StringVarP(&g.ConfigPath, "config", "c",
		getEnv("MQFABRIC_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: MQFABRIC_CONFIG)")
	fs.StringVarP(&g.Broker, "broker", "b", "",
		"Broker address, overrides the configuration (env: MQFABRIC_BROKER_ADDRESS)")
	fs.StringVar(&g.Driver, "driver", "",
		"Broker driver: mqtt or nats (env: MQFABRIC_BROKER_DRIVER)")
	fs.StringVarP(&g.Namespace, "namespace", "n", "",
		"Topic namespace (env: MQFABRIC_FABRIC_NAMESPACE)")
	fs.StringVar(&g.Name, "name",
		getEnv("MQFABRIC_CLI_NAME", appName),
		"Plugin name this client uses on the fabric (env: MQFABRIC_CLI_NAME)")
	fs.DurationVarP(&g.Timeout, "timeout", "t",
		getEnvDuration("MQFABRIC_CLI_TIMEOUT", 0),
		"Call timeout, 0 uses fabric.call_timeout (env: MQFABRIC_CLI_TIMEOUT)")
	fs.StringVar(&g.LogLevel, "log-level",
		getEnv("MQFABRIC_LOG_LEVEL", "warn"),
		"Log level: debug, info, warn, error (env: MQFABRIC_LOG_LEVEL)")
	fs.StringVar(&g.LogFormat, "log-format",
		getEnv("MQFABRIC_LOG_FORMAT", "text"),
		"Log format: json, text (env: MQFABRIC_LOG_FORMAT)")
}

func (g *globalFlags) validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, g.LogLevel) {
		return fmt.Errorf("invalid log level: %s", g.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, g.LogFormat) {
		return fmt.Errorf("invalid log format: %s", g.LogFormat)
	}
	if g.Timeout < 0 {
		return fmt.Errorf("invalid timeout: %v", g.Timeout)
	}
	return nil
}

// loadConfig layers the config file, MQFABRIC_* variables and flags.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if g.ConfigPath != "" {
		loader.AddLayer(g.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	if g.Broker != "" {
		cfg.Broker.Address = g.Broker
	}
	if g.Driver != "" {
		cfg.Broker.Driver = g.Driver
	}
	if g.Namespace != "" {
		cfg.Fabric.Namespace = g.Namespace
	}
	if g.Timeout > 0 {
		cfg.Fabric.CallTimeout = g.Timeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
