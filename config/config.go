package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/pkg/tlsutil"
	"github.com/c360/mqfabric/topic"
	"github.com/c360/mqfabric/transport"
)

// Broker drivers
const (
	DriverMQTT = "mqtt"
	DriverNATS = "nats"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MQFABRIC"

// Config is the configuration shared by plugin processes, the gateway and
// the CLI.
type Config struct {
	Broker  BrokerConfig  `json:"broker"`
	Fabric  FabricConfig  `json:"fabric"`
	Plugin  PluginConfig  `json:"plugin"`
	Metrics MetricsConfig `json:"metrics"`
	Gateway GatewayConfig `json:"gateway"`
}

// BrokerConfig selects the broker and how the session reaches it
type BrokerConfig struct {
	Driver           string        `json:"driver"`
	Address          string        `json:"address"`
	Username         string        `json:"username,omitempty"`
	Password         string        `json:"password,omitempty"`
	KeepAlive        time.Duration `json:"keep_alive,omitempty"`
	ConnectTimeout   time.Duration `json:"connect_timeout,omitempty"`
	ConnectAttempts  int           `json:"connect_attempts,omitempty"`
	ReconnectWait    time.Duration `json:"reconnect_wait,omitempty"`
	MaxReconnectWait time.Duration `json:"max_reconnect_wait,omitempty"`
	RetainedBucket   string        `json:"retained_bucket,omitempty"` // nats only

	TLS tlsutil.ClientConfig `json:"tls,omitempty"`
}

// FabricConfig tunes the fabric client
type FabricConfig struct {
	Namespace       string        `json:"namespace"`
	CallTimeout     time.Duration `json:"call_timeout"`
	DispatchWorkers int           `json:"dispatch_workers"`
	DispatchQueue   int           `json:"dispatch_queue"`
}

// PluginConfig overrides the identity a plugin derives from its type
type PluginConfig struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// MetricsConfig controls the /metrics and /health endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// GatewayConfig controls the websocket bridge
type GatewayConfig struct {
	Port           int      `json:"port"`
	Path           string   `json:"path"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	TLS tlsutil.ServerConfig `json:"tls,omitempty"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Driver:           DriverMQTT,
			Address:          "tcp://localhost:1883",
			KeepAlive:        30 * time.Second,
			ConnectTimeout:   5 * time.Second,
			ConnectAttempts:  10,
			ReconnectWait:    500 * time.Millisecond,
			MaxReconnectWait: 30 * time.Second,
		},
		Fabric: FabricConfig{
			Namespace:       topic.DefaultNamespace,
			CallTimeout:     10 * time.Second,
			DispatchWorkers: 1,
			DispatchQueue:   1000,
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Gateway: GatewayConfig{
			Port: 8080,
			Path: "/ws",
		},
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch c.Broker.Driver {
	case DriverMQTT, DriverNATS:
	default:
		return invalid("broker.driver %q must be %q or %q", c.Broker.Driver, DriverMQTT, DriverNATS)
	}
	if c.Broker.Address == "" {
		return invalid("broker.address is required")
	}
	if c.Broker.ConnectAttempts < 0 {
		return invalid("broker.connect_attempts must not be negative")
	}
	if err := topic.ValidSegment(c.Fabric.Namespace); err != nil {
		return invalid("fabric.namespace: %v", err)
	}
	if c.Fabric.CallTimeout < 0 {
		return invalid("fabric.call_timeout must not be negative")
	}
	if c.Fabric.DispatchWorkers < 0 || c.Fabric.DispatchQueue < 0 {
		return invalid("fabric dispatch workers and queue must not be negative")
	}
	if c.Plugin.Name != "" {
		if err := topic.ValidSegment(c.Plugin.Name); err != nil {
			return invalid("plugin.name: %v", err)
		}
	}
	if c.Metrics.Enabled {
		if err := validPort(c.Metrics.Port); err != nil {
			return invalid("metrics.port: %v", err)
		}
	}
	if err := validPort(c.Gateway.Port); err != nil {
		return invalid("gateway.port: %v", err)
	}
	if t := c.Broker.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		return invalid("broker.tls.cert_file and broker.tls.key_file must be set together")
	}
	if t := c.Gateway.TLS; t.Enabled && (t.CertFile == "" || t.KeyFile == "") {
		return invalid("gateway.tls requires cert_file and key_file")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func validPort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%d not in 1..65535", p)
	}
	return nil
}

// SessionConfig returns the transport settings for a session with clientID.
func (c *Config) SessionConfig(clientID string) transport.Config {
	return transport.Config{
		ClientID:         clientID,
		Username:         c.Broker.Username,
		Password:         c.Broker.Password,
		KeepAlive:        c.Broker.KeepAlive,
		ConnectTimeout:   c.Broker.ConnectTimeout,
		ConnectAttempts:  c.Broker.ConnectAttempts,
		ReconnectWait:    c.Broker.ReconnectWait,
		MaxReconnectWait: c.Broker.MaxReconnectWait,
	}
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	clone.Gateway.AllowedOrigins = append([]string(nil), c.Gateway.AllowedOrigins...)
	return &clone
}

// String returns a JSON representation with the password masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.Broker.Password != "" {
		masked.Broker.Password = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// SaveToFile writes the configuration as JSON or YAML, chosen by extension.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		raw, merr := toMap(c)
		if merr != nil {
			return merr
		}
		formatDurations(raw)
		data, err = yaml.Marshal(raw)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return writeConfigFile(path, data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment, then validates if
// enabled.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
		}
	} else {
		if err := checkJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
		}
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap overrides only the fields present in override
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}
	baseMap, err := toMap(base)
	if err != nil {
		return nil, err
	}
	merged, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var out Config
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	return &out, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func toMap(c *Config) (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// durationFields lists the section keys holding time.Duration values
var durationFields = map[string][]string{
	"broker": {"keep_alive", "connect_timeout", "reconnect_wait", "max_reconnect_wait"},
	"fabric": {"call_timeout"},
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for section, keys := range durationFields {
		m, ok := data[section].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			s, ok := m[key].(string)
			if !ok {
				continue
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("%w: %s.%s: %v", errors.ErrInvalidConfig, section, key, err)
			}
			m[key] = d.Nanoseconds()
		}
	}
	return nil
}

// formatDurations is the inverse of parseDurations, for readable YAML output
func formatDurations(data map[string]any) {
	for section, keys := range durationFields {
		m, ok := data[section].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			if n, ok := m[key].(float64); ok {
				m[key] = time.Duration(int64(n)).String()
			}
		}
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// applyEnvOverrides applies MQFABRIC_* environment variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) error {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		if val == "" {
			return nil
		}
		if err := checkEnvValue(key, val); err != nil {
			return err
		}
		*dst = val
		return nil
	}
	dur := func(name string, dst *time.Duration) error {
		var s string
		if err := str(name, &s); err != nil || s == "" {
			return err
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%w: %s_%s: %v", errors.ErrInvalidConfig, l.envPrefix, name, err)
		}
		*dst = d
		return nil
	}
	num := func(name string, dst *int) error {
		var s string
		if err := str(name, &s); err != nil || s == "" {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%w: %s_%s: %v", errors.ErrInvalidConfig, l.envPrefix, name, err)
		}
		*dst = n
		return nil
	}
	flag := func(name string, dst *bool) error {
		var s string
		if err := str(name, &s); err != nil || s == "" {
			return err
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%w: %s_%s: %v", errors.ErrInvalidConfig, l.envPrefix, name, err)
		}
		*dst = b
		return nil
	}

	for _, apply := range []func() error{
		func() error { return str("BROKER_DRIVER", &cfg.Broker.Driver) },
		func() error { return str("BROKER_ADDRESS", &cfg.Broker.Address) },
		func() error { return str("BROKER_USERNAME", &cfg.Broker.Username) },
		func() error { return str("BROKER_PASSWORD", &cfg.Broker.Password) },
		func() error { return num("BROKER_CONNECT_ATTEMPTS", &cfg.Broker.ConnectAttempts) },
		func() error { return str("FABRIC_NAMESPACE", &cfg.Fabric.Namespace) },
		func() error { return dur("FABRIC_CALL_TIMEOUT", &cfg.Fabric.CallTimeout) },
		func() error { return str("PLUGIN_NAME", &cfg.Plugin.Name) },
		func() error { return str("PLUGIN_VERSION", &cfg.Plugin.Version) },
		func() error { return flag("METRICS_ENABLED", &cfg.Metrics.Enabled) },
		func() error { return num("METRICS_PORT", &cfg.Metrics.Port) },
		func() error { return num("GATEWAY_PORT", &cfg.Gateway.Port) },
	} {
		if err := apply(); err != nil {
			return err
		}
	}
	return nil
}
