// Package tlsutil builds tls.Config values for broker connections and the
// websocket gateway listener.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/mqfabric/errors"
)

// ClientConfig holds broker-side TLS settings. The system CA pool is always
// trusted; CAFiles add to it.
type ClientConfig struct {
	Enabled            bool     `json:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty"`
	CertFile           string   `json:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty"`
	ServerName         string   `json:"server_name,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"` // dev brokers only
	MinVersion         string   `json:"min_version,omitempty"`
}

// ServerConfig holds listener TLS settings. Setting ClientCAFile requires
// peers to present a certificate signed by it.
type ServerConfig struct {
	Enabled      bool   `json:"enabled"`
	CertFile     string `json:"cert_file,omitempty"`
	KeyFile      string `json:"key_file,omitempty"`
	ClientCAFile string `json:"client_ca_file,omitempty"`
	MinVersion   string `json:"min_version,omitempty"`
}

// LoadClientConfig returns nil when TLS is disabled.
func LoadClientConfig(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}
	for _, file := range cfg.CAFiles {
		if err := appendPEM(roots, file); err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load CA "+file)
		}
	}

	tc := &tls.Config{
		RootCAs:            roots,
		ServerName:         cfg.ServerName,
		MinVersion:         parseVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load client certificate")
		}
		tc.Certificates = []tls.Certificate{cert}
	case cfg.CertFile != "" || cfg.KeyFile != "":
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: cert_file and key_file must be set together", errors.ErrInvalidConfig),
			"tlsutil", "LoadClientConfig", "validate client certificate")
	}
	return tc, nil
}

// LoadServerConfig returns nil when TLS is disabled.
func LoadServerConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: cert_file and key_file are required", errors.ErrMissingConfig),
			"tlsutil", "LoadServerConfig", "validate certificate")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerConfig", "load certificate")
	}
	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseVersion(cfg.MinVersion),
	}

	if cfg.ClientCAFile != "" {
		pool := x509.NewCertPool()
		if err := appendPEM(pool, cfg.ClientCAFile); err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadServerConfig", "load client CA")
		}
		tc.ClientCAs = pool
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}

func appendPEM(pool *x509.CertPool, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if !pool.AppendCertsFromPEM(data) {
		return fmt.Errorf("no PEM certificates in %s", file)
	}
	return nil
}

func parseVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
