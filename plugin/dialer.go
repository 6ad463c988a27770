package plugin

import (
	"fmt"
	"log/slog"

	"github.com/c360/mqfabric/config"
	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/pkg/tlsutil"
	"github.com/c360/mqfabric/transport"
	"github.com/c360/mqfabric/transport/mqtt"
	"github.com/c360/mqfabric/transport/nats"
)

// NewDialer returns the broker driver selected by cfg.Driver.
func NewDialer(cfg config.BrokerConfig, logger *slog.Logger) (transport.Dialer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tc, err := tlsutil.LoadClientConfig(cfg.TLS)
	if err != nil {
		return nil, errors.Wrap(err, "plugin", "NewDialer", "load broker TLS")
	}

	switch cfg.Driver {
	case config.DriverMQTT, "":
		opts := []mqtt.Option{mqtt.WithLogger(logger)}
		if tc != nil {
			opts = append(opts, mqtt.WithTLSConfig(tc))
		}
		return mqtt.NewDialer(cfg.Address, opts...), nil
	case config.DriverNATS:
		opts := []nats.Option{nats.WithLogger(logger)}
		if cfg.RetainedBucket != "" {
			opts = append(opts, nats.WithBucket(cfg.RetainedBucket))
		}
		if tc != nil {
			opts = append(opts, nats.WithTLSConfig(tc))
		}
		return nats.NewDialer(cfg.Address, opts...), nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown broker driver %q", errors.ErrInvalidConfig, cfg.Driver),
			"plugin", "NewDialer", "select driver")
	}
}
