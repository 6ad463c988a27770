package plugin

import (
	"context"
	"encoding/json"

	"github.com/c360/mqfabric/fabric"
)

// Plugin is a fabric participant run by a Runtime. Listen registers the
// plugin's routes and bindings. It is called once the client is connected
// and must not block.
type Plugin interface {
	Listen(ctx context.Context, c *fabric.Client) error
}

// Named overrides the name derived from the plugin's type.
type Named interface {
	Name() string
}

// Versioned reports the version published on {ns}/{plugin}/state/version.
type Versioned interface {
	Version() string
}

// Schemed supplies JSON schemas for put payloads, keyed by property. Puts
// for these properties are validated before any OnPut handler runs.
type Schemed interface {
	PutSchemas() map[string]json.RawMessage
}

// Stopper is called on shutdown, after the exit signal and before the
// client disconnects.
type Stopper interface {
	Stop(ctx context.Context) error
}
