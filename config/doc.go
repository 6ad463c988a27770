// Package config loads the configuration shared by plugin processes, the
// websocket gateway and the CLI.
//
// Loader merges, in order: built-in defaults, each JSON or YAML layer added
// with AddLayer, and MQFABRIC_* environment variables. Only keys present in
// a layer override earlier values. Durations are written as Go duration
// strings ("500ms", "10s").
//
//	loader := config.NewLoader()
//	loader.AddLayer("fabric.yaml")
//	loader.AddLayer("fabric.local.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//	session := cfg.SessionConfig(transport.NewClientID("dropbot"))
//
// Environment overrides:
//
//	MQFABRIC_BROKER_DRIVER            mqtt or nats
//	MQFABRIC_BROKER_ADDRESS           broker address
//	MQFABRIC_BROKER_USERNAME
//	MQFABRIC_BROKER_PASSWORD
//	MQFABRIC_BROKER_CONNECT_ATTEMPTS
//	MQFABRIC_FABRIC_NAMESPACE         first topic segment
//	MQFABRIC_FABRIC_CALL_TIMEOUT      default call timeout
//	MQFABRIC_PLUGIN_NAME              overrides the type-derived name
//	MQFABRIC_PLUGIN_VERSION
//	MQFABRIC_METRICS_ENABLED
//	MQFABRIC_METRICS_PORT
//	MQFABRIC_GATEWAY_PORT
package config
