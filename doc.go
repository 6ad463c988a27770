// Package mqfabric is a publish/subscribe message fabric for instrument
// control plugins. Plugins talk to each other only through a broker (MQTT
// or NATS), using a fixed topic grammar under one namespace:
//
//	{ns}/{plugin}/state/{property}            retained state
//	{ns}/put/{plugin}/{property}              request to change a property
//	{ns}/trigger/{plugin}/{action}            request to run an action
//	{ns}/{sender}/notify/{receiver}/{action}  reply or notification
//	{ns}/{plugin}/signal/{event}              broadcast event
//	{ns}/status/{plugin}                      retained lifecycle status
//	{ns}/{plugin}/error/{property}            rejected put
//
// Requests carry a "__head__" header naming the sender, so the receiver
// knows where to send its notify reply. Calls (trigger, put, get-state) are
// built on that: subscribe to the reply topic, publish the request, wait.
//
// # Layout
//
//	┌─────────────────────────────────────┐
//	│   plugin, gateway/websocket, cmd    │  Runtimes and surfaces
//	└─────────────────────────────────────┘
//	           ↓ drive
//	┌─────────────────────────────────────┐
//	│              fabric                 │  Client: routes, publish
//	│  (subscribe, publish, call, bus)    │  helpers, calls, bindings
//	└─────────────────────────────────────┘
//	           ↓ over
//	┌─────────────────────────────────────┐
//	│            transport                │  Session: reconnect,
//	│     (session, mqtt, nats, memory)   │  resubscribe, circuit
//	└─────────────────────────────────────┘
//
// Below those sit topic (grammar, patterns, matching), message (envelopes,
// headers, replies) and route (the pattern table behind a client). The
// config, errors, metric and health packages are shared by all of them.
//
// # Quick start
//
// Run a plugin:
//
//	r, err := plugin.New(&DropBot{}, config.Default())
//	if err != nil {
//		return err
//	}
//	return r.Run(ctx)
//
// Call it from another process:
//
//	mqfabric trigger drop-bot home '{"speed": 2}'
//	mqfabric watch 'microdrop/{plugin}/state/{property}'
package mqfabric
