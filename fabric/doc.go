// Package fabric is the API plugins program against: a named client that
// routes pattern topics to handlers, publishes the five message kinds,
// binds local events to topics, and makes request/response calls.
//
// A Client composes three parts:
//
//   - a route.Table mapping pattern topics such as
//     "microdrop/{plugin}/state/{property}" to handlers
//   - a transport.Session holding one broker connection and the
//     subscription set
//   - an EventBus for local events, which bindings publish from
//
// Handlers run on a dispatch pool, one worker by default, so a plugin sees
// messages in broker order. Routes added by the call layer run on the
// receive goroutine instead and are never queued behind handlers.
//
// # Calls
//
// Trigger and Put publish a request carrying the caller's "__head__" and
// wait for the receiver's notify reply. GetState waits for a (usually
// retained) state value. Before each call the session connection is
// replaced, so a reply still in flight from an earlier call cannot be
// mistaken for this one. That makes calls exclusive: a client runs one at
// a time and rejects others with errors.ErrCallInProgress. Use separate
// clients for concurrent calls.
//
// Example:
//
//	c, err := fabric.New(mqtt.NewDialer("localhost:1883"), "device-ui")
//	if err != nil {
//		return err
//	}
//	if err := c.Start(ctx); err != nil {
//		return err
//	}
//	defer c.Close(context.Background())
//
//	res, err := c.Trigger(ctx, "dropbot", "home", nil, 5*time.Second)
package fabric
