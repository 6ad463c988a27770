// Package transport owns the broker connection behind a fabric client.
//
// A Session keeps the subscription set and survives connection loss: when a
// driver reports the connection lost, the session dials a fresh connection,
// re-issues every filter and then signals Ready. Each dial starts a new
// connection generation and messages still arriving from an older one are
// discarded.
//
// Drivers implement Dialer and Conn:
//
//   - transport/mqtt: MQTT 3.1.1 via Eclipse Paho
//   - transport/nats: NATS core pub/sub with retained values in JetStream KV
//   - transport/memory: in-process broker for tests and embedded use
//
// Basic usage:
//
//	sess, err := transport.NewSession(mqtt.NewDialer("localhost:1883"), transport.Config{
//	    ClientID: transport.NewClientID("device-model"),
//	})
//	if err != nil {
//	    return err
//	}
//	sess.OnMessage(func(m transport.Message) { ... })
//	if err := sess.Connect(ctx); err != nil {
//	    return err
//	}
//	defer sess.Close(context.Background())
//
// Publish fails immediately with ErrNotConnected while the session is not
// ready; nothing is queued. Subscribe and Unsubscribe are safe at any time.
//
// Repeated connect failures open a circuit breaker (5 failures by default).
// While open, dial attempts fail fast with ErrCircuitOpen; the backoff
// doubles each time it opens, capped at MaxBackoff.
package transport
