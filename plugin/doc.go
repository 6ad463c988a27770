// Package plugin runs a fabric participant as a long-lived process.
//
// A Plugin only has to register its routes:
//
//	type DropBot struct{}
//
//	func (d *DropBot) Listen(ctx context.Context, c *fabric.Client) error {
//		_, err := c.OnTrigger(ctx, "home", func(ctx context.Context, msg fabric.Message) error {
//			_, err := c.NotifySender(ctx, msg.Envelope, nil, "home", "")
//			return err
//		})
//		return err
//	}
//
//	r, err := plugin.New(&DropBot{}, cfg)
//	if err != nil {
//		return err
//	}
//	return r.Run(ctx)
//
// The Runtime names the plugin after its type ("drop-bot") unless the
// configuration or a Name method says otherwise. On start it publishes the
// retained version state and the retained "running" status, answers the
// "ping" and "get-subscriptions" triggers and emits the "start" signal. The
// broker will sets the status to "offline" if the process dies; a clean
// Stop emits "exit" and leaves "stopped".
//
// Plugins implementing Schemed get their put payloads checked against a
// JSON schema. Rejected puts are answered with a failed reply and an error
// state message, and never reach the handler.
package plugin
