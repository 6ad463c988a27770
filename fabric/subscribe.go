package fabric

import (
	"context"
	"strings"

	"github.com/c360/mqfabric/message"
	"github.com/c360/mqfabric/topic"
)

// Typed subscription helpers. Arguments may be concrete names or "{name}"
// placeholders, which are bound in Message.Params.

// OnState subscribes to {ns}/{plugin}/state/{property}.
func (c *Client) OnState(ctx context.Context, plugin, property string, h Handler) (Subscription, error) {
	return c.Subscribe(ctx, c.topics.State(plugin, property), h)
}

// OnPut subscribes to put requests for one of this client's properties.
// The handler's outcome is not published; reply with NotifySender and
// publish the new state explicitly.
func (c *Client) OnPut(ctx context.Context, property string, h Handler) (Subscription, error) {
	return c.Subscribe(ctx, c.topics.Put(c.name, property), c.validatePut(h))
}

func (c *Client) validatePut(h Handler) Handler {
	if c.putValidator == nil {
		return h
	}
	return func(ctx context.Context, msg Message) error {
		property := msg.Topic[strings.LastIndex(msg.Topic, topic.Separator)+1:]
		err := c.putValidator(property, msg.Envelope)
		if err == nil {
			return h(ctx, msg)
		}

		c.logger.Warn("put rejected", "property", property, "sender", msg.Envelope.Sender(), "error", err)
		if _, nerr := c.NotifySender(ctx, msg.Envelope, err.Error(), property, message.StatusFailed); nerr != nil {
			return nerr
		}
		return c.PublishStateError(ctx, property, map[string]string{"error": err.Error()})
	}
}

// OnTrigger subscribes to {ns}/trigger/{self}/{action}.
func (c *Client) OnTrigger(ctx context.Context, action string, h Handler) (Subscription, error) {
	return c.Subscribe(ctx, c.topics.Trigger(c.name, action), h)
}

// OnNotify subscribes to replies and notifications sent to this client.
func (c *Client) OnNotify(ctx context.Context, sender, action string, h Handler) (Subscription, error) {
	return c.Subscribe(ctx, c.topics.Notify(sender, c.name, action), h)
}

// OnSignal subscribes to {ns}/{plugin}/signal/{event}.
func (c *Client) OnSignal(ctx context.Context, plugin, event string, h Handler) (Subscription, error) {
	return c.Subscribe(ctx, c.topics.Signal(plugin, event), h)
}

// OnStatus subscribes to {ns}/status/{plugin}.
func (c *Client) OnStatus(ctx context.Context, plugin string, h Handler) (Subscription, error) {
	return c.Subscribe(ctx, c.topics.Status(plugin), h)
}

// OnStateError subscribes to {ns}/{plugin}/error/{property}.
func (c *Client) OnStateError(ctx context.Context, plugin, property string, h Handler) (Subscription, error) {
	return c.Subscribe(ctx, c.topics.Error(plugin, property), h)
}
