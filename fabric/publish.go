package fabric

import (
	"context"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/message"
	"github.com/c360/mqfabric/topic"
	"github.com/c360/mqfabric/transport"
)

// PublishOption sets a delivery option
type PublishOption func(*transport.PublishOptions)

// Retain asks the broker to keep the message as the topic's last value
func Retain() PublishOption {
	return func(o *transport.PublishOptions) { o.Retain = true }
}

// QoS sets the delivery class (0, 1 or 2)
func QoS(level byte) PublishOption {
	return func(o *transport.PublishOptions) { o.QoS = level }
}

// Duplicate sets the duplicate-delivery flag
func Duplicate() PublishOption {
	return func(o *transport.PublishOptions) { o.Duplicate = true }
}

func publishOptions(opts []PublishOption) transport.PublishOptions {
	var po transport.PublishOptions
	for _, opt := range opts {
		opt(&po)
	}
	return po
}

// Publish encodes payload as JSON and sends it on topic. Payloads that are
// already JSON ([]byte, json.RawMessage, message.Envelope) are validated and
// sent as is. No header is added.
func (c *Client) Publish(ctx context.Context, t string, payload any, opts ...PublishOption) error {
	data, err := message.Encode(payload)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "Publish", "encode payload")
	}
	return c.publish(ctx, t, data, publishOptions(opts))
}

func (c *Client) publish(ctx context.Context, t string, data []byte, opts transport.PublishOptions) error {
	if err := c.session.Publish(ctx, t, data, opts); err != nil {
		return err
	}
	c.metrics.RecordPublished(c.name, topic.KindOf(t))
	return nil
}

// PublishState publishes a retained value on this client's state topic.
func (c *Client) PublishState(ctx context.Context, property string, payload any) error {
	return c.Publish(ctx, c.topics.State(c.name, property), payload, Retain())
}

// ClearState removes the retained value for one of this client's properties.
func (c *Client) ClearState(ctx context.Context, property string) error {
	return c.publish(ctx, c.topics.State(c.name, property), nil, transport.PublishOptions{Retain: true})
}

// PublishSignal broadcasts a domain event from this client.
func (c *Client) PublishSignal(ctx context.Context, event string, payload any, opts ...PublishOption) error {
	return c.Publish(ctx, c.topics.Signal(c.name, event), payload, opts...)
}

// PublishStatus publishes this client's status.
func (c *Client) PublishStatus(ctx context.Context, payload any, opts ...PublishOption) error {
	return c.Publish(ctx, c.topics.Status(c.name), payload, opts...)
}

// PublishStateError reports a failed state change for property.
func (c *Client) PublishStateError(ctx context.Context, property string, payload any, opts ...PublishOption) error {
	return c.Publish(ctx, c.topics.Error(c.name, property), payload, opts...)
}

// NotifySender replies to the plugin named in original's header on
// {ns}/{self}/notify/{sender}/{action}. An empty status means success.
// Without a sender header nothing is published and sent is false.
func (c *Client) NotifySender(ctx context.Context, original message.Envelope, result any, action, status string) (sent bool, err error) {
	sender := original.Sender()
	if sender == "" {
		c.logger.Debug("no sender header, not notifying", "action", action)
		return false, nil
	}
	if err := topic.ValidSegment(sender); err != nil {
		return false, errors.WrapInvalid(err, "Client", "NotifySender", "validate sender")
	}

	reply, err := message.NewReply(result, status, c.Header())
	if err != nil {
		return false, errors.WrapInvalid(err, "Client", "NotifySender", "encode reply")
	}
	if err := c.publish(ctx, c.topics.Notify(c.name, sender, action), reply, transport.PublishOptions{}); err != nil {
		return false, err
	}
	return true, nil
}
