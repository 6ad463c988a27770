package fabric

import "context"

// Bindings connect a local event to a topic: every Emit of the event
// publishes its payload. They return the listener id so a binding can be
// removed with Bus().Off.

func (c *Client) bind(event, t string, opts ...PublishOption) ListenerID {
	return c.bus.On(event, func(ctx context.Context, payload any) error {
		return c.Publish(ctx, t, payload, opts...)
	})
}

// BindState publishes event payloads as this client's retained state.
func (c *Client) BindState(event, property string) ListenerID {
	return c.bind(event, c.topics.State(c.name, property), Retain())
}

// BindPut publishes event payloads as put requests to another plugin.
func (c *Client) BindPut(plugin, property, event string) ListenerID {
	return c.bind(event, c.topics.Put(plugin, property))
}

// BindTrigger publishes event payloads as triggers to another plugin.
func (c *Client) BindTrigger(plugin, action, event string) ListenerID {
	return c.bind(event, c.topics.Trigger(plugin, action))
}

// BindSignal publishes event payloads as this client's signal.
func (c *Client) BindSignal(event, signal string) ListenerID {
	return c.bind(event, c.topics.Signal(c.name, signal))
}

// BindNotify publishes event payloads as notifications to receiver.
func (c *Client) BindNotify(receiver, action, event string) ListenerID {
	return c.bind(event, c.topics.Notify(c.name, receiver, action))
}

// BindStatus publishes event payloads as this client's status.
func (c *Client) BindStatus(event string) ListenerID {
	return c.bind(event, c.topics.Status(c.name))
}

// BindStateError publishes event payloads as state-change failures.
func (c *Client) BindStateError(event, property string) ListenerID {
	return c.bind(event, c.topics.Error(c.name, property))
}

// On registers a local listener.
func (c *Client) On(event string, fn Listener) ListenerID {
	return c.bus.On(event, fn)
}

// Emit fires a local event. Publish failures from bindings are joined into
// the returned error.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	return c.bus.Emit(ctx, event, payload)
}
