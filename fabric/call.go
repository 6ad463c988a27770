package fabric

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/message"
	"github.com/c360/mqfabric/route"
	"github.com/c360/mqfabric/transport"
)

const teardownTimeout = 5 * time.Second

// Call outcomes recorded in metrics
const (
	outcomeSuccess  = "success"
	outcomeFailed   = "failed"
	outcomeTimeout  = "timeout"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// TimeoutError is returned when a call gets no reply in time. It matches
// errors.ErrCallTimeout.
type TimeoutError struct {
	Op      string
	Target  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: no reply within %v", e.Op, e.Target, e.Timeout)
}

// Is reports whether target is errors.ErrCallTimeout
func (e *TimeoutError) Is(target error) bool {
	return target == errors.ErrCallTimeout
}

// RemoteError carries a reply whose status was not success. It matches
// errors.ErrRemoteFailure.
type RemoteError struct {
	Op       string
	Target   string
	Status   string
	Response json.RawMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: remote status %q: %s", e.Op, e.Target, e.Status, e.Response)
}

// Is reports whether target is errors.ErrRemoteFailure
func (e *RemoteError) Is(target error) bool {
	return target == errors.ErrRemoteFailure
}

// pendingCall is one outstanding call. The reply route runs inline and
// resolves it at most once.
type pendingCall struct {
	op      string
	target  string
	timeout time.Duration
	start   time.Time
	reply   chan message.Envelope
}

func (p *pendingCall) resolve(_ context.Context, msg Message) error {
	select {
	case p.reply <- msg.Envelope:
	default:
	}
	return nil
}

// Trigger sends {ns}/trigger/{receiver}/{action} and waits for the
// receiver's notify reply. A zero timeout uses the client default and a
// negative one waits until ctx is done.
//
// Before publishing, the session connection is replaced so no reply still in
// flight from an earlier call can be taken for this one. Only one call may
// be outstanding per client; others fail with errors.ErrCallInProgress.
func (c *Client) Trigger(ctx context.Context, receiver, action string, payload any, timeout time.Duration) (json.RawMessage, error) {
	data, err := message.WithHeader(payload, message.DefaultValueKey, c.Header())
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "Trigger", "encode request")
	}
	return c.request(ctx, "trigger", receiver+"/"+action,
		c.topics.Trigger(receiver, action),
		c.topics.Notify(receiver, c.name, action),
		data, timeout)
}

// Put sends {ns}/put/{plugin}/{property} and waits for the plugin's reply
// on the property. Payloads that are not JSON objects are sent as
// {property: payload}.
func (c *Client) Put(ctx context.Context, plugin, property string, payload any, timeout time.Duration) (json.RawMessage, error) {
	data, err := message.WithHeader(payload, property, c.Header())
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "Put", "encode request")
	}
	return c.request(ctx, "put", plugin+"/"+property,
		c.topics.Put(plugin, property),
		c.topics.Notify(plugin, c.name, property),
		data, timeout)
}

func (c *Client) request(ctx context.Context, op, target, requestTopic, replyTopic string, data []byte, timeout time.Duration) (json.RawMessage, error) {
	p, err := c.beginCall(op, target, timeout)
	if err != nil {
		return nil, err
	}
	defer c.endCall()

	cctx, cancel := c.callContext(ctx, p.timeout)
	defer cancel()

	if err := c.session.ClearAndResubscribe(cctx, 0); err != nil {
		return nil, c.callFailed(ctx, cctx, p, err)
	}

	sub, err := c.subscribe(cctx, replyTopic, p.resolve, route.Inline())
	if err != nil {
		return nil, c.callFailed(ctx, cctx, p, err)
	}
	defer c.teardown(ctx, sub)

	if err := c.publish(cctx, requestTopic, data, transport.PublishOptions{}); err != nil {
		return nil, c.callFailed(ctx, cctx, p, err)
	}

	select {
	case env := <-p.reply:
		return c.settle(p, env)
	case <-cctx.Done():
		return nil, c.callFailed(ctx, cctx, p, cctx.Err())
	}
}

// settle turns a notify payload into the call result. A reply without a
// status is accepted as is.
func (c *Client) settle(p *pendingCall, env message.Envelope) (json.RawMessage, error) {
	status, ok := env.ReplyStatus()
	switch {
	case !ok:
		c.logger.Warn("reply has no status, accepting payload", "op", p.op, "target", p.target)
		c.record(p, outcomeSuccess)
		return json.RawMessage(env.Body()), nil
	case status == message.StatusSuccess:
		c.record(p, outcomeSuccess)
		return env.Response(), nil
	default:
		c.record(p, outcomeFailed)
		return nil, &RemoteError{Op: p.op, Target: p.target, Status: status, Response: env.Response()}
	}
}

// GetState waits for the value of {ns}/{plugin}/state/{property}. Retained
// values arrive as soon as the subscription is made. Nothing is published.
func (c *Client) GetState(ctx context.Context, plugin, property string, timeout time.Duration) (json.RawMessage, error) {
	p, err := c.beginCall("get_state", plugin+"/"+property, timeout)
	if err != nil {
		return nil, err
	}
	defer c.endCall()

	cctx, cancel := c.callContext(ctx, p.timeout)
	defer cancel()

	sub, err := c.subscribe(cctx, c.topics.State(plugin, property), p.resolve, route.Inline())
	if err != nil {
		return nil, c.callFailed(ctx, cctx, p, err)
	}
	defer c.teardown(ctx, sub)

	// A fresh connection replays the retained value even when another route
	// already held the filter.
	if err := c.session.ClearAndResubscribe(cctx, 0); err != nil {
		select {
		case env := <-p.reply:
			c.record(p, outcomeSuccess)
			return json.RawMessage(env.Body()), nil
		default:
			return nil, c.callFailed(ctx, cctx, p, err)
		}
	}

	select {
	case env := <-p.reply:
		c.record(p, outcomeSuccess)
		return json.RawMessage(env.Body()), nil
	case <-cctx.Done():
		return nil, c.callFailed(ctx, cctx, p, cctx.Err())
	}
}

// GetStateAs is GetState decoding the value into T.
func GetStateAs[T any](ctx context.Context, c *Client, plugin, property string, timeout time.Duration) (T, error) {
	var v T
	raw, err := c.GetState(ctx, plugin, property, timeout)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrMalformedPayload, err),
			"Client", "GetStateAs", "decode state")
	}
	return v, nil
}

func (c *Client) beginCall(op, target string, timeout time.Duration) (*pendingCall, error) {
	if c.closed.Load() {
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "Client", op, "begin call")
	}
	if !c.started.Load() {
		return nil, errors.WrapInvalid(errors.ErrNotStarted, "Client", op, "begin call")
	}
	if !c.calling.CompareAndSwap(false, true) {
		c.metrics.RecordCall(c.name, op, outcomeRejected, 0)
		return nil, errors.WrapInvalid(errors.ErrCallInProgress, "Client", op, "begin call")
	}
	if timeout == 0 {
		timeout = c.callTimeout
	}
	c.logger.Debug("call started", "op", op, "target", target, "timeout", timeout)
	return &pendingCall{
		op:      op,
		target:  target,
		timeout: timeout,
		start:   time.Now(),
		reply:   make(chan message.Envelope, 1),
	}, nil
}

func (c *Client) endCall() {
	c.calling.Store(false)
}

// callContext bounds every stage of a call by one deadline.
func (c *Client) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout < 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// callFailed reports the call's own deadline as a TimeoutError. Cancellation
// of the caller's context and transport failures pass through.
func (c *Client) callFailed(ctx, cctx context.Context, p *pendingCall, err error) error {
	if ctx.Err() == nil && stderrors.Is(cctx.Err(), context.DeadlineExceeded) {
		c.record(p, outcomeTimeout)
		c.logger.Warn("call timed out", "op", p.op, "target", p.target, "timeout", p.timeout)
		return &TimeoutError{Op: p.op, Target: p.target, Timeout: p.timeout}
	}
	c.record(p, outcomeError)
	return errors.Wrap(err, "Client", p.op, "call "+p.target)
}

func (c *Client) record(p *pendingCall, outcome string) {
	c.metrics.RecordCall(c.name, p.op, outcome, time.Since(p.start))
}

// teardown removes a call's reply route even when the caller's context is
// already cancelled.
func (c *Client) teardown(ctx context.Context, sub Subscription) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := c.Unsubscribe(tctx, sub); err != nil {
		c.logger.Warn("removing call route", "pattern", sub.Pattern, "error", err)
	}
}
