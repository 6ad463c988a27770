package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/fabric"
)

const maxFrameSize = 1 << 20

// Welcome is the payload of the first frame sent to a peer.
type Welcome struct {
	Peer     string `json:"peer"`
	Name     string `json:"name"`
	ClientID string `json:"client_id"`
}

// peer is one browser connection and the fabric client acting for it.
type peer struct {
	id      string
	conn    *websocket.Conn
	client  *fabric.Client
	logger  *slog.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes data frames; control frames may be written
	// concurrently.
	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]fabric.Subscription

	tasks     sync.WaitGroup
	closeOnce sync.Once
}

func newPeer(id string, conn *websocket.Conn, client *fabric.Client, logger *slog.Logger, metrics *Metrics) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &peer{
		id:      id,
		conn:    conn,
		client:  client,
		logger:  logger.With("peer", id, "client", client.Name()),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]fabric.Subscription),
	}
}

// run reads frames until the connection fails, then releases the peer.
func (p *peer) run() {
	defer p.shutdown()

	p.conn.SetReadLimit(maxFrameSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	p.tasks.Add(1)
	go p.keepAlive()

	welcome, _ := json.Marshal(Welcome{
		Peer:     p.id,
		Name:     p.client.Name(),
		ClientID: p.client.Session().ClientID(),
	})
	if err := p.send(Frame{Type: FrameWelcome, Payload: welcome}); err != nil {
		return
	}

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Debug("peer read failed", "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			p.metrics.recordError("malformed_frame")
			_ = p.send(errorFrame("", errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrMalformedPayload, err), "Bridge", "read", "decode frame")))
			continue
		}
		p.metrics.frame("in", f.Type)
		p.handle(f)
	}
}

func (p *peer) handle(f Frame) {
	switch f.Type {
	case FrameSubscribe:
		filter, err := p.subscribe(f.Topic)
		p.reply(f.ID, filter, err)
	case FrameUnsubscribe:
		p.reply(f.ID, nil, p.unsubscribe(f.Topic))
	case FramePublish:
		p.reply(f.ID, nil, p.publish(f))
	case FrameTrigger, FramePut, FrameGetState:
		// Calls block until the reply arrives, so the read loop keeps going.
		p.tasks.Add(1)
		go func() {
			defer p.tasks.Done()
			result, err := p.call(f)
			p.reply(f.ID, result, err)
		}()
	default:
		err := fmt.Errorf("%w: unknown frame type %q", errors.ErrInvalidData, f.Type)
		p.reply(f.ID, nil, errors.WrapInvalid(err, "Bridge", "handle", "dispatch frame"))
	}
}

func (p *peer) subscribe(pattern string) (json.RawMessage, error) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()

	sub, ok := p.subs[pattern]
	if !ok {
		var err error
		sub, err = p.client.Subscribe(p.ctx, pattern, p.forward)
		if err != nil {
			return nil, err
		}
		p.subs[pattern] = sub
	}
	return json.Marshal(sub.Filter)
}

func (p *peer) unsubscribe(pattern string) error {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()

	sub, ok := p.subs[pattern]
	if !ok {
		return nil
	}
	delete(p.subs, pattern)
	return p.client.Unsubscribe(p.ctx, sub)
}

func (p *peer) publish(f Frame) error {
	var opts []fabric.PublishOption
	if f.Retain {
		opts = append(opts, fabric.Retain())
	}
	return p.client.Publish(p.ctx, f.Topic, f.payload(), opts...)
}

func (p *peer) call(f Frame) (json.RawMessage, error) {
	switch f.Type {
	case FrameTrigger:
		return p.client.Trigger(p.ctx, f.Plugin, f.Action, f.payload(), f.timeout())
	case FramePut:
		return p.client.Put(p.ctx, f.Plugin, f.Property, f.payload(), f.timeout())
	default:
		return p.client.GetState(p.ctx, f.Plugin, f.Property, f.timeout())
	}
}

// forward relays a matched fabric message to the browser.
func (p *peer) forward(_ context.Context, msg fabric.Message) error {
	return p.send(Frame{
		Type:    FrameMessage,
		Topic:   msg.Topic,
		Params:  msg.Params,
		Payload: msg.Envelope.Raw,
	})
}

func (p *peer) reply(id string, result json.RawMessage, err error) {
	if err != nil {
		p.metrics.recordError(errorCode(err))
		p.logger.Debug("request failed", "id", id, "error", err)
		_ = p.send(errorFrame(id, err))
		return
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	_ = p.send(Frame{Type: FrameResult, ID: id, Payload: result})
}

func (p *peer) send(f Frame) error {
	f.Timestamp = time.Now().UnixMilli()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteJSON(f); err != nil {
		p.metrics.recordError("write")
		return err
	}
	p.metrics.frame("out", f.Type)
	return nil
}

func (p *peer) keepAlive() {
	defer p.tasks.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.logger.Debug("ping failed", "error", err)
				_ = p.conn.Close()
				return
			}
		}
	}
}

// closeConn sends a close frame and drops the connection, which ends run.
func (p *peer) closeConn(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = p.conn.Close()
}

// shutdown cancels in-flight calls and closes the peer's client.
func (p *peer) shutdown() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.tasks.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if err := p.client.Close(ctx); err != nil {
			p.logger.Debug("closing peer client", "error", err)
		}
		_ = p.conn.Close()
	})
}
