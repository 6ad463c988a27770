package websocket

import (
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/fabric"
	"github.com/c360/mqfabric/topic"
)

// Frame types sent by the browser
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FrameTrigger     = "trigger"
	FramePut         = "put"
	FrameGetState    = "get_state"
)

// Frame types sent by the gateway
const (
	FrameWelcome = "welcome"
	FrameMessage = "message"
	FrameResult  = "result"
	FrameError   = "error"
)

// Error codes carried by error frames
const (
	CodeInvalid   = "invalid"
	CodeTimeout   = "timeout"
	CodeRemote    = "remote"
	CodeBusy      = "busy"
	CodeTransport = "transport"
	CodeInternal  = "internal"
)

// Frame is one JSON text message on the websocket. Requests carry an ID
// that the matching result or error frame echoes.
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	Topic    string       `json:"topic,omitempty"`
	Params   topic.Params `json:"params,omitempty"`
	Plugin   string       `json:"plugin,omitempty"`
	Action   string       `json:"action,omitempty"`
	Property string       `json:"property,omitempty"`
	Retain   bool         `json:"retain,omitempty"`

	// TimeoutMS bounds calls. Zero uses the gateway default and a negative
	// value waits until the peer disconnects.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`

	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (f Frame) timeout() time.Duration {
	return time.Duration(f.TimeoutMS) * time.Millisecond
}

// payload returns the request payload for the fabric client. An absent
// payload is sent as null.
func (f Frame) payload() any {
	if len(f.Payload) == 0 {
		return nil
	}
	return f.Payload
}

func errorFrame(id string, err error) Frame {
	f := Frame{Type: FrameError, ID: id, Code: errorCode(err), Error: err.Error()}
	var remote *fabric.RemoteError
	if stderrors.As(err, &remote) {
		f.Payload = remote.Response
	}
	return f
}

func errorCode(err error) string {
	var remote *fabric.RemoteError
	switch {
	case errors.IsTimeout(err):
		return CodeTimeout
	case stderrors.As(err, &remote):
		return CodeRemote
	case stderrors.Is(err, errors.ErrCallInProgress):
		return CodeBusy
	case errors.IsTransport(err):
		return CodeTransport
	case errors.IsInvalid(err):
		return CodeInvalid
	default:
		return CodeInternal
	}
}
