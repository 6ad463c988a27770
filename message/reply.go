package message

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Reply statuses
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Reply is the payload of a notify message answering a put or trigger.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
	Header   *Header         `json:"__head__,omitempty"`
}

// NewReply encodes a notify payload carrying result under "response".
// An empty status defaults to StatusSuccess.
func NewReply(result any, status string, h Header) ([]byte, error) {
	if status == "" {
		status = StatusSuccess
	}
	resp, err := Encode(result)
	if err != nil {
		return nil, err
	}
	reply := Reply{Status: status, Response: resp}
	if h.PluginName != "" {
		reply.Header = &h
	}
	return json.Marshal(reply)
}

// ReplyStatus reads "status" from a notify payload. ok is false when the
// field is missing.
func (e Envelope) ReplyStatus() (status string, ok bool) {
	s := gjson.GetBytes(e.Raw, "status")
	if !s.Exists() {
		return "", false
	}
	return s.String(), true
}

// Response returns the raw "response" field, or JSON null when absent.
func (e Envelope) Response() json.RawMessage {
	r := gjson.GetBytes(e.Raw, "response")
	if !r.Exists() {
		return json.RawMessage("null")
	}
	return json.RawMessage(r.Raw)
}
