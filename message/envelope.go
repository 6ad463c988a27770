// Package message implements the fabric's message envelope: a JSON payload
// with an optional "__head__" object identifying the sender.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/c360/mqfabric/errors"
)

// HeaderKey is the envelope field holding the sender header.
const HeaderKey = "__head__"

// DefaultValueKey wraps non-object payloads when no key is given.
const DefaultValueKey = "value"

// Header identifies the sender of a message. It is the only correlation
// data the fabric carries: replies are addressed to PluginName.
type Header struct {
	PluginName    string `json:"plugin_name,omitempty"`
	PluginVersion string `json:"plugin_version,omitempty"`
}

// Envelope is a parsed message payload. Raw always holds valid JSON.
type Envelope struct {
	Raw []byte
}

// Parse validates b as a JSON envelope. Zero-length payloads return
// ErrEmptyPayload and invalid JSON returns ErrMalformedPayload.
func Parse(b []byte) (Envelope, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return Envelope{}, errors.ErrEmptyPayload
	}
	if !gjson.ValidBytes(b) {
		return Envelope{}, fmt.Errorf("%w: not valid JSON", errors.ErrMalformedPayload)
	}
	return Envelope{Raw: b}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and literals.
func MustParse(s string) Envelope {
	e, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return e
}

// IsObject reports whether the payload is a JSON object.
func (e Envelope) IsObject() bool {
	return gjson.ParseBytes(e.Raw).IsObject()
}

// Header returns the sender header. ok is false when the payload has no
// "__head__" object or the header carries no plugin name.
func (e Envelope) Header() (h Header, ok bool) {
	head := gjson.GetBytes(e.Raw, HeaderKey)
	if !head.IsObject() {
		return Header{}, false
	}
	h.PluginName = head.Get("plugin_name").String()
	h.PluginVersion = head.Get("plugin_version").String()
	return h, h.PluginName != ""
}

// Sender returns __head__.plugin_name, or "" for anonymous messages.
func (e Envelope) Sender() string {
	h, _ := e.Header()
	return h.PluginName
}

// Field reads a gjson path from the payload.
func (e Envelope) Field(path string) gjson.Result {
	return gjson.GetBytes(e.Raw, path)
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrMalformedPayload, err)
	}
	return nil
}

// Body returns the payload with the header removed.
func (e Envelope) Body() []byte {
	if !e.IsObject() || !gjson.GetBytes(e.Raw, HeaderKey).Exists() {
		return e.Raw
	}
	out, err := sjson.DeleteBytes(e.Raw, HeaderKey)
	if err != nil {
		return e.Raw
	}
	return out
}

// String returns the raw payload.
func (e Envelope) String() string {
	return string(e.Raw)
}

// Encode marshals v to a JSON payload. []byte, json.RawMessage and Envelope
// values are taken as already-encoded JSON and validated.
func Encode(v any) ([]byte, error) {
	var raw []byte
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case Envelope:
		raw = val.Raw
	case json.RawMessage:
		raw = val
	case []byte:
		raw = val
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrMalformedPayload, err)
		}
		return b, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", errors.ErrMalformedPayload)
	}
	return raw, nil
}

// WithHeader encodes v and attaches h under "__head__". Object payloads gain
// the field in place; any other value is first wrapped as {key: value}.
func WithHeader(v any, key string, h Header) ([]byte, error) {
	raw, err := Encode(v)
	if err != nil {
		return nil, err
	}
	if !gjson.ParseBytes(raw).IsObject() {
		raw, err = Wrap(key, raw)
		if err != nil {
			return nil, err
		}
	}
	out, err := sjson.SetBytes(raw, HeaderKey, h)
	if err != nil {
		return nil, fmt.Errorf("%w: set header: %v", errors.ErrMalformedPayload, err)
	}
	return out, nil
}

// Wrap returns {key: raw}. An empty key uses DefaultValueKey.
func Wrap(key string, raw []byte) ([]byte, error) {
	if key == "" {
		key = DefaultValueKey
	}
	out, err := sjson.SetRawBytes([]byte("{}"), escapeKey(key), raw)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap %q: %v", errors.ErrMalformedPayload, key, err)
	}
	return out, nil
}

// escapeKey makes key a literal sjson path component.
func escapeKey(key string) string {
	var b bytes.Buffer
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
