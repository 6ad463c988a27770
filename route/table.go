// Package route maps incoming topics to handlers registered against pattern
// topics, tracking how many routes share each broker filter.
package route

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/message"
	"github.com/c360/mqfabric/topic"
)

// Token identifies one registered route
type Token uint64

// Message is what a handler receives
type Message struct {
	Topic    string
	Params   topic.Params
	Envelope message.Envelope
}

// Handler processes one matched message. Returned errors are logged and
// counted, never propagated to other handlers or the sender.
type Handler func(ctx context.Context, msg Message) error

// Option configures a single route
type Option func(*entry)

// Inline marks a route to run on the receive goroutine instead of the
// dispatch loop. Inline handlers must not block.
func Inline() Option {
	return func(e *entry) {
		e.inline = true
	}
}

type entry struct {
	token   Token
	pattern *topic.Pattern
	handler Handler
	inline  bool
}

// Table is a concurrency-safe route registry. Handlers run in registration order.
type Table struct {
	mu      sync.RWMutex
	next    Token
	entries []*entry
	refs    map[string]int

	logger  *slog.Logger
	onDrop  func(reason string)
	onError func(topic string, err error)
}

// TableOption configures a Table
type TableOption func(*Table)

// WithLogger sets the logger for dropped messages and handler failures
func WithLogger(l *slog.Logger) TableOption {
	return func(t *Table) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithDropHook is called for every payload dropped before dispatch, with
// reason "empty" or "malformed".
func WithDropHook(fn func(reason string)) TableOption {
	return func(t *Table) {
		t.onDrop = fn
	}
}

// WithErrorHook is called for every handler error or panic.
func WithErrorHook(fn func(topic string, err error)) TableOption {
	return func(t *Table) {
		t.onError = fn
	}
}

// NewTable creates an empty route table
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		refs:   make(map[string]int),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Add compiles pattern and registers h. It returns the route token and the
// broker filter the route needs. first is true when no other route already
// uses that filter, meaning the caller must subscribe it.
func (t *Table) Add(pattern string, h Handler, opts ...Option) (tok Token, wildcard string, first bool, err error) {
	if h == nil {
		return 0, "", false, errors.WrapInvalid(fmt.Errorf("nil handler"), "Table", "Add", "register route")
	}
	p, err := topic.Compile(pattern)
	if err != nil {
		return 0, "", false, errors.WrapInvalid(err, "Table", "Add", "compile pattern")
	}

	e := &entry{pattern: p, handler: h}
	for _, opt := range opts {
		opt(e)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	e.token = t.next
	t.entries = append(t.entries, e)

	w := p.Wildcard()
	t.refs[w]++
	return e.token, w, t.refs[w] == 1, nil
}

// Remove unregisters a route. It returns the route's filter and whether that
// was the last route using it. Unknown tokens are a no-op.
func (t *Table) Remove(tok Token) (wildcard string, last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if e.token != tok {
			continue
		}
		t.entries = append(t.entries[:i:i], t.entries[i+1:]...)
		wildcard = e.pattern.Wildcard()
		t.refs[wildcard]--
		if t.refs[wildcard] <= 0 {
			delete(t.refs, wildcard)
			last = true
		}
		return wildcard, last
	}
	return "", false
}

// RemoveAll clears the table and returns every filter that was in use.
func (t *Table) RemoveAll() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.refs))
	for w := range t.refs {
		out = append(out, w)
	}
	t.entries = nil
	t.refs = make(map[string]int)
	return out
}

// Refs returns how many routes use a filter.
func (t *Table) Refs(wildcard string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.refs[wildcard]
}

// Wildcards returns the filters in use, in first-registration order.
func (t *Table) Wildcards() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool, len(t.refs))
	out := make([]string, 0, len(t.refs))
	for _, e := range t.entries {
		w := e.pattern.Wildcard()
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

// Patterns returns the source patterns of all routes, in registration order.
func (t *Table) Patterns() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.pattern.String()
	}
	return out
}

// Len returns the number of registered routes
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Parse validates a raw payload, logging and reporting drops. ok is false
// when the payload must not be dispatched.
func (t *Table) Parse(topicName string, payload []byte) (env message.Envelope, ok bool) {
	env, err := message.Parse(payload)
	if err == nil {
		return env, true
	}

	reason := "malformed"
	if stderrors.Is(err, errors.ErrEmptyPayload) {
		reason = "empty"
	}
	t.logger.Warn("dropping message", "topic", topicName, "reason", reason, "error", err)
	if t.onDrop != nil {
		t.onDrop(reason)
	}
	return message.Envelope{}, false
}

// Dispatch parses payload and delivers it to every matching regular route.
// It returns the number of handlers invoked.
func (t *Table) Dispatch(ctx context.Context, topicName string, payload []byte) int {
	env, ok := t.Parse(topicName, payload)
	if !ok {
		return 0
	}
	return t.DispatchEnvelope(ctx, topicName, env)
}

// DispatchEnvelope delivers an already parsed payload to matching regular routes.
func (t *Table) DispatchEnvelope(ctx context.Context, topicName string, env message.Envelope) int {
	return t.run(ctx, topicName, env, false)
}

// DispatchInline delivers to matching inline routes only.
func (t *Table) DispatchInline(ctx context.Context, topicName string, env message.Envelope) int {
	return t.run(ctx, topicName, env, true)
}

type match struct {
	entry  *entry
	params topic.Params
}

func (t *Table) matches(topicName string, inline bool) []match {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []match
	for _, e := range t.entries {
		if e.inline != inline {
			continue
		}
		if params, ok := e.pattern.Match(topicName); ok {
			out = append(out, match{entry: e, params: params})
		}
	}
	return out
}

func (t *Table) run(ctx context.Context, topicName string, env message.Envelope, inline bool) int {
	matched := t.matches(topicName, inline)
	for _, m := range matched {
		msg := Message{Topic: topicName, Params: m.params, Envelope: env}
		if err := t.call(ctx, m.entry, msg); err != nil {
			t.logger.Error("route handler failed",
				"topic", topicName, "pattern", m.entry.pattern.String(), "error", err)
			if t.onError != nil {
				t.onError(topicName, err)
			}
		}
	}
	return len(matched)
}

func (t *Table) call(ctx context.Context, e *entry, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return e.handler(ctx, msg)
}
