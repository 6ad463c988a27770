// Package topic defines the fabric's topic grammar: building and parsing the
// five message kinds, compiling pattern topics with named parameters, and
// broker wildcard filter matching.
package topic

import (
	"fmt"
	"strings"

	"github.com/c360/mqfabric/errors"
)

// Separator and broker wildcards
const (
	Separator   = "/"
	SingleLevel = "+"
	MultiLevel  = "#"
)

// DefaultNamespace is the first topic segment used when none is configured.
const DefaultNamespace = "microdrop"

// Kind selects the message kind encoded in a topic
type Kind string

// Message kinds
const (
	KindPut     Kind = "put"
	KindState   Kind = "state"
	KindTrigger Kind = "trigger"
	KindNotify  Kind = "notify"
	KindSignal  Kind = "signal"
	KindStatus  Kind = "status"
	KindError   Kind = "error"
)

// Build joins segments with the separator. No escaping is performed.
func Build(segments ...string) string {
	return strings.Join(segments, Separator)
}

// ValidSegment reports whether s can be used as a single concrete topic
// segment (plugin name, property, action, receiver).
func ValidSegment(s string) error {
	switch {
	case s == "":
		return fmt.Errorf("%w: empty segment", errors.ErrInvalidTopic)
	case strings.Contains(s, Separator):
		return fmt.Errorf("%w: segment %q contains %q", errors.ErrInvalidTopic, s, Separator)
	case strings.ContainsAny(s, SingleLevel+MultiLevel):
		return fmt.Errorf("%w: segment %q contains a broker wildcard", errors.ErrInvalidTopic, s)
	}
	return nil
}

// ValidTopic reports whether t is a concrete topic suitable for publishing.
func ValidTopic(t string) error {
	if t == "" {
		return fmt.Errorf("%w: empty topic", errors.ErrInvalidTopic)
	}
	if strings.ContainsAny(t, SingleLevel+MultiLevel) {
		return fmt.Errorf("%w: %q contains a broker wildcard", errors.ErrInvalidTopic, t)
	}
	return nil
}

// Builder builds topics under one namespace. Segments may be concrete values
// or pattern placeholders such as "{plugin}".
type Builder struct {
	Namespace string
}

// NewBuilder returns a Builder for ns, falling back to DefaultNamespace.
func NewBuilder(ns string) Builder {
	if ns == "" {
		ns = DefaultNamespace
	}
	return Builder{Namespace: ns}
}

// Put returns {ns}/put/{plugin}/{property}
func (b Builder) Put(plugin, property string) string {
	return Build(b.Namespace, string(KindPut), plugin, property)
}

// State returns {ns}/{plugin}/state/{property}
func (b Builder) State(plugin, property string) string {
	return Build(b.Namespace, plugin, string(KindState), property)
}

// Trigger returns {ns}/trigger/{plugin}/{action}
func (b Builder) Trigger(plugin, action string) string {
	return Build(b.Namespace, string(KindTrigger), plugin, action)
}

// Notify returns {ns}/{sender}/notify/{receiver}/{action}
func (b Builder) Notify(sender, receiver, action string) string {
	return Build(b.Namespace, sender, string(KindNotify), receiver, action)
}

// Signal returns {ns}/{plugin}/signal/{event}
func (b Builder) Signal(plugin, event string) string {
	return Build(b.Namespace, plugin, string(KindSignal), event)
}

// Status returns {ns}/status/{plugin}
func (b Builder) Status(plugin string) string {
	return Build(b.Namespace, string(KindStatus), plugin)
}

// Error returns {ns}/{plugin}/error/{property}
func (b Builder) Error(plugin, property string) string {
	return Build(b.Namespace, plugin, string(KindError), property)
}

// Address is a parsed concrete topic.
type Address struct {
	Namespace string
	Kind      Kind
	Plugin    string // owner: target of put/trigger, sender of state/notify/signal/error
	Name      string // property, action or event; empty for status
	Receiver  string // notify only
}

// String rebuilds the topic.
func (a Address) String() string {
	b := Builder{Namespace: a.Namespace}
	switch a.Kind {
	case KindPut:
		return b.Put(a.Plugin, a.Name)
	case KindTrigger:
		return b.Trigger(a.Plugin, a.Name)
	case KindStatus:
		return b.Status(a.Plugin)
	case KindNotify:
		return b.Notify(a.Plugin, a.Receiver, a.Name)
	case KindState:
		return b.State(a.Plugin, a.Name)
	case KindSignal:
		return b.Signal(a.Plugin, a.Name)
	case KindError:
		return b.Error(a.Plugin, a.Name)
	}
	return ""
}

// Parse is the inverse of the Builder methods. Topics that do not follow one
// of the known shapes return ErrInvalidTopic.
func Parse(t string) (Address, error) {
	segs := strings.Split(t, Separator)
	if len(segs) < 3 {
		return Address{}, fmt.Errorf("%w: %q has too few segments", errors.ErrInvalidTopic, t)
	}

	a := Address{Namespace: segs[0]}
	switch {
	case segs[1] == string(KindPut) && len(segs) == 4:
		a.Kind, a.Plugin, a.Name = KindPut, segs[2], segs[3]
	case segs[1] == string(KindTrigger) && len(segs) == 4:
		a.Kind, a.Plugin, a.Name = KindTrigger, segs[2], segs[3]
	case segs[1] == string(KindStatus) && len(segs) == 3:
		a.Kind, a.Plugin = KindStatus, segs[2]
	case segs[2] == string(KindNotify) && len(segs) == 5:
		a.Kind, a.Plugin, a.Receiver, a.Name = KindNotify, segs[1], segs[3], segs[4]
	case len(segs) == 4 && (segs[2] == string(KindState) || segs[2] == string(KindSignal) || segs[2] == string(KindError)):
		a.Kind, a.Plugin, a.Name = Kind(segs[2]), segs[1], segs[3]
	default:
		return Address{}, fmt.Errorf("%w: %q does not match a known kind", errors.ErrInvalidTopic, t)
	}
	return a, nil
}

// KindOf returns the kind of t, or "other" when t does not parse. Used as a
// low-cardinality metric label.
func KindOf(t string) string {
	a, err := Parse(t)
	if err != nil {
		return "other"
	}
	return string(a.Kind)
}
