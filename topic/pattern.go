package topic

import (
	"fmt"
	"strings"

	"github.com/c360/mqfabric/errors"
)

// RestParam is the Params key bound to the remainder matched by "{*}".
const RestParam = "*"

// Params maps placeholder names to the segments they matched.
type Params map[string]string

type segmentKind int

const (
	literal segmentKind = iota
	param
	rest
)

type segment struct {
	kind  segmentKind
	value string // literal text or parameter name
}

// Pattern is a compiled pattern topic. "{name}" matches exactly one segment;
// a final "{*}" matches zero or more trailing segments.
type Pattern struct {
	raw      string
	wildcard string
	segments []segment
	names    []string
}

// Compile parses a pattern topic. Compilation is deterministic: the same
// pattern always yields the same wildcard.
func Compile(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", errors.ErrInvalidPattern)
	}

	parts := strings.Split(pattern, Separator)
	p := &Pattern{raw: pattern, segments: make([]segment, 0, len(parts))}
	seen := make(map[string]bool)
	wild := make([]string, 0, len(parts))

	for i, part := range parts {
		switch {
		case part == "{*}":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("%w: %q: {*} must be the final segment", errors.ErrInvalidPattern, pattern)
			}
			p.segments = append(p.segments, segment{kind: rest})
			p.names = append(p.names, RestParam)
			wild = append(wild, MultiLevel)

		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" || strings.ContainsAny(name, "{}*") {
				return nil, fmt.Errorf("%w: %q: bad placeholder %q", errors.ErrInvalidPattern, pattern, part)
			}
			if seen[name] {
				return nil, fmt.Errorf("%w: %q: duplicate placeholder %q", errors.ErrInvalidPattern, pattern, name)
			}
			seen[name] = true
			p.segments = append(p.segments, segment{kind: param, value: name})
			p.names = append(p.names, name)
			wild = append(wild, SingleLevel)

		case strings.ContainsAny(part, "{}"):
			return nil, fmt.Errorf("%w: %q: placeholder must span a whole segment", errors.ErrInvalidPattern, pattern)

		case strings.ContainsAny(part, SingleLevel+MultiLevel):
			return nil, fmt.Errorf("%w: %q: use {name} or {*} instead of raw wildcards", errors.ErrInvalidPattern, pattern)

		default:
			p.segments = append(p.segments, segment{kind: literal, value: part})
			wild = append(wild, part)
		}
	}

	p.wildcard = strings.Join(wild, Separator)
	return p, nil
}

// MustCompile is like Compile but panics on error. For package-level patterns.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source pattern.
func (p *Pattern) String() string { return p.raw }

// Wildcard returns the broker subscription filter.
func (p *Pattern) Wildcard() string { return p.wildcard }

// Names returns the placeholder names in segment order, including RestParam
// when the pattern ends in {*}.
func (p *Pattern) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// HasParams reports whether the pattern contains any placeholder.
func (p *Pattern) HasParams() bool { return len(p.names) > 0 }

// Match reports whether t matches the pattern and returns the bound
// parameters. Every successful match binds every name in Names.
func (p *Pattern) Match(t string) (Params, bool) {
	parts := strings.Split(t, Separator)

	fixed := len(p.segments)
	open := fixed > 0 && p.segments[fixed-1].kind == rest
	if open {
		fixed--
		if len(parts) < fixed {
			return nil, false
		}
	} else if len(parts) != fixed {
		return nil, false
	}

	params := make(Params, len(p.names))
	for i := 0; i < fixed; i++ {
		seg := p.segments[i]
		switch seg.kind {
		case literal:
			if parts[i] != seg.value {
				return nil, false
			}
		case param:
			params[seg.value] = parts[i]
		}
	}
	if open {
		params[RestParam] = strings.Join(parts[fixed:], Separator)
	}
	return params, true
}
