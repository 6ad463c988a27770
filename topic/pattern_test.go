package topic

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mqfabric/errors"
)

func TestCompile_Wildcard(t *testing.T) {
	tests := []struct {
		pattern  string
		wildcard string
		names    []string
	}{
		{"app/{plugin}/state/{property}", "app/+/state/+", []string{"plugin", "property"}},
		{"app/put/dm/device", "app/put/dm/device", []string{}},
		{"app/{plugin}/signal/{*}", "app/+/signal/#", []string{"plugin", "*"}},
		{"{*}", "#", []string{"*"}},
		{"app/trigger/dm/{action}", "app/trigger/dm/+", []string{"action"}},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			p, err := Compile(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.wildcard, p.Wildcard())
			assert.Equal(t, tt.pattern, p.String())
			assert.ElementsMatch(t, tt.names, p.Names())
			assert.Equal(t, len(tt.names) > 0, p.HasParams())

			// deterministic
			again := MustCompile(tt.pattern)
			assert.Equal(t, p.Wildcard(), again.Wildcard())
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	for _, bad := range []string{
		"",
		"app/{*}/state",         // {*} not final
		"app/{*}/{*}",           // two {*}
		"app/{a}/x/{a}",         // duplicate name
		"app/pre{a}/x",          // partial placeholder
		"app/{}/x",              // empty name
		"app/+/state/x",         // raw wildcard
		"app/#",                 // raw wildcard
		"app/{a*}/x",            // star inside name
		"app/{plugin/state/{x}", // unbalanced brace
	} {
		t.Run(bad, func(t *testing.T) {
			_, err := Compile(bad)
			assert.ErrorIs(t, err, errors.ErrInvalidPattern)
		})
	}
}

func TestMustCompile_Panics(t *testing.T) {
	assert.Panics(t, func() { MustCompile("a/{*}/b") })
}

func TestPattern_MatchNamedParams(t *testing.T) {
	p := MustCompile("app/{plugin}/state/{property}")

	params, ok := p.Match("app/device-model/state/device")
	require.True(t, ok)
	assert.Equal(t, Params{"plugin": "device-model", "property": "device"}, params)

	for _, miss := range []string{
		"app/device-model/state",
		"app/device-model/state/device/extra",
		"app/device-model/signal/device",
		"other/device-model/state/device",
	} {
		_, ok := p.Match(miss)
		assert.False(t, ok, "topic %q should not match", miss)
	}
}

func TestPattern_MatchRest(t *testing.T) {
	p := MustCompile("app/{plugin}/signal/{*}")

	tests := []struct {
		topic string
		rest  string
	}{
		{"app/dm/signal", ""},
		{"app/dm/signal/start", "start"},
		{"app/dm/signal/a/b/c", "a/b/c"},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			params, ok := p.Match(tt.topic)
			require.True(t, ok)
			assert.Equal(t, "dm", params["plugin"])
			assert.Equal(t, tt.rest, params[RestParam])
		})
	}

	_, ok := p.Match("app/dm")
	assert.False(t, ok)
}

// Every concrete topic accepted by the broker filter yields the same key set,
// with each name bound to the segment at its position.
func TestPattern_MatchAgreesWithWildcard(t *testing.T) {
	patterns := []string{
		"app/{plugin}/state/{property}",
		"app/{plugin}/notify/{receiver}/{action}",
		"app/trigger/{plugin}/{*}",
		"{ns}/{*}",
	}
	topics := []string{
		"app/dm/state/device",
		"app/dm/state/x",
		"app/routes/notify/ui/add",
		"app/trigger/dm/load",
		"app/trigger/dm",
		"app/trigger/dm/a/b",
		"lab/anything/at/all",
		"app/dm/signal/start",
	}

	for _, ps := range patterns {
		p := MustCompile(ps)
		want := p.Names()
		sort.Strings(want)

		for _, topic := range topics {
			params, ok := p.Match(topic)
			assert.Equal(t, MatchFilter(p.Wildcard(), topic), ok,
				fmt.Sprintf("pattern %q topic %q", ps, topic))
			if !ok {
				continue
			}
			keys := make([]string, 0, len(params))
			for k := range params {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			assert.Equal(t, want, keys)
		}
	}
}

func TestPattern_NamesIsCopy(t *testing.T) {
	p := MustCompile("app/{a}/{b}")
	names := p.Names()
	names[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, p.Names())
}
