package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/mqfabric/errors"
)

func TestMatchFilter(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"app/dm/state/x", "app/dm/state/x", true},
		{"app/dm/state/x", "app/dm/state/y", false},
		{"app/+/state/+", "app/dm/state/x", true},
		{"app/+/state/+", "app/dm/state", false},
		{"app/+/state/+", "app/dm/state/x/y", false},
		{"app/#", "app", true},
		{"app/#", "app/a/b/c", true},
		{"app/dm/#", "app/other", false},
		{"#", "app/x", true},
		{"+/x", "a/x", true},
		{"+", "$SYS", false},
		{"#", "$SYS/broker/uptime", false},
		{"$SYS/#", "$SYS/broker/uptime", true},
	}

	for _, tt := range tests {
		t.Run(tt.filter+" "+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchFilter(tt.filter, tt.topic))
		})
	}
}

func TestValidFilter(t *testing.T) {
	for _, ok := range []string{"a/b", "a/+/c", "a/#", "#", "+"} {
		assert.NoError(t, ValidFilter(ok), ok)
	}
	for _, bad := range []string{"", "a/#/c", "a/b#", "a/+b", "a+/c"} {
		assert.ErrorIs(t, ValidFilter(bad), errors.ErrInvalidPattern, bad)
	}
}
