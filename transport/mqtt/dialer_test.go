package mqtt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/mqfabric/errors"
	"github.com/c360/mqfabric/transport"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", DefaultAddress},
		{"localhost:1883", "tcp://localhost:1883"},
		{" broker:1883 ", "tcp://broker:1883"},
		{"ssl://broker:8883", "ssl://broker:8883"},
		{"ws://localhost:9001/mqtt", "ws://localhost:9001/mqtt"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAddress(tt.in))
		})
	}
}

func TestDial_RequiresClientID(t *testing.T) {
	d := NewDialer("localhost:1883")
	assert.Equal(t, "tcp://localhost:1883", d.Address())

	_, err := d.Dial(context.Background(), transport.DialOptions{}, transport.Callbacks{})
	assert.True(t, errors.IsInvalid(err))
}
