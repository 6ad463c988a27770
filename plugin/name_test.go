package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/mqfabric/plugin"
)

type DeviceModel struct{}

func TestDecamelize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"DeviceModel", "device-model"},
		{"HTTPServer", "http-server"},
		{"StepUIPlugin", "step-ui-plugin"},
		{"Device2Controller", "device2-controller"},
		{"dropBot", "drop-bot"},
		{"ui", "ui"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, plugin.Decamelize(tt.in))
		})
	}
}

func TestNameOf(t *testing.T) {
	assert.Equal(t, "device-model", plugin.NameOf(DeviceModel{}))
	assert.Equal(t, "device-model", plugin.NameOf(&DeviceModel{}))
	assert.Equal(t, "", plugin.NameOf(nil))
}
