package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicToSubject(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		want    string
		wantErr bool
	}{
		{"concrete", "microdrop/dm/state/device", "microdrop.dm.state.device", false},
		{"single level", "microdrop/+/state/+", "microdrop.*.state.*", false},
		{"multi level", "microdrop/trigger/#", "microdrop.trigger.>", false},
		{"dash and underscore", "app/device-model/state/chip_id", "app.device-model.state.chip_id", false},
		{"dot in level", "app/v1.2/state", "", true},
		{"space in level", "app/my plugin", "", true},
		{"empty level", "app//state", "", true},
		{"hash not last", "app/#/x", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TopicToSubject(tt.topic)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.topic, SubjectToTopic(got))
		})
	}
}

func TestFilterToSubjects(t *testing.T) {
	tests := []struct {
		filter string
		want   []string
	}{
		{"app/dm/state/x", []string{"app.dm.state.x"}},
		{"app/+/state/+", []string{"app.*.state.*"}},
		{"app/dm/#", []string{"app.dm.>", "app.dm"}},
		{"#", []string{">"}},
	}

	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			got, err := FilterToSubjects(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := FilterToSubjects("app/a+")
	assert.Error(t, err)
}
