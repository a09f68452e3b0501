package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"message.stage.completed", "message.stage.completed", true},
		{"message.stage.completed", "message.stage.failed", false},
		{"message.stage.*", "message.stage.failed", true},
		{"message.*", "message.stage.failed", false},
		{"message.#", "message.stage.failed", true},
		{"message.#", "message", true},
		{"#", "dataset.import_completed", true},
		{"dataset.#", "dataset.batch_import_started", true},
		{"#.failed", "message.stage.failed", true},
		{"#.failed", "job.failed", true},
		{"*.failed", "message.stage.failed", false},
		{"message.#.failed", "message.failed", true},
		{"message.#.failed", "message.stage.completed", false},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+"~"+tc.topic, func(t *testing.T) {
			assert.Equal(t, tc.want, Match(tc.pattern, tc.topic))
		})
	}
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("message.stage.*"))
	assert.NoError(t, ValidatePattern("#"))
	assert.Error(t, ValidatePattern(""))
	assert.Error(t, ValidatePattern("message..failed"))
	assert.Error(t, ValidatePattern("message.st*"))
}
