package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBackoff_Schedule(t *testing.T) {
	schedule := DefaultBackoff().Schedule()
	require.NotEmpty(t, schedule)

	assert.Equal(t, 100*time.Millisecond, schedule[0])
	assert.Equal(t, 150*time.Millisecond, schedule[1])
	assert.Equal(t, 225*time.Millisecond, schedule[2])

	last := schedule[len(schedule)-1]
	assert.LessOrEqual(t, last, 30*time.Second)
	assert.Greater(t, time.Duration(float64(last)*1.5), 30*time.Second,
		"the schedule must stop at the first delay past the cap")

	for i := 1; i < len(schedule); i++ {
		assert.Greater(t, schedule[i], schedule[i-1])
	}
}

func TestBackoff_Validate(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		valid   bool
	}{
		{"default", DefaultBackoff(), true},
		{"zero initial", Backoff{Initial: 0, Multiplier: 2, Max: time.Second}, false},
		{"flat multiplier", Backoff{Initial: time.Millisecond, Multiplier: 1, Max: time.Second}, false},
		{"max below initial", Backoff{Initial: time.Second, Multiplier: 2, Max: time.Millisecond}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.backoff.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			_, ok := tt.backoff.Delay(0)
			assert.False(t, ok)
		})
	}
}

func TestBackoff_Total(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Multiplier: 2, Max: 40 * time.Millisecond}

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, b.Schedule())
	assert.Equal(t, 70*time.Millisecond, b.Total())
}
