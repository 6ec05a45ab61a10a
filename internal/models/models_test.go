package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerUnmarshal(t *testing.T) {
	var fixed Trigger
	require.NoError(t, json.Unmarshal([]byte(`true`), &fixed))
	require.NotNil(t, fixed.Fixed)
	assert.True(t, *fixed.Fixed)
	assert.False(t, fixed.NeedsQuery())

	var anyone Trigger
	require.NoError(t, json.Unmarshal([]byte(`"Anyone"`), &anyone))
	assert.True(t, anyone.IsAnyone())
	assert.False(t, anyone.NeedsQuery())

	var cond Trigger
	require.NoError(t, json.Unmarshal([]byte(`"stove is on"`), &cond))
	assert.True(t, cond.NeedsQuery())

	var bad Trigger
	assert.Error(t, json.Unmarshal([]byte(`"  "`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestWindowContains(t *testing.T) {
	w := Window{Start: 7 * 60, End: 9 * 60}
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.Local)
	assert.False(t, w.Contains(day.Add(6*time.Hour+59*time.Minute)))
	assert.True(t, w.Contains(day.Add(7*time.Hour)))
	assert.True(t, w.Contains(day.Add(8*time.Hour+59*time.Minute)))
	assert.False(t, w.Contains(day.Add(9*time.Hour)))
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"00:00", 0},
		{"07:30", 7*60 + 30},
		{" 23:59 ", 23*60 + 59},
		{"24:00", EndOfDay},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	for _, bad := range []string{"24:01", "25:00", "7am", ""} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestWindowUntilMidnight(t *testing.T) {
	w := Window{Start: 22 * 60, End: EndOfDay}
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.Local)
	assert.True(t, w.Contains(day.Add(23*time.Hour+59*time.Minute)))
	assert.False(t, w.Contains(day.Add(24*time.Hour)), "next day's 00:00")
	assert.Equal(t, "22:00-24:00", w.String())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "idle", Status{}.String())
	assert.Equal(t, "traveling:kitchen", Status{Kind: StatusTraveling, Location: "kitchen"}.String())
	assert.Equal(t, "capturing:nursery", Status{Kind: StatusCapturing, Location: "nursery"}.String())
}

func TestCapped(t *testing.T) {
	task := &TaskDefinition{MaxTriggerCount: 2}
	assert.False(t, task.Capped(1))
	assert.True(t, task.Capped(2))

	secondary := &TaskDefinition{MaxTriggerCount: Unbounded}
	assert.False(t, secondary.Capped(1000))
}
