package utils

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMath_MinMax(t *testing.T) {
	assert.Equal(t, 2, Min(2, 5))
	assert.Equal(t, 2, Min(5, 2))
	assert.Equal(t, 5, Max(2, 5))
	assert.Equal(t, 0.5, Max(0.5, -1.0))
	assert.Equal(t, 10, Clamp(12, 0, 10))
	assert.Equal(t, 0, Clamp(-4, 0, 10))
	assert.True(t, Contains([]string{"a", "b"}, "b"))
	assert.False(t, Contains([]string{"a", "b"}, "c"))
}

func TestFormat_Time(t *testing.T) {
	assert.Equal(t, "1.50s", FormatTime(1500*time.Millisecond))
	assert.Equal(t, "2m 5.00s", FormatTime(2*time.Minute+5*time.Second))
	assert.Equal(t, "1h 1m 1.00s", FormatTime(time.Hour+time.Minute+time.Second))
	assert.Equal(t, "1d 0h 0m 0.00s", FormatTime(24*time.Hour))
}

func TestFormat_DecorateText(t *testing.T) {
	DisableColors(false)
	assert.Equal(t, ErrorColor+"failed"+DefaultColor, DecorateText("failed", ErrorMessage))

	DisableColors(true)
	defer DisableColors(false)
	assert.Equal(t, "failed", DecorateText("failed", ErrorMessage))
}

func TestClock_FPS(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewClockFunc(func() time.Time { return now })

	assert.Zero(t, c.FPS())

	c.Tick()
	now = now.Add(250 * time.Millisecond)
	assert.InDelta(t, 4.0, c.FPS(), 1e-9)
}

func TestClock_SleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestSpinner_StartStop(t *testing.T) {
	var buf bytes.Buffer
	s := NewSpinnerWriter(&buf, "warming up", time.Millisecond, false)
	s.StopMsg = "ready"

	s.Start()
	s.Start()
	time.Sleep(5 * time.Millisecond)
	s.Stop()
	s.Stop()

	assert.True(t, strings.HasSuffix(buf.String(), "ready"))
}
