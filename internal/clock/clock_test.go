package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayRange_Shanghai(t *testing.T) {
	cal, err := NewCalendar("Asia/Shanghai")
	require.NoError(t, err)

	start, end, err := cal.DayRange("2025-12-19")
	require.NoError(t, err)

	// 2025-12-19T00:00:00+08:00
	assert.Equal(t, int64(1766073600), start)
	assert.Equal(t, start+86399, end)
}

func TestDayRange_Invalid(t *testing.T) {
	cal, err := NewCalendar("Asia/Shanghai")
	require.NoError(t, err)

	_, _, err = cal.DayRange("19-12-2025")
	assert.Error(t, err)

	_, _, err = cal.DayRange("2025-13-40")
	assert.Error(t, err)
}

func TestWallMinute(t *testing.T) {
	cal, err := NewCalendar("Asia/Shanghai")
	require.NoError(t, err)

	// 10:00 UTC is 18:00 in Shanghai.
	now := time.Date(2025, 12, 19, 10, 0, 30, 0, time.UTC)
	hhmm, bucket := cal.WallMinute(now)
	assert.Equal(t, "18:00", hhmm)

	// Same wall minute, different second: same bucket.
	_, bucket2 := cal.WallMinute(now.Add(20 * time.Second))
	assert.Equal(t, bucket, bucket2)

	// Next minute: different bucket.
	_, bucket3 := cal.WallMinute(now.Add(40 * time.Second))
	assert.NotEqual(t, bucket, bucket3)
}

func TestToday(t *testing.T) {
	cal, err := NewCalendar("Asia/Shanghai")
	require.NoError(t, err)

	// 2025-12-19T23:00:00Z is already 2025-12-20 in Shanghai.
	now := time.Date(2025, 12, 19, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-12-20", cal.Today(now))
}

func TestBadZone(t *testing.T) {
	_, err := NewCalendar("Not/AZone")
	assert.Error(t, err)
}
