package clock

import (
	"fmt"
	"time"
)

// Clock abstracts "now" so schedulers and the execution engine can be tested
// with a frozen time source.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Calendar resolves wall-clock day boundaries in the configured zone.
// Day boundaries and auto-rule trigger times are always expressed in the
// wall zone, while operation timestamps are stored in UTC.
type Calendar struct {
	Zone *time.Location
}

func NewCalendar(zoneName string) (*Calendar, error) {
	loc, err := time.LoadLocation(zoneName)
	if err != nil {
		return nil, fmt.Errorf("invalid wall timezone %q: %w", zoneName, err)
	}
	return &Calendar{Zone: loc}, nil
}

// DayRange returns the unix timestamps of 00:00:00 and 23:59:59 of the given
// wall date (YYYY-MM-DD).
func (c *Calendar) DayRange(date string) (int64, int64, error) {
	start, err := time.ParseInLocation("2006-01-02", date, c.Zone)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid date %q: %w", date, err)
	}
	startTS := start.Unix()
	return startTS, startTS + 86399, nil
}

// Today returns today's wall date string.
func (c *Calendar) Today(now time.Time) string {
	return now.In(c.Zone).Format("2006-01-02")
}

// WallMinute returns the HH:MM wall time and the minute bucket identifier
// used for trigger dedup.
func (c *Calendar) WallMinute(now time.Time) (hhmm string, bucket int64) {
	local := now.In(c.Zone)
	return local.Format("15:04"), local.Unix() / 60
}
