package scheduling

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// Clock is a wall-clock time of day in minutes after midnight.
type Clock int

const minutesPerDay = 24 * 60

func NewClock(hour, minute int) Clock {
	return Clock(hour*60 + minute)
}

// ParseClock reads "HH:MM" or "HH:MM:SS" (seconds must be zero).
func ParseClock(raw string) (Clock, error) {
	t, err := civil.ParseTime(raw)
	if err != nil {
		t, err = civil.ParseTime(raw + ":00")
	}
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", raw, err)
	}
	if t.Second != 0 || t.Nanosecond != 0 {
		return 0, fmt.Errorf("parse time of day %q: sub-minute precision not supported", raw)
	}
	return NewClock(t.Hour, t.Minute), nil
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) Add(d time.Duration) Clock {
	return c + Clock(d/time.Minute)
}

func (c Clock) Valid() bool {
	return c >= 0 && c < minutesPerDay
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clock) UnmarshalText(data []byte) error {
	parsed, err := ParseClock(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Microseconds is the representation used by Postgres `time` columns.
func (c Clock) Microseconds() int64 {
	return int64(c) * int64(time.Minute/time.Microsecond)
}

func ClockFromMicroseconds(us int64) Clock {
	return Clock(us / int64(time.Minute/time.Microsecond))
}
