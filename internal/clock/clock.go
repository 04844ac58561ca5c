// Package clock provides the calendar predicates that gate trading activity:
// weekday checks, session-hour checks, and the per-symbol cadence rule used
// by the scheduler. All functions are pure so they can be tested against
// fixed instants.
package clock

import (
	"fmt"
	"time"
)

// HHMM is a minute-of-day boundary such as "09:00".
type HHMM struct {
	Hour   int
	Minute int
}

// ParseHHMM parses "HH:MM".
func ParseHHMM(s string) (HHMM, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return HHMM{}, fmt.Errorf("parse %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return HHMM{}, fmt.Errorf("parse %q: out of range", s)
	}
	return HHMM{Hour: h, Minute: m}, nil
}

// MinuteOfDay returns the boundary as minutes since midnight.
func (b HHMM) MinuteOfDay() int { return b.Hour*60 + b.Minute }

func (b HHMM) String() string { return fmt.Sprintf("%02d:%02d", b.Hour, b.Minute) }

// IsWeekend reports whether t falls on Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsTradingHours reports whether t is a weekday within [start, end).
func IsTradingHours(t time.Time, start, end HHMM) bool {
	if IsWeekend(t) {
		return false
	}
	mod := t.Hour()*60 + t.Minute()
	return mod >= start.MinuteOfDay() && mod < end.MinuteOfDay()
}

// ShouldExecute implements the per-symbol cadence rule:
// (now.second - offset) mod interval == 0. Intervals below 1s are treated
// as every second.
func ShouldExecute(now time.Time, intervalSec, offsetSec int) bool {
	if intervalSec <= 1 {
		return true
	}
	d := now.Second() - offsetSec
	return ((d%intervalSec)+intervalSec)%intervalSec == 0
}

// MinuteKey truncates t to its minute, the key used for minute candles.
func MinuteKey(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

// DateKey truncates t to its calendar day in t's location.
func DateKey(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
