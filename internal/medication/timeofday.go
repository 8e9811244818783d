package medication

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTimeFormat is returned for schedule times that are not a
// zero-padded "HH:mm" wall-clock string.
var ErrInvalidTimeFormat = errors.New("invalid time format (want HH:mm)")

const minutesPerDay = 24 * 60

// ParseWallClock parses a strict zero-padded "HH:mm" string.
// Hour must be in [0,23], minute in [0,59]. Anything looser (missing
// padding, extra whitespace, seconds) is rejected so that group keys stay
// canonical.
func ParseWallClock(s string) (hour, minute int, err error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	for _, i := range [...]int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
		}
	}
	hour = int(s[0]-'0')*10 + int(s[1]-'0')
	minute = int(s[3]-'0')*10 + int(s[4]-'0')
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	return hour, minute, nil
}

// FormatWallClock is the inverse of ParseWallClock.
func FormatWallClock(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

// AddMinutesWrapping offsets a wall-clock time with modulo-1440 wraparound.
// A follow-up pushed past midnight rolls into the next day's first minutes;
// daily triggers only care about hour:minute, never the calendar day.
func AddMinutesWrapping(hour, minute, delta int) (int, int) {
	total := (hour*60 + minute + delta) % minutesPerDay
	if total < 0 {
		total += minutesPerDay
	}
	return total / 60, total % 60
}

// DeviceLocal converts a schedule's (wall-clock, IANA zone) pair into the
// equivalent hour:minute in the device's current zone, evaluated at now.
//
// Daily triggers fire on the device clock, so this conversion is a function
// of "now": it must be recomputed after travel or a DST transition, and it
// never retroactively fixes triggers that already fired.
func DeviceLocal(hour, minute int, zone string, now time.Time) (int, int, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return 0, 0, fmt.Errorf("load timezone %q: %w", zone, err)
	}
	inZone := time.Date(now.In(loc).Year(), now.In(loc).Month(), now.In(loc).Day(),
		hour, minute, 0, 0, loc)
	local := inZone.In(now.Location())
	return local.Hour(), local.Minute(), nil
}

// ParseLastTaken parses the ISO date a monthly/quarterly medication was last
// taken.
func ParseLastTaken(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid last-taken date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}

// NextDue computes the next due date for a monthly/quarterly medication from
// its last-taken date. Daily medications have no due date (they recur).
func NextDue(lastTaken time.Time, freq Frequency) (time.Time, bool) {
	switch freq {
	case FrequencyMonthly:
		return lastTaken.AddDate(0, 1, 0), true
	case FrequencyQuarterly:
		return lastTaken.AddDate(0, 3, 0), true
	default:
		return time.Time{}, false
	}
}
