// Package quiet computes a recipient's local time from a stored UTC offset and
// decides whether a delivery falls inside local silent hours.
package quiet

import "time"

// Hours is a silent band in local wall-clock hours. Start > End wraps
// midnight (22 → 9 means 22:00–08:59); Start == End disables the band.
type Hours struct {
	Start int
	End   int
}

// DefaultHours is 22:00–09:00 local.
func DefaultHours() Hours {
	return Hours{Start: 22, End: 9}
}

// Valid reports whether both bounds are wall-clock hours.
func (h Hours) Valid() bool {
	return h.Start >= 0 && h.Start < 24 && h.End >= 0 && h.End < 24
}

// Silent reports whether the local hour is inside the band.
func (h Hours) Silent(hour int) bool {
	switch {
	case h.Start == h.End:
		return false
	case h.Start > h.End:
		return hour >= h.Start || hour < h.End
	default:
		return hour >= h.Start && hour < h.End
	}
}

// Local returns now in the recipient's fixed offset.
func Local(now time.Time, offsetMinutes int) time.Time {
	return now.In(time.FixedZone("", offsetMinutes*60))
}

// Plan decides what to do with a due message for a recipient at
// offsetMinutes. When ok is false the delivery is deferred to the returned
// instant, the next local End o'clock.
func (h Hours) Plan(now time.Time, offsetMinutes int) (deferUntil time.Time, ok bool) {
	local := Local(now, offsetMinutes)
	if !h.Silent(local.Hour()) {
		return time.Time{}, true
	}
	morning := time.Date(local.Year(), local.Month(), local.Day(), h.End, 0, 0, 0, local.Location())
	if !morning.After(local) {
		morning = morning.AddDate(0, 0, 1)
	}
	return morning.UTC(), false
}

// Day returns the recipient's local calendar day as midnight UTC, the only
// timestamp precision ever stored on an inbox item.
func Day(now time.Time, offsetMinutes int) time.Time {
	local := Local(now, offsetMinutes)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
