// Package timestamp holds the relay's time conventions.
//
// Wire timestamps are RFC 3339 strings with nanosecond precision in UTC. The
// same string form is fed into UDP token MACs, so Format must be stable for a
// given instant. Outputs additionally expose Unix milliseconds, where 0 means
// "not set".
package timestamp

import (
	"fmt"
	"time"
)

// Layout is the wire layout for message timestamps.
const Layout = time.RFC3339Nano

// Normalize returns t in UTC without a monotonic clock reading so values
// compare equal after an encode/decode round trip.
func Normalize(t time.Time) time.Time {
	return t.UTC().Round(0)
}

// Format renders t in the wire layout.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Parse reads a wire timestamp. Offsets other than Z are accepted and
// converted to UTC.
func Parse(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(Layout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Skew returns |a - b|.
func Skew(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}

// Within reports whether ts is no further than window from now, in either
// direction. The boundary itself is inside the window.
func Within(ts, now time.Time, window time.Duration) bool {
	return Skew(ts, now) <= window
}

// ToUnixMs converts a time.Time to Unix milliseconds. The zero time maps to 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to a UTC time.Time. 0 maps to the
// zero time.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
