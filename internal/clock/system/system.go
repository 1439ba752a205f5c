// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock. Timestamps are UTC and truncated to the
// microsecond precision Postgres stores, so values read back compare equal.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time at microsecond precision.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
