// Package clock abstracts wall-clock access so pacing and pool state can be
// tested without real sleeps.
package clock

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System implements Clock using time.Now.
type System struct{}

// NewSystem creates a System clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current time in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}
