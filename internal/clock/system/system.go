// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements audit.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. Stored timestamps are compared
// against it, so the location must stay fixed.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
