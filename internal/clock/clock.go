// Package clock abstracts time so sweep, backoff and lock-expiry logic can
// be tested without sleeping.
package clock

import "time"

// Clock is the subset of time functions the server depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real is the production Clock backed by the standard library.
type Real struct{}

// Now returns the current time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After forwards to time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep forwards to time.Sleep.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}
