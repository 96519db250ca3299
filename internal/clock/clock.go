// Package clock abstracts time so admission ages and reload debouncing can be
// driven deterministically in tests.
package clock

import "time"

// Clock supplies the current time and timer channels.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the standard library. Times keep their
// monotonic reading so connection ages are immune to wall-clock steps.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time {
	return time.Now()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Since reports the time elapsed on c since t. A nil clock uses Real.
func Since(c Clock, t time.Time) time.Duration {
	if c == nil {
		c = Real{}
	}
	return c.Now().Sub(t)
}
