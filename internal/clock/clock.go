// Package clock abstracts the time operations used by timers and sweeps so
// tests can drive them deterministically.
package clock

import "time"

// Clock is the subset of the time package that rsupport components use.
// Production code uses Real(); tests use Fake().
type Clock interface {
	Now() time.Time
	// After returns a channel that receives the current time once d has elapsed.
	// If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep blocks until d has elapsed on c or done is closed, whichever comes first.
// It reports whether the full duration elapsed.
func Sleep(c Clock, d time.Duration, done <-chan struct{}) bool {
	select {
	case <-c.After(d):
		return true
	case <-done:
		return false
	}
}
