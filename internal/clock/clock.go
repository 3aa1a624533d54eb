// Package clock abstracts the time operations used by reconnect scheduling
// and token issuance so tests can drive time deterministically.
package clock

import "time"

// Clock is injected wherever production code would call time.Now or time.After.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
