package realtime

import "time"

// Policy is the automatic reconnect policy of a Connection.
type Policy struct {
	// Delay before the first retry.
	Delay time.Duration
	// MaxAttempts is the number of consecutive failed attempts tolerated
	// before the Connection gives up and becomes disconnected.
	MaxAttempts int
	// Multiplier grows the delay per attempt; 1 (or 0) keeps it fixed.
	Multiplier float64
	// MaxDelay caps the grown delay. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy is a fixed 15s delay with five attempts.
func DefaultPolicy() Policy {
	return Policy{
		Delay:       15 * time.Second,
		MaxAttempts: 5,
		Multiplier:  1,
		MaxDelay:    time.Minute,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Delay
	if p.Multiplier > 1 {
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
