package ratelimit

import "time"

// Clock abstracts time for rate limiting and liveness bookkeeping so tests can
// advance time deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
