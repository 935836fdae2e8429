package ratelimit

import "time"

// Clock abstracts time for deterministic limiter tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
