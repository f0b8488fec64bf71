package ratelimit

import "time"

// Clock abstracts time for deterministic tests. It is shared by the rate
// limiter, the latency monitor, and the client-side pool/quality timers.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
