package connector

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a per-connector token bucket: each connector declares its own
// per-minute budget (spec §4.1 "connector-declared per-minute limit"), and
// iteration over channels/resources waits on it before each API call
// rather than sleeping a fixed interval, which lets a burst at the start
// of a discovery run spend its allowance immediately instead of always
// paying the full inter-call delay.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLimiter() *Limiter {
	return &Limiter{limiters: make(map[string]*rate.Limiter)}
}

// Register sets the per-minute budget for a platform. Burst equals the
// per-minute rate, so a connector can spend its whole minute's budget in
// one burst after being idle.
func (l *Limiter) Register(platform string, perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[platform] = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

// Wait blocks until platform's bucket has a token, or ctx is cancelled.
// Platforms with no registered limiter are unrestricted.
func (l *Limiter) Wait(ctx context.Context, platform string) error {
	l.mu.Lock()
	rl, ok := l.limiters[platform]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return rl.Wait(ctx)
}
