package connector

import "github.com/ocx/backend/internal/circuitbreaker"

// newPlatformBreaker trips once more than half of at least five calls made
// through it against one platform have failed (circuitbreaker.DefaultConfig),
// so a platform outage fails discovery fast instead of
// retrying every connection against a dead endpoint.
func newPlatformBreaker(platform string) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.DefaultConfig(platform))
}
