package channels

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedSenders caps tracked limiter keys so rotating sender ids
	// cannot exhaust memory.
	maxTrackedSenders = 4096

	// Per-sender inbound budget: sustained and burst.
	inboundPerSecond = 0.5
	inboundBurst     = 5
)

// InboundRateLimiter bounds how fast a single sender can push messages
// into the auto-reply pipeline. Safe for concurrent use.
type InboundRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewInboundRateLimiter() *InboundRateLimiter {
	return &InboundRateLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether the sender is within budget.
func (r *InboundRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	lim, ok := r.limiters[key]
	if !ok {
		if len(r.limiters) >= maxTrackedSenders {
			// Hard eviction keeps the map bounded; fairness is not a
			// goal under this kind of pressure.
			for k := range r.limiters {
				delete(r.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(rate.Limit(inboundPerSecond), inboundBurst)
		r.limiters[key] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}
