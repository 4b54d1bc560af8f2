package writer

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterRegistry hands out one rate limiter per billing-platform account.
// The writer owns it; customer-level pushes within an account share the
// limiter while separate accounts proceed independently.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
}

func newLimiterRegistry(rps float64) *limiterRegistry {
	if rps <= 0 {
		rps = 25
	}
	return &limiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
	}
}

func (r *limiterRegistry) For(accountID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok := r.limiters[accountID]; ok {
		return limiter
	}
	burst := int(r.rps)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(r.rps), burst)
	r.limiters[accountID] = limiter
	return limiter
}
