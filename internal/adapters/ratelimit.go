package adapters

import (
	"sync"
	"time"
)

// rateLimiter tracks a venue's REST request-weight budget for a fixed
// rolling window, grounded on the teacher's per-venue limiter but reworked
// from a flat per-call token count to weighted accounting: Binance and
// Bybit both meter usage against a weight budget per window (Binance's
// X-MBX-USED-WEIGHT-1M header, Bybit's per-endpoint-category quota), where
// a single call can cost far more than one unit — GET /api/v3/account
// costs 10x a GET /api/v3/trades call on Binance, for example. acquire
// charges the caller's declared weight against the budget and blocks while
// the budget is exhausted, waking up once the window rolls over and the
// budget resets in full.
type rateLimiter struct {
	mu         sync.Mutex
	used       int
	budget     int
	window     time.Duration
	windowEnds time.Time
}

func newRateLimiter(budget int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		budget:     budget,
		window:     window,
		windowEnds: time.Now().Add(window),
	}
}

// acquire blocks until weight units are available in the current window,
// then charges them against the budget.
func (rl *rateLimiter) acquire(weight int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.resetIfExpiredLocked()
	// A lone call heavier than the whole budget (e.g. a full-account query)
	// is still admitted once the window is empty — it has nothing to wait
	// behind — but it then starves every other call until the next reset.
	for rl.used > 0 && rl.used+weight > rl.budget {
		wait := time.Until(rl.windowEnds)
		rl.mu.Unlock()
		if wait > 0 {
			time.Sleep(wait)
		} else {
			time.Sleep(time.Millisecond)
		}
		rl.mu.Lock()
		rl.resetIfExpiredLocked()
	}
	rl.used += weight
}

func (rl *rateLimiter) resetIfExpiredLocked() {
	now := time.Now()
	if !now.Before(rl.windowEnds) {
		rl.used = 0
		rl.windowEnds = now.Add(rl.window)
	}
}
