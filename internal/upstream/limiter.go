package upstream

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterConfig configures the outbound rate limit.
type LimiterConfig struct {
	// Requests per Period are allowed globally.
	Requests int
	Period   time.Duration
	Burst    int
	// Spacing is the minimum delay between two requests for the same key.
	Spacing time.Duration
	// MaxWait is the longest a caller is made to wait, anything longer is refused.
	MaxWait time.Duration
}

// Limiter combines a global token bucket with per-key spacing.
type Limiter struct {
	config LimiterConfig
	global *rate.Limiter

	mutex sync.Mutex
	// next is the earliest time the key may issue again
	next map[string]time.Time
}

func NewLimiter(config LimiterConfig) *Limiter {
	limit := rate.Inf
	if config.Requests > 0 && config.Period > 0 {
		limit = rate.Every(config.Period / time.Duration(config.Requests))
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		config: config,
		global: rate.NewLimiter(limit, burst),
		next:   map[string]time.Time{},
	}
}

// Wait blocks until a request for the key may go out. When the required
// wait exceeds MaxWait it returns a local RateLimitedError immediately and
// consumes nothing.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	l.mutex.Lock()
	now := time.Now()
	l.prune(now)
	reservation := l.global.ReserveN(now, 1)
	if !reservation.OK() {
		l.mutex.Unlock()
		return &RateLimitedError{RetryAfter: l.config.Period, Local: true}
	}
	delay := reservation.DelayFrom(now)

	var prevNext time.Time
	hasPrev := false
	if key != "" && l.config.Spacing > 0 {
		prevNext, hasPrev = l.next[key]
		if hasPrev && prevNext.Sub(now) > delay {
			delay = prevNext.Sub(now)
		}
	}

	if l.config.MaxWait > 0 && delay > l.config.MaxWait {
		reservation.CancelAt(now)
		l.mutex.Unlock()
		return &RateLimitedError{RetryAfter: delay, Local: true}
	}
	if key != "" && l.config.Spacing > 0 {
		l.next[key] = now.Add(delay).Add(l.config.Spacing)
	}
	l.mutex.Unlock()

	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		l.mutex.Lock()
		if key != "" && l.config.Spacing > 0 {
			if hasPrev {
				l.next[key] = prevNext
			} else {
				delete(l.next, key)
			}
		}
		l.mutex.Unlock()
		return ctx.Err()
	}
}

// prune drops keys whose spacing already elapsed, they constrain nothing.
func (l *Limiter) prune(now time.Time) {
	for key, next := range l.next {
		if next.Before(now) {
			delete(l.next, key)
		}
	}
}
