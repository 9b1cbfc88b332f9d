package watch

import (
	"sync"
	"time"
)

// RateLimitConfig tunes the per-subscriber delivery limiter. Two sliding
// windows apply simultaneously: a sustained window and a short burst window.
type RateLimitConfig struct {
	Window      time.Duration
	MaxMessages int
	BurstWindow time.Duration
	BurstMax    int
}

// DefaultRateLimitConfig returns the standard limits: 100 messages per
// second, at most 20 in any 100 ms burst.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Window:      time.Second,
		MaxMessages: 100,
		BurstWindow: 100 * time.Millisecond,
		BurstMax:    20,
	}
}

// Decision is the limiter's verdict for one delivery attempt.
type Decision struct {
	Allowed      bool
	Burst        bool
	RetryAfterMs int64
}

// RateLimiter tracks delivery timestamps per subscriber and refuses sends
// that would exceed either sliding window.
type RateLimiter struct {
	cfg RateLimitConfig

	mu    sync.Mutex
	sends map[string][]time.Time
	now   func() time.Time
}

// NewRateLimiter constructs a limiter with the given config.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Window <= 0 {
		cfg = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		cfg:   cfg,
		sends: make(map[string][]time.Time),
		now:   time.Now,
	}
}

// Allow records a delivery attempt for sub and reports whether it may
// proceed. Refusals carry how long the subscriber should wait and whether the
// burst or the sustained window was breached.
func (r *RateLimiter) Allow(sub string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.cfg.Window)
	times := r.sends[sub]

	// prune entries older than the sustained window
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	burstCutoff := now.Add(-r.cfg.BurstWindow)
	burstCount := 0
	for i := len(kept) - 1; i >= 0; i-- {
		if kept[i].After(burstCutoff) {
			burstCount++
		} else {
			break
		}
	}

	switch {
	case burstCount >= r.cfg.BurstMax:
		oldest := kept[len(kept)-burstCount]
		r.sends[sub] = kept
		return Decision{
			Burst:        true,
			RetryAfterMs: retryAfter(oldest, r.cfg.BurstWindow, now),
		}
	case len(kept) >= r.cfg.MaxMessages:
		r.sends[sub] = kept
		return Decision{
			RetryAfterMs: retryAfter(kept[0], r.cfg.Window, now),
		}
	}

	r.sends[sub] = append(kept, now)
	return Decision{Allowed: true}
}

// Remove forgets a subscriber's history.
func (r *RateLimiter) Remove(sub string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sends, sub)
}

func retryAfter(oldest time.Time, window time.Duration, now time.Time) int64 {
	ms := oldest.Add(window).Sub(now).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}
