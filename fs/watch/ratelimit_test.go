package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets the limiter tests step time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg RateLimitConfig) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	r := NewRateLimiter(cfg)
	r.now = clock.now
	return r, clock
}

func TestBurstWindowRefusal(t *testing.T) {
	t.Parallel()
	r, clock := newTestLimiter(RateLimitConfig{
		Window:      time.Second,
		MaxMessages: 100,
		BurstWindow: 100 * time.Millisecond,
		BurstMax:    5,
	})

	for i := 0; i < 5; i++ {
		assert.True(t, r.Allow("s").Allowed)
		clock.advance(time.Millisecond)
	}

	d := r.Allow("s")
	assert.False(t, d.Allowed)
	assert.True(t, d.Burst)
	assert.Greater(t, d.RetryAfterMs, int64(0))
	assert.LessOrEqual(t, d.RetryAfterMs, int64(100), "burst retry advice stays within the burst window")

	// once the burst window slides past, sends resume
	clock.advance(120 * time.Millisecond)
	assert.True(t, r.Allow("s").Allowed)
}

func TestSustainedWindowRefusal(t *testing.T) {
	t.Parallel()
	r, clock := newTestLimiter(RateLimitConfig{
		Window:      time.Second,
		MaxMessages: 10,
		BurstWindow: 100 * time.Millisecond,
		BurstMax:    100,
	})

	for i := 0; i < 10; i++ {
		assert.True(t, r.Allow("s").Allowed)
		clock.advance(50 * time.Millisecond)
	}

	d := r.Allow("s")
	assert.False(t, d.Allowed)
	assert.False(t, d.Burst)
	assert.Greater(t, d.RetryAfterMs, int64(0))

	// the advice points at when the oldest entry leaves the window
	clock.advance(time.Duration(d.RetryAfterMs) * time.Millisecond)
	assert.True(t, r.Allow("s").Allowed)
}

func TestLimiterIsPerSubscriber(t *testing.T) {
	t.Parallel()
	r, _ := newTestLimiter(RateLimitConfig{
		Window:      time.Second,
		MaxMessages: 100,
		BurstWindow: 100 * time.Millisecond,
		BurstMax:    2,
	})

	assert.True(t, r.Allow("a").Allowed)
	assert.True(t, r.Allow("a").Allowed)
	assert.False(t, r.Allow("a").Allowed)

	// a different subscriber has its own budget
	assert.True(t, r.Allow("b").Allowed)
}

func TestLimiterRemoveResetsHistory(t *testing.T) {
	t.Parallel()
	r, _ := newTestLimiter(RateLimitConfig{
		Window:      time.Second,
		MaxMessages: 100,
		BurstWindow: 100 * time.Millisecond,
		BurstMax:    1,
	})

	assert.True(t, r.Allow("s").Allowed)
	assert.False(t, r.Allow("s").Allowed)
	r.Remove("s")
	assert.True(t, r.Allow("s").Allowed)
}

func TestRefusalDoesNotConsumeBudget(t *testing.T) {
	t.Parallel()
	r, clock := newTestLimiter(RateLimitConfig{
		Window:      time.Second,
		MaxMessages: 100,
		BurstWindow: 100 * time.Millisecond,
		BurstMax:    3,
	})

	for i := 0; i < 3; i++ {
		assert.True(t, r.Allow("s").Allowed)
	}
	for i := 0; i < 10; i++ {
		assert.False(t, r.Allow("s").Allowed)
	}

	// refused attempts were not recorded, so sliding past the burst window
	// frees all three slots at once
	clock.advance(110 * time.Millisecond)
	for i := 0; i < 3; i++ {
		assert.True(t, r.Allow("s").Allowed)
	}
}
