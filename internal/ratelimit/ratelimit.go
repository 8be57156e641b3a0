// Package ratelimit counts requests per key in fixed time windows.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kiranshivaraju/tabprep/internal/cache"
	"github.com/kiranshivaraju/tabprep/pkg/models"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed     bool
	Limit       int
	Remaining   int
	WindowStart time.Time
	ResetAt     time.Time
}

// RetryAfter is how long a rejected caller should wait, at least one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait.Round(time.Second)
}

// Limiter admits or rejects a request for key under limit requests per window.
// Implementations must be safe for concurrent use on the same key.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (Decision, error)
}

// Limits are requests per window by plan.
type Limits struct {
	Free    int
	Basic   int
	Premium int
}

func DefaultLimits() Limits {
	return Limits{Free: 100, Basic: 500, Premium: 2000}
}

// For returns the limit of plan; unknown plans get the free limit.
func (l Limits) For(plan string) int {
	switch plan {
	case models.PlanPremium:
		return l.Premium
	case models.PlanBasic:
		return l.Basic
	default:
		return l.Free
	}
}

func windowBounds(now time.Time, window time.Duration) (start, end time.Time) {
	start = now.UTC().Truncate(window)
	return start, start.Add(window)
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}

type counter struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	// swept is set once the counter has left the map; callers holding it must
	// look the key up again.
	swept bool
}

// take counts one request in the window starting at start. ok is false when
// the counter was swept and nothing was counted.
func (c *counter) take(start, end time.Time, limit int) (d Decision, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.swept {
		return Decision{}, false
	}
	if !c.windowStart.Equal(start) {
		c.windowStart = start
		c.count = 0
	}
	d = Decision{Limit: limit, WindowStart: start, ResetAt: end}
	if c.count >= limit {
		return d, true
	}
	c.count++
	d.Allowed = true
	d.Remaining = remaining(limit, c.count)
	return d, true
}

// FixedWindow is an in-process Limiter. A rejected request does not count
// against the window.
type FixedWindow struct {
	window time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	counters map[string]*counter
}

// maxIdleCounters bounds the map before stale windows are swept.
const maxIdleCounters = 10000

func NewFixedWindow(window time.Duration) *FixedWindow {
	return &FixedWindow{
		window:   window,
		now:      time.Now,
		counters: make(map[string]*counter),
	}
}

func (f *FixedWindow) counter(key string) *counter {
	f.mu.RLock()
	c, ok := f.counters[key]
	f.mu.RUnlock()
	if ok {
		return c
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok = f.counters[key]; ok {
		return c
	}
	if len(f.counters) >= maxIdleCounters {
		f.sweepLocked()
	}
	start, _ := windowBounds(f.now(), f.window)
	c = &counter{windowStart: start}
	f.counters[key] = c
	return c
}

// sweepLocked drops counters whose window has passed. f.mu must be held.
func (f *FixedWindow) sweepLocked() {
	start, _ := windowBounds(f.now(), f.window)
	for k, c := range f.counters {
		c.mu.Lock()
		if c.windowStart.Before(start) {
			c.swept = true
			delete(f.counters, k)
		}
		c.mu.Unlock()
	}
}

func (f *FixedWindow) Allow(_ context.Context, key string, limit int) (Decision, error) {
	start, end := windowBounds(f.now(), f.window)
	for {
		if d, ok := f.counter(key).take(start, end, limit); ok {
			return d, nil
		}
	}
}

// Incrementer is the slice of the cache the Redis limiter needs.
type Incrementer interface {
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisWindow shares counters across server instances through Redis. Every
// request increments the window counter, so a rejected burst keeps counting.
type RedisWindow struct {
	store  Incrementer
	window time.Duration
	now    func() time.Time
}

func NewRedisWindow(store Incrementer, window time.Duration) *RedisWindow {
	return &RedisWindow{store: store, window: window, now: time.Now}
}

func (r *RedisWindow) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	start, end := windowBounds(r.now(), r.window)
	count, err := r.store.IncrWithExpiry(ctx, cache.RateLimitKey(key, start), r.window)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:     count <= int64(limit),
		Limit:       limit,
		Remaining:   remaining(limit, int(count)),
		WindowStart: start,
		ResetAt:     end,
	}, nil
}
