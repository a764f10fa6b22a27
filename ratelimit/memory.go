package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

type window struct {
	start time.Time
	count *atomic.Int64
}

// MemoryLimiter is an in-process fixed-window limiter. Each key owns its
// own counter; there is no cross-key lock beyond the map itself.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewMemory() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow implements Limiter.
func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, windowSize time.Duration) (*Result, error) {
	now := m.now()

	m.mu.Lock()
	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) >= windowSize {
		w = &window{start: now, count: atomic.NewInt64(0)}
		m.windows[key] = w
	}
	m.mu.Unlock()

	resetAt := w.start.Add(windowSize)
	count := w.count.Inc()
	if count > int64(limit) {
		// Rejected requests do not consume the window; the counter is
		// rolled back so remaining stays accurate for header reporting.
		w.count.Dec()
		return &Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}

	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count),
		ResetAt:   resetAt,
	}, nil
}
