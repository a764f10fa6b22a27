// Package ratelimit enforces per-key request rates over fixed windows.
package ratelimit

import (
	"context"
	"time"
)

// Result reports one limiter decision. Remaining and ResetAt are returned
// on both outcomes so the API layer can always emit rate headers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a fixed-window rate limiter keyed by arbitrary strings
// (API key ids here). A denied request must leave no trace in usage
// accounting; the limiter only tracks its own window counters.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
}
