package engine

import (
	"fmt"

	"semcache/ratelimit"
)

// ValidationError fails a request before any side effect.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

// NotCacheableError marks input the cache cannot serve; the caller is
// expected to call its LLM directly.
type NotCacheableError struct {
	Detail string
}

func (e *NotCacheableError) Error() string { return e.Detail }

// ServiceUnavailableError marks a dependency outage the caller should
// wait out; RetryAfter is seconds.
type ServiceUnavailableError struct {
	Detail     string
	RetryAfter int
	Err        error
}

func (e *ServiceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Detail, e.Err)
	}
	return e.Detail
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// RateLimitedError carries the window state the API reports on a 429.
type RateLimitedError struct {
	Result *ratelimit.Result
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per window, resets at %s",
		e.Result.Limit, e.Result.ResetAt.Format("15:04:05"))
}
