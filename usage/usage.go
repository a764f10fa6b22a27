// Package usage tracks per-project monthly counters and enforces the
// monthly query quota.
package usage

import (
	"context"
	"fmt"
	"time"

	"semcache/store"
)

// Tracker reads and updates the per-project monthly usage records.
// Quota counts every query, hit or miss: billing is per cache query, not
// per upstream call.
type Tracker struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Tracker {
	return &Tracker{store: s, now: time.Now}
}

// Period returns the current calendar-month key. A new month starts a
// fresh record, which is the quota reset.
func (t *Tracker) Period() string {
	return t.now().UTC().Format("2006-01")
}

// QuotaError carries the counters the API reports on a 429.
type QuotaError struct {
	Count int64
	Limit int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("monthly quota exceeded: %d of %d queries used", e.Count, e.Limit)
}

// Check verifies the project is under its monthly cap. It is read-only:
// a rejected request changes no counter.
func (t *Tracker) Check(ctx context.Context, projectID string, limit int64) error {
	u, err := t.store.GetUsage(ctx, projectID, t.Period())
	if err != nil {
		return fmt.Errorf("fail to read usage: %w", err)
	}
	if u.Queries >= limit {
		return &QuotaError{Count: u.Queries, Limit: limit}
	}
	return nil
}

// Record counts one answered query. Called only after the request
// succeeded end to end.
func (t *Tracker) Record(ctx context.Context, projectID string, hit bool, costSaved float64) error {
	if err := t.store.AddUsage(ctx, projectID, t.Period(), hit, costSaved); err != nil {
		return fmt.Errorf("fail to record usage: %w", err)
	}
	return nil
}

// Current returns this month's counters for the project.
func (t *Tracker) Current(ctx context.Context, projectID string) (*store.Usage, error) {
	return t.store.GetUsage(ctx, projectID, t.Period())
}
