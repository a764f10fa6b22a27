// Package engine orchestrates one cache query end to end: rate and quota
// gates, embedding, vector search, the hit/miss verdict, upstream
// completion on a miss, and persistence. Concurrent identical requests are
// coalesced onto a single upstream call.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"semcache/config"
	"semcache/embedding"
	"semcache/index"
	"semcache/logger"
	"semcache/provider"
	"semcache/ratelimit"
	"semcache/store"
	"semcache/usage"
)

// Request states. Respond and Failed are terminal.
type State string

const (
	StateAuthenticating State = "authenticating"
	StateRateLimitCheck State = "rate_limit_check"
	StateQuotaCheck     State = "quota_check"
	StateEmbedding      State = "embedding"
	StateSearching      State = "searching"
	StateInvoking       State = "invoking"
	StatePersisting     State = "persisting"
	StateRespond        State = "respond"
	StateFailed         State = "failed"
)

// CacheProvider is the provider name reported on a hit.
const CacheProvider = "cache"

const persistRetries = 3
const persistRetryDelay = 5 * time.Second

// Request is one authenticated cache query. Authentication itself happens
// in the API layer; the engine starts at the rate limit gate.
type Request struct {
	Project      *store.Project
	APIKeyID     string
	Prompt       string
	Model        string
	Threshold    float64
	Context      string
	IncludeDebug bool
}

// Debug is the optional timing block echoed back to the caller.
type Debug struct {
	EmbeddingTimeMS int64  `json:"embedding_time_ms"`
	SearchTimeMS    int64  `json:"search_time_ms"`
	TotalTimeMS     int64  `json:"total_time_ms"`
	MatchedEntryID  string `json:"matched_cache_entry_id,omitempty"`
	EntryCount      int    `json:"cache_entry_count"`
}

// Result is the answer to one query, from cache or upstream.
type Result struct {
	CacheHit   bool
	Response   string
	Similarity *float64
	CostSaved  float64
	Provider   string
	Debug      *Debug
}

// Options wires the engine's collaborators.
type Options struct {
	Store      store.Store
	Index      index.Index
	Embedder   embedding.Service
	Providers  *provider.Registry
	Limiter    ratelimit.Limiter
	Usage      *usage.Tracker
	TierFor    func(name string) config.Tier
	RateWindow time.Duration
}

// Engine is the request orchestrator.
type Engine struct {
	store     store.Store
	index     index.Index
	embedder  embedding.Service
	providers *provider.Registry
	limiter   ratelimit.Limiter
	usage     *usage.Tracker
	tierFor   func(name string) config.Tier
	window    time.Duration

	flights singleflight.Group
	wg      sync.WaitGroup
}

func New(opts Options) *Engine {
	window := opts.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	return &Engine{
		store:     opts.Store,
		index:     opts.Index,
		embedder:  opts.Embedder,
		providers: opts.Providers,
		limiter:   opts.Limiter,
		usage:     opts.Usage,
		tierFor:   opts.TierFor,
		window:    window,
	}
}

// flightResult is what coalesced callers share: the upstream answer.
type flightResult struct {
	text   string
	tokens int
}

// Query runs the state machine for one request.
func (e *Engine) Query(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	st := StateRateLimitCheck
	defer func() {
		logger.Debug("query finished in state %s after %s", st, time.Since(start))
	}()

	if err := e.validate(req); err != nil {
		st = StateFailed
		return nil, err
	}

	tier := e.tierFor(req.Project.Tier)
	limit, err := e.limiter.Allow(ctx, req.APIKeyID, tier.RequestsPerMinute, e.window)
	if err != nil {
		st = StateFailed
		return nil, &ServiceUnavailableError{Detail: "rate limiter unavailable", RetryAfter: 30, Err: err}
	}
	if !limit.Allowed {
		st = StateFailed
		return nil, &RateLimitedError{Result: limit}
	}

	st = StateQuotaCheck
	if err := e.usage.Check(ctx, req.Project.ID, tier.MonthlyQuota); err != nil {
		st = StateFailed
		return nil, err
	}

	st = StateEmbedding
	embStart := time.Now()
	vector, tag, err := e.embedder.Embed(ctx, req.Prompt, req.Context)
	if err != nil {
		st = StateFailed
		return nil, &ServiceUnavailableError{Detail: "embedding service unavailable", RetryAfter: 30, Err: err}
	}
	embMS := time.Since(embStart).Milliseconds()

	st = StateSearching
	part := store.Partition{
		ProjectID:   req.Project.ID,
		Context:     req.Context,
		TargetModel: req.Model,
	}
	searchStart := time.Now()
	match, err := e.index.Search(ctx, part, tag, vector)
	if err != nil {
		st = StateFailed
		return nil, fmt.Errorf("fail to search index: %w", err)
	}
	searchMS := time.Since(searchStart).Milliseconds()

	// Hit iff best score >= threshold, boundary inclusive. Comparison uses
	// the unrounded score.
	if match != nil && match.Score >= req.Threshold {
		res, err := e.serveHit(ctx, req, part, match)
		if err == nil {
			st = StateRespond
			e.attachDebug(ctx, req, res, part, tag, embMS, searchMS, start, match.EntryID)
			return res, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			st = StateFailed
			return nil, err
		}
		// Index pointed at an entry the store no longer has; fall through
		// to the miss path and let the fresh write repair it.
		logger.Warn("index match %s missing from store, treating as miss", match.EntryID)
	}

	st = StateInvoking
	shared, err := e.coalescedComplete(ctx, req, part, vector, tag)
	if err != nil {
		st = StateFailed
		return nil, err
	}
	st = StatePersisting

	if err := e.usage.Record(ctx, req.Project.ID, false, 0); err != nil {
		logger.Error("fail to record miss usage: %s", err)
	}

	st = StateRespond
	res := &Result{
		CacheHit:  false,
		Response:  shared.text,
		CostSaved: 0,
		Provider:  e.providerName(req.Model),
	}
	e.attachDebug(ctx, req, res, part, tag, embMS, searchMS, start, "")
	return res, nil
}

func (e *Engine) validate(req *Request) error {
	n := utf8.RuneCountInString(req.Prompt)
	if n < 1 {
		return &ValidationError{Detail: "prompt must not be empty"}
	}
	if n > embedding.MaxInputChars {
		return &ValidationError{Detail: fmt.Sprintf("prompt exceeds %d characters", embedding.MaxInputChars)}
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		return &ValidationError{Detail: fmt.Sprintf("similarity_threshold %g outside [0,1]", req.Threshold)}
	}
	if !e.providers.Supported(req.Model) {
		return &ValidationError{Detail: "model " + req.Model + " does not match a supported provider model id"}
	}
	return nil
}

func (e *Engine) serveHit(ctx context.Context, req *Request, part store.Partition, match *index.Match) (*Result, error) {
	entry, err := e.store.GetEntry(ctx, match.EntryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fail to load matched entry: %w", err)
	}

	if err := e.store.TouchEntry(ctx, entry.ID, time.Now()); err != nil {
		logger.Warn("fail to touch entry %s: %s", entry.ID, err)
	}

	saved := costSaved(req.Model, estimateTokens(entry.Response))
	if err := e.usage.Record(ctx, req.Project.ID, true, saved); err != nil {
		logger.Error("fail to record hit usage: %s", err)
	}

	score := match.Score
	return &Result{
		CacheHit:   true,
		Response:   entry.Response,
		Similarity: &score,
		CostSaved:  saved,
		Provider:   CacheProvider,
	}, nil
}

// coalescedComplete funnels concurrent identical misses onto one upstream
// call. The flight runs on a detached context so a caller timeout neither
// cancels the provider call nor skips persistence; the caller only waits
// until its own deadline.
func (e *Engine) coalescedComplete(ctx context.Context, req *Request, part store.Partition, vector []float32, tag string) (*flightResult, error) {
	key := flightKey(part, req.Prompt)

	ch := e.flights.DoChan(key, func() (interface{}, error) {
		return e.completeAndPersist(req, part, vector, tag)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*flightResult), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request abandoned while awaiting completion: %w", ctx.Err())
	}
}

func (e *Engine) completeAndPersist(req *Request, part store.Partition, vector []float32, tag string) (*flightResult, error) {
	ctx := context.Background()

	apiKey := ""
	if c, ok := e.providers.Resolve(req.Model); ok {
		cred, err := e.store.GetCredential(ctx, req.Project.ID, c.Name())
		if err == nil {
			apiKey = cred.Secret
		} else if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("fail to load credential for %s: %s", c.Name(), err)
		}
	}

	comp, err := e.providers.Complete(ctx, req.Model, []provider.Message{
		{Role: "user", Content: req.Prompt},
	}, apiKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entry := &store.CacheEntry{
		ID:           uuid.New().String(),
		Partition:    part,
		Prompt:       req.Prompt,
		Response:     comp.Text,
		Vector:       vector,
		EmbeddingTag: tag,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if err := e.persist(ctx, entry); err != nil {
		// The answer is already paid for: return it and retry the write in
		// the background instead of failing the caller.
		logger.Error("fail to persist entry %s: %s", entry.ID, err)
		e.retryPersist(entry)
	}

	return &flightResult{text: comp.Text, tokens: comp.TotalTokens}, nil
}

// persist writes the entry to the store, then the index. The entry must
// not become partially visible: an index failure rolls the store row back.
func (e *Engine) persist(ctx context.Context, entry *store.CacheEntry) error {
	if err := e.store.InsertEntry(ctx, entry); err != nil {
		return fmt.Errorf("fail to store entry: %w", err)
	}
	err := e.index.Upsert(ctx, index.Point{
		EntryID:      entry.ID,
		Partition:    entry.Partition,
		EmbeddingTag: entry.EmbeddingTag,
		Vector:       entry.Vector,
		CreatedAt:    entry.CreatedAt,
	})
	if err != nil {
		if delErr := e.store.DeleteEntry(ctx, entry.Partition.ProjectID, entry.ID); delErr != nil {
			logger.Error("fail to roll back entry %s after index failure: %s", entry.ID, delErr)
		}
		return fmt.Errorf("fail to index entry: %w", err)
	}
	return nil
}

func (e *Engine) retryPersist(entry *store.CacheEntry) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for attempt := 1; attempt <= persistRetries; attempt++ {
			time.Sleep(persistRetryDelay * time.Duration(attempt))
			if err := e.persist(context.Background(), entry); err != nil {
				logger.Warn("persist retry %d for entry %s: %s", attempt, entry.ID, err)
				continue
			}
			logger.Info("persisted entry %s on retry %d", entry.ID, attempt)
			return
		}
		logger.Error("giving up persisting entry %s after %d retries", entry.ID, persistRetries)
	}()
}

// Delete removes an entry from both the store and the index. The project
// scope is enforced by the store delete.
func (e *Engine) Delete(ctx context.Context, projectID, entryID string) error {
	entry, err := e.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Partition.ProjectID != projectID {
		return store.ErrNotFound
	}
	if err := e.store.DeleteEntry(ctx, projectID, entryID); err != nil {
		return err
	}
	if err := e.index.Delete(ctx, entry.Partition, entryID); err != nil {
		return fmt.Errorf("fail to delete entry from index: %w", err)
	}
	return nil
}

// StartTTLSweeper expires entries older than ttl. A zero ttl disables it.
func (e *Engine) StartTTLSweeper(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweep(ctx, ttl)
			}
		}
	}()
}

func (e *Engine) sweep(ctx context.Context, ttl time.Duration) {
	refs, err := e.store.ExpiredEntries(ctx, time.Now().Add(-ttl))
	if err != nil {
		logger.Error("fail to list expired entries: %s", err)
		return
	}
	for _, ref := range refs {
		if err := e.store.DeleteEntry(ctx, ref.Partition.ProjectID, ref.ID); err != nil {
			logger.Warn("fail to expire entry %s: %s", ref.ID, err)
			continue
		}
		if err := e.index.Delete(ctx, ref.Partition, ref.ID); err != nil {
			logger.Warn("fail to expire entry %s from index: %s", ref.ID, err)
		}
	}
	if len(refs) > 0 {
		logger.Info("expired %d cache entries", len(refs))
	}
}

// Wait blocks until background persists and sweepers finish. Used on
// shutdown so in-flight writes are not dropped.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) attachDebug(ctx context.Context, req *Request, res *Result, part store.Partition, tag string, embMS, searchMS int64, start time.Time, matchedID string) {
	if !req.IncludeDebug {
		return
	}
	count, err := e.index.Count(ctx, part, tag)
	if err != nil {
		logger.Warn("fail to count partition entries: %s", err)
	}
	res.Debug = &Debug{
		EmbeddingTimeMS: embMS,
		SearchTimeMS:    searchMS,
		TotalTimeMS:     time.Since(start).Milliseconds(),
		MatchedEntryID:  matchedID,
		EntryCount:      count,
	}
}

func (e *Engine) providerName(model string) string {
	if c, ok := e.providers.Resolve(model); ok {
		return c.Name()
	}
	return "unknown"
}

// flightKey identifies one coalescing group: partition plus the
// normalized prompt.
func flightKey(part store.Partition, prompt string) string {
	sum := sha256.Sum256([]byte(normalizePrompt(prompt)))
	return strings.Join([]string{
		part.ProjectID, part.Context, part.TargetModel, hex.EncodeToString(sum[:]),
	}, "|")
}

// normalizePrompt lowercases and collapses whitespace so trivially
// reformatted duplicates land in the same coalescing group.
func normalizePrompt(prompt string) string {
	return strings.ToLower(strings.Join(strings.Fields(prompt), " "))
}
