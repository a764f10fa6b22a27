package engine

import (
	"context"
	"crypto/sha256"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"semcache/config"
	"semcache/crypto"
	"semcache/index"
	memindex "semcache/index/memory"
	"semcache/provider"
	"semcache/ratelimit"
	"semcache/store"
	"semcache/store/sqlite"
	"semcache/usage"
)

// fakeEmbedder returns fixed vectors for known prompts and a
// hash-derived vector otherwise. Deterministic and safe for concurrent use.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		vectors: map[string][]float32{
			// cosine("what is ml?", "what is machine learning?") ~ 0.97
			"what is ml?":                    {1, 0, 0, 0},
			"what is machine learning?":      {0.97, 0.2431, 0, 0},
			"what is the capital of france?": {0, 0, 1, 0},
		},
	}
}

func (f *fakeEmbedder) Embed(_ context.Context, text string, _ string) ([]float32, string, error) {
	key := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if v, ok := f.vectors[key]; ok {
		return v, "fake-embed-v1", nil
	}
	sum := sha256.Sum256([]byte(key))
	v := make([]float32, 4)
	for i := range v {
		v[i] = float32(sum[i]) / 255
	}
	return v, "fake-embed-v1", nil
}

// fakeProvider counts upstream calls and returns a canned answer.
type fakeProvider struct {
	calls *atomic.Int64
	delay time.Duration
	text  string
	err   error
}

func (f *fakeProvider) Name() string { return "openai" }

func (f *fakeProvider) Complete(ctx context.Context, _ string, _ []provider.Message, _ string) (*provider.Completion, error) {
	f.calls.Inc()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, provider.NewError(provider.KindUnavailable, f.Name(), "cancelled", ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Completion{Text: f.text, TotalTokens: 100}, nil
}

type testEnv struct {
	engine   *Engine
	store    store.Store
	index    index.Index
	provider *fakeProvider
	project  *store.Project
}

func newTestEnv(t *testing.T, tier config.Tier) *testEnv {
	t.Helper()

	cipher, err := crypto.New("test-master-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "engine.db"), cipher)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := &fakeProvider{calls: atomic.NewInt64(0), text: "Machine learning is a field of AI."}
	registry := provider.NewRegistry(2 * time.Second)
	registry.Register("gpt-", fake)

	ix := memindex.New()
	eng := New(Options{
		Store:     st,
		Index:     ix,
		Embedder:  newFakeEmbedder(),
		Providers: registry,
		Limiter:   ratelimit.NewMemory(),
		Usage:     usage.New(st),
		TierFor:   func(string) config.Tier { return tier },
	})

	project := &store.Project{ID: "proj-1", Name: "acme", Tier: "free", CreatedAt: time.Now()}
	if err := st.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("create project: %v", err)
	}

	return &testEnv{engine: eng, store: st, index: ix, provider: fake, project: project}
}

func defaultTier() config.Tier {
	return config.Tier{RequestsPerMinute: 1000, MonthlyQuota: 1_000_000}
}

func (env *testEnv) query(t *testing.T, prompt, contextText string, threshold float64) *Result {
	t.Helper()
	res, err := env.engine.Query(context.Background(), &Request{
		Project:   env.project,
		APIKeyID:  "key-1",
		Prompt:    prompt,
		Model:     "gpt-4o",
		Threshold: threshold,
		Context:   contextText,
	})
	if err != nil {
		t.Fatalf("query %q: %v", prompt, err)
	}
	return res
}

func TestMissThenSimilarHit(t *testing.T) {
	env := newTestEnv(t, defaultTier())

	// Scenario A: empty cache, the first query is a miss and gets stored.
	first := env.query(t, "What is ML?", "", 0.85)
	if first.CacheHit {
		t.Fatalf("first query should miss")
	}
	if first.CostSaved != 0 {
		t.Fatalf("cost_saved must be exactly 0 on miss, got %v", first.CostSaved)
	}
	if first.Provider != "openai" {
		t.Fatalf("expected provider openai on miss, got %s", first.Provider)
	}
	if first.Similarity != nil {
		t.Fatalf("similarity must be null on miss")
	}
	if n := env.provider.calls.Load(); n != 1 {
		t.Fatalf("expected 1 provider call, got %d", n)
	}

	part := store.Partition{ProjectID: "proj-1", Context: "", TargetModel: "gpt-4o"}
	entries, err := env.store.ListEntries(context.Background(), part, "fake-embed-v1")
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 stored entry, got %d", len(entries))
	}

	// Scenario B: a semantically similar prompt hits and returns the
	// first answer verbatim.
	second := env.query(t, "What is machine learning?", "", 0.85)
	if !second.CacheHit {
		t.Fatalf("similar prompt should hit")
	}
	if second.Response != first.Response {
		t.Fatalf("hit response differs from original: %q != %q", second.Response, first.Response)
	}
	if second.Similarity == nil || *second.Similarity < 0.85 {
		t.Fatalf("expected similarity >= 0.85, got %v", second.Similarity)
	}
	if second.CostSaved <= 0 {
		t.Fatalf("cost_saved must be strictly positive on hit, got %v", second.CostSaved)
	}
	if second.Provider != CacheProvider {
		t.Fatalf("expected provider %q on hit, got %s", CacheProvider, second.Provider)
	}
	if n := env.provider.calls.Load(); n != 1 {
		t.Fatalf("hit must not call provider, got %d calls", n)
	}
}

func TestContextIsolation(t *testing.T) {
	env := newTestEnv(t, defaultTier())

	// Scenario C: identical text under a different context is a miss.
	first := env.query(t, "What is ML?", "", 0.85)
	if first.CacheHit {
		t.Fatalf("first query should miss")
	}
	other := env.query(t, "What is ML?", "support-tickets", 0.85)
	if other.CacheHit {
		t.Fatalf("identical prompt crossed context boundary")
	}
	if n := env.provider.calls.Load(); n != 2 {
		t.Fatalf("expected 2 provider calls across contexts, got %d", n)
	}
}

func TestThresholdBoundaryInclusive(t *testing.T) {
	env := newTestEnv(t, defaultTier())

	env.query(t, "What is ML?", "", 0.85)
	// The identical prompt scores exactly 1.0; threshold 1.0 must still
	// hit (inclusive boundary).
	res := env.query(t, "What is ML?", "", 1.0)
	if !res.CacheHit {
		t.Fatalf("score equal to threshold must be a hit")
	}
	if *res.Similarity != 1.0 {
		t.Fatalf("expected exact score 1.0, got %v", *res.Similarity)
	}
}

func TestValidation(t *testing.T) {
	env := newTestEnv(t, defaultTier())

	cases := []struct {
		name string
		req  *Request
	}{
		{"threshold above one", &Request{Project: env.project, APIKeyID: "k", Prompt: "hi", Model: "gpt-4o", Threshold: 1.5}},
		{"threshold below zero", &Request{Project: env.project, APIKeyID: "k", Prompt: "hi", Model: "gpt-4o", Threshold: -0.1}},
		{"empty prompt", &Request{Project: env.project, APIKeyID: "k", Prompt: "", Model: "gpt-4o", Threshold: 0.85}},
		{"oversized prompt", &Request{Project: env.project, APIKeyID: "k", Prompt: strings.Repeat("a", 32001), Model: "gpt-4o", Threshold: 0.85}},
		{"unsupported model", &Request{Project: env.project, APIKeyID: "k", Prompt: "hi", Model: "llama-70b", Threshold: 0.85}},
	}
	for _, tc := range cases {
		_, err := env.engine.Query(context.Background(), tc.req)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}
	if n := env.provider.calls.Load(); n != 0 {
		t.Fatalf("validation failures must not reach the provider, got %d calls", n)
	}
}

func TestRateLimited(t *testing.T) {
	tier := defaultTier()
	tier.RequestsPerMinute = 3
	env := newTestEnv(t, tier)

	for i := 0; i < 3; i++ {
		env.query(t, "What is ML?", "", 0.85)
	}
	_, err := env.engine.Query(context.Background(), &Request{
		Project: env.project, APIKeyID: "key-1", Prompt: "What is ML?", Model: "gpt-4o", Threshold: 0.85,
	})
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.Result.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", rl.Result.Remaining)
	}

	// The rejected request must not change usage counters.
	tracker := usage.New(env.store)
	u, err := tracker.Current(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Queries != 3 {
		t.Fatalf("rejected request changed usage: %+v", u)
	}
}

func TestQuotaExceeded(t *testing.T) {
	tier := defaultTier()
	tier.MonthlyQuota = 2
	env := newTestEnv(t, tier)

	env.query(t, "What is ML?", "", 0.85)
	env.query(t, "What is the capital of France?", "", 0.85)

	_, err := env.engine.Query(context.Background(), &Request{
		Project: env.project, APIKeyID: "key-1", Prompt: "another question", Model: "gpt-4o", Threshold: 0.85,
	})
	var qe *usage.QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if qe.Count != 2 || qe.Limit != 2 {
		t.Fatalf("unexpected quota numbers: %+v", qe)
	}

	u, err := usage.New(env.store).Current(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Queries != 2 {
		t.Fatalf("rejected request changed usage: %+v", u)
	}
}

func TestQuotaCountsHits(t *testing.T) {
	env := newTestEnv(t, defaultTier())

	env.query(t, "What is ML?", "", 0.85)
	env.query(t, "What is ML?", "", 0.85) // hit

	u, err := usage.New(env.store).Current(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Queries != 2 || u.Hits != 1 || u.Misses != 1 {
		t.Fatalf("hits must count toward quota: %+v", u)
	}
	if u.CostSaved <= 0 {
		t.Fatalf("hit should accumulate cost saved: %+v", u)
	}
}

func TestConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	env := newTestEnv(t, defaultTier())
	env.provider.delay = 50 * time.Millisecond

	const n = 20
	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.engine.Query(context.Background(), &Request{
				Project:   env.project,
				APIKeyID:  "key-1",
				Prompt:    "What is ML?",
				Model:     "gpt-4o",
				Threshold: 0.85,
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		if results[i].Response != env.provider.text {
			t.Fatalf("request %d got wrong answer: %q", i, results[i].Response)
		}
	}
	if calls := env.provider.calls.Load(); calls != 1 {
		t.Fatalf("expected exactly 1 provider call for %d concurrent requests, got %d", n, calls)
	}
}

func TestProviderErrorNotCached(t *testing.T) {
	env := newTestEnv(t, defaultTier())
	env.provider.err = provider.NewError(provider.KindQuota, "openai", "billing hard limit reached", nil)

	_, err := env.engine.Query(context.Background(), &Request{
		Project: env.project, APIKeyID: "key-1", Prompt: "What is ML?", Model: "gpt-4o", Threshold: 0.85,
	})
	var perr *provider.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected provider.Error, got %v", err)
	}
	if perr.Kind != provider.KindQuota {
		t.Fatalf("expected quota kind, got %d", perr.Kind)
	}

	part := store.Partition{ProjectID: "proj-1", Context: "", TargetModel: "gpt-4o"}
	entries, err := env.store.ListEntries(context.Background(), part, "fake-embed-v1")
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed completion must not create a cache entry, got %d", len(entries))
	}
}

// failingIndex rejects inserts; searches pass through.
type failingIndex struct {
	index.Index
}

func (f *failingIndex) Upsert(context.Context, index.Point) error {
	return errors.New("index write rejected")
}

func TestPersistFailureStillReturnsAnswer(t *testing.T) {
	env := newTestEnv(t, defaultTier())
	env.engine.index = &failingIndex{Index: memindex.New()}

	res := env.query(t, "What is ML?", "", 0.85)
	if res.CacheHit || res.Response != env.provider.text {
		t.Fatalf("answer must still be returned when persistence fails: %+v", res)
	}

	// The store row is rolled back so no half-visible entry remains.
	part := store.Partition{ProjectID: "proj-1", Context: "", TargetModel: "gpt-4o"}
	entries, err := env.store.ListEntries(context.Background(), part, "fake-embed-v1")
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected rollback of stored entry, got %d rows", len(entries))
	}
}

func TestDeleteEntry(t *testing.T) {
	env := newTestEnv(t, defaultTier())

	env.query(t, "What is ML?", "", 0.85)
	part := store.Partition{ProjectID: "proj-1", Context: "", TargetModel: "gpt-4o"}
	entries, err := env.store.ListEntries(context.Background(), part, "fake-embed-v1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d (%v)", len(entries), err)
	}
	id := entries[0].ID

	// Wrong project is a not-found, not a cross-tenant delete.
	if err := env.engine.Delete(context.Background(), "other-project", id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign project, got %v", err)
	}
	if err := env.engine.Delete(context.Background(), "proj-1", id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// The deleted entry no longer hits.
	res := env.query(t, "What is ML?", "", 0.85)
	if res.CacheHit {
		t.Fatalf("deleted entry still served from cache")
	}
}

func TestNormalizePrompt(t *testing.T) {
	a := normalizePrompt("  What   is\tML? ")
	b := normalizePrompt("what is ml?")
	if a != b {
		t.Fatalf("normalization mismatch: %q != %q", a, b)
	}
}
