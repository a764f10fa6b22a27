package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"semcache/crypto"
	"semcache/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cipher, err := crypto.New("test-master-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), cipher)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEntry(id string) *store.CacheEntry {
	now := time.Now()
	return &store.CacheEntry{
		ID: id,
		Partition: store.Partition{
			ProjectID:   "proj-1",
			Context:     "",
			TargetModel: "gpt-4o",
		},
		Prompt:       "What is ML?",
		Response:     "Machine learning is a field of AI.",
		Vector:       []float32{0.1, 0.2, 0.3},
		EmbeddingTag: "text-embedding-3-small",
		CreatedAt:    now,
		LastAccessed: now,
	}
}

func TestEntryRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := testEntry("e1")
	if err := s.InsertEntry(ctx, e); err != nil {
		t.Fatalf("insert entry: %v", err)
	}

	got, err := s.GetEntry(ctx, "e1")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if got.Prompt != e.Prompt || got.Response != e.Response {
		t.Fatalf("text mismatch: %+v", got)
	}
	if got.EncVersion != crypto.VersionAESGCM {
		t.Fatalf("expected enc version %d, got %d", crypto.VersionAESGCM, got.EncVersion)
	}
	if len(got.Vector) != 3 || got.Vector[1] != 0.2 {
		t.Fatalf("vector mismatch: %v", got.Vector)
	}
}

func TestEntryEncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := testEntry("e1")
	e.Partition.Context = "billing-ticket-4711"
	if err := s.InsertEntry(ctx, e); err != nil {
		t.Fatalf("insert entry: %v", err)
	}

	// Read the raw columns, bypassing the decrypt path.
	var rawPrompt, rawResponse, rawContext, rawDigest string
	err := s.db.QueryRow("SELECT prompt, response, context, context_digest FROM cache_entries WHERE id = ?", "e1").
		Scan(&rawPrompt, &rawResponse, &rawContext, &rawDigest)
	if err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if strings.Contains(rawPrompt, "ML") || strings.Contains(rawResponse, "Machine learning") {
		t.Fatalf("stored text is not encrypted: %q / %q", rawPrompt, rawResponse)
	}
	if strings.Contains(rawContext, "billing-ticket-4711") {
		t.Fatalf("context column at rest is plaintext: %q", rawContext)
	}
	if rawDigest != e.Partition.ContextDigest() {
		t.Fatalf("context digest mismatch: %q", rawDigest)
	}

	// The decrypt path and the digest-based partition lookup both still
	// see the original context.
	got, err := s.GetEntry(ctx, "e1")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if got.Partition.Context != "billing-ticket-4711" {
		t.Fatalf("context not decrypted on read: %q", got.Partition.Context)
	}
	entries, err := s.ListEntries(ctx, e.Partition, e.EmbeddingTag)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("partition lookup by digest failed, got %d entries", len(entries))
	}
}

func TestLegacyPlaintextRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Simulate a row written before encryption existed: plaintext columns
	// with enc_version 0.
	now := time.Now().UnixNano()
	digest := store.Partition{}.ContextDigest()
	_, err := s.db.Exec(`INSERT INTO cache_entries
		(id, project_id, context, context_digest, target_model, prompt, response, vector, embedding_tag, enc_version, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		"legacy", "proj-1", "", digest, "gpt-4o", "old prompt", "old answer",
		encodeVector([]float32{1, 0}), "text-embedding-3-small", now, now)
	if err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}

	got, err := s.GetEntry(ctx, "legacy")
	if err != nil {
		t.Fatalf("get legacy entry: %v", err)
	}
	if got.Prompt != "old prompt" || got.Response != "old answer" {
		t.Fatalf("legacy row not readable: %+v", got)
	}

	// Old and new rows must be readable side by side.
	if err := s.InsertEntry(ctx, testEntry("new")); err != nil {
		t.Fatalf("insert new entry: %v", err)
	}
	entries, err := s.ListEntries(ctx, store.Partition{ProjectID: "proj-1", Context: "", TargetModel: "gpt-4o"}, "text-embedding-3-small")
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestTouchEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := testEntry("e1")
	if err := s.InsertEntry(ctx, e); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	later := e.LastAccessed.Add(time.Hour)
	if err := s.TouchEntry(ctx, "e1", later); err != nil {
		t.Fatalf("touch entry: %v", err)
	}
	got, err := s.GetEntry(ctx, "e1")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if !got.LastAccessed.Equal(later) {
		t.Fatalf("last_accessed not updated: %s", got.LastAccessed)
	}
	if !got.CreatedAt.Equal(e.CreatedAt) {
		t.Fatalf("created_at mutated by touch")
	}
}

func TestDeleteEntryScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertEntry(ctx, testEntry("e1")); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	// Wrong project must not delete.
	if err := s.DeleteEntry(ctx, "other-project", "e1"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound for wrong project, got %v", err)
	}
	if err := s.DeleteEntry(ctx, "proj-1", "e1"); err != nil {
		t.Fatalf("delete entry: %v", err)
	}
	if _, err := s.GetEntry(ctx, "e1"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	project := &store.Project{ID: "proj-1", Name: "acme", Tier: "free", CreatedAt: time.Now()}
	if err := s.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	key := &store.APIKey{
		ID:        "key-1",
		ProjectID: "proj-1",
		Hash:      "abc123",
		State:     store.KeyStateActive,
		CreatedAt: time.Now(),
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("create key: %v", err)
	}

	got, err := s.GetAPIKeyByHash(ctx, "abc123")
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if got.State != store.KeyStateActive || got.ProjectID != "proj-1" {
		t.Fatalf("key mismatch: %+v", got)
	}

	if err := s.RevokeAPIKey(ctx, "key-1", time.Now()); err != nil {
		t.Fatalf("revoke key: %v", err)
	}
	got, err = s.GetAPIKeyByHash(ctx, "abc123")
	if err != nil {
		t.Fatalf("get revoked key: %v", err)
	}
	if got.State != store.KeyStateRevoked || got.RevokedAt == nil {
		t.Fatalf("revocation not persisted: %+v", got)
	}

	if _, err := s.GetAPIKeyByHash(ctx, "missing"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCredentialRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cred := &store.ProviderCredential{
		ProjectID: "proj-1",
		Provider:  "openai",
		Secret:    "sk-super-secret",
		UpdatedAt: time.Now(),
	}
	if err := s.PutCredential(ctx, cred); err != nil {
		t.Fatalf("put credential: %v", err)
	}

	var raw string
	if err := s.db.QueryRow("SELECT secret FROM provider_credentials WHERE project_id = ?", "proj-1").Scan(&raw); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if strings.Contains(raw, "sk-super-secret") {
		t.Fatalf("credential stored in plaintext")
	}

	got, err := s.GetCredential(ctx, "proj-1", "openai")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.Secret != "sk-super-secret" {
		t.Fatalf("secret mismatch: %q", got.Secret)
	}

	// Rotation overwrites in place.
	cred.Secret = "sk-rotated"
	if err := s.PutCredential(ctx, cred); err != nil {
		t.Fatalf("rotate credential: %v", err)
	}
	got, err = s.GetCredential(ctx, "proj-1", "openai")
	if err != nil {
		t.Fatalf("get rotated credential: %v", err)
	}
	if got.Secret != "sk-rotated" {
		t.Fatalf("rotation not applied: %q", got.Secret)
	}
}

func TestUsageAccumulation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.GetUsage(ctx, "proj-1", "2026-08")
	if err != nil {
		t.Fatalf("get empty usage: %v", err)
	}
	if u.Queries != 0 {
		t.Fatalf("expected zero usage, got %+v", u)
	}

	if err := s.AddUsage(ctx, "proj-1", "2026-08", false, 0); err != nil {
		t.Fatalf("add miss: %v", err)
	}
	if err := s.AddUsage(ctx, "proj-1", "2026-08", true, 0.0123); err != nil {
		t.Fatalf("add hit: %v", err)
	}
	if err := s.AddUsage(ctx, "proj-1", "2026-08", true, 0.0077); err != nil {
		t.Fatalf("add hit: %v", err)
	}

	u, err = s.GetUsage(ctx, "proj-1", "2026-08")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if u.Queries != 3 || u.Hits != 2 || u.Misses != 1 {
		t.Fatalf("counter mismatch: %+v", u)
	}
	if u.CostSaved < 0.0199 || u.CostSaved > 0.0201 {
		t.Fatalf("cost saved mismatch: %v", u.CostSaved)
	}

	// A new period starts from zero.
	u, err = s.GetUsage(ctx, "proj-1", "2026-09")
	if err != nil {
		t.Fatalf("get next period: %v", err)
	}
	if u.Queries != 0 {
		t.Fatalf("new period should start at zero: %+v", u)
	}
}

func TestExpiredEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := testEntry("old")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	if err := s.InsertEntry(ctx, old); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if err := s.InsertEntry(ctx, testEntry("fresh")); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	refs, err := s.ExpiredEntries(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("expired entries: %v", err)
	}
	if len(refs) != 1 || refs[0].ID != "old" {
		t.Fatalf("expected only the old entry, got %+v", refs)
	}
}

func TestAllVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertEntry(ctx, testEntry("e1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertEntry(ctx, testEntry("e2")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	records, err := s.AllVectors(ctx)
	if err != nil {
		t.Fatalf("all vectors: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Vector[2] != 0.3 || records[0].EmbeddingTag != "text-embedding-3-small" {
		t.Fatalf("vector record mismatch: %+v", records[0])
	}
}
