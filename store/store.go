// Package store defines the persistent entities and the storage contract.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Key lifecycle states.
const (
	KeyStateActive  = "active"
	KeyStateRevoked = "revoked"
)

// Partition bounds which entries are eligible to match a query.
type Partition struct {
	ProjectID   string
	Context     string
	TargetModel string
}

// ContextDigest is the equality-match form of the context text. Backends
// filter on the digest so the context itself can stay encrypted at rest;
// partition matching only ever needs exact equality.
func (p Partition) ContextDigest() string {
	sum := sha256.Sum256([]byte(p.Context))
	return hex.EncodeToString(sum[:])
}

// Project is the tenant boundary.
type Project struct {
	ID        string
	Name      string
	Tier      string
	CreatedAt time.Time
}

// APIKey is an opaque bearer token, stored only as a hash.
type APIKey struct {
	ID        string
	ProjectID string
	Hash      string
	State     string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// CacheEntry is one previously answered prompt. Prompt, response and
// context are encrypted at rest; the vector stays plaintext so it can be
// searched.
type CacheEntry struct {
	ID           string
	Partition    Partition
	Prompt       string
	Response     string
	Vector       []float32
	EmbeddingTag string
	EncVersion   int
	CreatedAt    time.Time
	LastAccessed time.Time
}

// EntryRef locates an entry in both the store and the index.
type EntryRef struct {
	ID        string
	Partition Partition
}

// VectorRecord is the searchable part of an entry, read without the
// prompt and response columns. Used to warm an in-process index at boot.
type VectorRecord struct {
	ID           string
	Partition    Partition
	EmbeddingTag string
	Vector       []float32
	CreatedAt    time.Time
}

// ProviderCredential is a tenant's upstream LLM key, encrypted at rest.
type ProviderCredential struct {
	ProjectID  string
	Provider   string
	Secret     string
	EncVersion int
	UpdatedAt  time.Time
}

// Usage holds the per-project counters for one calendar month.
type Usage struct {
	ProjectID string
	Period    string // YYYY-MM
	Queries   int64
	Hits      int64
	Misses    int64
	CostSaved float64
}

// Store is the durable backend for entries, keys, credentials and usage.
type Store interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)

	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	RevokeAPIKey(ctx context.Context, id string, at time.Time) error

	InsertEntry(ctx context.Context, e *CacheEntry) error
	GetEntry(ctx context.Context, id string) (*CacheEntry, error)
	DeleteEntry(ctx context.Context, projectID, id string) error
	TouchEntry(ctx context.Context, id string, at time.Time) error
	ListEntries(ctx context.Context, part Partition, embeddingTag string) ([]*CacheEntry, error)
	ExpiredEntries(ctx context.Context, cutoff time.Time) ([]EntryRef, error)
	AllVectors(ctx context.Context) ([]VectorRecord, error)

	PutCredential(ctx context.Context, c *ProviderCredential) error
	GetCredential(ctx context.Context, projectID, provider string) (*ProviderCredential, error)

	AddUsage(ctx context.Context, projectID, period string, hit bool, costSaved float64) error
	GetUsage(ctx context.Context, projectID, period string) (*Usage, error)

	Close() error
}
