// Package index defines nearest-neighbor search over cached vectors.
package index

import (
	"context"
	"time"

	"semcache/store"
)

// Point is one searchable vector with the metadata the search filters on.
type Point struct {
	EntryID      string
	Partition    store.Partition
	EmbeddingTag string
	Vector       []float32
	CreatedAt    time.Time
}

// Match is the best entry found for a query vector. Score is cosine
// similarity in full precision; rounding, if any, happens at the API edge.
type Match struct {
	EntryID   string
	Score     float64
	CreatedAt time.Time
}

// Index is a per-partition nearest-neighbor index. Search returns the
// single best match (k=1) within the partition and embedding tag, or nil
// when the partition is empty. Vectors from different embedding tags are
// never compared.
type Index interface {
	Upsert(ctx context.Context, p Point) error
	Search(ctx context.Context, part store.Partition, embeddingTag string, vector []float32) (*Match, error)
	Delete(ctx context.Context, part store.Partition, entryID string) error
	Count(ctx context.Context, part store.Partition, embeddingTag string) (int, error)
}
