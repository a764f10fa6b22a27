// Package memory is an in-process index.Index. Partitions are independent
// slices behind one RWMutex; search is a brute-force cosine scan. It backs
// single-node deployments and tests, the qdrant backend is the scaling path.
package memory

import (
	"context"
	"math"
	"sync"

	"semcache/index"
	"semcache/store"
)

type partitionKey struct {
	part store.Partition
	tag  string
}

// Index implements index.Index in process memory.
type Index struct {
	mu         sync.RWMutex
	partitions map[partitionKey][]index.Point
}

func New() *Index {
	return &Index{partitions: make(map[partitionKey][]index.Point)}
}

// Upsert implements index.Index. Insertion is append-only.
func (ix *Index) Upsert(_ context.Context, p index.Point) error {
	key := partitionKey{part: p.Partition, tag: p.EmbeddingTag}
	ix.mu.Lock()
	ix.partitions[key] = append(ix.partitions[key], p)
	ix.mu.Unlock()
	return nil
}

// Search implements index.Index. Ties on score go to the most recently
// created entry so repeated queries never flap between equal matches.
func (ix *Index) Search(_ context.Context, part store.Partition, embeddingTag string, vector []float32) (*index.Match, error) {
	key := partitionKey{part: part, tag: embeddingTag}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	points := ix.partitions[key]
	if len(points) == 0 {
		return nil, nil
	}

	var best *index.Match
	for i := range points {
		p := &points[i]
		score := Cosine(vector, p.Vector)
		if best == nil || score > best.Score ||
			(score == best.Score && p.CreatedAt.After(best.CreatedAt)) {
			best = &index.Match{EntryID: p.EntryID, Score: score, CreatedAt: p.CreatedAt}
		}
	}
	return best, nil
}

// Delete implements index.Index.
func (ix *Index) Delete(_ context.Context, part store.Partition, entryID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for key, points := range ix.partitions {
		if key.part != part {
			continue
		}
		for i := range points {
			if points[i].EntryID == entryID {
				ix.partitions[key] = append(points[:i], points[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Count implements index.Index.
func (ix *Index) Count(_ context.Context, part store.Partition, embeddingTag string) (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.partitions[partitionKey{part: part, tag: embeddingTag}]), nil
}

// Cosine computes cosine similarity in float64 so the hit decision sees
// full precision.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
