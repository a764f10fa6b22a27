// Package qdrant implements index.Index on a Qdrant collection. Partition
// fields live in the point payload and every search filters on them, so
// one collection serves all tenants.
package qdrant

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"semcache/index"
	"semcache/logger"
	"semcache/store"
)

// candidateLimit is how many top points a search pulls back; ties on score
// are broken locally by created_at, which Qdrant cannot order by itself.
// The newest-wins tie-break is only exact among these candidates: an exact
// score tie wider than candidateLimit can resolve to an older entry.
const candidateLimit = 64

// Index implements index.Index using Qdrant as the backend.
type Index struct {
	client     *qdrant.Client
	collection string
	dimensions int
}

// New connects to Qdrant and ensures the collection exists.
func New(host string, port int, collection string, dimensions int) (*Index, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("fail to create qdrant client: %w", err)
	}

	ix := &Index{client: client, collection: collection, dimensions: dimensions}
	if err := ix.ensureCollection(); err != nil {
		return nil, fmt.Errorf("fail to create qdrant collection: %w", err)
	}
	return ix, nil
}

func (ix *Index) ensureCollection() error {
	isExist, err := ix.client.CollectionExists(context.Background(), ix.collection)
	if err != nil {
		return fmt.Errorf("fail to check if collection %s exists: %w", ix.collection, err)
	}
	if !isExist {
		err = ix.client.CreateCollection(context.Background(), &qdrant.CreateCollection{
			CollectionName: ix.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(ix.dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("fail to create collection: %w", err)
		}
		logger.Info("Created Qdrant collection: %s", ix.collection)
	}
	return nil
}

// Upsert implements index.Index.
func (ix *Index) Upsert(ctx context.Context, p index.Point) error {
	_, err := ix.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: ix.collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(p.EntryID),
				Vectors: qdrant.NewVectorsDense(p.Vector),
				Payload: qdrant.NewValueMap(map[string]any{
					"project": p.Partition.ProjectID,
					// The context text never leaves the encrypted store; the
					// payload carries only its digest for filtering.
					"context_digest": p.Partition.ContextDigest(),
					"model":          p.Partition.TargetModel,
					"embedding_tag":  p.EmbeddingTag,
					"created_at":     p.CreatedAt.UnixNano(),
				}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("fail to store qdrant point: %w", err)
	}
	return nil
}

// Search implements index.Index.
func (ix *Index) Search(ctx context.Context, part store.Partition, embeddingTag string, vector []float32) (*index.Match, error) {
	results, err := ix.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: ix.collection,
		Query:          qdrant.NewQueryDense(vector),
		Filter:         partitionFilter(part, embeddingTag),
		WithPayload:    qdrant.NewWithPayload(true),
		Limit:          qdrant.PtrOf(uint64(candidateLimit)),
	})
	if err != nil {
		return nil, fmt.Errorf("fail to search qdrant: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	best := toMatch(results[0])
	for _, r := range results[1:] {
		m := toMatch(r)
		if m.Score == best.Score && m.CreatedAt.After(best.CreatedAt) {
			best = m
		}
	}
	return best, nil
}

// Delete implements index.Index.
func (ix *Index) Delete(ctx context.Context, _ store.Partition, entryID string) error {
	_, err := ix.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: ix.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewID(entryID)),
	})
	if err != nil {
		return fmt.Errorf("fail to delete qdrant point: %w", err)
	}
	return nil
}

// Count implements index.Index.
func (ix *Index) Count(ctx context.Context, part store.Partition, embeddingTag string) (int, error) {
	n, err := ix.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: ix.collection,
		Filter:         partitionFilter(part, embeddingTag),
	})
	if err != nil {
		return 0, fmt.Errorf("fail to count qdrant points: %w", err)
	}
	return int(n), nil
}

// Close releases the client connection.
func (ix *Index) Close() error {
	return ix.client.Close()
}

func partitionFilter(part store.Partition, embeddingTag string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("project", part.ProjectID),
			qdrant.NewMatch("context_digest", part.ContextDigest()),
			qdrant.NewMatch("model", part.TargetModel),
			qdrant.NewMatch("embedding_tag", embeddingTag),
		},
	}
}

func toMatch(r *qdrant.ScoredPoint) *index.Match {
	m := &index.Match{
		EntryID: r.Id.GetUuid(),
		Score:   float64(r.Score),
	}
	if v, ok := r.Payload["created_at"]; ok {
		m.CreatedAt = time.Unix(0, v.GetIntegerValue())
	}
	return m
}
