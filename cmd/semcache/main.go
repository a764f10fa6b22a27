package main

import (
	"context"
	"os"
	"time"

	"semcache/config"
	"semcache/crypto"
	"semcache/embedding/openai"
	"semcache/engine"
	"semcache/index"
	memindex "semcache/index/memory"
	qdrantindex "semcache/index/qdrant"
	"semcache/logger"
	"semcache/provider"
	providerAnthropic "semcache/provider/anthropic"
	providerOpenai "semcache/provider/openai"
	"semcache/ratelimit"
	"semcache/server"
	"semcache/store/sqlite"
	"semcache/usage"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Error("Fail to load config: %s", err)
		return
	}

	secret, err := cfg.MasterSecret()
	if err != nil {
		logger.Error("Fail to load master secret: %s", err)
		return
	}
	cipher, err := crypto.New(secret)
	if err != nil {
		logger.Error("Fail to init cipher: %s", err)
		return
	}

	st, err := sqlite.Open(cfg.StorePath, cipher)
	if err != nil {
		logger.Error("Fail to open store: %s", err)
		return
	}
	defer st.Close()

	var ix index.Index
	if os.Getenv("VECTOR_INDEX") == "qdrant" {
		qix, err := qdrantindex.New(cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.Collection, cfg.Embedding.Dimensions)
		if err != nil {
			logger.Error("Fail to init qdrant index: %s", err)
			return
		}
		defer qix.Close()
		ix = qix
	} else {
		mix := memindex.New()
		if err := warmIndex(st, mix); err != nil {
			logger.Error("Fail to warm index: %s", err)
			return
		}
		ix = mix
	}

	embedder := openai.New(cfg.Embedding.Endpoint, cfg.Embedding.Model, cfg.Embedding.APIKeyEnv, cfg.Embedding.Dimensions)

	providers := provider.NewRegistry(cfg.Providers.TimeBudget)
	openaiSvc := providerOpenai.New(cfg.Providers.OpenAIEndpoint, cfg.Providers.OpenAIKeyEnv)
	providers.Register("gpt-", openaiSvc)
	providers.Register("o1", openaiSvc)
	providers.Register("o3", openaiSvc)
	providers.Register("claude-", providerAnthropic.New(cfg.Providers.AnthropicEndpoint, cfg.Providers.AnthropicKeyEnv))

	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Error("Fail to init redis limiter: %s", err)
			return
		}
		defer rl.Close()
		limiter = rl
	} else {
		limiter = ratelimit.NewMemory()
	}

	tracker := usage.New(st)

	eng := engine.New(engine.Options{
		Store:      st,
		Index:      ix,
		Embedder:   embedder,
		Providers:  providers,
		Limiter:    limiter,
		Usage:      tracker,
		TierFor:    cfg.TierFor,
		RateWindow: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.StartTTLSweeper(ctx, cfg.EntryTTL, time.Hour)

	srv := server.New(eng, st, tracker, cfg, os.Getenv("ADMIN_TOKEN"))
	if err := srv.Run(cfg.ServerPort); err != nil {
		logger.Error("Error running http server: %s", err)
	}
	cancel()
	eng.Wait()
}

// warmIndex rebuilds the in-process index from stored vectors so entries
// written before a restart stay searchable.
func warmIndex(st *sqlite.Store, ix index.Index) error {
	records, err := st.AllVectors(context.Background())
	if err != nil {
		return err
	}
	for _, r := range records {
		err := ix.Upsert(context.Background(), index.Point{
			EntryID:      r.ID,
			Partition:    r.Partition,
			EmbeddingTag: r.EmbeddingTag,
			Vector:       r.Vector,
			CreatedAt:    r.CreatedAt,
		})
		if err != nil {
			return err
		}
	}
	if len(records) > 0 {
		logger.Info("Warmed index with %d stored vectors", len(records))
	}
	return nil
}
