// Command indexd is the indexing daemon: it serves the HTTP API, drains the
// background job queue, and recovers orphaned work at boot.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/First008/codeindex/internal/config"
	"github.com/First008/codeindex/internal/embeddings"
	"github.com/First008/codeindex/internal/ignore"
	"github.com/First008/codeindex/internal/indexer"
	"github.com/First008/codeindex/internal/lifecycle"
	"github.com/First008/codeindex/internal/queue"
	"github.com/First008/codeindex/internal/runtime"
	"github.com/First008/codeindex/internal/secrets"
	"github.com/First008/codeindex/internal/server"
	"github.com/First008/codeindex/internal/store"
	"github.com/First008/codeindex/internal/vectorstore"
	"github.com/First008/codeindex/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("database_url is required (or CODEINDEX_DATABASE_URL)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Postgres")
	}
	st := store.New(pool, logger)
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate schema")
	}

	vectors, err := vectorstore.Connect(cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.APIKey, cfg.Qdrant.UseTLS, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Qdrant")
	}
	defer vectors.Close()

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create embedding provider")
	}

	ignores, err := ignore.NewCache()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create ignore cache")
	}

	engine := indexer.New(vectors, provider, ignores, indexer.Config{
		TargetTokens:         cfg.Indexing.ChunkTargetTokens,
		OverlapTokens:        cfg.Indexing.ChunkOverlapTokens,
		EmbeddingMaxTokens:   cfg.Indexing.EmbeddingMaxTokens,
		EmbeddingConcurrency: cfg.Indexing.EmbeddingConcurrency,
		MaxFileBytes:         cfg.Indexing.MaxFileBytes,
		Namespace:            cfg.Namespace(),
	}, logger)

	metrics := telemetry.New()
	engine.OnReuse(metrics.FilesReused.Inc)
	q := queue.New(cfg.RedisAddr, cfg.RedisPassword, logger)
	defer q.Close()

	var runtimes runtime.Provider
	var reaper *runtime.DockerProvider
	switch cfg.Runtime.Kind {
	case "local":
		runtimes = runtime.NewLocalProvider(cfg.Runtime.LocalDir, logger)
	default:
		dp := runtime.NewDockerProvider(cfg.Runtime.DockerImage,
			time.Duration(cfg.Runtime.IdleMinutes)*time.Minute, logger)
		runtimes = dp
		reaper = dp
	}

	var cipher *secrets.Cipher
	if key := cfg.CredentialKey(); key != nil {
		cipher, err = secrets.New(key)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to init credential cipher")
		}
	}

	manager := lifecycle.New(st, vectors, engine, provider, q, runtimes, cipher, metrics, lifecycle.Options{
		EmbeddingModel:  cfg.EmbeddingModel,
		InlineThreshold: cfg.Indexing.InlineThreshold,
	}, logger)

	manager.RecoverOrphans(ctx)

	go func() {
		if err := q.Run(ctx, lifecycle.NewWorker(manager)); err != nil {
			logger.Error().Err(err).Msg("Queue worker stopped")
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if depth, err := q.PendingCount(); err == nil {
					metrics.QueueDepth.Set(float64(depth))
				}
				if reaper != nil {
					reaper.ReapIdle(ctx)
				}
			}
		}
	}()

	srv := server.New(manager, st, metrics, cfg.Port, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("HTTP server failed")
	}
}

// buildProvider selects the embedding backend from config.
func buildProvider(cfg *config.Config, logger zerolog.Logger) (embeddings.Provider, error) {
	switch cfg.EmbeddingProvider {
	case "ollama":
		return embeddings.NewOllamaProvider(cfg.OllamaURL, logger)
	default:
		return embeddings.NewOpenAIProvider(cfg.OpenAIKey, cfg.OpenAIBaseURL, logger)
	}
}
