// Command mcp serves the engine's tools over MCP stdio, for editor and
// agent integrations.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/First008/codeindex/internal/config"
	"github.com/First008/codeindex/internal/embeddings"
	"github.com/First008/codeindex/internal/ignore"
	"github.com/First008/codeindex/internal/indexer"
	"github.com/First008/codeindex/internal/lifecycle"
	mcpserver "github.com/First008/codeindex/internal/mcp"
	"github.com/First008/codeindex/internal/store"
	"github.com/First008/codeindex/internal/vectorstore"
	"github.com/First008/codeindex/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	// Logs go to stderr; stdout belongs to the MCP transport.
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("database_url is required (or CODEINDEX_DATABASE_URL)")
	}

	ctx := context.Background()

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

	var provider embeddings.Provider
	if cfg.EmbeddingProvider == "ollama" {
		provider, err = embeddings.NewOllamaProvider(cfg.OllamaURL, logger)
	} else {
		provider, err = embeddings.NewOpenAIProvider(cfg.OpenAIKey, cfg.OpenAIBaseURL, logger)
	}
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

	manager := lifecycle.New(st, vectors, engine, provider, nil, nil, nil, metrics, lifecycle.Options{
		EmbeddingModel:  cfg.EmbeddingModel,
		InlineThreshold: cfg.Indexing.InlineThreshold,
	}, logger)

	srv, err := mcpserver.New(manager, st, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create MCP server")
	}
	if err := srv.ServeStdio(ctx); err != nil {
		logger.Fatal().Err(err).Msg("MCP server failed")
	}
}
