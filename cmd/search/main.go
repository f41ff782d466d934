// Command search runs one query against an indexed repository branch.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/First008/codeindex/internal/config"
	"github.com/First008/codeindex/internal/embeddings"
	"github.com/First008/codeindex/internal/ignore"
	"github.com/First008/codeindex/internal/indexer"
	"github.com/First008/codeindex/internal/lifecycle"
	"github.com/First008/codeindex/internal/store"
	"github.com/First008/codeindex/internal/vectorstore"
	"github.com/First008/codeindex/pkg/telemetry"
)

func main() {
	repositoryID := flag.String("repo-id", "", "Repository id")
	branch := flag.String("branch", "main", "Branch to search")
	query := flag.String("query", "", "Natural-language query")
	topK := flag.Int("top-k", 10, "Maximum number of results")
	dir := flag.String("dir", "", "Directory prefix filter")
	lang := flag.String("lang", "", "Language filter, e.g. typescript")
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	if *repositoryID == "" || *query == "" {
		logger.Fatal().Msg("--repo-id and --query flags are required")
	}

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

	manager := lifecycle.New(st, vectors, engine, provider, nil, nil, nil, telemetry.New(), lifecycle.Options{
		EmbeddingModel:  cfg.EmbeddingModel,
		InlineThreshold: cfg.Indexing.InlineThreshold,
	}, logger)

	result, err := manager.SearchIndex(ctx, *repositoryID, *branch, *query, *topK, *dir, *lang)
	if err != nil {
		logger.Fatal().Err(err).Msg("Search failed")
	}

	if result.Partial {
		fmt.Println("(index still in progress, results may be incomplete)")
	}
	for i, r := range result.Results {
		fmt.Printf("%2d. %s:%d-%d  (score %.3f)\n", i+1, r.Path, r.StartLine, r.EndLine, r.Score)
		fmt.Println(indent(r.Text))
	}
	if len(result.Results) == 0 {
		fmt.Println("no results")
	}
}

func indent(text string) string {
	return "    " + strings.ReplaceAll(text, "\n", "\n    ")
}
