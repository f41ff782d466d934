// Command indexer runs a one-shot index of a local checkout, always inline.
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
	"github.com/First008/codeindex/internal/shell"
	"github.com/First008/codeindex/internal/store"
	"github.com/First008/codeindex/internal/vectorstore"
	"github.com/First008/codeindex/pkg/telemetry"
)

func main() {
	repoRoot := flag.String("repo", "", "Path to repository checkout to index")
	repoURL := flag.String("url", "", "Clone URL (used as the repository identity)")
	branch := flag.String("branch", "", "Branch to index (default: current branch)")
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	if *repoRoot == "" {
		logger.Fatal().Msg("--repo flag is required")
	}
	if *repoURL == "" {
		logger.Fatal().Msg("--url flag is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("database_url is required (or CODEINDEX_DATABASE_URL)")
	}

	ctx := context.Background()
	manager, st, cleanup, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize engine")
	}
	defer cleanup()

	exec := shell.NewLocal(*repoRoot)

	resolvedBranch := *branch
	if resolvedBranch == "" {
		res, err := exec.Run(ctx, "git rev-parse --abbrev-ref HEAD")
		if err != nil || res.ExitCode != 0 {
			logger.Fatal().Msg("Could not resolve current branch; pass --branch")
		}
		resolvedBranch = strings.TrimSpace(res.Stdout)
	}

	// The CLI is an API surface too: register the repository before asking
	// the manager to index it.
	owner, repo, provider := lifecycle.ParseRepoURL(*repoURL)
	repoRow, err := st.EnsureRepository(ctx, &store.Repository{
		Owner:    owner,
		Repo:     repo,
		URL:      indexer.DeriveRepoID(*repoURL),
		Provider: provider,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to register repository")
	}

	start := time.Now()
	result, err := manager.GetOrInitIndex(ctx, lifecycle.InitRequest{
		RepositoryID: repoRow.ID,
		RepoURL:      *repoURL,
		RepoRoot:     *repoRoot,
		Branch:       resolvedBranch,
		Exec:         exec,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Indexing failed")
	}

	entity := result.Entity
	logger.Info().
		Str("state", string(result.State)).
		Str("collection", entity.Collection).
		Str("commit", entity.LastIndexedCommit).
		Dur("duration", time.Since(start)).
		Msg("Indexing finished")

	fmt.Printf("\nstate:      %s\n", result.State)
	fmt.Printf("collection: %s\n", entity.Collection)
	fmt.Printf("tokens:     %d\n", entity.IndexedTokens)
	fmt.Printf("duration:   %s\n", time.Since(start).Round(time.Second))
}

func bootstrap(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*lifecycle.Manager, *store.Store, func(), error) {
	pool, err := store.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, nil, nil, err
	}
	st := store.New(pool, logger)
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, nil, nil, err
	}

	vectors, err := vectorstore.Connect(cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.APIKey, cfg.Qdrant.UseTLS, logger)
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}

	ignores, err := ignore.NewCache()
	if err != nil {
		st.Close()
		return nil, nil, nil, err
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

	// No queue and no runtime provider: every run executes inline.
	manager := lifecycle.New(st, vectors, engine, provider, nil, nil, nil, metrics, lifecycle.Options{
		EmbeddingModel:  cfg.EmbeddingModel,
		InlineThreshold: cfg.Indexing.InlineThreshold,
	}, logger)

	cleanup := func() {
		vectors.Close()
		st.Close()
	}
	return manager, st, cleanup, nil
}

func buildProvider(cfg *config.Config, logger zerolog.Logger) (embeddings.Provider, error) {
	switch cfg.EmbeddingProvider {
	case "ollama":
		return embeddings.NewOllamaProvider(cfg.OllamaURL, logger)
	default:
		return embeddings.NewOpenAIProvider(cfg.OpenAIKey, cfg.OpenAIBaseURL, logger)
	}
}
