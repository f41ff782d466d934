package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("not found")

// Store wraps the connection pool behind the typed accessors.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPool creates a Postgres connection pool.
func NewPool(ctx context.Context, databaseURL string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.MinConns = 2
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = 1 * time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// New creates a Store over pool.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With().Str("component", "store").Logger()}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the schema if absent.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS git_repositories (
			id              UUID PRIMARY KEY,
			owner           TEXT NOT NULL,
			repo            TEXT NOT NULL,
			url             TEXT NOT NULL,
			provider        TEXT NOT NULL DEFAULT 'github',
			default_branch  TEXT NOT NULL DEFAULT '',
			created_by      TEXT NOT NULL,
			encrypted_token BYTEA,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (owner, repo, created_by, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS repo_indexes (
			id                      UUID PRIMARY KEY,
			repository_id           UUID NOT NULL REFERENCES git_repositories(id) ON DELETE CASCADE,
			repo_url                TEXT NOT NULL,
			branch                  TEXT NOT NULL,
			status                  TEXT NOT NULL,
			collection              TEXT NOT NULL DEFAULT '',
			last_indexed_commit     TEXT NOT NULL DEFAULT '',
			embedding_model         TEXT NOT NULL DEFAULT '',
			vector_size             INTEGER NOT NULL DEFAULT 0,
			chunking_signature_hash TEXT NOT NULL DEFAULT '',
			estimated_tokens        BIGINT NOT NULL DEFAULT 0,
			indexed_tokens          BIGINT NOT NULL DEFAULT 0,
			error_message           TEXT NOT NULL DEFAULT '',
			created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (repository_id, branch)
		)`,
		`CREATE INDEX IF NOT EXISTS repo_indexes_status_idx ON repo_indexes(status)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
