package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const repositoryColumns = `id, owner, repo, url, provider, default_branch, created_by,
	encrypted_token, created_at, updated_at`

// CreateRepository inserts a repository row.
func (s *Store) CreateRepository(ctx context.Context, row *Repository) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO git_repositories (id, owner, repo, url, provider, default_branch,
			created_by, encrypted_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		row.ID, row.Owner, row.Repo, row.URL, row.Provider, row.DefaultBranch,
		row.CreatedBy, row.EncryptedToken, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create repository: %w", err)
	}
	return nil
}

// EnsureRepository finds a repository by its identity key, creating the row
// when absent. This is the registration write that belongs to the API
// layer; engine internals only ever read repository rows.
func (s *Store) EnsureRepository(ctx context.Context, row *Repository) (*Repository, error) {
	existing, err := s.FindRepository(ctx, row.Owner, row.Repo, row.CreatedBy, row.Provider)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := s.CreateRepository(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// GetRepository loads a repository by primary key.
func (s *Store) GetRepository(ctx context.Context, id string) (*Repository, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM git_repositories WHERE id = $1`, id)
	return scanRepository(row)
}

// FindRepository resolves a repository by its identity key. createdBy scopes
// the lookup to the requesting user; an empty createdBy matches any owner.
func (s *Store) FindRepository(ctx context.Context, owner, repo, createdBy, provider string) (*Repository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM git_repositories
		WHERE owner = $1 AND repo = $2 AND provider = $3`
	args := []any{owner, repo, provider}
	if createdBy != "" {
		query += ` AND created_by = $4`
		args = append(args, createdBy)
	}
	query += ` ORDER BY created_at LIMIT 1`
	return scanRepository(s.pool.QueryRow(ctx, query, args...))
}

// DeleteRepository removes a repository; repo_indexes rows cascade.
func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM git_repositories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete repository %s: %w", id, err)
	}
	return nil
}

func scanRepository(row pgx.Row) (*Repository, error) {
	var r Repository
	err := row.Scan(
		&r.ID, &r.Owner, &r.Repo, &r.URL, &r.Provider, &r.DefaultBranch,
		&r.CreatedBy, &r.EncryptedToken, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan repository: %w", err)
	}
	return &r, nil
}
