package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const repoIndexColumns = `id, repository_id, repo_url, branch, status, collection,
	last_indexed_commit, embedding_model, vector_size, chunking_signature_hash,
	estimated_tokens, indexed_tokens, error_message, created_at, updated_at`

// CreateRepoIndex inserts a new index record. The id is generated when
// empty.
func (s *Store) CreateRepoIndex(ctx context.Context, row *RepoIndex) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO repo_indexes (id, repository_id, repo_url, branch, status, collection,
			last_indexed_commit, embedding_model, vector_size, chunking_signature_hash,
			estimated_tokens, indexed_tokens, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		row.ID, row.RepositoryID, row.RepoURL, row.Branch, row.Status, row.Collection,
		row.LastIndexedCommit, row.EmbeddingModel, row.VectorSize, row.ChunkingSignatureHash,
		row.EstimatedTokens, row.IndexedTokens, row.ErrorMessage, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create repo index: %w", err)
	}
	return nil
}

// GetRepoIndex loads the record for (repositoryID, branch).
func (s *Store) GetRepoIndex(ctx context.Context, repositoryID, branch string) (*RepoIndex, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+repoIndexColumns+` FROM repo_indexes WHERE repository_id = $1 AND branch = $2`,
		repositoryID, branch)
	return scanRepoIndex(row)
}

// GetRepoIndexByID loads a record by primary key.
func (s *Store) GetRepoIndexByID(ctx context.Context, id string) (*RepoIndex, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+repoIndexColumns+` FROM repo_indexes WHERE id = $1`, id)
	return scanRepoIndex(row)
}

// ListRepoIndexes returns all records for a repository, most recently
// updated first.
func (s *Store) ListRepoIndexes(ctx context.Context, repositoryID string) ([]*RepoIndex, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+repoIndexColumns+` FROM repo_indexes WHERE repository_id = $1 ORDER BY updated_at DESC`,
		repositoryID)
	if err != nil {
		return nil, fmt.Errorf("store: list repo indexes: %w", err)
	}
	defer rows.Close()
	return collectRepoIndexes(rows)
}

// ListRepoIndexesByStatus returns all records in any of the given states.
func (s *Store) ListRepoIndexesByStatus(ctx context.Context, statuses ...Status) ([]*RepoIndex, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+repoIndexColumns+` FROM repo_indexes WHERE status = ANY($1) ORDER BY updated_at DESC`,
		vals)
	if err != nil {
		return nil, fmt.Errorf("store: list repo indexes by status: %w", err)
	}
	defer rows.Close()
	return collectRepoIndexes(rows)
}

// SiblingCompletedIndex returns the most recently updated Completed index
// for the repository on a different branch, or nil.
func (s *Store) SiblingCompletedIndex(ctx context.Context, repositoryID, excludeBranch string) (*RepoIndex, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+repoIndexColumns+` FROM repo_indexes
		 WHERE repository_id = $1 AND branch <> $2 AND status = $3 AND last_indexed_commit <> ''
		 ORDER BY updated_at DESC LIMIT 1`,
		repositoryID, excludeBranch, StatusCompleted)
	idx, err := scanRepoIndex(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return idx, err
}

// UpdateRepoIndex applies a partial update by id.
func (s *Store) UpdateRepoIndex(ctx context.Context, id string, patch RepoIndexPatch) error {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}

	if patch.RepoURL != nil {
		add("repo_url", *patch.RepoURL)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Collection != nil {
		add("collection", *patch.Collection)
	}
	if patch.LastIndexedCommit != nil {
		add("last_indexed_commit", *patch.LastIndexedCommit)
	}
	if patch.EmbeddingModel != nil {
		add("embedding_model", *patch.EmbeddingModel)
	}
	if patch.VectorSize != nil {
		add("vector_size", *patch.VectorSize)
	}
	if patch.ChunkingSignatureHash != nil {
		add("chunking_signature_hash", *patch.ChunkingSignatureHash)
	}
	if patch.EstimatedTokens != nil {
		add("estimated_tokens", *patch.EstimatedTokens)
	}
	if patch.IndexedTokens != nil {
		add("indexed_tokens", *patch.IndexedTokens)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE repo_indexes SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("store: update repo index %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update repo index %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteRepoIndex removes a record by id.
func (s *Store) DeleteRepoIndex(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM repo_indexes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete repo index %s: %w", id, err)
	}
	return nil
}

// IncrementIndexedTokens adds amount to the progress counter atomically on
// the database side. Observers may read the counter at any time; it is
// monotonic within a run.
func (s *Store) IncrementIndexedTokens(ctx context.Context, id string, amount int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE repo_indexes SET indexed_tokens = indexed_tokens + $2, updated_at = now() WHERE id = $1`,
		id, amount)
	if err != nil {
		return fmt.Errorf("store: increment indexed tokens for %s: %w", id, err)
	}
	return nil
}

func scanRepoIndex(row pgx.Row) (*RepoIndex, error) {
	var idx RepoIndex
	err := row.Scan(
		&idx.ID, &idx.RepositoryID, &idx.RepoURL, &idx.Branch, &idx.Status, &idx.Collection,
		&idx.LastIndexedCommit, &idx.EmbeddingModel, &idx.VectorSize, &idx.ChunkingSignatureHash,
		&idx.EstimatedTokens, &idx.IndexedTokens, &idx.ErrorMessage, &idx.CreatedAt, &idx.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan repo index: %w", err)
	}
	return &idx, nil
}

func collectRepoIndexes(rows pgx.Rows) ([]*RepoIndex, error) {
	var out []*RepoIndex
	for rows.Next() {
		idx, err := scanRepoIndex(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate repo indexes: %w", err)
	}
	return out, nil
}
