// Package store persists repositories and index records in Postgres.
//
// The package owns the repo_indexes and git_repositories tables, atomic
// progress counters, and the per-(repository, branch) advisory locks that
// serialize index state transitions.
package store

import "time"

// Status is the lifecycle state of a RepoIndex.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Repository is a registered git repository. Rows are created by the API
// layer; the engine reads them and deletes them only in
// lifecycle.Manager.DeleteRepository.
type Repository struct {
	ID             string
	Owner          string
	Repo           string
	URL            string
	Provider       string
	DefaultBranch  string
	CreatedBy      string
	EncryptedToken []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RepoIndex is the relational record of one (repository, branch) index.
type RepoIndex struct {
	ID                    string
	RepositoryID          string
	RepoURL               string
	Branch                string
	Status                Status
	Collection            string
	LastIndexedCommit     string
	EmbeddingModel        string
	VectorSize            int
	ChunkingSignatureHash string
	EstimatedTokens       int64
	IndexedTokens         int64
	ErrorMessage          string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// RepoIndexPatch is a partial update; nil fields are left untouched.
type RepoIndexPatch struct {
	RepoURL               *string
	Status                *Status
	Collection            *string
	LastIndexedCommit     *string
	EmbeddingModel        *string
	VectorSize            *int
	ChunkingSignatureHash *string
	EstimatedTokens       *int64
	IndexedTokens         *int64
	ErrorMessage          *string
}
