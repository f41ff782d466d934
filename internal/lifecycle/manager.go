// Package lifecycle orchestrates index state for (repository, branch) pairs.
//
// The manager owns every write to RepoIndex.status. Per-key advisory locks
// serialize the claim decision; the indexing work itself runs either inline
// on the caller's context or on a queue worker inside an isolated runtime.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/First008/codeindex/internal/embeddings"
	"github.com/First008/codeindex/internal/indexer"
	"github.com/First008/codeindex/internal/queue"
	"github.com/First008/codeindex/internal/runtime"
	"github.com/First008/codeindex/internal/secrets"
	"github.com/First008/codeindex/internal/shell"
	"github.com/First008/codeindex/internal/store"
	"github.com/First008/codeindex/internal/vectorstore"
	"github.com/First008/codeindex/pkg/telemetry"
)

// ErrConflict reports an explicit reindex request while indexing is already
// underway.
var ErrConflict = errors.New("indexing already in progress")

// ErrRepositoryNotRegistered reports an index request for a repository the
// API layer has not registered. Repository rows are owned by the API layer;
// the manager only reads them.
var ErrRepositoryNotRegistered = errors.New("repository not registered")

// cloneDepth bounds background clone history.
const cloneDepth = 100

// State is the externally observable index state.
type State string

const (
	StateReady      State = "ready"
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateFailed     State = "failed"
)

// InitResult is the outcome of GetOrInitIndex.
type InitResult struct {
	State  State
	Entity *store.RepoIndex
}

// InitRequest identifies the working tree a caller wants indexed.
type InitRequest struct {
	RepositoryID string
	RepoURL      string
	RepoRoot     string
	Branch       string
	Exec         shell.Exec
	UserID       string
}

// Options tunes the manager.
type Options struct {
	EmbeddingModel  string
	InlineThreshold int
}

// IndexStore is the persistence surface the manager consumes. *store.Store
// is the production implementation; tests supply an in-memory fake.
type IndexStore interface {
	GetRepoIndex(ctx context.Context, repositoryID, branch string) (*store.RepoIndex, error)
	GetRepoIndexByID(ctx context.Context, id string) (*store.RepoIndex, error)
	CreateRepoIndex(ctx context.Context, row *store.RepoIndex) error
	UpdateRepoIndex(ctx context.Context, id string, patch store.RepoIndexPatch) error
	DeleteRepoIndex(ctx context.Context, id string) error
	ListRepoIndexes(ctx context.Context, repositoryID string) ([]*store.RepoIndex, error)
	ListRepoIndexesByStatus(ctx context.Context, statuses ...store.Status) ([]*store.RepoIndex, error)
	SiblingCompletedIndex(ctx context.Context, repositoryID, excludeBranch string) (*store.RepoIndex, error)
	IncrementIndexedTokens(ctx context.Context, id string, amount int64) error
	GetRepository(ctx context.Context, id string) (*store.Repository, error)
	FindRepository(ctx context.Context, owner, repo, createdBy, provider string) (*store.Repository, error)
	DeleteRepository(ctx context.Context, id string) error
	WithIndexLock(ctx context.Context, repositoryID, branch string, fn func(ctx context.Context) error) error
}

// VectorStore is the slice of the vector adapter the manager touches
// directly (the engine owns the rest).
type VectorStore interface {
	Search(ctx context.Context, name string, vector []float32, limit uint64, opts vectorstore.SearchOptions) ([]vectorstore.ScoredPoint, error)
	DeleteCollection(ctx context.Context, name string) error
}

// Engine is the indexing surface the manager drives. *indexer.Indexer is
// the production implementation.
type Engine interface {
	VectorSizeFor(ctx context.Context, model string) (int, error)
	SignatureHash() string
	ResolveCurrentCommit(ctx context.Context, exec shell.Exec) (string, error)
	EstimateTotalTokens(ctx context.Context, exec shell.Exec) int
	EstimateChangedTokens(ctx context.Context, exec shell.Exec, from, to string) int
	CopyCollectionPoints(ctx context.Context, source, target string) (int, error)
	RunFullIndex(ctx context.Context, exec shell.Exec, params indexer.Params, onProgress indexer.ProgressFunc, keepalive indexer.KeepaliveFunc) error
	RunIncrementalIndex(ctx context.Context, exec shell.Exec, params indexer.Params, onProgress indexer.ProgressFunc, keepalive indexer.KeepaliveFunc) error
}

// JobQueue is the queue surface the manager enqueues through.
type JobQueue interface {
	AddJob(ctx context.Context, job queue.Job) error
	RemoveJob(id string) error
}

// Manager wires the engine's subsystems together.
type Manager struct {
	store    IndexStore
	vectors  VectorStore
	engine   Engine
	provider embeddings.Provider
	queue    JobQueue
	runtimes runtime.Provider
	cipher   *secrets.Cipher
	metrics  *telemetry.Metrics
	opts     Options
	logger   zerolog.Logger
}

// New creates a Manager. cipher may be nil when credential decryption is not
// configured; queue and runtimes may be nil in inline-only deployments (the
// CLI), in which case every run executes synchronously.
func New(st IndexStore, vectors VectorStore, engine Engine,
	provider embeddings.Provider, q JobQueue, runtimes runtime.Provider,
	cipher *secrets.Cipher, metrics *telemetry.Metrics, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    st,
		vectors:  vectors,
		engine:   engine,
		provider: provider,
		queue:    q,
		runtimes: runtimes,
		cipher:   cipher,
		metrics:  metrics,
		opts:     opts,
		logger:   logger.With().Str("component", "lifecycle").Logger(),
	}
}

// claim carries the decision made under the advisory lock.
type claim struct {
	entity            *store.RepoIndex
	done              bool // entity already Ready or InProgress; nothing to run
	state             State
	needsFull         bool
	commit            string
	lastIndexedCommit string
	estimatedTokens   int
	repoID            string
	collection        string
	model             string
	vectorSize        int
}

// GetOrInitIndex resolves the index state for (repository, branch), claiming
// the slot and indexing inline when the estimated volume is small enough,
// queueing a background job otherwise.
func (m *Manager) GetOrInitIndex(ctx context.Context, req InitRequest) (*InitResult, error) {
	repositoryID, err := m.resolveRepository(ctx, req)
	if err != nil {
		return nil, err
	}

	var c *claim
	err = m.store.WithIndexLock(ctx, repositoryID, req.Branch, func(ctx context.Context) error {
		c, err = m.claimIndexSlot(ctx, repositoryID, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if c.done {
		return &InitResult{State: c.state, Entity: c.entity}, nil
	}

	if c.estimatedTokens <= m.opts.InlineThreshold || m.queue == nil {
		if err := m.runInline(ctx, req.Exec, req.RepoRoot, c); err != nil {
			return nil, err
		}
		entity, err := m.store.GetRepoIndexByID(ctx, c.entity.ID)
		if err != nil {
			return nil, err
		}
		return &InitResult{State: StateReady, Entity: entity}, nil
	}

	pending := store.StatusPending
	if err := m.store.UpdateRepoIndex(ctx, c.entity.ID, store.RepoIndexPatch{Status: &pending}); err != nil {
		return nil, err
	}
	if err := m.queue.AddJob(ctx, queue.Job{
		RepoIndexID: c.entity.ID,
		RepoURL:     c.repoID,
		Branch:      req.Branch,
	}); err != nil {
		return nil, err
	}
	entity, err := m.store.GetRepoIndexByID(ctx, c.entity.ID)
	if err != nil {
		return nil, err
	}
	return &InitResult{State: StatePending, Entity: entity}, nil
}

// claimIndexSlot runs the decision tree under the advisory lock: bail on
// in-flight work, detect Ready, pick full vs incremental, attempt
// cross-branch seeding, estimate volume, and write the claimed row.
func (m *Manager) claimIndexSlot(ctx context.Context, repositoryID string, req InitRequest) (*claim, error) {
	existing, err := m.store.GetRepoIndex(ctx, repositoryID, req.Branch)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	repoID := indexer.DeriveRepoID(req.RepoURL)
	if existing != nil && existing.RepoURL != "" {
		// Keep the stored URL: point filters were written with it.
		repoID = existing.RepoURL
	}

	if existing != nil && (existing.Status == store.StatusInProgress || existing.Status == store.StatusPending) {
		return &claim{entity: existing, done: true, state: StateInProgress}, nil
	}

	model := m.opts.EmbeddingModel
	vectorSize, err := m.engine.VectorSizeFor(ctx, model)
	if err != nil {
		return nil, err
	}
	signature := m.engine.SignatureHash()
	collection := indexer.BuildCollectionName(
		indexer.DeriveRepoSlug(repoID), vectorSize, indexer.DeriveBranchSlug(req.Branch))
	commit, err := m.engine.ResolveCurrentCommit(ctx, req.Exec)
	if err != nil {
		return nil, err
	}

	metadataMatches := existing != nil &&
		existing.EmbeddingModel == model &&
		existing.VectorSize == vectorSize &&
		existing.ChunkingSignatureHash == signature &&
		existing.Collection == collection

	if existing != nil && existing.Status == store.StatusCompleted &&
		existing.LastIndexedCommit == commit && metadataMatches {
		return &claim{entity: existing, done: true, state: StateReady}, nil
	}

	needsFull := existing == nil ||
		existing.Status == store.StatusFailed ||
		existing.LastIndexedCommit == "" ||
		!metadataMatches

	lastIndexed := ""
	if existing != nil {
		lastIndexed = existing.LastIndexedCommit
	}

	if needsFull && lastIndexed == "" {
		if donor, err := m.store.SiblingCompletedIndex(ctx, repositoryID, req.Branch); err == nil && donor != nil {
			copied, err := m.engine.CopyCollectionPoints(ctx, donor.Collection, collection)
			if err != nil {
				m.logger.Warn().Err(err).Str("donor", donor.Branch).Msg("Cross-branch seeding failed, indexing from scratch")
			} else if copied > 0 {
				lastIndexed = donor.LastIndexedCommit
				needsFull = false
				m.logger.Info().Str("donor", donor.Branch).Int("points", copied).
					Str("branch", req.Branch).Msg("Seeded branch from sibling index")
			}
		}
	}

	var estimate int
	if needsFull {
		estimate = m.engine.EstimateTotalTokens(ctx, req.Exec)
	} else {
		estimate = m.engine.EstimateChangedTokens(ctx, req.Exec, lastIndexed, commit)
	}

	// Carrying over a previous total keeps the progress bar meaningful on
	// incremental runs: already-indexed tokens count as done up front, and
	// the estimate grows to cover them.
	var startTokens int64
	if existing != nil && !needsFull {
		startTokens = existing.IndexedTokens - int64(estimate)
		if startTokens < 0 {
			startTokens = 0
		}
	}
	storedEstimate := int64(estimate) + startTokens

	entity := existing
	inProgress := store.StatusInProgress
	emptyErr := ""
	if entity == nil {
		entity = &store.RepoIndex{
			RepositoryID:          repositoryID,
			RepoURL:               repoID,
			Branch:                req.Branch,
			Status:                store.StatusInProgress,
			Collection:            collection,
			EmbeddingModel:        model,
			VectorSize:            vectorSize,
			ChunkingSignatureHash: signature,
			LastIndexedCommit:     lastIndexed,
			EstimatedTokens:       storedEstimate,
			IndexedTokens:         startTokens,
		}
		if err := m.store.CreateRepoIndex(ctx, entity); err != nil {
			return nil, err
		}
	} else {
		patch := store.RepoIndexPatch{
			RepoURL:               &repoID,
			Status:                &inProgress,
			Collection:            &collection,
			EmbeddingModel:        &model,
			VectorSize:            &vectorSize,
			ChunkingSignatureHash: &signature,
			LastIndexedCommit:     &lastIndexed,
			EstimatedTokens:       &storedEstimate,
			IndexedTokens:         &startTokens,
			ErrorMessage:          &emptyErr,
		}
		if err := m.store.UpdateRepoIndex(ctx, entity.ID, patch); err != nil {
			return nil, err
		}
	}

	return &claim{
		entity:            entity,
		needsFull:         needsFull,
		commit:            commit,
		lastIndexedCommit: lastIndexed,
		estimatedTokens:   estimate,
		repoID:            repoID,
		collection:        collection,
		model:             model,
		vectorSize:        vectorSize,
	}, nil
}

// runInline executes the chosen index routine on the caller's context and
// reconciles the entity.
func (m *Manager) runInline(ctx context.Context, exec shell.Exec, repoRoot string, c *claim) error {
	mode := "incremental"
	if c.needsFull {
		mode = "full"
	}
	m.metrics.RunsStarted.WithLabelValues(mode).Inc()
	m.metrics.ActiveRuns.Inc()
	defer m.metrics.ActiveRuns.Dec()

	params := indexer.Params{
		RepoID:            c.repoID,
		RepoRoot:          repoRoot,
		Collection:        c.collection,
		Model:             c.model,
		VectorSize:        c.vectorSize,
		Commit:            c.commit,
		LastIndexedCommit: c.lastIndexedCommit,
	}

	err := m.runIndex(ctx, exec, params, c.needsFull, c.entity.ID, nil)
	if err != nil {
		m.metrics.RunsFailed.WithLabelValues(mode).Inc()
		m.markFailed(ctx, c.entity.ID, err)
		return err
	}
	m.metrics.RunsCompleted.WithLabelValues(mode).Inc()
	return m.markCompleted(ctx, c.entity.ID, c.commit)
}

// runIndex dispatches to the engine with progress wired to the atomic
// counter.
func (m *Manager) runIndex(ctx context.Context, exec shell.Exec, params indexer.Params, full bool, entityID string, keepalive indexer.KeepaliveFunc) error {
	onProgress := func(tokens int) {
		if tokens <= 0 {
			return
		}
		m.metrics.TokensIndexed.Add(float64(tokens))
		if err := m.store.IncrementIndexedTokens(context.WithoutCancel(ctx), entityID, int64(tokens)); err != nil {
			m.logger.Warn().Err(err).Str("repo_index_id", entityID).Msg("Failed to bump indexed tokens")
		}
	}
	if full {
		return m.engine.RunFullIndex(ctx, exec, params, onProgress, keepalive)
	}
	return m.engine.RunIncrementalIndex(ctx, exec, params, onProgress, keepalive)
}

// markCompleted flips the entity to Completed and reconciles the estimate
// with what was actually indexed.
func (m *Manager) markCompleted(ctx context.Context, entityID, commit string) error {
	entity, err := m.store.GetRepoIndexByID(ctx, entityID)
	if err != nil {
		return err
	}
	completed := store.StatusCompleted
	indexed := entity.IndexedTokens
	return m.store.UpdateRepoIndex(ctx, entityID, store.RepoIndexPatch{
		Status:            &completed,
		LastIndexedCommit: &commit,
		EstimatedTokens:   &indexed,
	})
}

func (m *Manager) markFailed(ctx context.Context, entityID string, cause error) {
	failed := store.StatusFailed
	msg := cause.Error()
	err := m.store.UpdateRepoIndex(context.WithoutCancel(ctx), entityID, store.RepoIndexPatch{
		Status:       &failed,
		ErrorMessage: &msg,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("repo_index_id", entityID).Msg("Failed to record index failure")
	}
}

// ListIndexes returns the index records for a repository.
func (m *Manager) ListIndexes(ctx context.Context, repositoryID string) ([]*store.RepoIndex, error) {
	return m.store.ListRepoIndexes(ctx, repositoryID)
}

// TriggerReindex forces a full reindex for (repository, branch). In-flight
// work yields ErrConflict.
func (m *Manager) TriggerReindex(ctx context.Context, repositoryID, branch string) (*store.RepoIndex, error) {
	var entity *store.RepoIndex
	err := m.store.WithIndexLock(ctx, repositoryID, branch, func(ctx context.Context) error {
		var err error
		entity, err = m.store.GetRepoIndex(ctx, repositoryID, branch)
		if err != nil {
			return err
		}
		if entity.Status == store.StatusPending || entity.Status == store.StatusInProgress {
			return ErrConflict
		}
		pending := store.StatusPending
		cleared := ""
		return m.store.UpdateRepoIndex(ctx, entity.ID, store.RepoIndexPatch{
			Status:            &pending,
			LastIndexedCommit: &cleared,
		})
	})
	if err != nil {
		return nil, err
	}
	if m.queue != nil {
		if err := m.queue.AddJob(ctx, queue.Job{
			RepoIndexID: entity.ID,
			RepoURL:     entity.RepoURL,
			Branch:      branch,
		}); err != nil {
			return nil, err
		}
	}
	return m.store.GetRepoIndexByID(ctx, entity.ID)
}

// DeleteRepository cascades a repository deletion: queued jobs are
// cancelled, vector collections dropped, index rows removed, then the
// repository row itself.
func (m *Manager) DeleteRepository(ctx context.Context, repositoryID string) error {
	indexes, err := m.store.ListRepoIndexes(ctx, repositoryID)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if m.queue != nil {
			if err := m.queue.RemoveJob(idx.ID); err != nil {
				m.logger.Warn().Err(err).Str("repo_index_id", idx.ID).Msg("Failed to remove queued job")
			}
		}
		if idx.Collection != "" {
			if err := m.vectors.DeleteCollection(ctx, idx.Collection); err != nil {
				m.logger.Warn().Err(err).Str("collection", idx.Collection).Msg("Failed to delete collection")
			}
		}
		if err := m.store.DeleteRepoIndex(ctx, idx.ID); err != nil {
			return err
		}
	}
	return m.store.DeleteRepository(ctx, repositoryID)
}

// resolveRepository maps the caller's repository reference to the canonical
// row. Repository rows are created by the API layer; an unknown repository
// yields ErrRepositoryNotRegistered rather than an implicit registration.
func (m *Manager) resolveRepository(ctx context.Context, req InitRequest) (string, error) {
	if req.RepositoryID != "" {
		_, err := m.store.GetRepository(ctx, req.RepositoryID)
		if err == nil {
			return req.RepositoryID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}

	owner, repo, provider := ParseRepoURL(req.RepoURL)
	if owner != "" && repo != "" {
		row, err := m.store.FindRepository(ctx, owner, repo, req.UserID, provider)
		if err == nil {
			return row.ID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}

	return "", fmt.Errorf("%w: %s", ErrRepositoryNotRegistered, sanitizeURL(req.RepoURL))
}

// ParseRepoURL extracts (owner, repo, provider) from a clone URL. The API
// surfaces use it to register repositories with the same identity key the
// manager resolves by.
func ParseRepoURL(rawURL string) (owner, repo, provider string) {
	canonical := indexer.DeriveRepoID(rawURL)
	parsed, err := url.Parse(canonical)
	if err != nil || parsed.Host == "" {
		return "", "", "git"
	}
	provider = parsed.Host
	if i := strings.Index(provider, "."); i >= 0 {
		provider = provider[:i]
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) >= 2 {
		owner = parts[len(parts)-2]
		repo = parts[len(parts)-1]
	}
	return owner, repo, provider
}

var urlCredentials = regexp.MustCompile(`//[^/@]+@`)

// sanitizeURL strips embedded credentials before a URL reaches a log line.
func sanitizeURL(rawURL string) string {
	return urlCredentials.ReplaceAllString(rawURL, "//")
}
