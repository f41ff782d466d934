package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/First008/codeindex/internal/gitcli"
	"github.com/First008/codeindex/internal/indexer"
	"github.com/First008/codeindex/internal/queue"
	"github.com/First008/codeindex/internal/runtime"
	"github.com/First008/codeindex/internal/store"
)

// Worker drives background indexing jobs. It implements queue.Handlers.
type Worker struct {
	m *Manager
}

// NewWorker creates the queue handler bound to the manager.
func NewWorker(m *Manager) *Worker {
	return &Worker{m: m}
}

// Process clones the repository into an ephemeral runtime and runs the
// indexing pass there. Delivery is at-least-once, so everything here is
// written to be re-runnable.
func (w *Worker) Process(ctx context.Context, job queue.Job) error {
	m := w.m

	entity, err := m.store.GetRepoIndexByID(ctx, job.RepoIndexID)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Warn().Str("repo_index_id", job.RepoIndexID).Msg("Job references missing entity, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if entity.Status == store.StatusCompleted {
		return nil
	}

	inProgress := store.StatusInProgress
	if err := m.store.UpdateRepoIndex(ctx, entity.ID, store.RepoIndexPatch{Status: &inProgress}); err != nil {
		return err
	}

	rt, err := m.runtimes.Provision(ctx, entity.ID)
	if err != nil {
		return fmt.Errorf("provision runtime: %w", err)
	}
	defer func() {
		// Cleanup failures must never mask the job result.
		if err := rt.Destroy(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn().Err(err).Str("repo_index_id", entity.ID).Msg("Failed to destroy runtime")
		}
	}()

	cloneURL, err := w.authenticatedCloneURL(ctx, entity)
	if err != nil {
		return err
	}

	workspace := rt.Exec(runtime.WorkspaceDir)
	if res, err := workspace.Run(ctx, "rm -rf repo"); err != nil || res.ExitCode != 0 {
		m.logger.Debug().Str("repo_index_id", entity.ID).Msg("No preexisting clone to remove")
	}
	if err := gitcli.New(workspace).Clone(ctx, cloneURL, entity.Branch, "repo", cloneDepth); err != nil {
		return fmt.Errorf("clone %s: %w", sanitizeURL(entity.RepoURL), err)
	}

	repoExec := rt.Exec(rt.WorkspacePath("repo"))
	commit, err := m.engine.ResolveCurrentCommit(ctx, repoExec)
	if err != nil {
		return err
	}

	// The in-container state may differ from what the claim saw (new
	// commits landed, config changed); re-run the strategy decision here.
	model := m.opts.EmbeddingModel
	vectorSize, err := m.engine.VectorSizeFor(ctx, model)
	if err != nil {
		return err
	}
	signature := m.engine.SignatureHash()
	collection := indexer.BuildCollectionName(
		indexer.DeriveRepoSlug(entity.RepoURL), vectorSize, indexer.DeriveBranchSlug(entity.Branch))

	needsFull := entity.LastIndexedCommit == "" ||
		entity.EmbeddingModel != model ||
		entity.VectorSize != vectorSize ||
		entity.ChunkingSignatureHash != signature ||
		entity.Collection != collection

	patch := store.RepoIndexPatch{
		Collection:            &collection,
		EmbeddingModel:        &model,
		VectorSize:            &vectorSize,
		ChunkingSignatureHash: &signature,
	}
	if err := m.store.UpdateRepoIndex(ctx, entity.ID, patch); err != nil {
		return err
	}

	mode := "incremental"
	if needsFull {
		mode = "full"
	}
	m.metrics.RunsStarted.WithLabelValues(mode).Inc()
	m.metrics.ActiveRuns.Inc()
	defer m.metrics.ActiveRuns.Dec()

	params := indexer.Params{
		RepoID:            entity.RepoURL,
		RepoRoot:          rt.WorkspacePath("repo"),
		Collection:        collection,
		Model:             model,
		VectorSize:        vectorSize,
		Commit:            commit,
		LastIndexedCommit: entity.LastIndexedCommit,
	}
	if err := m.runIndex(ctx, repoExec, params, needsFull, entity.ID, rt.Touch); err != nil {
		m.metrics.RunsFailed.WithLabelValues(mode).Inc()
		return err
	}
	m.metrics.RunsCompleted.WithLabelValues(mode).Inc()
	return m.markCompleted(ctx, entity.ID, commit)
}

// Stalled resets the entity so the queue's retry re-claims it.
func (w *Worker) Stalled(id string) {
	w.resetToPending(id, "stalled")
}

// Retry resets the entity ahead of the next attempt.
func (w *Worker) Retry(id string, err error) {
	w.resetToPending(id, "retrying")
}

// Failed records the terminal failure.
func (w *Worker) Failed(id string, err error) {
	w.m.markFailed(context.Background(), id, err)
}

func (w *Worker) resetToPending(id, reason string) {
	pending := store.StatusPending
	err := w.m.store.UpdateRepoIndex(context.Background(), id, store.RepoIndexPatch{Status: &pending})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		w.m.logger.Error().Err(err).Str("repo_index_id", id).Str("reason", reason).
			Msg("Failed to reset entity to pending")
	}
}

// authenticatedCloneURL injects the repository's decrypted token as the URL
// username when one is stored.
func (w *Worker) authenticatedCloneURL(ctx context.Context, entity *store.RepoIndex) (string, error) {
	repo, err := w.m.store.GetRepository(ctx, entity.RepositoryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return entity.RepoURL, nil
		}
		return "", err
	}
	if len(repo.EncryptedToken) == 0 || w.m.cipher == nil {
		return entity.RepoURL, nil
	}

	token, err := w.m.cipher.Decrypt(repo.EncryptedToken)
	if err != nil {
		return "", fmt.Errorf("decrypt repository token: %w", err)
	}
	parsed, err := url.Parse(entity.RepoURL)
	if err != nil || parsed.Host == "" {
		return entity.RepoURL, nil
	}
	parsed.User = url.User(token)
	return parsed.String(), nil
}

// RecoverOrphans re-enqueues every Pending or InProgress entity found at
// boot. A crashed worker leaves its entity InProgress; resetting to Pending
// and re-adding the job (same id) resumes it. Recovery errors are logged,
// never fatal.
func (m *Manager) RecoverOrphans(ctx context.Context) {
	if m.queue == nil {
		return
	}
	orphans, err := m.store.ListRepoIndexesByStatus(ctx, store.StatusPending, store.StatusInProgress)
	if err != nil {
		m.logger.Error().Err(err).Msg("Startup recovery scan failed")
		return
	}
	for _, entity := range orphans {
		pending := store.StatusPending
		if err := m.store.UpdateRepoIndex(ctx, entity.ID, store.RepoIndexPatch{Status: &pending}); err != nil {
			m.logger.Error().Err(err).Str("repo_index_id", entity.ID).Msg("Failed to reset orphaned entity")
			continue
		}
		err := m.queue.AddJob(ctx, queue.Job{
			RepoIndexID: entity.ID,
			RepoURL:     entity.RepoURL,
			Branch:      entity.Branch,
		})
		if err != nil {
			m.logger.Error().Err(err).Str("repo_index_id", entity.ID).Msg("Failed to re-enqueue orphaned entity")
			continue
		}
		m.logger.Info().Str("repo_index_id", entity.ID).Str("branch", entity.Branch).
			Msg("Recovered orphaned index job")
	}
}

// Compile-time check.
var _ queue.Handlers = (*Worker)(nil)
