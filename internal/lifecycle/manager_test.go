package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/First008/codeindex/internal/indexer"
	"github.com/First008/codeindex/internal/queue"
	"github.com/First008/codeindex/internal/runtime"
	"github.com/First008/codeindex/internal/shell"
	"github.com/First008/codeindex/internal/store"
	testutil "github.com/First008/codeindex/internal/testing"
	"github.com/First008/codeindex/internal/vectorstore"
	"github.com/First008/codeindex/pkg/telemetry"
)

// fakeIndexStore is an in-memory IndexStore with real per-key locks, so the
// claim serialization behaves like the advisory-lock implementation.
type fakeIndexStore struct {
	mu      sync.Mutex
	repos   map[string]*store.Repository
	indexes map[string]*store.RepoIndex
	locks   map[string]*sync.Mutex
}

func newFakeIndexStore() *fakeIndexStore {
	return &fakeIndexStore{
		repos:   make(map[string]*store.Repository),
		indexes: make(map[string]*store.RepoIndex),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (f *fakeIndexStore) addRepository(row *store.Repository) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	f.repos[row.ID] = row
}

func (f *fakeIndexStore) addIndex(row *store.RepoIndex) *store.RepoIndex {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	f.indexes[row.ID] = row
	return row
}

func (f *fakeIndexStore) GetRepoIndex(ctx context.Context, repositoryID, branch string) (*store.RepoIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, idx := range f.indexes {
		if idx.RepositoryID == repositoryID && idx.Branch == branch {
			copied := *idx
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeIndexStore) GetRepoIndexByID(ctx context.Context, id string) (*store.RepoIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.indexes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *idx
	return &copied, nil
}

func (f *fakeIndexStore) CreateRepoIndex(ctx context.Context, row *store.RepoIndex) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	copied := *row
	f.indexes[row.ID] = &copied
	return nil
}

func (f *fakeIndexStore) UpdateRepoIndex(ctx context.Context, id string, patch store.RepoIndexPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.indexes[id]
	if !ok {
		return store.ErrNotFound
	}
	applyPatch(idx, patch)
	idx.UpdatedAt = time.Now()
	return nil
}

func (f *fakeIndexStore) DeleteRepoIndex(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.indexes, id)
	return nil
}

func (f *fakeIndexStore) ListRepoIndexes(ctx context.Context, repositoryID string) ([]*store.RepoIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.RepoIndex
	for _, idx := range f.indexes {
		if idx.RepositoryID == repositoryID {
			copied := *idx
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeIndexStore) ListRepoIndexesByStatus(ctx context.Context, statuses ...store.Status) ([]*store.RepoIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.RepoIndex
	for _, idx := range f.indexes {
		for _, st := range statuses {
			if idx.Status == st {
				copied := *idx
				out = append(out, &copied)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeIndexStore) SiblingCompletedIndex(ctx context.Context, repositoryID, excludeBranch string) (*store.RepoIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, idx := range f.indexes {
		if idx.RepositoryID == repositoryID && idx.Branch != excludeBranch &&
			idx.Status == store.StatusCompleted && idx.LastIndexedCommit != "" {
			copied := *idx
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeIndexStore) IncrementIndexedTokens(ctx context.Context, id string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.indexes[id]
	if !ok {
		return store.ErrNotFound
	}
	idx.IndexedTokens += amount
	return nil
}

func (f *fakeIndexStore) GetRepository(ctx context.Context, id string) (*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.repos[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *row
	return &copied, nil
}

func (f *fakeIndexStore) FindRepository(ctx context.Context, owner, repo, createdBy, provider string) (*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.repos {
		if row.Owner == owner && row.Repo == repo && row.Provider == provider &&
			(createdBy == "" || row.CreatedBy == createdBy) {
			copied := *row
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeIndexStore) DeleteRepository(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.repos, id)
	return nil
}

func (f *fakeIndexStore) WithIndexLock(ctx context.Context, repositoryID, branch string, fn func(ctx context.Context) error) error {
	key := repositoryID + ":" + branch
	f.mu.Lock()
	lock, ok := f.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		f.locks[key] = lock
	}
	f.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

func applyPatch(idx *store.RepoIndex, patch store.RepoIndexPatch) {
	if patch.RepoURL != nil {
		idx.RepoURL = *patch.RepoURL
	}
	if patch.Status != nil {
		idx.Status = *patch.Status
	}
	if patch.Collection != nil {
		idx.Collection = *patch.Collection
	}
	if patch.LastIndexedCommit != nil {
		idx.LastIndexedCommit = *patch.LastIndexedCommit
	}
	if patch.EmbeddingModel != nil {
		idx.EmbeddingModel = *patch.EmbeddingModel
	}
	if patch.VectorSize != nil {
		idx.VectorSize = *patch.VectorSize
	}
	if patch.ChunkingSignatureHash != nil {
		idx.ChunkingSignatureHash = *patch.ChunkingSignatureHash
	}
	if patch.EstimatedTokens != nil {
		idx.EstimatedTokens = *patch.EstimatedTokens
	}
	if patch.IndexedTokens != nil {
		idx.IndexedTokens = *patch.IndexedTokens
	}
	if patch.ErrorMessage != nil {
		idx.ErrorMessage = *patch.ErrorMessage
	}
}

// fakeEngine scripts the indexing surface: fixed commit/size/signature,
// recorded runs, configurable estimates and failures.
type fakeEngine struct {
	mu sync.Mutex

	vectorSize      int
	signature       string
	commit          string
	totalEstimate   int
	changedEstimate int
	copyCount       int
	progressTokens  int
	runErr          error

	fullRuns []indexer.Params
	incRuns  []indexer.Params
	copies   [][2]string

	runStarted chan struct{}
	runRelease chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		vectorSize:     8,
		signature:      "sig-1",
		commit:         "commitA",
		progressTokens: 120,
	}
}

func (e *fakeEngine) VectorSizeFor(ctx context.Context, model string) (int, error) {
	return e.vectorSize, nil
}

func (e *fakeEngine) SignatureHash() string { return e.signature }

func (e *fakeEngine) ResolveCurrentCommit(ctx context.Context, exec shell.Exec) (string, error) {
	return e.commit, nil
}

func (e *fakeEngine) EstimateTotalTokens(ctx context.Context, exec shell.Exec) int {
	return e.totalEstimate
}

func (e *fakeEngine) EstimateChangedTokens(ctx context.Context, exec shell.Exec, from, to string) int {
	return e.changedEstimate
}

func (e *fakeEngine) CopyCollectionPoints(ctx context.Context, source, target string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.copies = append(e.copies, [2]string{source, target})
	return e.copyCount, nil
}

func (e *fakeEngine) RunFullIndex(ctx context.Context, exec shell.Exec, params indexer.Params, onProgress indexer.ProgressFunc, keepalive indexer.KeepaliveFunc) error {
	return e.run(&e.fullRuns, params, onProgress)
}

func (e *fakeEngine) RunIncrementalIndex(ctx context.Context, exec shell.Exec, params indexer.Params, onProgress indexer.ProgressFunc, keepalive indexer.KeepaliveFunc) error {
	return e.run(&e.incRuns, params, onProgress)
}

func (e *fakeEngine) run(record *[]indexer.Params, params indexer.Params, onProgress indexer.ProgressFunc) error {
	if e.runStarted != nil {
		select {
		case e.runStarted <- struct{}{}:
		default:
		}
	}
	if e.runRelease != nil {
		<-e.runRelease
	}

	e.mu.Lock()
	*record = append(*record, params)
	err := e.runErr
	tokens := e.progressTokens
	e.mu.Unlock()

	if err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(tokens)
	}
	return nil
}

func (e *fakeEngine) runCounts() (full, incremental int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.fullRuns), len(e.incRuns)
}

type fakeJobQueue struct {
	mu      sync.Mutex
	jobs    []queue.Job
	removed []string
}

func (q *fakeJobQueue) AddJob(ctx context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeJobQueue) RemoveJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, id)
	return nil
}

type fakeVectors struct {
	mu      sync.Mutex
	deleted []string
}

func (v *fakeVectors) Search(ctx context.Context, name string, vector []float32, limit uint64, opts vectorstore.SearchOptions) ([]vectorstore.ScoredPoint, error) {
	return nil, nil
}

func (v *fakeVectors) DeleteCollection(ctx context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deleted = append(v.deleted, name)
	return nil
}

type fakeRuntime struct {
	exec      shell.Exec
	destroyed bool
	touched   int
}

func (r *fakeRuntime) Exec(dir string) shell.Exec { return r.exec }

func (r *fakeRuntime) WorkspacePath(parts ...string) string {
	path := runtime.WorkspaceDir
	for _, p := range parts {
		path += "/" + p
	}
	return path
}

func (r *fakeRuntime) Touch() { r.touched++ }

func (r *fakeRuntime) Destroy(ctx context.Context) error {
	r.destroyed = true
	return nil
}

type fakeRuntimeProvider struct {
	rt          *fakeRuntime
	provisioned []string
}

func (p *fakeRuntimeProvider) Provision(ctx context.Context, label string) (runtime.Runtime, error) {
	p.provisioned = append(p.provisioned, label)
	return p.rt, nil
}

const (
	testRepoID  = "repo-1"
	testRepoURL = "https://github.com/acme/widget"
)

type managerFixture struct {
	manager *Manager
	store   *fakeIndexStore
	engine  *fakeEngine
	jobs    *fakeJobQueue
	vectors *fakeVectors
}

func newManagerFixture(t *testing.T, withQueue bool) *managerFixture {
	t.Helper()
	fx := &managerFixture{
		store:   newFakeIndexStore(),
		engine:  newFakeEngine(),
		vectors: &fakeVectors{},
	}
	fx.store.addRepository(&store.Repository{
		ID:       testRepoID,
		Owner:    "acme",
		Repo:     "widget",
		URL:      testRepoURL,
		Provider: "github",
	})

	var q JobQueue
	if withQueue {
		fx.jobs = &fakeJobQueue{}
		q = fx.jobs
	}
	fx.manager = New(fx.store, fx.vectors, fx.engine, &testutil.MockEmbeddingProvider{Dimensions: 8},
		q, nil, nil, telemetry.New(), Options{
			EmbeddingModel:  "test-embed",
			InlineThreshold: 1000,
		}, testutil.NewTestLogger())
	return fx
}

func testInitRequest() InitRequest {
	return InitRequest{
		RepositoryID: testRepoID,
		RepoURL:      testRepoURL,
		RepoRoot:     "/repo",
		Branch:       "main",
		Exec:         testutil.NewMockExec(),
	}
}

// matchingCollection is the name the claim computes for the fixture engine.
func matchingCollection(branch string) string {
	return indexer.BuildCollectionName(indexer.DeriveRepoSlug(testRepoURL), 8, indexer.DeriveBranchSlug(branch))
}

func TestGetOrInitIndexInlineFullIndex(t *testing.T) {
	fx := newManagerFixture(t, false)
	fx.engine.totalEstimate = 500

	result, err := fx.manager.GetOrInitIndex(context.Background(), testInitRequest())
	require.NoError(t, err)

	assert.Equal(t, StateReady, result.State)
	assert.Equal(t, store.StatusCompleted, result.Entity.Status)
	assert.Equal(t, "commitA", result.Entity.LastIndexedCommit)
	assert.Equal(t, matchingCollection("main"), result.Entity.Collection)

	full, incremental := fx.engine.runCounts()
	assert.Equal(t, 1, full, "a fresh repository gets a full index")
	assert.Zero(t, incremental)

	// On completion the estimate reconciles to what was actually indexed.
	assert.Equal(t, int64(120), result.Entity.IndexedTokens)
	assert.Equal(t, result.Entity.IndexedTokens, result.Entity.EstimatedTokens)
}

func TestGetOrInitIndexReadyShortCircuit(t *testing.T) {
	fx := newManagerFixture(t, false)
	fx.store.addIndex(&store.RepoIndex{
		RepositoryID:          testRepoID,
		RepoURL:               testRepoURL,
		Branch:                "main",
		Status:                store.StatusCompleted,
		Collection:            matchingCollection("main"),
		LastIndexedCommit:     "commitA",
		EmbeddingModel:        "test-embed",
		VectorSize:            8,
		ChunkingSignatureHash: "sig-1",
	})

	result, err := fx.manager.GetOrInitIndex(context.Background(), testInitRequest())
	require.NoError(t, err)

	assert.Equal(t, StateReady, result.State)
	full, incremental := fx.engine.runCounts()
	assert.Zero(t, full, "a Ready index must not invoke the engine")
	assert.Zero(t, incremental)
}

func TestGetOrInitIndexBailsOnInFlightWork(t *testing.T) {
	fx := newManagerFixture(t, false)
	fx.store.addIndex(&store.RepoIndex{
		RepositoryID: testRepoID,
		RepoURL:      testRepoURL,
		Branch:       "main",
		Status:       store.StatusPending,
	})

	result, err := fx.manager.GetOrInitIndex(context.Background(), testInitRequest())
	require.NoError(t, err)

	assert.Equal(t, StateInProgress, result.State)
	full, incremental := fx.engine.runCounts()
	assert.Zero(t, full+incremental)
}

func TestGetOrInitIndexIncrementalOnNewCommit(t *testing.T) {
	fx := newManagerFixture(t, false)
	fx.engine.changedEstimate = 50
	fx.store.addIndex(&store.RepoIndex{
		RepositoryID:          testRepoID,
		RepoURL:               testRepoURL,
		Branch:                "main",
		Status:                store.StatusCompleted,
		Collection:            matchingCollection("main"),
		LastIndexedCommit:     "commitOld",
		EmbeddingModel:        "test-embed",
		VectorSize:            8,
		ChunkingSignatureHash: "sig-1",
		IndexedTokens:         400,
	})

	result, err := fx.manager.GetOrInitIndex(context.Background(), testInitRequest())
	require.NoError(t, err)
	assert.Equal(t, StateReady, result.State)

	full, incremental := fx.engine.runCounts()
	assert.Zero(t, full)
	require.Equal(t, 1, incremental)
	assert.Equal(t, "commitOld", fx.engine.incRuns[0].LastIndexedCommit)
	assert.Equal(t, "commitA", fx.engine.incRuns[0].Commit)
}

func TestGetOrInitIndexSignatureMismatchForcesFull(t *testing.T) {
	fx := newManagerFixture(t, false)
	fx.store.addIndex(&store.RepoIndex{
		RepositoryID:          testRepoID,
		RepoURL:               testRepoURL,
		Branch:                "main",
		Status:                store.StatusCompleted,
		Collection:            matchingCollection("main"),
		LastIndexedCommit:     "commitA",
		EmbeddingModel:        "test-embed",
		VectorSize:            8,
		ChunkingSignatureHash: "sig-0", // chunking config changed since
	})

	result, err := fx.manager.GetOrInitIndex(context.Background(), testInitRequest())
	require.NoError(t, err)
	assert.Equal(t, StateReady, result.State)

	full, incremental := fx.engine.runCounts()
	assert.Equal(t, 1, full, "a signature mismatch invalidates the whole index")
	assert.Zero(t, incremental)
	assert.Equal(t, "sig-1", result.Entity.ChunkingSignatureHash)
}

func TestGetOrInitIndexFailedStatusForcesFull(t *testing.T) {
	fx := newManagerFixture(t, false)
	fx.store.addIndex(&store.RepoIndex{
		RepositoryID:          testRepoID,
		RepoURL:               testRepoURL,
		Branch:                "main",
		Status:                store.StatusFailed,
		Collection:            matchingCollection("main"),
		LastIndexedCommit:     "commitA",
		EmbeddingModel:        "test-embed",
		VectorSize:            8,
		ChunkingSignatureHash: "sig-1",
		ErrorMessage:          "previous failure",
	})

	result, err := fx.manager.GetOrInitIndex(context.Background(), testInitRequest())
	require.NoError(t, err)

	full, _ := fx.engine.runCounts()
	assert.Equal(t, 1, full)
	assert.Equal(t, store.StatusCompleted, result.Entity.Status)
	assert.Empty(t, result.Entity.ErrorMessage, "the claim clears the stale failure message")
}

func TestGetOrInitIndexCrossBranchSeeding(t *testing.T) {
	fx := newManagerFixture(t, false)
	fx.engine.copyCount = 500
	fx.engine.changedEstimate = 30
	donor := fx.store.addIndex(&store.RepoIndex{
		RepositoryID:          testRepoID,
		RepoURL:               testRepoURL,
		Branch:                "main",
		Status:                store.StatusCompleted,
		Collection:            matchingCollection("main"),
		LastIndexedCommit:     "donorCommit",
		EmbeddingModel:        "test-embed",
		VectorSize:            8,
		ChunkingSignatureHash: "sig-1",
	})

	req := testInitRequest()
	req.Branch = "feature"
	result, err := fx.manager.GetOrInitIndex(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StateReady, result.State)
	require.Len(t, fx.engine.copies, 1)
	assert.Equal(t, donor.Collection, fx.engine.copies[0][0])
	assert.Equal(t, matchingCollection("feature"), fx.engine.copies[0][1])

	// Seeding downgrades the run to incremental from the donor commit.
	full, incremental := fx.engine.runCounts()
	assert.Zero(t, full)
	require.Equal(t, 1, incremental)
	assert.Equal(t, "donorCommit", fx.engine.incRuns[0].LastIndexedCommit)
}

func TestGetOrInitIndexQueuesLargeRepo(t *testing.T) {
	fx := newManagerFixture(t, true)
	fx.engine.totalEstimate = 50000 // above the 1000-token inline threshold

	result, err := fx.manager.GetOrInitIndex(context.Background(), testInitRequest())
	require.NoError(t, err)

	assert.Equal(t, StatePending, result.State)
	assert.Equal(t, store.StatusPending, result.Entity.Status)
	require.Len(t, fx.jobs.jobs, 1)
	assert.Equal(t, result.Entity.ID, fx.jobs.jobs[0].RepoIndexID)
	assert.Equal(t, "main", fx.jobs.jobs[0].Branch)

	full, incremental := fx.engine.runCounts()
	assert.Zero(t, full+incremental, "large repositories never index on the request path")
}

func TestGetOrInitIndexInlineFailureMarksFailed(t *testing.T) {
	fx := newManagerFixture(t, false)
	fx.engine.runErr = errors.New("embedding provider down")

	_, err := fx.manager.GetOrInitIndex(context.Background(), testInitRequest())
	require.Error(t, err)

	entity, err := fx.store.GetRepoIndex(context.Background(), testRepoID, "main")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, entity.Status)
	assert.Contains(t, entity.ErrorMessage, "embedding provider down")
}

func TestGetOrInitIndexUnregisteredRepository(t *testing.T) {
	fx := newManagerFixture(t, false)

	req := testInitRequest()
	req.RepositoryID = ""
	req.RepoURL = "https://github.com/someone/else"
	_, err := fx.manager.GetOrInitIndex(context.Background(), req)
	assert.ErrorIs(t, err, ErrRepositoryNotRegistered)
}

func TestGetOrInitIndexConcurrentClaims(t *testing.T) {
	fx := newManagerFixture(t, false)
	fx.engine.runStarted = make(chan struct{}, 1)
	fx.engine.runRelease = make(chan struct{})

	type outcome struct {
		result *InitResult
		err    error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		result, err := fx.manager.GetOrInitIndex(context.Background(), testInitRequest())
		firstDone <- outcome{result, err}
	}()

	// Wait until the first caller has claimed the slot and started indexing.
	<-fx.engine.runStarted

	second, err := fx.manager.GetOrInitIndex(context.Background(), testInitRequest())
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, second.State, "the second caller observes the claimed slot")

	close(fx.engine.runRelease)
	first := <-firstDone
	require.NoError(t, first.err)
	assert.Equal(t, StateReady, first.result.State)

	full, incremental := fx.engine.runCounts()
	assert.Equal(t, 1, full+incremental, "exactly one caller runs the indexer")
}

func TestTriggerReindexConflictsWithInFlightWork(t *testing.T) {
	fx := newManagerFixture(t, true)
	fx.store.addIndex(&store.RepoIndex{
		RepositoryID: testRepoID,
		RepoURL:      testRepoURL,
		Branch:       "main",
		Status:       store.StatusInProgress,
	})

	_, err := fx.manager.TriggerReindex(context.Background(), testRepoID, "main")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTriggerReindexResetsAndEnqueues(t *testing.T) {
	fx := newManagerFixture(t, true)
	row := fx.store.addIndex(&store.RepoIndex{
		RepositoryID:      testRepoID,
		RepoURL:           testRepoURL,
		Branch:            "main",
		Status:            store.StatusCompleted,
		LastIndexedCommit: "commitA",
	})

	entity, err := fx.manager.TriggerReindex(context.Background(), testRepoID, "main")
	require.NoError(t, err)

	assert.Equal(t, store.StatusPending, entity.Status)
	assert.Empty(t, entity.LastIndexedCommit, "reindex forgets the last commit to force a full pass")
	require.Len(t, fx.jobs.jobs, 1)
	assert.Equal(t, row.ID, fx.jobs.jobs[0].RepoIndexID)
}

func TestRecoverOrphans(t *testing.T) {
	fx := newManagerFixture(t, true)
	orphanA := fx.store.addIndex(&store.RepoIndex{
		RepositoryID: testRepoID,
		RepoURL:      testRepoURL,
		Branch:       "main",
		Status:       store.StatusInProgress,
	})
	orphanB := fx.store.addIndex(&store.RepoIndex{
		RepositoryID: testRepoID,
		RepoURL:      testRepoURL,
		Branch:       "develop",
		Status:       store.StatusPending,
	})
	settled := fx.store.addIndex(&store.RepoIndex{
		RepositoryID: testRepoID,
		RepoURL:      testRepoURL,
		Branch:       "release",
		Status:       store.StatusCompleted,
	})

	fx.manager.RecoverOrphans(context.Background())

	ids := make([]string, 0, len(fx.jobs.jobs))
	for _, job := range fx.jobs.jobs {
		ids = append(ids, job.RepoIndexID)
	}
	assert.ElementsMatch(t, []string{orphanA.ID, orphanB.ID}, ids)

	recovered, err := fx.store.GetRepoIndexByID(context.Background(), orphanA.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, recovered.Status)

	untouched, err := fx.store.GetRepoIndexByID(context.Background(), settled.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, untouched.Status)
}

func TestDeleteRepositoryCascades(t *testing.T) {
	fx := newManagerFixture(t, true)
	row := fx.store.addIndex(&store.RepoIndex{
		RepositoryID: testRepoID,
		RepoURL:      testRepoURL,
		Branch:       "main",
		Status:       store.StatusCompleted,
		Collection:   "codebase_acme_main_8",
	})

	require.NoError(t, fx.manager.DeleteRepository(context.Background(), testRepoID))

	assert.Contains(t, fx.vectors.deleted, row.Collection)
	assert.Contains(t, fx.jobs.removed, row.ID)
	_, err := fx.store.GetRepoIndexByID(context.Background(), row.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = fx.store.GetRepository(context.Background(), testRepoID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// newWorkerFixture extends the manager fixture with a runtime provider and
// the scripted clone plumbing Worker.Process drives.
func newWorkerFixture(t *testing.T) (*managerFixture, *Worker, *fakeRuntime) {
	t.Helper()
	fx := newManagerFixture(t, true)

	exec := testutil.NewMockExec()
	exec.Stub("rm -rf repo", "")
	exec.Stub("git "+shell.Quote("clone"), "")
	rt := &fakeRuntime{exec: exec}
	fx.manager.runtimes = &fakeRuntimeProvider{rt: rt}

	return fx, NewWorker(fx.manager), rt
}

func TestWorkerProcessCompletesJob(t *testing.T) {
	fx, worker, rt := newWorkerFixture(t)
	row := fx.store.addIndex(&store.RepoIndex{
		RepositoryID:      testRepoID,
		RepoURL:           testRepoURL,
		Branch:            "main",
		Status:            store.StatusPending,
		LastIndexedCommit: "commitOld",
		EmbeddingModel:    "test-embed",
		VectorSize:        8,
		// Matches the fixture engine, so the run stays incremental.
		ChunkingSignatureHash: "sig-1",
		Collection:            matchingCollection("main"),
	})

	err := worker.Process(context.Background(), queue.Job{
		RepoIndexID: row.ID,
		RepoURL:     testRepoURL,
		Branch:      "main",
	})
	require.NoError(t, err)

	entity, err := fx.store.GetRepoIndexByID(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, entity.Status)
	assert.Equal(t, "commitA", entity.LastIndexedCommit)
	assert.Equal(t, entity.IndexedTokens, entity.EstimatedTokens)
	assert.True(t, rt.destroyed, "the ephemeral runtime is always torn down")

	_, incremental := fx.engine.runCounts()
	assert.Equal(t, 1, incremental)
}

func TestWorkerProcessFailurePropagatesAndCleansUp(t *testing.T) {
	fx, worker, rt := newWorkerFixture(t)
	fx.engine.runErr = errors.New("qdrant unavailable")
	row := fx.store.addIndex(&store.RepoIndex{
		RepositoryID: testRepoID,
		RepoURL:      testRepoURL,
		Branch:       "main",
		Status:       store.StatusPending,
	})

	err := worker.Process(context.Background(), queue.Job{RepoIndexID: row.ID, RepoURL: testRepoURL, Branch: "main"})
	require.Error(t, err, "the queue decides retry vs final failure")
	assert.True(t, rt.destroyed)
}

func TestWorkerProcessSkipsMissingAndCompleted(t *testing.T) {
	fx, worker, _ := newWorkerFixture(t)

	err := worker.Process(context.Background(), queue.Job{RepoIndexID: "gone"})
	require.NoError(t, err, "a job for a deleted entity is dropped")

	row := fx.store.addIndex(&store.RepoIndex{
		RepositoryID: testRepoID,
		RepoURL:      testRepoURL,
		Branch:       "main",
		Status:       store.StatusCompleted,
	})
	err = worker.Process(context.Background(), queue.Job{RepoIndexID: row.ID})
	require.NoError(t, err)

	full, incremental := fx.engine.runCounts()
	assert.Zero(t, full+incremental)
}

func TestWorkerStalledAndRetryResetToPending(t *testing.T) {
	fx, worker, _ := newWorkerFixture(t)
	row := fx.store.addIndex(&store.RepoIndex{
		RepositoryID: testRepoID,
		RepoURL:      testRepoURL,
		Branch:       "main",
		Status:       store.StatusInProgress,
	})

	worker.Stalled(row.ID)
	entity, _ := fx.store.GetRepoIndexByID(context.Background(), row.ID)
	assert.Equal(t, store.StatusPending, entity.Status)

	inProgress := store.StatusInProgress
	require.NoError(t, fx.store.UpdateRepoIndex(context.Background(), row.ID, store.RepoIndexPatch{Status: &inProgress}))
	worker.Retry(row.ID, errors.New("transient"))
	entity, _ = fx.store.GetRepoIndexByID(context.Background(), row.ID)
	assert.Equal(t, store.StatusPending, entity.Status)
}

func TestWorkerFailedRecordsError(t *testing.T) {
	fx, worker, _ := newWorkerFixture(t)
	row := fx.store.addIndex(&store.RepoIndex{
		RepositoryID: testRepoID,
		RepoURL:      testRepoURL,
		Branch:       "main",
		Status:       store.StatusInProgress,
	})

	worker.Failed(row.ID, errors.New("out of attempts"))

	entity, _ := fx.store.GetRepoIndexByID(context.Background(), row.ID)
	assert.Equal(t, store.StatusFailed, entity.Status)
	assert.Contains(t, entity.ErrorMessage, "out of attempts")
}
