package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/First008/codeindex/internal/ignore"
	"github.com/First008/codeindex/internal/shell"
	testutil "github.com/First008/codeindex/internal/testing"
	"github.com/First008/codeindex/internal/vectorstore"
)

var testNamespace = uuid.MustParse("8c2d84ae-1bd0-4c1d-9be5-3c0d6e0dcf1a")

// runeTokenizer treats every rune as one token, which makes chunk windows
// trivial to reason about in tests.
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	runes := []rune(text)
	tokens := make([]int, len(runes))
	for i, r := range runes {
		tokens[i] = int(r)
	}
	return tokens
}

func (runeTokenizer) Decode(tokens []int) string {
	runes := make([]rune, len(tokens))
	for i, t := range tokens {
		runes[i] = rune(t)
	}
	return string(runes)
}

// fakeStore is an in-memory Store for engine tests.
type fakeStore struct {
	mu          sync.Mutex
	collections map[string]map[string]vectorstore.Point
	indexes     map[string][]string
	scrolls     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		collections: make(map[string]map[string]vectorstore.Point),
		indexes:     make(map[string][]string),
	}
}

func (f *fakeStore) EnsureCollection(ctx context.Context, name string, vectorSize uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[name]; !ok {
		f.collections[name] = make(map[string]vectorstore.Point)
	}
	return nil
}

func (f *fakeStore) EnsurePayloadIndex(ctx context.Context, name, field string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexes[name] = append(f.indexes[name], field)
	return nil
}

func (f *fakeStore) Upsert(ctx context.Context, name string, points []vectorstore.Point, wait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, ok := f.collections[name]
	if !ok {
		coll = make(map[string]vectorstore.Point)
		f.collections[name] = coll
	}
	for _, p := range points {
		payload := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		coll[p.ID] = vectorstore.Point{ID: p.ID, Vector: p.Vector, Payload: payload}
	}
	return nil
}

func (f *fakeStore) DeleteByFilter(ctx context.Context, name string, filter *qdrant.Filter, wait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, ok := f.collections[name]
	if !ok {
		return nil
	}
	for id, p := range coll {
		if matchFilter(p.Payload, filter) {
			delete(coll, id)
		}
	}
	return nil
}

func (f *fakeStore) ScrollAll(ctx context.Context, name string, opts vectorstore.ScrollOptions, fn func(vectorstore.ScrolledPoint) bool) error {
	f.mu.Lock()
	f.scrolls++
	coll := f.collections[name]
	points := make([]vectorstore.Point, 0, len(coll))
	for _, p := range coll {
		if matchFilter(p.Payload, opts.Filter) {
			points = append(points, p)
		}
	}
	f.mu.Unlock()

	for _, p := range points {
		sp := scrolledPointCopy(p, opts.WithVector)
		if !fn(sp) {
			return nil
		}
	}
	return nil
}

func scrolledPointCopy(p vectorstore.Point, withVector bool) vectorstore.ScrolledPoint {
	payload := make(map[string]any, len(p.Payload))
	for k, v := range p.Payload {
		payload[k] = v
	}
	sp := vectorstore.ScrolledPoint{ID: p.ID, Payload: payload}
	if withVector {
		sp.Vector = p.Vector
	}
	return sp
}

func (f *fakeStore) points(name string) []vectorstore.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []vectorstore.Point
	for _, p := range f.collections[name] {
		out = append(out, p)
	}
	return out
}

func (f *fakeStore) pointsForPath(name, path string) []vectorstore.Point {
	var out []vectorstore.Point
	for _, p := range f.points(name) {
		if p.Payload["path"] == path {
			out = append(out, p)
		}
	}
	return out
}

func matchFilter(payload map[string]any, f *qdrant.Filter) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		if !condMatch(payload, c) {
			return false
		}
	}
	if len(f.Should) > 0 {
		any := false
		for _, c := range f.Should {
			if condMatch(payload, c) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

func condMatch(payload map[string]any, c *qdrant.Condition) bool {
	field := c.GetField()
	if field == nil {
		return false
	}
	v, _ := payload[field.GetKey()].(string)
	return v == field.GetMatch().GetKeyword()
}

const (
	testMaxFileBytes = 1000
	testCommit       = "abc123def456"
	oldCommit        = "000111222333"
)

func newTestIndexer(t *testing.T, store Store, provider *testutil.MockEmbeddingProvider) *Indexer {
	t.Helper()
	cache, err := ignore.NewCache()
	require.NoError(t, err)
	ix := New(store, provider, cache, Config{
		TargetTokens:         8,
		OverlapTokens:        2,
		EmbeddingMaxTokens:   100,
		EmbeddingConcurrency: 1,
		MaxFileBytes:         testMaxFileBytes,
		Namespace:            testNamespace,
	}, testutil.NewTestLogger())
	ix.getTokenizer = func(string) (tokenizer, error) { return runeTokenizer{}, nil }
	return ix
}

func testParams(collection string) Params {
	return Params{
		RepoID:     "https://github.com/acme/widget",
		RepoRoot:   "/repo",
		Collection: collection,
		Model:      "test-embed",
		VectorSize: 8,
		Commit:     testCommit,
	}
}

// newRepoExec scripts a working tree: tracked files with contents, plus the
// standard git plumbing the engine invokes.
func newRepoExec(files map[string]string) *testutil.MockExec {
	exec := testutil.NewMockExec()
	exec.StubFail("cat "+shell.Quote(ignore.FileName), 1, "No such file or directory")

	lsFiles := ""
	for path := range files {
		lsFiles += path + "\n"
	}
	exec.Stub("git "+shell.Quote("ls-files"), lsFiles)

	limit := strconv.Itoa(testMaxFileBytes + 1)
	for path, content := range files {
		exec.Stub("head -c "+limit+" "+shell.Quote(path), content)
	}
	exec.Handle("head -c ", func(cmd string) (shell.Result, error) {
		return shell.Result{ExitCode: 1, Stderr: "head: cannot open file"}, nil
	})
	return exec
}

func sha1hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// seedPoint inserts a pre-existing chunk point the way a prior run would
// have written it.
func seedPoint(store *fakeStore, collection, repoID, path, text, commit string) {
	chunkHash := sha1hex(text)
	_ = store.EnsureCollection(context.Background(), collection, 8)
	_ = store.Upsert(context.Background(), collection, []vectorstore.Point{{
		ID:     PointID(testNamespace, repoID, path, chunkHash),
		Vector: []float32{1, 2, 3, 4, 5, 6, 7, 8},
		Payload: map[string]any{
			"repo_id":     repoID,
			"path":        path,
			"start_line":  1,
			"end_line":    1,
			"text":        text,
			"chunk_hash":  chunkHash,
			"file_hash":   sha1hex(text),
			"commit":      commit,
			"indexed_at":  "2025-01-01T00:00:00Z",
			"token_count": len([]rune(text)),
		},
	}}, true)
}

func TestRunFullIndexWritesPoints(t *testing.T) {
	store := newFakeStore()
	provider := &testutil.MockEmbeddingProvider{Dimensions: 8}
	ix := newTestIndexer(t, store, provider)

	exec := newRepoExec(map[string]string{
		"a.ts": "const x = 1;",
	})

	var progress int
	var mu sync.Mutex
	err := ix.RunFullIndex(context.Background(), exec, testParams("c1"), func(tokens int) {
		mu.Lock()
		progress += tokens
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	points := store.pointsForPath("c1", "a.ts")
	require.NotEmpty(t, points)

	p := points[0]
	assert.Equal(t, "https://github.com/acme/widget", p.Payload["repo_id"])
	assert.Equal(t, testCommit, p.Payload["commit"])
	assert.Equal(t, sha1hex("const x = 1;"), p.Payload["file_hash"])
	assert.Equal(t, 1, p.Payload["start_line"])
	assert.NotEmpty(t, p.Payload["text"])
	assert.Positive(t, progress)

	// Chunk ids are the uuidv5 of repo|path|chunk_hash.
	chunkHash, _ := p.Payload["chunk_hash"].(string)
	assert.Equal(t, PointID(testNamespace, "https://github.com/acme/widget", "a.ts", chunkHash), p.ID)

	// Payload indexes were ensured for the filterable fields.
	assert.ElementsMatch(t, []string{"repo_id", "path", "file_hash"}, store.indexes["c1"])
}

func TestRunFullIndexReusesUnchangedContent(t *testing.T) {
	store := newFakeStore()
	provider := &testutil.MockEmbeddingProvider{Dimensions: 8}
	ix := newTestIndexer(t, store, provider)

	content := "reusable"
	seedPoint(store, "c1", "https://github.com/acme/widget", "a.ts", content, testCommit)

	exec := newRepoExec(map[string]string{"a.ts": content})

	var progress int
	err := ix.RunFullIndex(context.Background(), exec, testParams("c1"), func(tokens int) {
		progress += tokens
	}, nil)
	require.NoError(t, err)

	assert.Zero(t, provider.EmbedCallCount(), "unchanged content must not be re-embedded")
	assert.Equal(t, len([]rune(content)), progress, "reused tokens still count toward progress")
	require.Len(t, store.pointsForPath("c1", "a.ts"), 1)
}

func TestRunFullIndexRefreshesStaleCommit(t *testing.T) {
	store := newFakeStore()
	provider := &testutil.MockEmbeddingProvider{Dimensions: 8}
	ix := newTestIndexer(t, store, provider)

	content := "stable bytes"
	seedPoint(store, "c1", "https://github.com/acme/widget", "a.ts", content, oldCommit)

	exec := newRepoExec(map[string]string{"a.ts": content})

	err := ix.RunFullIndex(context.Background(), exec, testParams("c1"), nil, nil)
	require.NoError(t, err)

	assert.Zero(t, provider.EmbedCallCount())
	points := store.pointsForPath("c1", "a.ts")
	require.Len(t, points, 1)
	assert.Equal(t, testCommit, points[0].Payload["commit"], "stale commit metadata must be refreshed")
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, points[0].Vector, "vector must be preserved")
}

func TestRunFullIndexCleansOrphans(t *testing.T) {
	store := newFakeStore()
	provider := &testutil.MockEmbeddingProvider{Dimensions: 8}
	ix := newTestIndexer(t, store, provider)

	seedPoint(store, "c1", "https://github.com/acme/widget", "deleted.ts", "gone", testCommit)

	exec := newRepoExec(map[string]string{"a.ts": "still here"})

	err := ix.RunFullIndex(context.Background(), exec, testParams("c1"), nil, nil)
	require.NoError(t, err)

	assert.Empty(t, store.pointsForPath("c1", "deleted.ts"))
	assert.NotEmpty(t, store.pointsForPath("c1", "a.ts"))
}

func TestRunFullIndexRejectsBadFiles(t *testing.T) {
	store := newFakeStore()
	provider := &testutil.MockEmbeddingProvider{Dimensions: 8}
	ix := newTestIndexer(t, store, provider)

	big := make([]byte, testMaxFileBytes+1)
	for i := range big {
		big[i] = 'x'
	}

	exec := newRepoExec(map[string]string{
		"big.ts":    string(big),
		"empty.ts":  "   \n  ",
		"binary.ts": "abc\x00def",
	})

	err := ix.RunFullIndex(context.Background(), exec, testParams("c1"), nil, nil)
	require.NoError(t, err)

	assert.Zero(t, provider.EmbedCallCount())
	assert.Empty(t, store.points("c1"))
}

func TestRunFullIndexAtSizeLimit(t *testing.T) {
	store := newFakeStore()
	provider := &testutil.MockEmbeddingProvider{Dimensions: 8}
	ix := newTestIndexer(t, store, provider)

	exact := make([]byte, testMaxFileBytes)
	for i := range exact {
		exact[i] = 'y'
	}

	exec := newRepoExec(map[string]string{"edge.ts": string(exact)})

	err := ix.RunFullIndex(context.Background(), exec, testParams("c1"), nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, store.pointsForPath("c1", "edge.ts"), "file exactly at the byte limit is indexed")
}

func TestRunIncrementalOnlyEmbedsChangedFiles(t *testing.T) {
	store := newFakeStore()
	provider := &testutil.MockEmbeddingProvider{Dimensions: 8}
	ix := newTestIndexer(t, store, provider)

	seedPoint(store, "c1", "https://github.com/acme/widget", "a.ts", "old a", oldCommit)
	seedPoint(store, "c1", "https://github.com/acme/widget", "b.ts", "old b", oldCommit)

	exec := newRepoExec(map[string]string{
		"a.ts": "old a",
		"b.ts": "new-b",
	})
	exec.Stub("git "+shell.Quote("diff"), "b.ts\n")
	exec.Stub("git "+shell.Quote("status"), "")

	params := testParams("c1")
	params.LastIndexedCommit = oldCommit
	err := ix.RunIncrementalIndex(context.Background(), exec, params, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 1, provider.EmbedCallCount())
	for _, batch := range provider.Inputs {
		for _, text := range batch {
			assert.NotContains(t, text, "old a", "the untouched file is never embedded")
			assert.Contains(t, text, "new-b", "only the changed file is embedded")
		}
	}

	// The untouched file keeps its old points; the changed file's old points
	// were replaced.
	assert.Len(t, store.pointsForPath("c1", "a.ts"), 1)
	for _, p := range store.pointsForPath("c1", "b.ts") {
		assert.Equal(t, testCommit, p.Payload["commit"])
	}
}

func TestRunIncrementalDeletesRemovedFiles(t *testing.T) {
	store := newFakeStore()
	provider := &testutil.MockEmbeddingProvider{Dimensions: 8}
	ix := newTestIndexer(t, store, provider)

	seedPoint(store, "c1", "https://github.com/acme/widget", "c.ts", "about to go", oldCommit)

	exec := newRepoExec(map[string]string{})
	exec.Stub("git "+shell.Quote("diff"), "c.ts\n")
	exec.Stub("git "+shell.Quote("status"), "")

	params := testParams("c1")
	params.LastIndexedCommit = oldCommit
	err := ix.RunIncrementalIndex(context.Background(), exec, params, nil, nil)
	require.NoError(t, err)

	assert.Empty(t, store.pointsForPath("c1", "c.ts"))
	assert.Zero(t, provider.EmbedCallCount())
}

func TestRunIncrementalFallsBackToFullOnDiffFailure(t *testing.T) {
	store := newFakeStore()
	provider := &testutil.MockEmbeddingProvider{Dimensions: 8}
	ix := newTestIndexer(t, store, provider)

	exec := newRepoExec(map[string]string{"a.ts": "content here"})
	exec.StubFail("git "+shell.Quote("diff"), 128, "fatal: bad object")

	params := testParams("c1")
	params.LastIndexedCommit = "unreachable"
	err := ix.RunIncrementalIndex(context.Background(), exec, params, nil, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, store.pointsForPath("c1", "a.ts"), "diff failure falls back to a full walk")
}

func TestRunFullIndexDeterministicIDs(t *testing.T) {
	provider := &testutil.MockEmbeddingProvider{Dimensions: 8}

	ids := make([][]string, 2)
	for i := range ids {
		store := newFakeStore()
		ix := newTestIndexer(t, store, provider)
		exec := newRepoExec(map[string]string{"a.ts": "identical content"})
		require.NoError(t, ix.RunFullIndex(context.Background(), exec, testParams("c1"), nil, nil))
		for _, p := range store.points("c1") {
			ids[i] = append(ids[i], p.ID)
		}
	}
	assert.ElementsMatch(t, ids[0], ids[1], "same content must produce the same point ids")
}

func TestCopyCollectionPoints(t *testing.T) {
	store := newFakeStore()
	provider := &testutil.MockEmbeddingProvider{Dimensions: 8}
	ix := newTestIndexer(t, store, provider)

	seedPoint(store, "src", "https://github.com/acme/widget", "a.ts", "copy me", oldCommit)
	seedPoint(store, "src", "https://github.com/acme/widget", "b.ts", "me too", oldCommit)

	copied, err := ix.CopyCollectionPoints(context.Background(), "src", "dst")
	require.NoError(t, err)
	assert.Equal(t, 2, copied)
	assert.Len(t, store.points("dst"), 2)

	// Payloads travel verbatim, original commit included.
	for _, p := range store.points("dst") {
		assert.Equal(t, oldCommit, p.Payload["commit"])
	}

	copied, err = ix.CopyCollectionPoints(context.Background(), "absent", "dst")
	require.NoError(t, err)
	assert.Zero(t, copied)
}

func TestEstimateTotalTokens(t *testing.T) {
	provider := &testutil.MockEmbeddingProvider{Dimensions: 8}
	ix := newTestIndexer(t, newFakeStore(), provider)

	exec := testutil.NewMockExec()
	exec.Stub("git "+shell.Quote("ls-tree"),
		"100644 blob aaa 400\ta.ts\n100644 blob bbb 600\tb.ts\n")
	assert.Equal(t, 250, ix.EstimateTotalTokens(context.Background(), exec))

	failing := testutil.NewMockExec()
	failing.StubFail("git ", 128, "fatal: not a git repository")
	assert.Zero(t, ix.EstimateTotalTokens(context.Background(), failing))
}

func TestEstimateChangedTokens(t *testing.T) {
	provider := &testutil.MockEmbeddingProvider{Dimensions: 8}
	ix := newTestIndexer(t, newFakeStore(), provider)

	exec := testutil.NewMockExec()
	exec.Stub("git "+shell.Quote("diff"), "a.ts\n")
	exec.Stub("git "+shell.Quote("status"), " M b.ts\nR  old.ts -> new.ts\n")
	exec.Stub("git "+shell.Quote("ls-tree"),
		"100644 blob aaa 100\ta.ts\n100644 blob bbb 100\tb.ts\n100644 blob ccc 200\tnew.ts\n")

	// 400 bytes across the changed set, divided by 4.
	assert.Equal(t, 100, ix.EstimateChangedTokens(context.Background(), exec, "from", "to"))
}
