package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/First008/codeindex/internal/embeddings"
	"github.com/First008/codeindex/internal/gitcli"
	"github.com/First008/codeindex/internal/ignore"
	"github.com/First008/codeindex/internal/shell"
	"github.com/First008/codeindex/internal/vectorstore"
)

const (
	// readConcurrency bounds parallel file reads per run.
	readConcurrency = 10

	// fullFlushFiles and incrementalFlushFiles bound how many files a
	// single embed batch spans.
	fullFlushFiles        = 15
	incrementalFlushFiles = 50

	// cleanupBatch bounds paths per orphan-cleanup delete.
	cleanupBatch = 500

	// embedRetries bounds retries of transient embedding failures.
	embedRetries = 2
)

// errSkipFile marks per-file preparation failures that are logged and
// skipped without failing the run.
var errSkipFile = errors.New("file skipped")

// payload field names for vector points.
const (
	fieldRepoID     = "repo_id"
	fieldPath       = "path"
	fieldStartLine  = "start_line"
	fieldEndLine    = "end_line"
	fieldText       = "text"
	fieldChunkHash  = "chunk_hash"
	fieldFileHash   = "file_hash"
	fieldCommit     = "commit"
	fieldIndexedAt  = "indexed_at"
	fieldTokenCount = "token_count"
)

// existingFile is the prefetched per-path summary of what the collection
// already holds.
type existingFile struct {
	fileHash string
	tokenSum int
	commit   string
}

type fileInput struct {
	path    string
	content string
	hash    string
}

type batchEntry struct {
	path     string
	fileHash string
	chunk    Chunk
}

type embedBatch struct {
	entries []batchEntry
	tokens  int
	files   map[string]struct{}
}

// run carries the state of one full or incremental indexing pass.
type run struct {
	ix         *Indexer
	exec       shell.Exec
	git        *gitcli.Git
	params     Params
	tok        tokenizer
	matcher    *ignore.Matcher
	prefetch   map[string]existingFile
	onProgress ProgressFunc
	keepalive  KeepaliveFunc
	flushFiles int

	group *errgroup.Group
	gctx  context.Context

	batch     embedBatch
	processed map[string]struct{}
	mu        sync.Mutex // guards processed across read workers
}

// RunFullIndex walks every tracked file and reconciles the collection,
// reusing stored vectors for unchanged content and removing orphans at the
// end.
func (ix *Indexer) RunFullIndex(ctx context.Context, exec shell.Exec, params Params, onProgress ProgressFunc, keepalive KeepaliveFunc) error {
	r, err := ix.newRun(ctx, exec, params, onProgress, keepalive, fullFlushFiles)
	if err != nil {
		return err
	}

	paths, err := r.git.LsFiles(ctx)
	if err != nil {
		return err
	}
	paths = r.filterIgnored(paths)

	if err := ix.store.EnsureCollection(ctx, params.Collection, uint64(params.VectorSize)); err != nil {
		return err
	}
	for _, field := range []string{fieldRepoID, fieldPath, fieldFileHash} {
		if err := ix.store.EnsurePayloadIndex(ctx, params.Collection, field); err != nil {
			return err
		}
	}

	if err := r.prefetchExisting(ctx); err != nil {
		return err
	}

	ix.logger.Info().Str("repo_id", params.RepoID).Str("collection", params.Collection).
		Int("files", len(paths)).Str("commit", shortCommit(params.Commit)).
		Msg("Full index started")

	if err := r.processPaths(ctx, paths); err != nil {
		_ = r.group.Wait()
		return err
	}
	if err := r.finish(); err != nil {
		return err
	}
	if err := r.cleanupOrphanedChunks(ctx); err != nil {
		return err
	}

	ix.logger.Info().Str("repo_id", params.RepoID).Int("files", len(r.processed)).
		Msg("Full index completed")
	return nil
}

// RunIncrementalIndex reindexes only the paths changed since
// params.LastIndexedCommit, deleting points for removed files. Falls back to
// a full index when the base commit is unknown or unreachable.
func (ix *Indexer) RunIncrementalIndex(ctx context.Context, exec shell.Exec, params Params, onProgress ProgressFunc, keepalive KeepaliveFunc) error {
	if params.LastIndexedCommit == "" {
		return ix.RunFullIndex(ctx, exec, params, onProgress, keepalive)
	}

	r, err := ix.newRun(ctx, exec, params, onProgress, keepalive, incrementalFlushFiles)
	if err != nil {
		return err
	}

	changed, err := r.git.DiffNameOnly(ctx, params.LastIndexedCommit, params.Commit)
	if err != nil {
		// Shallow clones may not contain the last indexed commit.
		ix.logger.Warn().Err(err).Str("from", shortCommit(params.LastIndexedCommit)).
			Msg("Diff failed, falling back to full index")
		return ix.RunFullIndex(ctx, exec, params, onProgress, keepalive)
	}
	if dirty, err := r.git.StatusPorcelain(ctx); err == nil {
		changed = append(changed, dirty...)
	}
	paths := r.filterIgnored(dedupe(changed))

	ix.logger.Info().Str("repo_id", params.RepoID).Int("changed", len(paths)).
		Str("from", shortCommit(params.LastIndexedCommit)).Str("to", shortCommit(params.Commit)).
		Msg("Incremental index started")

	if err := r.processPaths(ctx, paths); err != nil {
		_ = r.group.Wait()
		return err
	}
	if err := r.finish(); err != nil {
		return err
	}

	ix.logger.Info().Str("repo_id", params.RepoID).Int("files", len(r.processed)).
		Msg("Incremental index completed")
	return nil
}

func (ix *Indexer) newRun(ctx context.Context, exec shell.Exec, params Params, onProgress ProgressFunc, keepalive KeepaliveFunc, flushFiles int) (*run, error) {
	if params.RepoID == "" || params.Collection == "" || params.Commit == "" {
		return nil, fmt.Errorf("indexer: repo id, collection and commit are required")
	}
	tok, err := ix.getTokenizer(params.Model)
	if err != nil {
		return nil, err
	}
	matcher, err := ix.ignores.Load(ctx, exec, params.RepoRoot)
	if err != nil {
		return nil, err
	}
	if onProgress == nil {
		onProgress = func(int) {}
	}
	if keepalive == nil {
		keepalive = func() {}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(ix.cfg.EmbeddingConcurrency)

	return &run{
		ix:         ix,
		exec:       exec,
		git:        gitcli.New(exec),
		params:     params,
		tok:        tok,
		matcher:    matcher,
		onProgress: onProgress,
		keepalive:  keepalive,
		flushFiles: flushFiles,
		group:      group,
		gctx:       gctx,
		batch:      embedBatch{files: make(map[string]struct{})},
		processed:  make(map[string]struct{}),
	}, nil
}

func (r *run) filterIgnored(paths []string) []string {
	var kept []string
	for _, p := range paths {
		if r.matcher.Matches(p) {
			r.ix.logger.Debug().Str("path", p).Msg("Path excluded by ignore rules")
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

// prefetchExisting summarizes the collection's current contents per path in
// a single paginated scroll, so the reuse test needs no per-file lookups.
func (r *run) prefetchExisting(ctx context.Context) error {
	r.prefetch = make(map[string]existingFile)
	filter := vectorstore.MustMatch(vectorstore.KV{Key: fieldRepoID, Value: r.params.RepoID})
	opts := vectorstore.ScrollOptions{
		Filter:      filter,
		WithPayload: []string{fieldPath, fieldFileHash, fieldCommit, fieldTokenCount},
	}
	return r.ix.store.ScrollAll(ctx, r.params.Collection, opts, func(p vectorstore.ScrolledPoint) bool {
		path, _ := p.Payload[fieldPath].(string)
		if path == "" {
			return true
		}
		entry := r.prefetch[path]
		entry.fileHash, _ = p.Payload[fieldFileHash].(string)
		entry.commit, _ = p.Payload[fieldCommit].(string)
		entry.tokenSum += payloadInt(p.Payload[fieldTokenCount])
		r.prefetch[path] = entry
		return true
	})
}

// processPaths reads files with bounded concurrency and feeds them through
// the per-file pipeline in walk order.
func (r *run) processPaths(ctx context.Context, paths []string) error {
	for start := 0; start < len(paths); start += readConcurrency {
		end := start + readConcurrency
		if end > len(paths) {
			end = len(paths)
		}
		window := paths[start:end]

		inputs := make([]*fileInput, len(window))
		readErrs := make([]error, len(window))
		var rg errgroup.Group
		rg.SetLimit(readConcurrency)
		for i, path := range window {
			rg.Go(func() error {
				inputs[i], readErrs[i] = r.prepareFileIndexInput(ctx, path)
				return nil
			})
		}
		_ = rg.Wait()

		for i, path := range window {
			if err := readErrs[i]; err != nil {
				if errors.Is(err, errSkipFile) {
					r.handleUnreadable(ctx, path, err)
					continue
				}
				return err
			}
			if err := r.handleFile(ctx, inputs[i]); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// prepareFileIndexInput reads at most MaxFileBytes+1 bytes of path and
// rejects oversized, empty, and binary content.
func (r *run) prepareFileIndexInput(ctx context.Context, path string) (*fileInput, error) {
	limit := r.ix.cfg.MaxFileBytes + 1
	res, err := r.exec.Run(ctx, "head -c "+strconv.Itoa(limit)+" "+shell.Quote(path))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: unreadable (exit %d): %s", errSkipFile, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	content := res.Stdout
	if len(content) > r.ix.cfg.MaxFileBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", errSkipFile, r.ix.cfg.MaxFileBytes)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty", errSkipFile)
	}
	if strings.ContainsRune(content, 0) {
		return nil, fmt.Errorf("%w: binary content", errSkipFile)
	}

	sum := sha1.Sum([]byte(content))
	return &fileInput{path: path, content: content, hash: hex.EncodeToString(sum[:])}, nil
}

// handleUnreadable covers both deleted files (incremental) and files that
// were rejected by the binary/size/empty heuristics. In either case the
// collection must not keep points for the path.
func (r *run) handleUnreadable(ctx context.Context, path string, cause error) {
	r.ix.logger.Debug().Str("path", path).AnErr("reason", cause).Msg("File skipped")
	if r.prefetch == nil {
		// Incremental mode: a changed path that cannot be read anymore was
		// deleted; its points go now. Full mode leaves this to orphan
		// cleanup.
		if err := r.deletePointsFor(ctx, path); err != nil {
			r.ix.logger.Warn().Err(err).Str("path", path).Msg("Failed to delete points for removed file")
		}
	}
}

func (r *run) handleFile(ctx context.Context, input *fileInput) error {
	if entry, ok := r.prefetch[input.path]; ok && entry.fileHash == input.hash {
		r.markProcessed(input.path)
		if r.ix.onReuse != nil {
			r.ix.onReuse()
		}
		if entry.commit == r.params.Commit {
			// Content and commit both match: nothing to touch.
			r.onProgress(entry.tokenSum)
			return nil
		}
		// Content unchanged but recorded at an older commit: refresh the
		// stored metadata without re-embedding.
		if err := r.refreshStalePoints(ctx, input.path, input.hash); err != nil {
			return err
		}
		r.onProgress(entry.tokenSum)
		return nil
	}

	if err := r.deletePointsFor(ctx, input.path); err != nil {
		return err
	}

	chunks := chunkContent(r.tok, input.content, r.ix.cfg.TargetTokens, r.ix.cfg.OverlapTokens)
	r.markProcessed(input.path)
	if len(chunks) == 0 {
		return nil
	}
	return r.addFileChunks(input.path, input.hash, chunks)
}

// refreshStalePoints re-upserts a file's existing points with the current
// commit, preserving their vectors. No embedding happens.
func (r *run) refreshStalePoints(ctx context.Context, path, fileHash string) error {
	filter := vectorstore.MustMatch(
		vectorstore.KV{Key: fieldRepoID, Value: r.params.RepoID},
		vectorstore.KV{Key: fieldFileHash, Value: fileHash},
		vectorstore.KV{Key: fieldPath, Value: path},
	)
	var stale []vectorstore.Point
	err := r.ix.store.ScrollAll(ctx, r.params.Collection, vectorstore.ScrollOptions{
		Filter:     filter,
		WithVector: true,
	}, func(p vectorstore.ScrolledPoint) bool {
		payload := p.Payload
		payload[fieldCommit] = r.params.Commit
		payload[fieldIndexedAt] = time.Now().UTC().Format(time.RFC3339)
		stale = append(stale, vectorstore.Point{ID: p.ID, Vector: p.Vector, Payload: payload})
		return true
	})
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	r.ix.logger.Debug().Str("path", path).Int("points", len(stale)).Msg("Refreshing stale commit metadata")
	return r.ix.store.Upsert(ctx, r.params.Collection, stale, true)
}

func (r *run) deletePointsFor(ctx context.Context, path string) error {
	filter := vectorstore.MustMatch(
		vectorstore.KV{Key: fieldRepoID, Value: r.params.RepoID},
		vectorstore.KV{Key: fieldPath, Value: path},
	)
	return r.ix.store.DeleteByFilter(ctx, r.params.Collection, filter, true)
}

func (r *run) markProcessed(path string) {
	r.mu.Lock()
	r.processed[path] = struct{}{}
	r.mu.Unlock()
}

// addFileChunks appends chunks to the pending embed batch, flushing whenever
// the batch would exceed the per-request token cap or spans enough files.
func (r *run) addFileChunks(path, fileHash string, chunks []Chunk) error {
	for _, chunk := range chunks {
		if r.batch.tokens+chunk.TokenCount > r.ix.cfg.EmbeddingMaxTokens && len(r.batch.entries) > 0 {
			if err := r.flush(); err != nil {
				return err
			}
		}
		r.batch.entries = append(r.batch.entries, batchEntry{path: path, fileHash: fileHash, chunk: chunk})
		r.batch.tokens += chunk.TokenCount
		r.batch.files[path] = struct{}{}
	}
	if len(r.batch.files) >= r.flushFiles {
		return r.flush()
	}
	return nil
}

// flush hands the pending batch to the embed pipeline. Embedding and upsert
// run concurrently across batches, bounded by the configured embedding
// concurrency.
func (r *run) flush() error {
	if len(r.batch.entries) == 0 {
		return nil
	}
	batch := r.batch
	r.batch = embedBatch{files: make(map[string]struct{})}

	if err := r.gctx.Err(); err != nil {
		return err
	}
	r.group.Go(func() error {
		return r.embedAndUpsert(r.gctx, batch)
	})
	return nil
}

func (r *run) finish() error {
	if err := r.flush(); err != nil {
		return err
	}
	return r.group.Wait()
}

func (r *run) embedAndUpsert(ctx context.Context, batch embedBatch) error {
	r.keepalive()

	texts := make([]string, len(batch.entries))
	for i, e := range batch.entries {
		texts[i] = e.chunk.Text
	}

	vectors, err := r.embedWithRetry(ctx, texts)
	if err != nil {
		return err
	}

	for i, vec := range vectors {
		if len(vec) != r.params.VectorSize {
			// A dimension mismatch poisons the whole batch; storing it
			// would corrupt the collection.
			r.ix.logger.Error().Int("got", len(vec)).Int("want", r.params.VectorSize).
				Str("path", batch.entries[i].path).Msg("Embedding dimension mismatch, dropping batch")
			return nil
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	points := make([]vectorstore.Point, len(batch.entries))
	for i, e := range batch.entries {
		points[i] = vectorstore.Point{
			ID:     PointID(r.ix.cfg.Namespace, r.params.RepoID, e.path, e.chunk.Hash),
			Vector: vectors[i],
			Payload: map[string]any{
				fieldRepoID:     r.params.RepoID,
				fieldPath:       e.path,
				fieldStartLine:  e.chunk.StartLine,
				fieldEndLine:    e.chunk.EndLine,
				fieldText:       e.chunk.Text,
				fieldChunkHash:  e.chunk.Hash,
				fieldFileHash:   e.fileHash,
				fieldCommit:     r.params.Commit,
				fieldIndexedAt:  now,
				fieldTokenCount: e.chunk.TokenCount,
			},
		}
	}

	if err := r.ix.store.Upsert(ctx, r.params.Collection, points, true); err != nil {
		return err
	}
	r.keepalive()
	r.onProgress(batch.tokens)
	return nil
}

func (r *run) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	var err error
	for attempt := 0; ; attempt++ {
		vectors, err = r.ix.provider.Embed(ctx, r.params.Model, texts)
		if err == nil {
			break
		}
		if attempt >= embedRetries || !vectorstore.IsTransient(err) {
			return nil, fmt.Errorf("embed batch of %d: %w", len(texts), err)
		}
		delay := 500 * time.Millisecond << attempt
		r.ix.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Transient embedding error, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embed batch: got %d vectors for %d inputs: %w",
			len(vectors), len(texts), embeddings.ErrEmbeddingEmpty)
	}
	return vectors, nil
}

// cleanupOrphanedChunks removes points whose path no longer appears in the
// walked file set, in OR-batches under the repo_id filter.
func (r *run) cleanupOrphanedChunks(ctx context.Context) error {
	orphans := make(map[string]struct{})
	filter := vectorstore.MustMatch(vectorstore.KV{Key: fieldRepoID, Value: r.params.RepoID})
	err := r.ix.store.ScrollAll(ctx, r.params.Collection, vectorstore.ScrollOptions{
		Filter:      filter,
		WithPayload: []string{fieldPath},
	}, func(p vectorstore.ScrolledPoint) bool {
		if path, _ := p.Payload[fieldPath].(string); path != "" {
			if _, ok := r.processed[path]; !ok {
				orphans[path] = struct{}{}
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	r.ix.logger.Info().Int("paths", len(orphans)).Msg("Cleaning up orphaned chunks")

	must := []vectorstore.KV{{Key: fieldRepoID, Value: r.params.RepoID}}
	batch := make([]vectorstore.KV, 0, cleanupBatch)
	flushDelete := func() error {
		if len(batch) == 0 {
			return nil
		}
		f := vectorstore.ShouldMatchAny(must, batch)
		if err := r.ix.store.DeleteByFilter(ctx, r.params.Collection, f, true); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}
	for path := range orphans {
		batch = append(batch, vectorstore.KV{Key: fieldPath, Value: path})
		if len(batch) >= cleanupBatch {
			if err := flushDelete(); err != nil {
				return err
			}
		}
	}
	return flushDelete()
}

func payloadInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func shortCommit(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
