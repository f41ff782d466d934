// Package indexer converts a repository working tree into vector points.
//
// The engine is pure in the sense that it owns no index records: it walks
// tracked files, filters them through ignore rules, deduplicates work via
// content hashing, chunks by token window, embeds in batches with bounded
// concurrency, and reconciles the vector store. Lifecycle decisions (full vs
// incremental, inline vs background) live in the lifecycle package.
package indexer

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"

	"github.com/First008/codeindex/internal/embeddings"
	"github.com/First008/codeindex/internal/gitcli"
	"github.com/First008/codeindex/internal/ignore"
	"github.com/First008/codeindex/internal/shell"
	"github.com/First008/codeindex/internal/vectorstore"
)

// bytesPerToken is the byte→token approximation used for sizing estimates.
const bytesPerToken = 4

// copyBatch bounds points per upsert while copying collections.
const copyBatch = 500

// Params identifies one indexing run.
type Params struct {
	RepoID            string
	RepoRoot          string
	Collection        string
	Model             string
	VectorSize        int
	Commit            string
	LastIndexedCommit string
}

// ProgressFunc receives token counts as work completes. The lifecycle layer
// backs it with an atomic DB increment.
type ProgressFunc func(tokens int)

// KeepaliveFunc is invoked around long operations so an ephemeral runtime is
// not reaped mid-run.
type KeepaliveFunc func()

// Store is the vector store surface the engine consumes.
// *vectorstore.Adapter is the production implementation; tests use an
// in-memory fake.
type Store interface {
	EnsureCollection(ctx context.Context, name string, vectorSize uint64) error
	EnsurePayloadIndex(ctx context.Context, name, field string) error
	Upsert(ctx context.Context, name string, points []vectorstore.Point, wait bool) error
	DeleteByFilter(ctx context.Context, name string, filter *qdrant.Filter, wait bool) error
	ScrollAll(ctx context.Context, name string, opts vectorstore.ScrollOptions, fn func(vectorstore.ScrolledPoint) bool) error
}

// Indexer is the shared indexing engine. Safe for concurrent runs.
type Indexer struct {
	store        Store
	provider     embeddings.Provider
	sizes        *embeddings.SizeCache
	ignores      *ignore.Cache
	cfg          Config
	logger       zerolog.Logger
	getTokenizer func(model string) (tokenizer, error)
	onReuse      func()
}

// New creates an Indexer.
func New(store Store, provider embeddings.Provider, ignores *ignore.Cache, cfg Config, logger zerolog.Logger) *Indexer {
	return &Indexer{
		store:    store,
		provider: provider,
		sizes:    embeddings.NewSizeCache(provider),
		ignores:  ignores,
		cfg:      cfg.normalized(),
		logger:   logger.With().Str("component", "indexer").Logger(),
		getTokenizer: func(model string) (tokenizer, error) {
			return embeddings.GetTokenizer(model)
		},
	}
}

// Config returns the normalized chunking configuration.
func (ix *Indexer) Config() Config {
	return ix.cfg
}

// SignatureHash returns the chunking signature stored on index records.
func (ix *Indexer) SignatureHash() string {
	return ix.cfg.SignatureHash()
}

// OnReuse registers a hook invoked once per file whose stored vectors were
// reused without re-embedding. Used to feed the reuse metric.
func (ix *Indexer) OnReuse(fn func()) {
	ix.onReuse = fn
}

// VectorSizeFor probes (and caches) the embedding dimension of model.
func (ix *Indexer) VectorSizeFor(ctx context.Context, model string) (int, error) {
	return ix.sizes.VectorSizeFor(ctx, model)
}

// ResolveCurrentCommit returns HEAD of the working tree behind exec.
func (ix *Indexer) ResolveCurrentCommit(ctx context.Context, exec shell.Exec) (string, error) {
	return gitcli.New(exec).Head(ctx)
}

// CurrentBranch returns the checked-out branch behind exec.
func (ix *Indexer) CurrentBranch(ctx context.Context, exec shell.Exec) (string, error) {
	return gitcli.New(exec).CurrentBranch(ctx)
}

// EstimateTotalTokens approximates the token volume of the whole tree from
// blob sizes at HEAD. Returns 0 when git fails; sizing must never block a
// run.
func (ix *Indexer) EstimateTotalTokens(ctx context.Context, exec shell.Exec) int {
	total, err := gitcli.New(exec).TotalBlobSize(ctx)
	if err != nil {
		ix.logger.Debug().Err(err).Msg("Full size estimate failed, assuming 0")
		return 0
	}
	return int(total / bytesPerToken)
}

// EstimateChangedTokens approximates the token volume of paths changed
// between two commits plus uncommitted working-tree changes. Falls back to
// the full estimate when the diff fails (shallow clones may be missing the
// from commit).
func (ix *Indexer) EstimateChangedTokens(ctx context.Context, exec shell.Exec, from, to string) int {
	git := gitcli.New(exec)

	changed, err := git.DiffNameOnly(ctx, from, to)
	if err != nil {
		ix.logger.Debug().Err(err).Str("from", from).Str("to", to).
			Msg("Diff failed, falling back to full estimate")
		return ix.EstimateTotalTokens(ctx, exec)
	}
	if dirty, err := git.StatusPorcelain(ctx); err == nil {
		changed = append(changed, dirty...)
	}

	paths := dedupe(changed)
	if len(paths) == 0 {
		return 0
	}

	sizes, err := git.BlobSizes(ctx, paths)
	if err != nil {
		ix.logger.Debug().Err(err).Msg("Blob size lookup failed, falling back to full estimate")
		return ix.EstimateTotalTokens(ctx, exec)
	}
	var total int64
	for _, size := range sizes {
		total += size
	}
	return int(total / bytesPerToken)
}

// CopyCollectionPoints bulk-copies every point (vector and payload) from
// source into target. Returns the number of points copied; a missing source
// copies nothing.
func (ix *Indexer) CopyCollectionPoints(ctx context.Context, source, target string) (int, error) {
	var pending []vectorstore.Point
	copied := 0

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := ix.store.Upsert(ctx, target, pending, true); err != nil {
			return err
		}
		copied += len(pending)
		pending = pending[:0]
		return nil
	}

	var scrollErr error
	err := ix.store.ScrollAll(ctx, source, vectorstore.ScrollOptions{WithVector: true}, func(p vectorstore.ScrolledPoint) bool {
		pending = append(pending, vectorstore.Point{
			ID:      p.ID,
			Vector:  p.Vector,
			Payload: p.Payload,
		})
		if len(pending) >= copyBatch {
			scrollErr = flush()
		}
		return scrollErr == nil
	})
	if err != nil {
		return copied, fmt.Errorf("copy from %s: %w", source, err)
	}
	if scrollErr != nil {
		return copied, fmt.Errorf("copy into %s: %w", target, scrollErr)
	}
	if err := flush(); err != nil {
		return copied, fmt.Errorf("copy into %s: %w", target, err)
	}

	if copied > 0 {
		ix.logger.Info().Str("source", source).Str("target", target).
			Int("points", copied).Msg("Collection points copied")
	}
	return copied, nil
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
