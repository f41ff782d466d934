// Package embeddings abstracts the embedding and tokenizer providers the
// indexer depends on.
//
// Providers take a model plus a batch of inputs and return one vector per
// input. The package also owns the per-model vector-size probe cache and the
// tokenizer used for chunk windows.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
)

var (
	// ErrEmbeddingEmpty reports a provider returning zero vectors when at
	// least one was expected.
	ErrEmbeddingEmpty = errors.New("embedding provider returned no vectors")

	// ErrAuth reports the provider rejecting credentials.
	ErrAuth = errors.New("embedding provider rejected credentials")
)

var authPattern = regexp.MustCompile(`(?i)auth|api.key|unauthorized|forbidden`)

// ClassifyAuth wraps err in ErrAuth when its message looks like a credential
// rejection; otherwise returns err unchanged.
func ClassifyAuth(err error) error {
	if err == nil {
		return nil
	}
	if authPattern.MatchString(err.Error()) {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return err
}

// Provider produces embedding vectors. Vector length is stable per model.
type Provider interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// SizeCache probes and caches the vector size per embedding model with a
// one-shot embed of "ping". Concurrent callers for the same model share a
// single probe.
type SizeCache struct {
	provider Provider

	mu     sync.Mutex
	probes map[string]*sizeProbe
}

type sizeProbe struct {
	once sync.Once
	size int
	err  error
}

// NewSizeCache creates a SizeCache over provider.
func NewSizeCache(provider Provider) *SizeCache {
	return &SizeCache{
		provider: provider,
		probes:   make(map[string]*sizeProbe),
	}
}

// VectorSizeFor returns the embedding dimension of model.
func (c *SizeCache) VectorSizeFor(ctx context.Context, model string) (int, error) {
	c.mu.Lock()
	probe, ok := c.probes[model]
	if !ok {
		probe = &sizeProbe{}
		c.probes[model] = probe
	}
	c.mu.Unlock()

	probe.once.Do(func() {
		vectors, err := c.provider.Embed(ctx, model, []string{"ping"})
		if err != nil {
			probe.err = fmt.Errorf("probe vector size for %s: %w", model, err)
			return
		}
		if len(vectors) == 0 || len(vectors[0]) == 0 {
			probe.err = fmt.Errorf("probe vector size for %s: %w", model, ErrEmbeddingEmpty)
			return
		}
		probe.size = len(vectors[0])
	})
	if probe.err != nil {
		// Failed probes are not cached; the next caller retries.
		c.mu.Lock()
		if c.probes[model] == probe {
			delete(c.probes, model)
		}
		c.mu.Unlock()
	}
	return probe.size, probe.err
}
