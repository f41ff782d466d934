package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"
)

// OllamaProvider implements Provider over a local Ollama instance. Runs
// embeddings locally, nothing leaves the machine.
type OllamaProvider struct {
	client *api.Client
	logger zerolog.Logger
}

// NewOllamaProvider creates an Ollama embedding provider.
func NewOllamaProvider(ollamaURL string, logger zerolog.Logger) (*OllamaProvider, error) {
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	parsed, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama URL: %w", err)
	}

	return &OllamaProvider{
		client: api.NewClient(parsed, http.DefaultClient),
		logger: logger.With().Str("component", "embeddings").Logger(),
	}, nil
}

// Embed returns one vector per input, in input order.
func (p *OllamaProvider) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embed(ctx, &api.EmbedRequest{
		Model: model,
		Input: inputs,
	})
	if err != nil {
		return nil, ClassifyAuth(fmt.Errorf("ollama embeddings: %w", err))
	}
	if len(resp.Embeddings) == 0 {
		return nil, ErrEmbeddingEmpty
	}
	if len(resp.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("ollama embeddings: got %d vectors for %d inputs",
			len(resp.Embeddings), len(inputs))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		vec := make([]float32, len(emb))
		copy(vec, emb)
		vectors[i] = vec
	}
	return vectors, nil
}
