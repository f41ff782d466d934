package embeddings

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// OpenAIProvider implements Provider over the OpenAI embeddings API. Any
// OpenAI-compatible endpoint works via baseURL.
type OpenAIProvider struct {
	client openai.Client
	logger zerolog.Logger
}

// NewOpenAIProvider creates an OpenAI embedding provider. baseURL is
// optional and overrides the default API endpoint.
func NewOpenAIProvider(apiKey, baseURL string, logger zerolog.Logger) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		logger: logger.With().Str("component", "embeddings").Logger(),
	}, nil
}

// Embed returns one vector per input, in input order.
func (p *OpenAIProvider) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: inputs,
		},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, ClassifyAuth(fmt.Errorf("openai embeddings: %w", err))
	}
	if len(resp.Data) == 0 {
		return nil, ErrEmbeddingEmpty
	}

	// The API may return data out of order; Index restores input order.
	vectors := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(inputs) {
			return nil, fmt.Errorf("openai embeddings: index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		vectors[d.Index] = vec
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("openai embeddings: missing vector for input %d: %w", i, ErrEmbeddingEmpty)
		}
	}
	return vectors, nil
}
