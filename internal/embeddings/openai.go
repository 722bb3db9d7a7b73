package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Assumed for models without a profile until the first response.
const defaultOpenAIDimensions = 1536

// OpenAIService embeds text with the OpenAI embeddings API or a compatible
// server.
type OpenAIService struct {
	client openai.Client
	model  string

	// requested is sent with every call when non-zero, shortening vectors on
	// models that support it.
	requested int

	dimensions atomic.Int64
}

// NewOpenAIService creates an OpenAI embedding service. The SDK's own
// retries are disabled; the indexer retries with backoff.
func NewOpenAIService(apiKey, model, baseURL string, dimensions int) (*OpenAIService, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(2 * time.Minute),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	dims := dimensions
	if dims == 0 {
		dims = GetModelDimensions(model)
	}
	if dims == 0 {
		dims = defaultOpenAIDimensions
		log.Debug("Unknown model dimensions, defaulting", "model", model, "dimensions", dims)
	}

	s := &OpenAIService{
		client:    openai.NewClient(opts...),
		model:     model,
		requested: dimensions,
	}
	s.dimensions.Store(int64(dims))
	return s, nil
}

// Embed generates an embedding for document text. OpenAI models take no
// task prefix, so queries embed the same way.
func (s *OpenAIService) Embed(ctx context.Context, text string) ([]float32, error) {
	return first(s.embed(ctx, []string{text}))
}

func (s *OpenAIService) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return s.Embed(ctx, text)
}

func (s *OpenAIService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return s.embed(ctx, texts)
}

func (s *OpenAIService) Dimensions() int { return int(s.dimensions.Load()) }

func (s *OpenAIService) Provider() Provider { return ProviderOpenAI }

func (s *OpenAIService) ModelName() string { return s.model }

func (s *OpenAIService) embed(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(s.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if s.requested > 0 {
		params.Dimensions = openai.Int(int64(s.requested))
	}

	log.Debug("Requesting embeddings from OpenAI", "model", s.model, "count", len(texts))

	resp, err := s.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}

	vectors, err := orderEmbeddings(resp.Data, len(texts))
	if err != nil {
		return nil, err
	}
	dims, err := checkVectors(ProviderOpenAI, vectors, len(texts))
	if err != nil {
		return nil, err
	}
	s.dimensions.Store(int64(dims))
	return vectors, nil
}

// orderEmbeddings places each returned embedding at its input index and
// narrows it to float32.
func orderEmbeddings(data []openai.Embedding, n int) ([][]float32, error) {
	vectors := make([][]float32, n)
	for _, d := range data {
		i := int(d.Index)
		if i < 0 || i >= n {
			return nil, fmt.Errorf("openai returned embedding index %d for %d inputs", i, n)
		}
		v := make([]float32, len(d.Embedding))
		for j, x := range d.Embedding {
			v[j] = float32(x)
		}
		vectors[i] = v
	}
	return vectors, nil
}
