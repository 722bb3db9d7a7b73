// Package embeddings turns extracted document text into vectors.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"

	"github.com/openai/openai-go/v3"

	"github.com/nickcecere/sefs/internal/config"
)

// Provider identifies an embedding backend.
type Provider string

const (
	ProviderOllama Provider = "ollama"
	ProviderOpenAI Provider = "openai"
)

// Service embeds documents and queries into one vector space.
type Service interface {
	// Embed generates an embedding for document text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedQuery generates an embedding for a free-text query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple document texts, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector length, learned from the last response
	// when the model is not known in advance.
	Dimensions() int

	Provider() Provider
	ModelName() string
}

// modelProfile describes what is known about an embedding model before the
// first request.
type modelProfile struct {
	dimensions int

	// Prefixes some models expect so documents and queries are embedded for
	// the right task. Clustering needs both in the same space.
	documentPrefix string
	queryPrefix    string
}

var profiles = map[string]modelProfile{
	"nomic-embed-text":       {dimensions: 768, documentPrefix: "clustering: ", queryPrefix: "clustering: "},
	"mxbai-embed-large":      {dimensions: 1024, queryPrefix: "Represent this sentence for searching relevant passages: "},
	"all-minilm":             {dimensions: 384},
	"snowflake-arctic-embed": {dimensions: 1024, queryPrefix: "Represent this sentence for searching relevant passages: "},
	"text-embedding-3-small": {dimensions: 1536},
	"text-embedding-3-large": {dimensions: 3072},
	"text-embedding-ada-002": {dimensions: 1536},
}

// GetModelDimensions returns the known dimensions for a model, or 0 if unknown.
func GetModelDimensions(model string) int {
	return profiles[model].dimensions
}

func (p modelProfile) document(text string) string { return p.documentPrefix + text }

func (p modelProfile) query(text string) string { return p.queryPrefix + text }

// NewService creates the service selected by cfg.Embeddings.Provider.
func NewService(cfg *config.Config) (Service, error) {
	e := cfg.Embeddings
	switch Provider(e.Provider) {
	case ProviderOllama:
		svc, err := NewOllamaService(e.Ollama.URL, e.Ollama.Model)
		if err != nil {
			return nil, err
		}
		svc.keepAlive = e.Ollama.KeepAlive
		return svc, nil
	case ProviderOpenAI:
		return NewOpenAIService(e.OpenAI.APIKey, e.OpenAI.Model, e.OpenAI.BaseURL, e.OpenAI.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", e.Provider)
	}
}

// checkVectors validates a provider response for n inputs and returns the
// shared vector length.
func checkVectors(provider Provider, vectors [][]float32, n int) (int, error) {
	if len(vectors) != n {
		return 0, fmt.Errorf("%s returned %d embeddings for %d inputs", provider, len(vectors), n)
	}
	dims := 0
	for i, v := range vectors {
		if len(v) == 0 {
			return 0, fmt.Errorf("%s returned no embedding for input %d", provider, i)
		}
		if dims == 0 {
			dims = len(v)
		} else if len(v) != dims {
			return 0, fmt.Errorf("%s returned mixed dimensions %d and %d", provider, dims, len(v))
		}
		for _, x := range v {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return 0, fmt.Errorf("%s returned a non-finite value for input %d", provider, i)
			}
		}
	}
	return dims, nil
}

// first returns the single vector of a one-input batch.
func first(vectors [][]float32, err error) ([]float32, error) {
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// StatusError is returned when a provider answers with a non-success status.
type StatusError struct {
	Provider Provider
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Code, e.Body)
}

// IsRetryable reports whether a failed embedding request may succeed when
// repeated. Rate limits, server errors and network failures are transient;
// other client errors and cancellation are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.Code)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
