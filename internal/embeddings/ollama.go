package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	defaultOllamaURL = "http://localhost:11434"

	// Assumed until the first response for models without a profile.
	defaultOllamaDimensions = 768
)

// OllamaService embeds text with a local Ollama model.
type OllamaService struct {
	baseURL   string
	model     string
	profile   modelProfile
	keepAlive string
	client    *http.Client

	dimensions atomic.Int64
}

type ollamaEmbedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	KeepAlive string   `json:"keep_alive,omitempty"`
	Truncate  bool     `json:"truncate"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaService creates an Ollama embedding service. An empty baseURL
// uses the default local address.
func NewOllamaService(baseURL, model string) (*OllamaService, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}

	profile, known := profiles[model]
	dims := profile.dimensions
	if !known {
		dims = defaultOllamaDimensions
		log.Debug("Unknown model dimensions, defaulting", "model", model, "dimensions", dims)
	}

	s := &OllamaService{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		profile: profile,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
	s.dimensions.Store(int64(dims))
	return s, nil
}

func (s *OllamaService) Embed(ctx context.Context, text string) ([]float32, error) {
	return first(s.embed(ctx, []string{s.profile.document(text)}))
}

func (s *OllamaService) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return first(s.embed(ctx, []string{s.profile.query(text)}))
}

func (s *OllamaService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = s.profile.document(t)
	}
	return s.embed(ctx, inputs)
}

func (s *OllamaService) Dimensions() int { return int(s.dimensions.Load()) }

func (s *OllamaService) Provider() Provider { return ProviderOllama }

func (s *OllamaService) ModelName() string { return s.model }

// embed posts inputs to /api/embed. Inputs longer than the model context are
// truncated by the server.
func (s *OllamaService) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{
		Model:     s.model,
		Input:     inputs,
		KeepAlive: s.keepAlive,
		Truncate:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug("Requesting embeddings from Ollama", "model", s.model, "count", len(inputs))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Provider: ProviderOllama, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	dims, err := checkVectors(ProviderOllama, out.Embeddings, len(inputs))
	if err != nil {
		return nil, err
	}
	s.dimensions.Store(int64(dims))
	return out.Embeddings, nil
}
