package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
)

const (
	anthropicAPIURL  = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"

	// The messages API requires max_tokens.
	anthropicDefaultMaxTokens = 64
)

// AnthropicService completes prompts with the Anthropic messages API.
type AnthropicService struct {
	apiKey string
	model  string
	url    string
	client *http.Client
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// NewAnthropicService creates an Anthropic service. An empty baseURL uses
// the public API.
func NewAnthropicService(apiKey, model, baseURL string) (*AnthropicService, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	url := anthropicAPIURL
	if baseURL != "" {
		url = strings.TrimSuffix(baseURL, "/") + "/v1/messages"
	}
	return &AnthropicService{
		apiKey: apiKey,
		model:  model,
		url:    url,
		client: &http.Client{Timeout: requestTimeout},
	}, nil
}

// Complete sends p as a single user turn and returns the first text block.
func (s *AnthropicService) Complete(ctx context.Context, p Prompt) (string, error) {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	req := anthropicRequest{
		Model:       s.model,
		System:      p.System,
		Messages:    []anthropicMessage{{Role: "user", Content: p.User}},
		MaxTokens:   maxTokens,
		Temperature: p.Temperature,
	}
	header := http.Header{}
	header.Set("x-api-key", s.apiKey)
	header.Set("anthropic-version", anthropicVersion)

	log.Debug("Requesting completion from Anthropic", "model", s.model)

	var resp anthropicResponse
	if err := postJSON(ctx, s.client, ProviderAnthropic, s.url, header, req, &resp); err != nil {
		return "", err
	}
	for _, c := range resp.Content {
		if c.Type == "text" {
			return c.Text, nil
		}
	}
	return "", errors.New("no text content in response")
}

func (s *AnthropicService) Provider() Provider { return ProviderAnthropic }

func (s *AnthropicService) ModelName() string { return s.model }
