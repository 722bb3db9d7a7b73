package llm

import (
	"context"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaService completes prompts with a local Ollama model.
type OllamaService struct {
	baseURL string
	model   string
	client  *http.Client
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// NewOllamaService creates an Ollama service. An empty baseURL uses the
// default local address.
func NewOllamaService(baseURL, model string) (*OllamaService, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &OllamaService{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: requestTimeout},
	}, nil
}

// Complete sends p to /api/chat without streaming.
func (s *OllamaService) Complete(ctx context.Context, p Prompt) (string, error) {
	req := ollamaChatRequest{
		Model: s.model,
		Options: ollamaOptions{
			Temperature: p.Temperature,
			NumPredict:  p.MaxTokens,
		},
	}
	if p.System != "" {
		req.Messages = append(req.Messages, ollamaMessage{Role: "system", Content: p.System})
	}
	req.Messages = append(req.Messages, ollamaMessage{Role: "user", Content: p.User})

	log.Debug("Requesting completion from Ollama", "model", s.model)

	var resp ollamaChatResponse
	if err := postJSON(ctx, s.client, ProviderOllama, s.baseURL+"/api/chat", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func (s *OllamaService) Provider() Provider { return ProviderOllama }

func (s *OllamaService) ModelName() string { return s.model }
