// Package llm asks chat models for short answers, such as a folder name for
// a group of documents.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"

	"github.com/nickcecere/sefs/internal/config"
)

// Provider identifies a chat model backend.
type Provider string

const (
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// requestTimeout bounds one HTTP round trip to a provider.
const requestTimeout = 2 * time.Minute

// Prompt is a single-turn request: an instruction and the user's text.
type Prompt struct {
	System string
	User   string

	// MaxTokens limits the answer length. Zero uses the provider default.
	MaxTokens int

	Temperature float64
}

// Service completes prompts with one configured model.
type Service interface {
	Complete(ctx context.Context, p Prompt) (string, error)
	Provider() Provider
	ModelName() string
}

// NewService creates the service selected by cfg.LLM.Provider.
func NewService(cfg *config.Config) (Service, error) {
	switch Provider(cfg.LLM.Provider) {
	case ProviderOllama:
		return NewOllamaService(cfg.LLM.Ollama.URL, cfg.LLM.Ollama.Model)
	case ProviderOpenAI:
		return NewOpenAIService(cfg.LLM.OpenAI.APIKey, cfg.LLM.OpenAI.Model, cfg.LLM.OpenAI.BaseURL)
	case ProviderAnthropic:
		return NewAnthropicService(cfg.LLM.Anthropic.APIKey, cfg.LLM.Anthropic.Model, "")
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLM.Provider)
	}
}

// StatusError is returned when a provider answers with a non-success status.
type StatusError struct {
	Provider Provider
	Code     int
	Body     string

	// RetryAfter is the delay the server asked for, if any.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Code, e.Body)
}

// IsRetryable reports whether a failed completion may succeed when repeated:
// rate limits, timeouts, server errors and transport failures.
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
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// retryAfter returns the server-requested delay carried by err, or zero.
func retryAfter(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code >= http.StatusInternalServerError
}
