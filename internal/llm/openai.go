package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIService completes prompts with the OpenAI chat completions API or a
// compatible server.
type OpenAIService struct {
	client openai.Client
	model  string
}

// NewOpenAIService creates an OpenAI service. The SDK's own retries are
// disabled; the namer decides when to try again.
func NewOpenAIService(apiKey, model, baseURL string) (*OpenAIService, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(requestTimeout),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIService{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

// Complete sends p as a system and a user message.
func (s *OpenAIService) Complete(ctx context.Context, p Prompt) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if p.System != "" {
		messages = append(messages, openai.SystemMessage(p.System))
	}
	messages = append(messages, openai.UserMessage(p.User))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(s.model),
		Messages:    messages,
		Temperature: openai.Float(p.Temperature),
	}
	if p.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(p.MaxTokens))
	}

	log.Debug("Requesting completion from OpenAI", "model", s.model)

	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func (s *OpenAIService) Provider() Provider { return ProviderOpenAI }

func (s *OpenAIService) ModelName() string { return s.model }
