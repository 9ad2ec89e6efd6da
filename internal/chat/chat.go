package chat

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Groq serves an OpenAI-compatible API, so the standard client works with a
// swapped base URL.
const (
	groqBaseURL  = "https://api.groq.com/openai/v1"
	defaultModel = "llama-3.3-70b-versatile"

	maxTokens   = 500
	temperature = 0.7
)

// ErrUnavailable indicates that the assistant is not configured.
var ErrUnavailable = errors.New("chat service unavailable")

// Message is a single turn of the assistant conversation.
type Message struct {
	Role    string `json:"role" binding:"required,oneof=user assistant system"`
	Content string `json:"content" binding:"required"`
}

// Service answers assistant questions about screening results via Groq.
type Service struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewService builds the assistant. A missing API key yields a service that
// rejects requests with ErrUnavailable instead of failing startup; chat is
// an optional feature.
func NewService(apiKey, model string, logger *zap.Logger) *Service {
	s := &Service{model: model, logger: logger.Named("chat")}
	if s.model == "" {
		s.model = defaultModel
	}
	if apiKey != "" {
		cfg := openai.DefaultConfig(apiKey)
		cfg.BaseURL = groqBaseURL
		s.client = openai.NewClientWithConfig(cfg)
	}
	return s
}

// Available reports whether the assistant is configured.
func (s *Service) Available() bool {
	return s.client != nil
}

// Reply runs the conversation through the model and returns the assistant's
// answer.
func (s *Service) Reply(ctx context.Context, messages []Message) (string, error) {
	if s.client == nil {
		return "", ErrUnavailable
	}

	turns := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Messages:    turns,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		s.logger.Error("chat completion failed", zap.Error(err))
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
