package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/kelvinguchu/t3clone-sub003/config"

	openai "github.com/sashabaranov/go-openai"
)

// ErrCompletionUnavailable is returned when no completion provider is configured.
var ErrCompletionUnavailable = errors.New("completion provider not configured")

// ChatTurn is one prior message of the conversation supplied by the client.
type ChatTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// CompletionRequest is what an admitted request forwards downstream.
type CompletionRequest struct {
	Message string     `json:"message"`
	History []ChatTurn `json:"history,omitempty"`
}

// CompletionService is the downstream AI completion collaborator. It is only
// called for requests the gate has admitted.
type CompletionService interface {
	Complete(ctx context.Context, req CompletionRequest) (reply string, model string, err error)
}

type completionService struct {
	client       *openai.Client
	model        string
	systemPrompt string
	maxTokens    int
}

// NewCompletionService creates an OpenAI-compatible completion client, or
// returns nil when no API key is configured.
func NewCompletionService(cfg config.Config) CompletionService {
	if cfg.LLM.APIKey == "" {
		log.Println("WARN: [CompletionService] llm.api_key is not set. The chat endpoint will answer 503.")
		return nil
	}
	clientConfig := openai.DefaultConfig(cfg.LLM.APIKey)
	if cfg.LLM.BaseURL != "" {
		clientConfig.BaseURL = cfg.LLM.BaseURL
	}
	return &completionService{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        cfg.LLM.Model,
		systemPrompt: cfg.LLM.SystemPrompt,
		maxTokens:    cfg.LLM.MaxTokens,
	}
}

func (s *completionService) Complete(ctx context.Context, req CompletionRequest) (string, string, error) {
	if strings.TrimSpace(req.Message) == "" {
		return "", "", errors.New("message is empty")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if s.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s.systemPrompt})
	}
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     s.model,
		Messages:  messages,
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", s.model, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", resp.Model, errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, resp.Model, nil
}
