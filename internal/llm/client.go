package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/webpilot/internal/reliability"
)

// Completer is the narrow reasoning-service contract the rest of the
// service depends on.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Config controls reasoning client construction.
type Config struct {
	Mode    string // auto|openai|mock
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// New picks a client for the configured mode. "auto" prefers the real
// API when a key is present and falls back to the mock otherwise.
func New(cfg Config) (Completer, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("reasoning API key is required for openai mode")
		}
		return NewOpenAIClient(cfg), nil
	case "mock":
		return NewMockCompleter(), nil
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewOpenAIClient(cfg), nil
		}
		return NewMockCompleter(), nil
	default:
		return nil, fmt.Errorf("unsupported reasoning client mode %q", cfg.Mode)
	}
}

// OpenAIClient calls an OpenAI-compatible chat completion endpoint.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAIClient(cfg Config) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		timeout: timeout,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}
	if strings.TrimSpace(system) != "" {
		messages = append([]openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
		}, messages...)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    messages,
			Temperature: 0,
		})
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", errors.New("no response choices")
			}
			return resp.Choices[0].Message.Content, nil
		}
		lastErr = err
		if !reliability.IsRetryableCompletionError(err) {
			return "", fmt.Errorf("completion: %w", err)
		}
		delay := reliability.ExponentialBackoff(attempt, time.Second, 8*time.Second)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", fmt.Errorf("completion: %w", lastErr)
}

// MockCompleter provides deterministic local replies when no reasoning
// service is configured.
type MockCompleter struct{}

func NewMockCompleter() *MockCompleter { return &MockCompleter{} }

func (m *MockCompleter) Complete(ctx context.Context, _ string, prompt string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	base := strings.TrimSpace(prompt)
	if len(base) > 60 {
		base = base[:60]
	}
	return fmt.Sprintf(`{"needs_action": false, "reason": "mock completer: %s"}`, base), nil
}
