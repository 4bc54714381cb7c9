package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rosaviel/elara/internal/reliability"
)

const (
	defaultChatBase    = "https://api.openai.com/v1"
	defaultChatModel   = "gpt-4o-mini"
	defaultChatTimeout = 45 * time.Second
)

// ChatConfig configures the OpenAI-compatible primary backend. Credentials
// are deliberately absent: the cascade injects one per call.
type ChatConfig struct {
	// BaseURL overrides the API endpoint for compatible gateways.
	BaseURL string
	// Model is the chat model identifier.
	Model string
	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration
}

// ChatProvider talks the chat-completions wire schema.
type ChatProvider struct {
	cfg    ChatConfig
	client *http.Client
}

// NewChatProvider returns the primary hosted backend. Safe for concurrent
// use.
func NewChatProvider(cfg ChatConfig) *ChatProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultChatBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultChatModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultChatTimeout
	}
	return &ChatProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *ChatProvider) Name() string { return "chat" }

// --- chat-completions wire types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// GenerateWithKey sends one non-streaming completion request authenticated
// with apiKey. Rate-limit responses are classified so the cascade can
// rotate credentials.
func (p *ChatProvider) GenerateWithKey(ctx context.Context, apiKey string, req Request) (string, error) {
	body := chatRequest{
		Model:       p.cfg.Model,
		Messages:    chatMessages(req),
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
		Stream:      false,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("chat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("chat: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("chat: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", reliability.ClassifyHTTP(p.Name(), resp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("chat: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat: no choices returned")
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("chat: empty completion")
	}
	return text, nil
}
