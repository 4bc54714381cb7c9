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

const defaultTextgenTimeout = 45 * time.Second

// TextgenConfig configures the secondary inputs-style backend (Hugging Face
// text-generation-inference and compatible endpoints).
type TextgenConfig struct {
	// URL is the full inference endpoint, model included.
	URL string
	// Token optionally authenticates the request. Unlike the primary
	// backend there is no rotation pool; an empty token is allowed.
	Token string
	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration
}

// TextgenProvider talks the single-"inputs" completion schema.
type TextgenProvider struct {
	cfg    TextgenConfig
	client *http.Client
}

// NewTextgenProvider returns the secondary hosted backend.
func NewTextgenProvider(cfg TextgenConfig) *TextgenProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTextgenTimeout
	}
	return &TextgenProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *TextgenProvider) Name() string { return "textgen" }

// --- inputs-style wire types ---

type textgenRequest struct {
	Inputs     string        `json:"inputs"`
	Parameters textgenParams `json:"parameters"`
}

type textgenParams struct {
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float64 `json:"temperature"`
	TopP           float64 `json:"top_p"`
	ReturnFullText bool    `json:"return_full_text"`
}

type textgenChoice struct {
	GeneratedText string `json:"generated_text"`
}

// Generate sends one completion request and extracts the generated text.
func (p *TextgenProvider) Generate(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(p.cfg.URL) == "" {
		return "", fmt.Errorf("textgen: endpoint not configured")
	}

	body := textgenRequest{
		Inputs: flattenPrompt(req),
		Parameters: textgenParams{
			MaxNewTokens:   defaultMaxTokens,
			Temperature:    defaultTemperature,
			TopP:           0.92,
			ReturnFullText: false,
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("textgen: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("textgen: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("textgen: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("textgen: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", reliability.ClassifyHTTP(p.Name(), resp.StatusCode, respBody)
	}

	var choices []textgenChoice
	if err := json.Unmarshal(respBody, &choices); err != nil {
		return "", fmt.Errorf("textgen: decode response: %w", err)
	}
	if len(choices) == 0 {
		return "", fmt.Errorf("textgen: empty response")
	}

	text := strings.TrimSpace(choices[0].GeneratedText)
	// Models occasionally echo past the character cue; keep only the first
	// speaker turn.
	if idx := strings.Index(text, "\n"+req.UserName+":"); req.UserName != "" && idx > 0 {
		text = strings.TrimSpace(text[:idx])
	}
	if text == "" {
		return "", fmt.Errorf("textgen: empty completion")
	}
	return text, nil
}
