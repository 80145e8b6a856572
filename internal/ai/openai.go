package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/skybothq/skybot/internal/config"
	"github.com/skybothq/skybot/internal/history"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"

	maxReplyTokens = 500
	temperature    = 0.7
)

// OpenAI calls the chat completions API.
type OpenAI struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

// NewOpenAI creates the OpenAI backend from configuration.
func NewOpenAI(log *slog.Logger, cfg config.OpenAIConfig) *OpenAI {
	return &OpenAI{
		logger:  log.With(slog.String("provider", ProviderOpenAI)),
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: openAIBaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}
}

func (p *OpenAI) Name() string { return ProviderOpenAI }

func (p *OpenAI) Configured() bool { return strings.TrimSpace(p.apiKey) != "" }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

func (p *OpenAI) Respond(ctx context.Context, userMessage, systemPrompt string, turns []history.Turn) (string, error) {
	messages := make([]openAIMessage, 0, len(turns)+2)
	messages = append(messages, openAIMessage{Role: "system", Content: systemPrompt})
	for _, t := range turns {
		messages = append(messages, openAIMessage{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, openAIMessage{Role: history.RoleUser, Content: userMessage})

	body, err := json.Marshal(openAIRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   maxReplyTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out openAIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
