package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skybothq/skybot/internal/config"
	"github.com/skybothq/skybot/internal/history"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini calls the generateContent API. Unlike the chat completions shape, the
// system prompt and prior turns are folded into a single prompt text.
type Gemini struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

// NewGemini creates the Gemini backend from configuration.
func NewGemini(log *slog.Logger, cfg config.GeminiConfig) *Gemini {
	return &Gemini{
		logger:  log.With(slog.String("provider", ProviderGemini)),
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: geminiBaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}
}

func (p *Gemini) Name() string { return ProviderGemini }

func (p *Gemini) Configured() bool { return strings.TrimSpace(p.apiKey) != "" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (p *Gemini) Respond(ctx context.Context, userMessage, systemPrompt string, turns []history.Turn) (string, error) {
	var prompt strings.Builder
	prompt.WriteString(systemPrompt)
	prompt.WriteString("\n\n")
	for _, t := range turns {
		label := "User"
		if t.Role == history.RoleAssistant {
			label = "Assistant"
		}
		fmt.Fprintf(&prompt, "%s: %s\n", label, t.Content)
	}
	fmt.Fprintf(&prompt, "User: %s\nAssistant:", userMessage)

	reqBody := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt.String()}}}},
	}
	reqBody.GenerationConfig.Temperature = temperature
	reqBody.GenerationConfig.MaxOutputTokens = maxReplyTokens

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, p.model, url.QueryEscape(p.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out geminiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out.Candidates[0].Content.Parts[0].Text), nil
}
