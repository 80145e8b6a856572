// Package ai answers user messages through a prioritized chain of assistant
// backends with per-thread affinity and transcript compaction.
package ai

import (
	"context"

	"github.com/skybothq/skybot/internal/history"
)

// Provider backend names.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Provider is one assistant backend. Respond returns the reply text; an empty
// reply is treated as a failure by the chain.
type Provider interface {
	Name() string
	Configured() bool
	Respond(ctx context.Context, userMessage, systemPrompt string, turns []history.Turn) (string, error)
}
