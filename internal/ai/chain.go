package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/skybothq/skybot/internal/audit"
	"github.com/skybothq/skybot/internal/history"
)

const (
	// Compaction thresholds. When the transcript grows past maxTurns, the
	// older turns are summarized and only the newest keepTurns stay verbatim.
	maxTurns  = 20
	keepTurns = 10

	summaryPrompt = "Summarize this conversation concisely, capturing the main points and the context needed to continue it:"
)

// PreferenceStore remembers which backend last answered for a thread.
type PreferenceStore interface {
	PreferredProvider(key string) string
	SetPreferredProvider(key, name string)
	ClearPreferredProvider(key string)
}

// HistoryStore loads and saves conversation transcripts.
type HistoryStore interface {
	Load(ctx context.Context, threadKey string) (*history.Conversation, error)
	Save(ctx context.Context, conv *history.Conversation) error
}

// Recorder receives one audit record per chain invocation.
type Recorder interface {
	RecordAgent(ctx context.Context, rec audit.AgentInteraction)
}

// Chain tries each configured backend in priority order until one answers.
// A thread sticks to the backend that last answered it; the preference is
// dropped the moment that backend fails, so mid-conversation failover works
// without operator action.
type Chain struct {
	logger       *slog.Logger
	providers    []Provider
	prefs        PreferenceStore
	store        HistoryStore
	recorder     Recorder
	systemPrompt string
}

// NewChain builds the failover chain. Provider order is the failover priority.
func NewChain(log *slog.Logger, providers []Provider, prefs PreferenceStore, store HistoryStore, recorder Recorder, systemPrompt string) *Chain {
	return &Chain{
		logger:       log.With(slog.String("service", "ai")),
		providers:    providers,
		prefs:        prefs,
		store:        store,
		recorder:     recorder,
		systemPrompt: systemPrompt,
	}
}

// Configured reports whether at least one backend has credentials.
func (c *Chain) Configured() bool {
	for _, p := range c.providers {
		if p.Configured() {
			return true
		}
	}
	return false
}

// Respond answers userMessage in the context of the thread's transcript.
// ok is false only when every configured backend failed or none is configured.
func (c *Chain) Respond(ctx context.Context, threadKey, userMessage string) (reply string, ok bool) {
	if !c.Configured() {
		c.logger.Warn("no assistant backend configured")
		return "", false
	}

	start := time.Now()
	conv := c.loadConversation(ctx, threadKey)

	prompt := c.systemPrompt
	if conv.Summary != "" {
		prompt = fmt.Sprintf("%s\n\nSummary of the conversation so far: %s", prompt, conv.Summary)
	}

	var (
		winner    Provider
		preferred Provider
		lastErr   error
	)

	if preferred = c.preferredProvider(threadKey); preferred != nil {
		reply, lastErr = c.ask(ctx, preferred, userMessage, prompt, conv.Turns)
		if reply != "" {
			winner = preferred
		} else {
			c.logger.Warn("preferred backend failed, falling back",
				slog.String("provider", preferred.Name()),
				slog.String("thread_key", threadKey),
				slog.Any("error", lastErr),
			)
			c.prefs.ClearPreferredProvider(threadKey)
		}
	}

	if winner == nil {
		for _, p := range c.providers {
			if !p.Configured() || p == preferred {
				continue
			}
			var err error
			reply, err = c.ask(ctx, p, userMessage, prompt, conv.Turns)
			if reply != "" {
				winner = p
				c.prefs.SetPreferredProvider(threadKey, p.Name())
				break
			}
			if err != nil {
				lastErr = err
			}
			c.logger.Warn("backend failed", slog.String("provider", p.Name()), slog.Any("error", err))
		}
	}

	if winner == nil {
		c.record(ctx, threadKey, userMessage, "", "", start, false, lastErr)
		return "", false
	}

	conv.Turns = append(conv.Turns,
		history.Turn{Role: history.RoleUser, Content: userMessage},
		history.Turn{Role: history.RoleAssistant, Content: reply},
	)
	c.compact(ctx, conv, winner)

	if err := c.store.Save(ctx, conv); err != nil {
		c.logger.Warn("conversation not persisted", slog.String("thread_key", threadKey), slog.Any("error", err))
	}

	c.record(ctx, threadKey, userMessage, reply, winner.Name(), start, true, nil)
	return reply, true
}

func (c *Chain) ask(ctx context.Context, p Provider, userMessage, prompt string, turns []history.Turn) (string, error) {
	reply, err := p.Respond(ctx, userMessage, prompt, turns)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

func (c *Chain) preferredProvider(threadKey string) Provider {
	name := c.prefs.PreferredProvider(threadKey)
	if name == "" {
		return nil
	}
	for _, p := range c.providers {
		if p.Name() == name && p.Configured() {
			return p
		}
	}
	return nil
}

// compact summarizes the older part of a long transcript through the backend
// that just answered. If summarization fails the full transcript is kept; the
// next exchange will try again.
func (c *Chain) compact(ctx context.Context, conv *history.Conversation, p Provider) {
	if len(conv.Turns) <= maxTurns {
		return
	}

	older := conv.Turns[:len(conv.Turns)-keepTurns]
	var text strings.Builder
	for _, t := range older {
		fmt.Fprintf(&text, "%s: %s\n", t.Role, t.Content)
	}

	summary, err := p.Respond(ctx, text.String(), summaryPrompt, nil)
	summary = strings.TrimSpace(summary)
	if err != nil || summary == "" {
		c.logger.Warn("transcript summarization failed",
			slog.String("thread_key", conv.ThreadKey),
			slog.String("provider", p.Name()),
			slog.Any("error", err),
		)
		return
	}

	conv.Summary = summary
	conv.Turns = append([]history.Turn(nil), conv.Turns[len(conv.Turns)-keepTurns:]...)
}

func (c *Chain) loadConversation(ctx context.Context, threadKey string) *history.Conversation {
	conv, err := c.store.Load(ctx, threadKey)
	if err != nil {
		c.logger.Warn("transcript unavailable, starting fresh", slog.String("thread_key", threadKey), slog.Any("error", err))
	}
	if conv != nil {
		return conv
	}

	conv = &history.Conversation{ThreadKey: threadKey}
	conv.TeamID, conv.UserID, conv.Channel, conv.ThreadTS = splitThreadKey(threadKey)
	return conv
}

func (c *Chain) record(ctx context.Context, threadKey, userMessage, reply, provider string, start time.Time, success bool, cause error) {
	teamID, userID, channel, threadTS := splitThreadKey(threadKey)
	rec := audit.AgentInteraction{
		TeamID:       teamID,
		UserID:       userID,
		ThreadKey:    threadKey,
		Channel:      channel,
		ThreadTS:     threadTS,
		Provider:     provider,
		UserLength:   len(userMessage),
		ReplyLength:  len(reply),
		ResponseTime: time.Since(start),
		Success:      success,
	}
	if rec.Provider == "" {
		rec.Provider = "unknown"
	}
	if cause != nil {
		rec.ErrorMessage = cause.Error()
	}
	c.recorder.RecordAgent(ctx, rec)
}

// splitThreadKey unpacks "{team}_{user}_{channel}_{threadTs}". The thread
// timestamp may itself contain underscores and is taken verbatim.
func splitThreadKey(key string) (teamID, userID, channel, threadTS string) {
	parts := strings.SplitN(key, "_", 4)
	if len(parts) < 3 {
		return "", "", "", ""
	}
	teamID, userID, channel = parts[0], parts[1], parts[2]
	if len(parts) == 4 {
		threadTS = parts[3]
	}
	return teamID, userID, channel, threadTS
}
