// Package history persists agent conversation transcripts. Postgres is the
// source of truth; an in-process cache shadows it so a database outage degrades
// reads instead of failing them.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgxpool.Pool the service needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Service loads and saves conversation transcripts, keeping the cache and the
// durable store in step. Safe for concurrent use.
type Service struct {
	logger *slog.Logger
	db     Querier

	mu    sync.RWMutex
	cache map[string]*Conversation
}

// NewService creates a history service over the given database handle.
func NewService(log *slog.Logger, db Querier) *Service {
	return &Service{
		logger: log.With(slog.String("service", "history")),
		db:     db,
		cache:  make(map[string]*Conversation),
	}
}

// Load returns the active conversation for threadKey, or nil when none exists.
// The durable store is consulted first and its answer refreshes the cache; if
// the database is unreachable, or it has no row for a conversation the cache
// still holds (a save that only reached the cache), the cached copy is served.
func (s *Service) Load(ctx context.Context, threadKey string) (*Conversation, error) {
	conv, err := s.loadDurable(ctx, threadKey)
	if err != nil {
		s.mu.RLock()
		cached := s.cache[threadKey].Clone()
		s.mu.RUnlock()
		if cached != nil {
			s.logger.Warn("serving conversation from cache", slog.String("thread_key", threadKey), slog.Any("error", err))
			return cached, nil
		}
		return nil, fmt.Errorf("load conversation %s: %w", threadKey, err)
	}
	if conv == nil {
		s.mu.RLock()
		cached := s.cache[threadKey].Clone()
		s.mu.RUnlock()
		if cached != nil {
			s.logger.Warn("serving conversation from cache", slog.String("thread_key", threadKey), slog.String("reason", "no durable row"))
		}
		return cached, nil
	}

	s.mu.Lock()
	s.cache[threadKey] = conv.Clone()
	s.mu.Unlock()
	return conv, nil
}

// Save writes the conversation to the cache synchronously and upserts the
// durable row. The cache write always happens, so an in-flight exchange is not
// lost when the database write fails.
func (s *Service) Save(ctx context.Context, conv *Conversation) error {
	conv.LastInteractionAt = time.Now()

	s.mu.Lock()
	s.cache[conv.ThreadKey] = conv.Clone()
	s.mu.Unlock()

	turns, err := json.Marshal(conv.Turns)
	if err != nil {
		return fmt.Errorf("encode history %s: %w", conv.ThreadKey, err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_conversations
			(thread_key, team_id, channel, thread_ts, user_id, history, summary_context, message_count, is_active, last_interaction_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9)
		ON CONFLICT (thread_key) DO UPDATE SET
			history             = EXCLUDED.history,
			summary_context     = EXCLUDED.summary_context,
			message_count       = EXCLUDED.message_count,
			is_active           = TRUE,
			last_interaction_at = EXCLUDED.last_interaction_at`,
		conv.ThreadKey, conv.TeamID, conv.Channel, nullable(conv.ThreadTS), conv.UserID,
		turns, nullable(conv.Summary), len(conv.Turns), conv.LastInteractionAt,
	)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ThreadKey, err)
	}
	return nil
}

// Deactivate closes out the conversation: the durable row is marked inactive
// and the cache entry is dropped.
func (s *Service) Deactivate(ctx context.Context, threadKey string) error {
	s.mu.Lock()
	delete(s.cache, threadKey)
	s.mu.Unlock()

	_, err := s.db.Exec(ctx,
		`UPDATE agent_conversations SET is_active = FALSE, last_interaction_at = now() WHERE thread_key = $1`,
		threadKey,
	)
	if err != nil {
		return fmt.Errorf("deactivate conversation %s: %w", threadKey, err)
	}
	return nil
}

func (s *Service) loadDurable(ctx context.Context, threadKey string) (*Conversation, error) {
	var (
		conv     Conversation
		turns    []byte
		threadTS *string
		summary  *string
	)
	err := s.db.QueryRow(ctx, `
		SELECT thread_key, team_id, channel, thread_ts, user_id, history, summary_context, last_interaction_at
		FROM agent_conversations
		WHERE thread_key = $1 AND is_active = TRUE`,
		threadKey,
	).Scan(&conv.ThreadKey, &conv.TeamID, &conv.Channel, &threadTS, &conv.UserID, &turns, &summary, &conv.LastInteractionAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if threadTS != nil {
		conv.ThreadTS = *threadTS
	}
	if summary != nil {
		conv.Summary = *summary
	}
	if err := json.Unmarshal(turns, &conv.Turns); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", threadKey, err)
	}
	return &conv, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
