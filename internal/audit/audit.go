// Package audit records command and agent interactions for reporting. Audit
// writes are best effort; a failed insert is logged and never surfaces to the
// caller, so metrics problems cannot break message handling.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Executor is the subset of pgxpool.Pool the service needs.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Interaction kinds.
const (
	KindCommand = "command"
	KindAction  = "action"
)

// CommandInteraction describes one handled command or button action.
type CommandInteraction struct {
	TeamID       string
	UserID       string
	Kind         string
	Command      string
	ActionID     string
	Arguments    string
	Channel      string
	ThreadTS     string
	MessageTS    string
	Success      bool
	ErrorMessage string
}

// AgentInteraction describes one round trip through the assistant backends.
type AgentInteraction struct {
	TeamID       string
	UserID       string
	ThreadKey    string
	Channel      string
	ThreadTS     string
	Provider     string
	UserLength   int
	ReplyLength  int
	ResponseTime time.Duration
	Success      bool
	ErrorMessage string
}

// Service writes interaction records to Postgres.
type Service struct {
	logger *slog.Logger
	db     Executor
}

// NewService creates an audit service over the given database handle.
func NewService(log *slog.Logger, db Executor) *Service {
	return &Service{
		logger: log.With(slog.String("service", "audit")),
		db:     db,
	}
}

// RecordCommand stores a command interaction.
func (s *Service) RecordCommand(ctx context.Context, rec CommandInteraction) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO command_interactions
			(team_id, user_id, kind, command, action_id, arguments, channel, thread_ts, message_ts, success, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.TeamID, rec.UserID, rec.Kind, rec.Command, rec.ActionID, rec.Arguments,
		rec.Channel, rec.ThreadTS, rec.MessageTS, rec.Success, rec.ErrorMessage,
	)
	if err != nil {
		s.logger.Warn("command interaction not recorded", slog.Any("error", err))
	}
}

// RecordAgent stores an agent interaction.
func (s *Service) RecordAgent(ctx context.Context, rec AgentInteraction) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_interactions
			(team_id, user_id, thread_key, channel, thread_ts, provider, user_message_length, response_length, response_time_ms, success, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.TeamID, rec.UserID, rec.ThreadKey, rec.Channel, rec.ThreadTS, rec.Provider,
		rec.UserLength, rec.ReplyLength, rec.ResponseTime.Milliseconds(), rec.Success, rec.ErrorMessage,
	)
	if err != nil {
		s.logger.Warn("agent interaction not recorded", slog.Any("error", err))
	}
}
