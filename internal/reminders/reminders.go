// Package reminders stores user reminders and delivers them over DM when due.
package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Reminder is one scheduled notification.
type Reminder struct {
	ID      string
	TeamID  string
	UserID  string
	Message string
	DueAt   time.Time
	Sent    bool
}

// Querier is the subset of pgxpool.Pool the store needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists reminders.
type Store struct {
	logger *slog.Logger
	db     Querier
}

// NewStore creates a reminder store.
func NewStore(log *slog.Logger, db Querier) *Store {
	return &Store{
		logger: log.With(slog.String("service", "reminders")),
		db:     db,
	}
}

// Create stores a new reminder and returns its id.
func (s *Store) Create(ctx context.Context, teamID, userID, message string, dueAt time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `
		INSERT INTO reminders (id, team_id, user_id, message, due_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, teamID, userID, message, dueAt,
	)
	if err != nil {
		return "", fmt.Errorf("create reminder: %w", err)
	}
	return id, nil
}

// ListUpcoming returns the user's undelivered reminders, soonest first.
func (s *Store) ListUpcoming(ctx context.Context, teamID, userID string) ([]Reminder, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, team_id, user_id, message, due_at, sent
		FROM reminders
		WHERE team_id = $1 AND user_id = $2 AND sent = FALSE
		ORDER BY due_at ASC`,
		teamID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	return scanReminders(rows)
}

// Due returns every undelivered reminder whose time has come.
func (s *Store) Due(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, team_id, user_id, message, due_at, sent
		FROM reminders
		WHERE sent = FALSE AND due_at <= $1
		ORDER BY due_at ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("due reminders: %w", err)
	}
	return scanReminders(rows)
}

// MarkSent flags a reminder as delivered.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `UPDATE reminders SET sent = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	return nil
}

func scanReminders(rows pgx.Rows) ([]Reminder, error) {
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		var r Reminder
		if err := rows.Scan(&r.ID, &r.TeamID, &r.UserID, &r.Message, &r.DueAt, &r.Sent); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
