// Package tokens stores per-workspace bot credentials and refreshes rotated
// access tokens before they expire.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/slack-go/slack"
)

// ErrNotInstalled is returned when no credentials exist for a workspace.
var ErrNotInstalled = errors.New("tokens: workspace not installed")

// refreshLeeway refreshes a rotated token this long before its expiry.
const refreshLeeway = 5 * time.Minute

// Token is the stored installation for one workspace.
type Token struct {
	TeamID       string
	TeamName     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	BotUserID    string
}

func (t Token) expiringSoon(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(t.ExpiresAt.Add(-refreshLeeway))
}

// Querier is the subset of pgxpool.Pool the service needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type refreshFunc func(ctx context.Context, refreshToken string) (*slack.OAuthV2Response, error)

// Service reads and writes workspace tokens. BotToken transparently refreshes
// a rotated token when it is close to expiry.
type Service struct {
	logger  *slog.Logger
	db      Querier
	refresh refreshFunc
}

// NewService creates the token service. clientID and clientSecret come from
// the app's OAuth configuration and are only used for token rotation.
func NewService(log *slog.Logger, db Querier, clientID, clientSecret string) *Service {
	return &Service{
		logger: log.With(slog.String("service", "tokens")),
		db:     db,
		refresh: func(ctx context.Context, refreshToken string) (*slack.OAuthV2Response, error) {
			return slack.RefreshOAuthV2TokenContext(ctx, http.DefaultClient, clientID, clientSecret, refreshToken)
		},
	}
}

// Get returns the stored token for a workspace.
func (s *Service) Get(ctx context.Context, teamID string) (Token, error) {
	var t Token
	err := s.db.QueryRow(ctx, `
		SELECT team_id, team_name, access_token, refresh_token, expires_at, bot_user_id
		FROM slack_tokens WHERE team_id = $1`,
		teamID,
	).Scan(&t.TeamID, &t.TeamName, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt, &t.BotUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Token{}, fmt.Errorf("%w: %s", ErrNotInstalled, teamID)
	}
	if err != nil {
		return Token{}, fmt.Errorf("load token %s: %w", teamID, err)
	}
	return t, nil
}

// Upsert stores or replaces the token for a workspace.
func (s *Service) Upsert(ctx context.Context, t Token) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO slack_tokens (team_id, team_name, access_token, refresh_token, expires_at, bot_user_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (team_id) DO UPDATE SET
			team_name     = EXCLUDED.team_name,
			access_token  = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at    = EXCLUDED.expires_at,
			bot_user_id   = EXCLUDED.bot_user_id,
			updated_at    = now()`,
		t.TeamID, t.TeamName, t.AccessToken, t.RefreshToken, t.ExpiresAt, t.BotUserID,
	)
	if err != nil {
		return fmt.Errorf("store token %s: %w", t.TeamID, err)
	}
	return nil
}

// BotToken returns a usable access token for the workspace, rotating it first
// when it is about to expire. A failed rotation falls back to the stored token
// so a transient OAuth outage does not take messaging down with it.
func (s *Service) BotToken(ctx context.Context, teamID string) (string, error) {
	t, err := s.Get(ctx, teamID)
	if err != nil {
		return "", err
	}
	if !t.expiringSoon(time.Now()) || t.RefreshToken == "" {
		return t.AccessToken, nil
	}

	resp, err := s.refresh(ctx, t.RefreshToken)
	if err != nil {
		s.logger.Warn("token rotation failed", slog.String("team_id", teamID), slog.Any("error", err))
		return t.AccessToken, nil
	}

	t.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		t.RefreshToken = resp.RefreshToken
	}
	if resp.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		t.ExpiresAt = &exp
	}
	if err := s.Upsert(ctx, t); err != nil {
		s.logger.Warn("rotated token not persisted", slog.String("team_id", teamID), slog.Any("error", err))
	}
	s.logger.Info("token rotated", slog.String("team_id", teamID))
	return t.AccessToken, nil
}

// BotUserID returns the bot's own user id in the workspace, used to ignore
// the bot's messages when they echo back through the events API.
func (s *Service) BotUserID(ctx context.Context, teamID string) (string, error) {
	t, err := s.Get(ctx, teamID)
	if err != nil {
		return "", err
	}
	return t.BotUserID, nil
}
