package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/slack-go/slack"

	"github.com/skybothq/skybot/internal/config"
	"github.com/skybothq/skybot/internal/tokens"
)

const authorizeURL = "https://slack.com/oauth/v2/authorize"

// TokenStore persists the installation produced by the OAuth exchange.
type TokenStore interface {
	Upsert(ctx context.Context, t tokens.Token) error
}

type exchangeFunc func(ctx context.Context, code string) (*slack.OAuthV2Response, error)

// OAuthHandler serves the install link and the OAuth callback. This is how a
// workspace's row in slack_tokens comes into existence; everything else reads
// tokens through the token service.
type OAuthHandler struct {
	logger   *slog.Logger
	clientID string
	scopes   string
	redirect string
	store    TokenStore
	exchange exchangeFunc
	now      func() time.Time
}

// NewOAuthHandler creates the install flow handler.
func NewOAuthHandler(log *slog.Logger, cfg config.SlackConfig, store *tokens.Service) *OAuthHandler {
	return &OAuthHandler{
		logger:   log.With(slog.String("handler", "oauth")),
		clientID: cfg.ClientID,
		scopes:   cfg.Scopes,
		redirect: cfg.RedirectURL,
		store:    store,
		exchange: func(ctx context.Context, code string) (*slack.OAuthV2Response, error) {
			return slack.GetOAuthV2ResponseContext(ctx, http.DefaultClient, cfg.ClientID, cfg.ClientSecret, code, cfg.RedirectURL)
		},
		now: time.Now,
	}
}

// Register mounts the install routes on the Echo instance.
func (h *OAuthHandler) Register(e *echo.Echo) {
	e.GET("/slack/install", h.Install)
	e.GET("/slack/oauth", h.Callback)
}

// Install redirects the browser to the platform's consent screen.
func (h *OAuthHandler) Install(c echo.Context) error {
	if h.clientID == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "installation is not configured")
	}
	q := url.Values{}
	q.Set("client_id", h.clientID)
	q.Set("scope", h.scopes)
	if h.redirect != "" {
		q.Set("redirect_uri", h.redirect)
	}
	return c.Redirect(http.StatusFound, authorizeURL+"?"+q.Encode())
}

// Callback exchanges the authorization code and stores the workspace token.
func (h *OAuthHandler) Callback(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "authorization code is required")
	}

	resp, err := h.exchange(c.Request().Context(), code)
	if err != nil {
		h.logger.Error("oauth exchange failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, "could not complete the installation")
	}

	t := tokens.Token{
		TeamID:       resp.Team.ID,
		TeamName:     resp.Team.Name,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		BotUserID:    resp.BotUserID,
	}
	if resp.ExpiresIn > 0 {
		exp := h.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		t.ExpiresAt = &exp
	}
	if err := h.store.Upsert(c.Request().Context(), t); err != nil {
		h.logger.Error("installation not stored", slog.String("team_id", t.TeamID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not store the installation")
	}

	h.logger.Info("workspace installed", slog.String("team_id", t.TeamID), slog.String("team_name", t.TeamName))
	return c.JSON(http.StatusOK, map[string]string{
		"message": "Installation complete. Invite the bot to a channel and say hello.",
		"team_id": t.TeamID,
	})
}
