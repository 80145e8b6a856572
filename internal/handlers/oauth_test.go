package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybothq/skybot/internal/tokens"
)

type fakeTokenStore struct {
	stored []tokens.Token
	err    error
}

func (f *fakeTokenStore) Upsert(_ context.Context, t tokens.Token) error {
	if f.err != nil {
		return f.err
	}
	f.stored = append(f.stored, t)
	return nil
}

func newOAuthFixture(store *fakeTokenStore, exchange exchangeFunc) *OAuthHandler {
	return &OAuthHandler{
		logger:   slog.Default(),
		clientID: "client-1",
		scopes:   "chat:write,users:read",
		redirect: "https://bot.example.com/slack/oauth",
		store:    store,
		exchange: exchange,
		now:      func() time.Time { return time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC) },
	}
}

func get(h *OAuthHandler, path string) *httptest.ResponseRecorder {
	e := echo.New()
	h.Register(e)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestInstallRedirectsToConsentScreen(t *testing.T) {
	h := newOAuthFixture(&fakeTokenStore{}, nil)

	rec := get(h, "/slack/install")
	require.Equal(t, http.StatusFound, rec.Code)

	loc := rec.Header().Get(echo.HeaderLocation)
	assert.Contains(t, loc, "https://slack.com/oauth/v2/authorize")
	assert.Contains(t, loc, "client_id=client-1")
	assert.Contains(t, loc, "scope=chat%3Awrite%2Cusers%3Aread")
	assert.Contains(t, loc, "redirect_uri=")
}

func TestInstallUnconfigured(t *testing.T) {
	h := newOAuthFixture(&fakeTokenStore{}, nil)
	h.clientID = ""

	rec := get(h, "/slack/install")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCallbackStoresInstallation(t *testing.T) {
	store := &fakeTokenStore{}
	h := newOAuthFixture(store, func(_ context.Context, code string) (*slack.OAuthV2Response, error) {
		require.Equal(t, "auth-code", code)
		resp := &slack.OAuthV2Response{
			AccessToken:  "xoxe.xoxb-1",
			RefreshToken: "xoxe-refresh",
			BotUserID:    "UBOT",
			ExpiresIn:    43200,
		}
		resp.Team.ID = "T1"
		resp.Team.Name = "Acme"
		return resp, nil
	})

	rec := get(h, "/slack/oauth?code=auth-code")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, store.stored, 1)
	got := store.stored[0]
	assert.Equal(t, "T1", got.TeamID)
	assert.Equal(t, "Acme", got.TeamName)
	assert.Equal(t, "xoxe.xoxb-1", got.AccessToken)
	assert.Equal(t, "xoxe-refresh", got.RefreshToken)
	assert.Equal(t, "UBOT", got.BotUserID)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, time.Date(2025, 3, 15, 3, 0, 0, 0, time.UTC), got.ExpiresAt.UTC())
}

func TestCallbackWithoutCode(t *testing.T) {
	h := newOAuthFixture(&fakeTokenStore{}, nil)

	rec := get(h, "/slack/oauth")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackExchangeFailure(t *testing.T) {
	store := &fakeTokenStore{}
	h := newOAuthFixture(store, func(context.Context, string) (*slack.OAuthV2Response, error) {
		return nil, errors.New("invalid_code")
	})

	rec := get(h, "/slack/oauth?code=bad")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, store.stored)
}

func TestCallbackStoreFailure(t *testing.T) {
	store := &fakeTokenStore{err: errors.New("db down")}
	h := newOAuthFixture(store, func(context.Context, string) (*slack.OAuthV2Response, error) {
		resp := &slack.OAuthV2Response{AccessToken: "xoxb-1"}
		resp.Team.ID = "T1"
		return resp, nil
	})

	rec := get(h, "/slack/oauth?code=auth-code")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
