package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/skybothq/skybot/internal/dispatch"
)

// Dispatcher is the engine behind the webhook endpoints.
type Dispatcher interface {
	HandleEvent(ctx context.Context, ev dispatch.Event)
	HandleAction(ctx context.Context, a dispatch.Action)
	HandleSubmission(ctx context.Context, sub dispatch.Submission)
}

// SlackHandler serves the Events API and interactive callback endpoints. Both
// are acknowledged immediately and dispatched in the background; the platform
// retries on slow acks, which the dedup layer would then have to absorb.
type SlackHandler struct {
	logger        *slog.Logger
	signingSecret string
	dispatcher    Dispatcher
}

// NewSlackHandler creates the webhook handler. An empty signingSecret disables
// signature verification; only do that in local development.
func NewSlackHandler(log *slog.Logger, signingSecret string, d Dispatcher) *SlackHandler {
	return &SlackHandler{
		logger:        log.With(slog.String("handler", "slack")),
		signingSecret: signingSecret,
		dispatcher:    d,
	}
}

// Register mounts the webhook routes on the Echo instance.
func (h *SlackHandler) Register(e *echo.Echo) {
	e.POST("/slack/events", h.Events)
	e.POST("/slack/interactive", h.Interactive)
}

// Events handles the Events API callback: URL verification during app setup,
// and message/mention events afterwards.
func (h *SlackHandler) Events(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	if err := h.verify(c.Request().Header, body); err != nil {
		h.logger.Warn("event signature rejected", slog.Any("error", err))
		return c.NoContent(http.StatusUnauthorized)
	}

	evt, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		h.logger.Warn("event envelope not parseable", slog.Any("error", err))
		return c.NoContent(http.StatusBadRequest)
	}

	switch evt.Type {
	case slackevents.URLVerification:
		var ch slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &ch); err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		return c.String(http.StatusOK, ch.Challenge)

	case slackevents.CallbackEvent:
		ev, ok := h.normalize(evt)
		if !ok {
			return c.NoContent(http.StatusOK)
		}
		go h.dispatcher.HandleEvent(context.Background(), ev)
	}
	return c.NoContent(http.StatusOK)
}

func (h *SlackHandler) normalize(evt slackevents.EventsAPIEvent) (dispatch.Event, bool) {
	ev := dispatch.Event{TeamID: evt.TeamID}
	if cb, ok := evt.Data.(*slackevents.EventsAPICallbackEvent); ok {
		ev.EventID = cb.EventID
	}

	switch inner := evt.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		ev.Type = "message"
		ev.Subtype = inner.SubType
		ev.BotID = inner.BotID
		ev.User = inner.User
		ev.Channel = inner.Channel
		ev.Text = inner.Text
		ev.TS = inner.TimeStamp
		ev.ThreadTS = inner.ThreadTimeStamp
	case *slackevents.AppMentionEvent:
		ev.Type = "app_mention"
		ev.BotID = inner.BotID
		ev.User = inner.User
		ev.Channel = inner.Channel
		ev.Text = inner.Text
		ev.TS = inner.TimeStamp
		ev.ThreadTS = inner.ThreadTimeStamp
	default:
		return dispatch.Event{}, false
	}
	return ev, true
}

// Interactive handles block action callbacks (the escalation confirmation and
// reminder menu buttons).
func (h *SlackHandler) Interactive(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	if err := h.verify(c.Request().Header, body); err != nil {
		h.logger.Warn("interactive signature rejected", slog.Any("error", err))
		return c.NoContent(http.StatusUnauthorized)
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	payload := form.Get("payload")
	if payload == "" {
		return c.NoContent(http.StatusBadRequest)
	}

	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(payload), &cb); err != nil {
		h.logger.Warn("interactive payload not parseable", slog.Any("error", err))
		return c.NoContent(http.StatusBadRequest)
	}

	switch cb.Type {
	case slack.InteractionTypeBlockActions:
		if len(cb.ActionCallback.BlockActions) == 0 {
			break
		}
		action := cb.ActionCallback.BlockActions[0]
		a := dispatch.Action{
			ActionID:  action.ActionID,
			Value:     action.Value,
			TeamID:    cb.Team.ID,
			UserID:    cb.User.ID,
			Channel:   cb.Channel.ID,
			TriggerID: cb.TriggerID,
		}
		go h.dispatcher.HandleAction(context.Background(), a)

	case slack.InteractionTypeViewSubmission:
		sub := dispatch.Submission{
			CallbackID: cb.View.CallbackID,
			TeamID:     cb.Team.ID,
			UserID:     cb.User.ID,
		}
		if cb.View.State != nil {
			sub.Values = cb.View.State.Values
		}
		go h.dispatcher.HandleSubmission(context.Background(), sub)
	}
	return c.NoContent(http.StatusOK)
}

func (h *SlackHandler) verify(header http.Header, body []byte) error {
	if h.signingSecret == "" {
		return nil
	}
	sv, err := slack.NewSecretsVerifier(header, h.signingSecret)
	if err != nil {
		return err
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	return sv.Ensure()
}
