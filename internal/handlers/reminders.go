package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/skybothq/skybot/internal/reminders"
)

// RemindersHandler exposes reminder management over the API-key protected API.
type RemindersHandler struct {
	logger *slog.Logger
	store  *reminders.Store
}

// NewRemindersHandler creates the reminders handler.
func NewRemindersHandler(log *slog.Logger, store *reminders.Store) *RemindersHandler {
	return &RemindersHandler{
		logger: log.With(slog.String("handler", "reminders")),
		store:  store,
	}
}

// Register mounts the reminder routes on the Echo instance.
func (h *RemindersHandler) Register(e *echo.Echo) {
	e.POST("/api/reminders", h.Create)
	e.GET("/api/reminders", h.List)
}

type createReminderRequest struct {
	TeamID  string    `json:"team_id"`
	UserID  string    `json:"user_id"`
	Message string    `json:"message"`
	DueAt   time.Time `json:"due_at"`
}

// Create schedules a reminder.
func (h *RemindersHandler) Create(c echo.Context) error {
	var req createReminderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TeamID == "" || req.UserID == "" || req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team_id, user_id, and message are required")
	}
	if req.DueAt.IsZero() || req.DueAt.Before(time.Now()) {
		return echo.NewHTTPError(http.StatusBadRequest, "due_at must be in the future")
	}

	id, err := h.store.Create(c.Request().Context(), req.TeamID, req.UserID, req.Message, req.DueAt)
	if err != nil {
		h.logger.Error("reminder not created", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not create reminder")
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// List returns a user's pending reminders.
func (h *RemindersHandler) List(c echo.Context) error {
	teamID := c.QueryParam("team_id")
	userID := c.QueryParam("user_id")
	if teamID == "" || userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team_id and user_id are required")
	}

	list, err := h.store.ListUpcoming(c.Request().Context(), teamID, userID)
	if err != nil {
		h.logger.Error("reminders not listed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not list reminders")
	}
	if list == nil {
		list = []reminders.Reminder{}
	}
	return c.JSON(http.StatusOK, list)
}
