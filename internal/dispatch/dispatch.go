// Package dispatch decides what happens to every inbound message: ignore it,
// run a command, count a failed attempt toward escalation, or hand the thread
// to the assistant chain. It also handles the escalation confirmation buttons.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/skybothq/skybot/internal/audit"
	"github.com/skybothq/skybot/internal/commands"
	"github.com/skybothq/skybot/internal/reminders"
	"github.com/skybothq/skybot/internal/state"
)

// Escalation is offered once the user burns through this many unknown commands.
const maxAttempts = 3

// Interactive action ids the engine handles.
const (
	ActionConfirmYes     = "agent_confirm_yes"
	ActionConfirmNo      = "agent_confirm_no"
	ActionReminderList   = "reminder_list"
	ActionReminderCreate = "reminder_create"
)

// CallbackReminderSubmit identifies the reminder modal's view submission.
const CallbackReminderSubmit = "add_reminder_submit"

const (
	msgThinking     = ":thinking_face: Thinking..."
	msgNoAssistant  = ":warning: No assistant is available right now. Please try again in a moment."
	msgExpired      = "That request expired. Please send your message again."
	msgAgentEnabled = ":white_check_mark: You chose to use the assistant. From now on, every message in this thread is answered by it."
	msgAgentDenied  = "Understood, no assistant. You can keep trying commands. Use !help to see what is available."
)

var mentionPattern = regexp.MustCompile(`<@[^>]+>`)

// Event is a platform message event, already decoded from the wire envelope.
type Event struct {
	EventID  string
	TeamID   string
	Type     string
	Subtype  string
	BotID    string
	User     string
	Channel  string
	Text     string
	TS       string
	ThreadTS string
}

// Action is one pressed button from an interactive callback.
type Action struct {
	ActionID  string
	Value     string
	TeamID    string
	UserID    string
	Channel   string
	TriggerID string
}

// Submission is a submitted modal view, with the raw input values keyed by
// block id and action id.
type Submission struct {
	CallbackID string
	TeamID     string
	UserID     string
	Values     map[string]map[string]slack.BlockAction
}

// Messenger posts replies and opens modal views.
type Messenger interface {
	SendMessage(ctx context.Context, teamID, channel, threadTS, text string) error
	SendBlocks(ctx context.Context, teamID, channel, threadTS string, blocks ...slack.Block) error
	SendDM(ctx context.Context, teamID, userID, text string) error
	OpenModal(ctx context.Context, teamID, triggerID string, view slack.ModalViewRequest) error
}

// TokenSource gates processing on the workspace being installed and exposes
// the bot's own user id so its messages are not dispatched back to it.
type TokenSource interface {
	BotToken(ctx context.Context, teamID string) (string, error)
	BotUserID(ctx context.Context, teamID string) (string, error)
}

// Commands is the command registry surface the engine needs.
type Commands interface {
	Known(cmd string) bool
	Execute(ctx context.Context, req commands.Request) error
}

// Responder is the assistant chain. ok is false when no backend could answer.
type Responder interface {
	Respond(ctx context.Context, threadKey, userMessage string) (reply string, ok bool)
}

// Deactivator closes out a thread's stored transcript.
type Deactivator interface {
	Deactivate(ctx context.Context, threadKey string) error
}

// ReminderStore backs the reminder menu: listing for the list button and
// creation from the modal submission.
type ReminderStore interface {
	Create(ctx context.Context, teamID, userID, message string, dueAt time.Time) (string, error)
	ListUpcoming(ctx context.Context, teamID, userID string) ([]reminders.Reminder, error)
}

// Auditor records button interactions.
type Auditor interface {
	RecordCommand(ctx context.Context, rec audit.CommandInteraction)
}

// Engine is the per-event decision procedure. One instance serves all
// workspaces; all per-thread state lives in the state store.
type Engine struct {
	logger    *slog.Logger
	state     *state.Store
	tokens    TokenSource
	gw        Messenger
	cmds      Commands
	ai        Responder
	history   Deactivator
	reminders ReminderStore
	audit     Auditor
	now       func() time.Time
}

// NewEngine wires the dispatch engine.
func NewEngine(
	log *slog.Logger,
	st *state.Store,
	tokens TokenSource,
	gw Messenger,
	cmds Commands,
	ai Responder,
	history Deactivator,
	rem ReminderStore,
	auditor Auditor,
) *Engine {
	return &Engine{
		logger:    log.With(slog.String("service", "dispatch")),
		state:     st,
		tokens:    tokens,
		gw:        gw,
		cmds:      cmds,
		ai:        ai,
		history:   history,
		reminders: rem,
		audit:     auditor,
		now:       time.Now,
	}
}

// ThreadKey serializes the composite thread identity.
func ThreadKey(teamID, userID, channel, threadTS string) string {
	return fmt.Sprintf("%s_%s_%s_%s", teamID, userID, channel, threadTS)
}

// HandleEvent runs the dispatch decision procedure for one message event.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) {
	if !e.state.MarkEventProcessed(ev.EventID) {
		e.logger.Info("duplicate event ignored", slog.String("event_id", ev.EventID))
		return
	}

	if ev.Type != "message" && ev.Type != "app_mention" {
		return
	}
	if ev.Subtype == "bot_message" || ev.BotID != "" || ev.User == "" {
		return
	}
	if _, err := e.tokens.BotToken(ctx, ev.TeamID); err != nil {
		e.logger.Warn("event dropped, workspace has no token", slog.String("team_id", ev.TeamID), slog.Any("error", err))
		return
	}
	if botUser, err := e.tokens.BotUserID(ctx, ev.TeamID); err == nil && botUser != "" && ev.User == botUser {
		return
	}

	raw := strings.TrimSpace(ev.Text)
	text := strings.TrimSpace(mentionPattern.ReplaceAllString(raw, ""))
	if text == "" {
		return
	}
	mentioned := ev.Type == "app_mention" || mentionPattern.MatchString(raw)
	hasBang := strings.HasPrefix(text, "!")

	anchor := ev.ThreadTS
	if anchor == "" {
		anchor = ev.TS
	}
	key := ThreadKey(ev.TeamID, ev.User, ev.Channel, anchor)

	// An escalated thread bypasses command parsing entirely, but only for
	// messages actually inside the reply thread.
	if e.state.Get(key).InAgentMode() && ev.ThreadTS != "" {
		e.answerWithAssistant(ctx, ev.TeamID, ev.Channel, anchor, key, stripBang(text))
		return
	}

	if !mentioned && !hasBang {
		return
	}
	if !hasBang {
		text = "!" + text
	}

	cmd, args := splitCommand(text)

	if e.cmds.Known(cmd) {
		e.state.ClearThread(key)
		if err := e.history.Deactivate(ctx, key); err != nil {
			e.logger.Warn("transcript not deactivated", slog.String("thread_key", key), slog.Any("error", err))
		}
		err := e.cmds.Execute(ctx, commands.Request{
			TeamID:    ev.TeamID,
			UserID:    ev.User,
			Channel:   ev.Channel,
			ThreadTS:  anchor,
			MessageTS: ev.TS,
			Command:   cmd,
			Args:      args,
		})
		if err != nil {
			e.logger.Error("command failed", slog.String("command", cmd), slog.Any("error", err))
		}
		return
	}

	message := stripBang(text)
	if message == "" {
		return
	}

	attempts := e.state.IncrementAttempts(key)
	if attempts < maxAttempts {
		e.send(ctx, ev.TeamID, ev.Channel, anchor,
			fmt.Sprintf("Command %q not found. Use !help to see the available commands. (%d/%d attempts)", cmd, attempts, maxAttempts))
		return
	}

	now := e.now()
	e.state.Update(key, func(c *state.Conversation) {
		c.Pending = &state.Pending{Message: message, ThreadTS: anchor, CapturedAt: now}
	})
	e.sendEscalationPrompt(ctx, ev.TeamID, ev.Channel, anchor, key, cmd, attempts)
}

// HandleAction processes one pressed button.
func (e *Engine) HandleAction(ctx context.Context, a Action) {
	if _, err := e.tokens.BotToken(ctx, a.TeamID); err != nil {
		e.logger.Warn("action dropped, workspace has no token", slog.String("team_id", a.TeamID), slog.Any("error", err))
		return
	}

	channel := a.Channel
	if channel == "" {
		channel = a.UserID
	}

	switch a.ActionID {
	case ActionConfirmYes:
		e.acceptEscalation(ctx, a, channel)
	case ActionConfirmNo:
		e.declineEscalation(ctx, a, channel)
	case ActionReminderList:
		e.listReminders(ctx, a, channel)
	case ActionReminderCreate:
		e.openReminderModal(ctx, a, channel)
	default:
		e.logger.Info("unhandled action", slog.String("action_id", a.ActionID))
	}
}

// HandleSubmission processes a submitted modal view.
func (e *Engine) HandleSubmission(ctx context.Context, sub Submission) {
	if sub.CallbackID != CallbackReminderSubmit {
		e.logger.Info("unhandled view submission", slog.String("callback_id", sub.CallbackID))
		return
	}
	if _, err := e.tokens.BotToken(ctx, sub.TeamID); err != nil {
		e.logger.Warn("submission dropped, workspace has no token", slog.String("team_id", sub.TeamID), slog.Any("error", err))
		return
	}

	date := sub.Values["date_input"]["date"].SelectedDate
	clock := strings.TrimSpace(sub.Values["time_input"]["time"].Value)
	message := strings.TrimSpace(sub.Values["message_input"]["message"].Value)
	if date == "" || clock == "" || message == "" {
		e.logger.Warn("reminder submission incomplete", slog.String("user_id", sub.UserID))
		e.recordSubmission(ctx, sub, false)
		return
	}

	dueAt, err := time.Parse("2006-01-02 15:04", date+" "+clock)
	if err != nil {
		e.logger.Warn("reminder submission has a bad due time",
			slog.String("date", date), slog.String("time", clock), slog.Any("error", err))
		e.recordSubmission(ctx, sub, false)
		return
	}

	if _, err := e.reminders.Create(ctx, sub.TeamID, sub.UserID, message, dueAt.UTC()); err != nil {
		e.logger.Error("reminder not created", slog.Any("error", err))
		e.sendDM(ctx, sub.TeamID, sub.UserID, ":x: Your reminder could not be saved. Please try again.")
		e.recordSubmission(ctx, sub, false)
		return
	}

	e.recordSubmission(ctx, sub, true)
	e.sendDM(ctx, sub.TeamID, sub.UserID,
		fmt.Sprintf(":white_check_mark: Reminder created for *%s*: %s", dueAt.Format("Jan 2 15:04"), message))
}

func (e *Engine) acceptEscalation(ctx context.Context, a Action, channel string) {
	key := a.Value
	now := e.now()

	var pending *state.Pending
	e.state.Update(key, func(c *state.Conversation) {
		if c.Pending == nil {
			return
		}
		p := *c.Pending
		pending = &p
		c.Pending = nil
		c.Attempts = 0
		c.AgentModeSince = now
	})
	if pending == nil {
		e.send(ctx, a.TeamID, channel, "", msgExpired)
		return
	}

	e.recordAction(ctx, a, channel, true)
	e.send(ctx, a.TeamID, channel, pending.ThreadTS, msgAgentEnabled)
	e.answerWithAssistant(ctx, a.TeamID, channel, pending.ThreadTS, key, pending.Message)
}

func (e *Engine) declineEscalation(ctx context.Context, a Action, channel string) {
	key := a.Value

	var pending *state.Pending
	e.state.Update(key, func(c *state.Conversation) {
		if c.Pending == nil {
			return
		}
		p := *c.Pending
		pending = &p
		*c = state.Conversation{}
	})
	if pending == nil {
		e.send(ctx, a.TeamID, channel, "", msgExpired)
		return
	}

	if err := e.history.Deactivate(ctx, key); err != nil {
		e.logger.Warn("transcript not deactivated", slog.String("thread_key", key), slog.Any("error", err))
	}
	e.recordAction(ctx, a, channel, true)
	e.send(ctx, a.TeamID, channel, pending.ThreadTS, msgAgentDenied)
}

// openReminderModal opens the creation form. The trigger id expires seconds
// after the button press, so there is no retry on failure.
func (e *Engine) openReminderModal(ctx context.Context, a Action, channel string) {
	if a.TriggerID == "" {
		e.logger.Warn("reminder modal needs a trigger id", slog.String("user_id", a.UserID))
		return
	}
	if err := e.gw.OpenModal(ctx, a.TeamID, a.TriggerID, reminderModalView(e.now())); err != nil {
		e.logger.Error("reminder modal not opened", slog.Any("error", err))
		e.send(ctx, a.TeamID, channel, "", "Could not open the reminder form. Please try again.")
		e.recordAction(ctx, a, channel, false)
		return
	}
	e.recordAction(ctx, a, channel, true)
}

// reminderModalView builds the creation form, pre-filled one hour out.
func reminderModalView(now time.Time) slack.ModalViewRequest {
	suggested := now.Add(time.Hour)

	datePicker := slack.NewDatePickerBlockElement("date")
	datePicker.InitialDate = suggested.Format("2006-01-02")

	timeInput := slack.NewPlainTextInputBlockElement(
		slack.NewTextBlockObject(slack.PlainTextType, "14:30", false, false), "time")
	timeInput.InitialValue = suggested.Format("15:04")

	messageInput := slack.NewPlainTextInputBlockElement(
		slack.NewTextBlockObject(slack.PlainTextType, "What should I remind you about?", false, false), "message")
	messageInput.Multiline = true

	return slack.ModalViewRequest{
		Type:       slack.VTModal,
		CallbackID: CallbackReminderSubmit,
		Title:      slack.NewTextBlockObject(slack.PlainTextType, "Create reminder", false, false),
		Submit:     slack.NewTextBlockObject(slack.PlainTextType, "Create", false, false),
		Close:      slack.NewTextBlockObject(slack.PlainTextType, "Cancel", false, false),
		Blocks: slack.Blocks{BlockSet: []slack.Block{
			slack.NewInputBlock("date_input",
				slack.NewTextBlockObject(slack.PlainTextType, "Date", false, false), nil, datePicker),
			slack.NewInputBlock("time_input",
				slack.NewTextBlockObject(slack.PlainTextType, "Time (HH:mm)", false, false), nil, timeInput),
			slack.NewInputBlock("message_input",
				slack.NewTextBlockObject(slack.PlainTextType, "Message", false, false), nil, messageInput),
		}},
	}
}

func (e *Engine) listReminders(ctx context.Context, a Action, channel string) {
	list, err := e.reminders.ListUpcoming(ctx, a.TeamID, a.UserID)
	if err != nil {
		e.logger.Error("reminder listing failed", slog.Any("error", err))
		e.send(ctx, a.TeamID, channel, "", "Could not load your reminders right now.")
		e.recordAction(ctx, a, channel, false)
		return
	}
	e.recordAction(ctx, a, channel, true)

	if len(list) == 0 {
		e.send(ctx, a.TeamID, channel, "", "You have no pending reminders.")
		return
	}
	var b strings.Builder
	b.WriteString(":clipboard: *Your pending reminders:*\n")
	for _, r := range list {
		fmt.Fprintf(&b, "• *%s* %s\n", r.DueAt.Format("Jan 2 15:04"), r.Message)
	}
	e.send(ctx, a.TeamID, channel, "", strings.TrimRight(b.String(), "\n"))
}

// answerWithAssistant posts the thinking notice, runs the chain, and posts
// either the reply or the all-backends-down notice.
func (e *Engine) answerWithAssistant(ctx context.Context, teamID, channel, threadTS, key, message string) {
	if message == "" {
		return
	}
	e.send(ctx, teamID, channel, threadTS, msgThinking)

	reply, ok := e.ai.Respond(ctx, key, message)
	if !ok {
		e.send(ctx, teamID, channel, threadTS, msgNoAssistant)
		return
	}
	e.send(ctx, teamID, channel, threadTS, reply)
}

func (e *Engine) sendEscalationPrompt(ctx context.Context, teamID, channel, threadTS, key, cmd string, attempts int) {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf(":robot_face: I could not find the command %q after %d attempts.\n\nWould you like an assistant to answer your message instead?", cmd, attempts),
				false, false),
			nil, nil,
		),
		slack.NewActionBlock("agent_confirm",
			slack.NewButtonBlockElement(ActionConfirmYes, key,
				slack.NewTextBlockObject(slack.PlainTextType, "Yes, use the assistant", false, false)).
				WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement(ActionConfirmNo, key,
				slack.NewTextBlockObject(slack.PlainTextType, "No", false, false)),
		),
	}
	if err := e.gw.SendBlocks(ctx, teamID, channel, threadTS, blocks...); err != nil {
		e.logger.Error("escalation prompt not delivered", slog.String("thread_key", key), slog.Any("error", err))
	}
}

func (e *Engine) send(ctx context.Context, teamID, channel, threadTS, text string) {
	if err := e.gw.SendMessage(ctx, teamID, channel, threadTS, text); err != nil {
		e.logger.Error("reply not delivered", slog.String("channel", channel), slog.Any("error", err))
	}
}

func (e *Engine) sendDM(ctx context.Context, teamID, userID, text string) {
	if err := e.gw.SendDM(ctx, teamID, userID, text); err != nil {
		e.logger.Error("dm not delivered", slog.String("user_id", userID), slog.Any("error", err))
	}
}

func (e *Engine) recordAction(ctx context.Context, a Action, channel string, success bool) {
	e.audit.RecordCommand(ctx, audit.CommandInteraction{
		TeamID:   a.TeamID,
		UserID:   a.UserID,
		Kind:     audit.KindAction,
		ActionID: a.ActionID,
		Channel:  channel,
		Success:  success,
	})
}

func (e *Engine) recordSubmission(ctx context.Context, sub Submission, success bool) {
	e.audit.RecordCommand(ctx, audit.CommandInteraction{
		TeamID:   sub.TeamID,
		UserID:   sub.UserID,
		Kind:     audit.KindAction,
		ActionID: sub.CallbackID,
		Channel:  sub.UserID,
		Success:  success,
	})
}

func stripBang(text string) string {
	return strings.TrimSpace(strings.TrimPrefix(text, "!"))
}

func splitCommand(text string) (cmd, args string) {
	if i := strings.IndexByte(text, ' '); i > 0 {
		return text[:i], strings.TrimSpace(text[i+1:])
	}
	return text, ""
}
