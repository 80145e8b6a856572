// Package commands implements the built-in chat commands. A command arrives
// already tokenized by the dispatcher; the registry decides whether the verb
// is known, runs it, and audits the outcome.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/skybothq/skybot/internal/audit"
)

var helpLines = []string{
	"!help – Show this help",
	"!ping – Reply with pong!",
	"!time – Show the current time",
	"!channel <name> – Create a public channel",
	"!members – List members of this channel",
	"!reminders – Manage your reminders",
}

// Request carries everything a command needs about the triggering message.
type Request struct {
	TeamID    string
	UserID    string
	Channel   string
	ThreadTS  string
	MessageTS string
	Command   string
	Args      string
}

// Messenger is the outbound surface commands use.
type Messenger interface {
	SendMessage(ctx context.Context, teamID, channel, threadTS, text string) error
	SendBlocks(ctx context.Context, teamID, channel, threadTS string, blocks ...slack.Block) error
	CreateChannel(ctx context.Context, teamID, name string) (id, created string, err error)
	ListMembers(ctx context.Context, teamID, channel string) (names []string, total int, err error)
}

// Auditor records executed commands.
type Auditor interface {
	RecordCommand(ctx context.Context, rec audit.CommandInteraction)
}

type handlerFunc func(ctx context.Context, req Request) error

// Registry maps command verbs to handlers. Verbs match with or without the
// leading bang, case insensitively.
type Registry struct {
	logger   *slog.Logger
	gw       Messenger
	audit    Auditor
	now      func() time.Time
	handlers map[string]handlerFunc
}

// NewRegistry builds the registry with the built-in command set.
func NewRegistry(log *slog.Logger, gw Messenger, auditor Auditor) *Registry {
	r := &Registry{
		logger: log.With(slog.String("service", "commands")),
		gw:     gw,
		audit:  auditor,
		now:    time.Now,
	}
	r.handlers = map[string]handlerFunc{
		"help":      r.help,
		"ping":      r.ping,
		"time":      r.clock,
		"channel":   r.createChannel,
		"members":   r.listMembers,
		"reminders": r.remindersMenu,
	}
	return r
}

func canonical(cmd string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cmd)), "!")
}

// Known reports whether the verb maps to a handler.
func (r *Registry) Known(cmd string) bool {
	_, ok := r.handlers[canonical(cmd)]
	return ok
}

// Execute runs the command and audits the result. Unknown verbs return an
// error; the dispatcher checks Known first, so hitting one here is a bug.
func (r *Registry) Execute(ctx context.Context, req Request) error {
	verb := canonical(req.Command)
	handler, ok := r.handlers[verb]
	if !ok {
		return fmt.Errorf("unknown command %q", req.Command)
	}

	err := handler(ctx, req)
	rec := audit.CommandInteraction{
		TeamID:    req.TeamID,
		UserID:    req.UserID,
		Kind:      audit.KindCommand,
		Command:   verb,
		Arguments: req.Args,
		Channel:   req.Channel,
		ThreadTS:  req.ThreadTS,
		MessageTS: req.MessageTS,
		Success:   err == nil,
	}
	if err != nil {
		rec.ErrorMessage = err.Error()
	}
	r.audit.RecordCommand(ctx, rec)
	return err
}

func (r *Registry) help(ctx context.Context, req Request) error {
	return r.gw.SendMessage(ctx, req.TeamID, req.Channel, req.ThreadTS, strings.Join(helpLines, "\n"))
}

func (r *Registry) ping(ctx context.Context, req Request) error {
	return r.gw.SendMessage(ctx, req.TeamID, req.Channel, req.ThreadTS, "pong!")
}

func (r *Registry) clock(ctx context.Context, req Request) error {
	now := r.now().UTC()
	return r.gw.SendMessage(ctx, req.TeamID, req.Channel, req.ThreadTS,
		fmt.Sprintf("It is now %s (UTC)", now.Format("15:04 on Monday, Jan 2")))
}

func (r *Registry) createChannel(ctx context.Context, req Request) error {
	name := strings.TrimSpace(req.Args)
	if name == "" {
		return r.gw.SendMessage(ctx, req.TeamID, req.Channel, req.ThreadTS, "Usage: !channel <name>")
	}

	_, created, err := r.gw.CreateChannel(ctx, req.TeamID, name)
	if err != nil {
		if sendErr := r.gw.SendMessage(ctx, req.TeamID, req.Channel, req.ThreadTS,
			fmt.Sprintf("Could not create channel %q: %v", name, err)); sendErr != nil {
			r.logger.Warn("failure notice not delivered", slog.Any("error", sendErr))
		}
		return err
	}
	return r.gw.SendMessage(ctx, req.TeamID, req.Channel, req.ThreadTS, fmt.Sprintf("Channel #%s created.", created))
}

func (r *Registry) listMembers(ctx context.Context, req Request) error {
	names, total, err := r.gw.ListMembers(ctx, req.TeamID, req.Channel)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "This channel has %d members:\n", total)
	for _, name := range names {
		fmt.Fprintf(&b, "• %s\n", name)
	}
	if total > len(names) {
		fmt.Fprintf(&b, "…and %d more", total-len(names))
	}
	return r.gw.SendMessage(ctx, req.TeamID, req.Channel, req.ThreadTS, strings.TrimRight(b.String(), "\n"))
}

func (r *Registry) remindersMenu(ctx context.Context, req Request) error {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "*Reminders*\nWhat would you like to do?", false, false),
			nil, nil,
		),
		slack.NewActionBlock("reminders_menu",
			slack.NewButtonBlockElement("reminder_create", req.UserID,
				slack.NewTextBlockObject(slack.PlainTextType, "Create reminder", false, false)),
			slack.NewButtonBlockElement("reminder_list", req.UserID,
				slack.NewTextBlockObject(slack.PlainTextType, "List reminders", false, false)),
		),
	}
	return r.gw.SendBlocks(ctx, req.TeamID, req.Channel, req.ThreadTS, blocks...)
}
