// Package slackgw wraps the Slack Web API for the rest of the application.
// Every call resolves the workspace's bot token first, so multi-workspace
// installs work without threading tokens through the callers.
package slackgw

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/slack-go/slack"

	"github.com/skybothq/skybot/internal/tokens"
)

// memberListLimit caps how many names a member listing spells out.
const memberListLimit = 10

var channelNameInvalid = regexp.MustCompile(`[^a-z0-9-_]`)

// TokenSource resolves the bot token for a workspace.
type TokenSource interface {
	BotToken(ctx context.Context, teamID string) (string, error)
}

// api is the slice of the Slack SDK client the gateway uses.
type api interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	CreateConversationContext(ctx context.Context, params slack.CreateConversationParams) (*slack.Channel, error)
	GetUsersInConversationContext(ctx context.Context, params *slack.GetUsersInConversationParameters) ([]string, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	OpenConversationContext(ctx context.Context, params *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error)
	OpenViewContext(ctx context.Context, triggerID string, view slack.ModalViewRequest) (*slack.ViewResponse, error)
}

// Gateway is the outbound Slack surface.
type Gateway struct {
	logger *slog.Logger
	tokens TokenSource
	client func(token string) api
}

// NewGateway creates a gateway backed by the real Slack Web API.
func NewGateway(log *slog.Logger, source *tokens.Service) *Gateway {
	return &Gateway{
		logger: log.With(slog.String("service", "slack")),
		tokens: source,
		client: func(token string) api { return slack.New(token) },
	}
}

func (g *Gateway) apiFor(ctx context.Context, teamID string) (api, error) {
	token, err := g.tokens.BotToken(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return g.client(token), nil
}

// SendMessage posts text to a channel. A non-empty threadTS posts into that
// thread instead of the channel surface.
func (g *Gateway) SendMessage(ctx context.Context, teamID, channel, threadTS, text string) error {
	c, err := g.apiFor(ctx, teamID)
	if err != nil {
		return err
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if _, _, err := c.PostMessageContext(ctx, channel, opts...); err != nil {
		return fmt.Errorf("post message to %s: %w", channel, err)
	}
	return nil
}

// SendBlocks posts a Block Kit message, optionally into a thread.
func (g *Gateway) SendBlocks(ctx context.Context, teamID, channel, threadTS string, blocks ...slack.Block) error {
	c, err := g.apiFor(ctx, teamID)
	if err != nil {
		return err
	}
	opts := []slack.MsgOption{slack.MsgOptionBlocks(blocks...)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if _, _, err := c.PostMessageContext(ctx, channel, opts...); err != nil {
		return fmt.Errorf("post blocks to %s: %w", channel, err)
	}
	return nil
}

// SendDM opens (or reuses) the direct message conversation with a user and
// posts text there.
func (g *Gateway) SendDM(ctx context.Context, teamID, userID, text string) error {
	c, err := g.apiFor(ctx, teamID)
	if err != nil {
		return err
	}
	channel, _, _, err := c.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{userID}})
	if err != nil {
		return fmt.Errorf("open dm with %s: %w", userID, err)
	}
	if _, _, err := c.PostMessageContext(ctx, channel.ID, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("post dm to %s: %w", userID, err)
	}
	return nil
}

// OpenModal opens a modal view in response to an interaction. The trigger id
// comes from the interaction payload and is only valid for a few seconds.
func (g *Gateway) OpenModal(ctx context.Context, teamID, triggerID string, view slack.ModalViewRequest) error {
	c, err := g.apiFor(ctx, teamID)
	if err != nil {
		return err
	}
	if _, err := c.OpenViewContext(ctx, triggerID, view); err != nil {
		return fmt.Errorf("open view: %w", err)
	}
	return nil
}

// CreateChannel creates a public channel, normalizing the requested name to
// the platform's rules first. The normalized name is returned alongside the id.
func (g *Gateway) CreateChannel(ctx context.Context, teamID, name string) (id, created string, err error) {
	normalized := NormalizeChannelName(name)
	if normalized == "" {
		return "", "", fmt.Errorf("channel name %q normalizes to nothing", name)
	}

	c, err := g.apiFor(ctx, teamID)
	if err != nil {
		return "", "", err
	}
	ch, err := c.CreateConversationContext(ctx, slack.CreateConversationParams{ChannelName: normalized})
	if err != nil {
		return "", "", fmt.Errorf("create channel %s: %w", normalized, err)
	}
	return ch.ID, ch.Name, nil
}

// ListMembers returns display names for up to memberListLimit members of a
// channel and the total member count. Users whose profile lookup fails are
// listed by id rather than dropped.
func (g *Gateway) ListMembers(ctx context.Context, teamID, channel string) (names []string, total int, err error) {
	c, err := g.apiFor(ctx, teamID)
	if err != nil {
		return nil, 0, err
	}

	var ids []string
	params := &slack.GetUsersInConversationParameters{ChannelID: channel, Limit: 200}
	for {
		page, cursor, err := c.GetUsersInConversationContext(ctx, params)
		if err != nil {
			return nil, 0, fmt.Errorf("list members of %s: %w", channel, err)
		}
		ids = append(ids, page...)
		if cursor == "" {
			break
		}
		params.Cursor = cursor
	}

	total = len(ids)
	if len(ids) > memberListLimit {
		ids = ids[:memberListLimit]
	}
	for _, id := range ids {
		user, err := c.GetUserInfoContext(ctx, id)
		if err != nil {
			g.logger.Warn("member lookup failed", slog.String("user_id", id), slog.Any("error", err))
			names = append(names, id)
			continue
		}
		names = append(names, displayName(user))
	}
	return names, total, nil
}

func displayName(u *slack.User) string {
	switch {
	case u.Profile.DisplayName != "":
		return u.Profile.DisplayName
	case u.RealName != "":
		return u.RealName
	default:
		return u.Name
	}
}

// NormalizeChannelName lowercases the name, maps whitespace to dashes, strips
// everything else the platform rejects, and trims to the 80 character limit.
func NormalizeChannelName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.Join(strings.Fields(n), "-")
	n = channelNameInvalid.ReplaceAllString(n, "")
	n = strings.Trim(n, "-_")
	if len(n) > 80 {
		n = n[:80]
	}
	return n
}
