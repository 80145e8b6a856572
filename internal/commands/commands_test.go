package commands

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybothq/skybot/internal/audit"
)

type fakeMessenger struct {
	texts      []string
	blockSends int
	createErr  error
	members    []string
	total      int
}

func (f *fakeMessenger) SendMessage(_ context.Context, _, _, _ string, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeMessenger) SendBlocks(_ context.Context, _, _, _ string, _ ...slack.Block) error {
	f.blockSends++
	return nil
}

func (f *fakeMessenger) CreateChannel(_ context.Context, _, name string) (string, string, error) {
	if f.createErr != nil {
		return "", "", f.createErr
	}
	return "C999", strings.ToLower(name), nil
}

func (f *fakeMessenger) ListMembers(context.Context, string, string) ([]string, int, error) {
	return f.members, f.total, nil
}

type fakeAuditor struct {
	records []audit.CommandInteraction
}

func (f *fakeAuditor) RecordCommand(_ context.Context, rec audit.CommandInteraction) {
	f.records = append(f.records, rec)
}

func testRequest(cmd, args string) Request {
	return Request{
		TeamID:    "T1",
		UserID:    "U1",
		Channel:   "C1",
		ThreadTS:  "101",
		MessageTS: "102",
		Command:   cmd,
		Args:      args,
	}
}

func newTestRegistry() (*Registry, *fakeMessenger, *fakeAuditor) {
	gw := &fakeMessenger{}
	auditor := &fakeAuditor{}
	r := NewRegistry(slog.Default(), gw, auditor)
	r.now = func() time.Time { return time.Date(2025, 3, 14, 15, 9, 0, 0, time.UTC) }
	return r, gw, auditor
}

func TestKnown(t *testing.T) {
	r, _, _ := newTestRegistry()

	assert.True(t, r.Known("!ping"))
	assert.True(t, r.Known("ping"))
	assert.True(t, r.Known("!PING"))
	assert.True(t, r.Known("!reminders"))
	assert.False(t, r.Known("!deploy"))
	assert.False(t, r.Known(""))
}

func TestPing(t *testing.T) {
	r, gw, auditor := newTestRegistry()

	require.NoError(t, r.Execute(context.Background(), testRequest("!ping", "")))
	require.Len(t, gw.texts, 1)
	assert.Contains(t, gw.texts[0], "pong")

	require.Len(t, auditor.records, 1)
	assert.True(t, auditor.records[0].Success)
	assert.Equal(t, "ping", auditor.records[0].Command)
}

func TestHelpListsEveryCommand(t *testing.T) {
	r, gw, _ := newTestRegistry()

	require.NoError(t, r.Execute(context.Background(), testRequest("!help", "")))
	require.Len(t, gw.texts, 1)
	for verb := range r.handlers {
		assert.Contains(t, gw.texts[0], "!"+verb)
	}
}

func TestTime(t *testing.T) {
	r, gw, _ := newTestRegistry()

	require.NoError(t, r.Execute(context.Background(), testRequest("!time", "")))
	require.Len(t, gw.texts, 1)
	assert.Contains(t, gw.texts[0], "15:09")
	assert.Contains(t, gw.texts[0], "Friday")
}

func TestCreateChannel(t *testing.T) {
	r, gw, _ := newTestRegistry()

	require.NoError(t, r.Execute(context.Background(), testRequest("!channel", "Incident Room")))
	require.Len(t, gw.texts, 1)
	assert.Contains(t, gw.texts[0], "#incident room created")
}

func TestCreateChannelUsage(t *testing.T) {
	r, gw, auditor := newTestRegistry()

	require.NoError(t, r.Execute(context.Background(), testRequest("!channel", "   ")))
	require.Len(t, gw.texts, 1)
	assert.Contains(t, gw.texts[0], "Usage:")
	assert.True(t, auditor.records[0].Success, "asking for usage is not a failure")
}

func TestCreateChannelFailureAudited(t *testing.T) {
	r, gw, auditor := newTestRegistry()
	gw.createErr = errors.New("name_taken")

	err := r.Execute(context.Background(), testRequest("!channel", "general"))
	require.Error(t, err)
	require.Len(t, auditor.records, 1)
	assert.False(t, auditor.records[0].Success)
	assert.Contains(t, auditor.records[0].ErrorMessage, "name_taken")
	require.Len(t, gw.texts, 1, "the user still hears about the failure")
}

func TestListMembers(t *testing.T) {
	r, gw, _ := newTestRegistry()
	gw.members = []string{"ana", "bo"}
	gw.total = 12

	require.NoError(t, r.Execute(context.Background(), testRequest("!members", "")))
	require.Len(t, gw.texts, 1)
	assert.Contains(t, gw.texts[0], "12 members")
	assert.Contains(t, gw.texts[0], "• ana")
	assert.Contains(t, gw.texts[0], "and 10 more")
}

func TestRemindersMenuSendsBlocks(t *testing.T) {
	r, gw, _ := newTestRegistry()

	require.NoError(t, r.Execute(context.Background(), testRequest("!reminders", "")))
	assert.Equal(t, 1, gw.blockSends)
}

func TestUnknownCommandErrors(t *testing.T) {
	r, _, auditor := newTestRegistry()

	assert.Error(t, r.Execute(context.Background(), testRequest("!deploy", "")))
	assert.Empty(t, auditor.records)
}
