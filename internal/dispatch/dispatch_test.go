package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybothq/skybot/internal/audit"
	"github.com/skybothq/skybot/internal/commands"
	"github.com/skybothq/skybot/internal/reminders"
	"github.com/skybothq/skybot/internal/state"
)

type sentMessage struct {
	channel  string
	threadTS string
	text     string
}

type openedModal struct {
	triggerID string
	view      slack.ModalViewRequest
}

type fakeMessenger struct {
	texts   []sentMessage
	blocks  [][]slack.Block
	dms     []sentMessage
	modals  []openedModal
	openErr error
}

func (f *fakeMessenger) SendMessage(_ context.Context, _, channel, threadTS, text string) error {
	f.texts = append(f.texts, sentMessage{channel: channel, threadTS: threadTS, text: text})
	return nil
}

func (f *fakeMessenger) SendBlocks(_ context.Context, _, _, _ string, blocks ...slack.Block) error {
	f.blocks = append(f.blocks, blocks)
	return nil
}

func (f *fakeMessenger) SendDM(_ context.Context, _, userID, text string) error {
	f.dms = append(f.dms, sentMessage{channel: userID, text: text})
	return nil
}

func (f *fakeMessenger) OpenModal(_ context.Context, _, triggerID string, view slack.ModalViewRequest) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.modals = append(f.modals, openedModal{triggerID: triggerID, view: view})
	return nil
}

func (f *fakeMessenger) lastText() string {
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1].text
}

type fakeTokens struct {
	err     error
	botUser string
}

func (f fakeTokens) BotToken(context.Context, string) (string, error) {
	return "xoxb-test", f.err
}

func (f fakeTokens) BotUserID(context.Context, string) (string, error) {
	return f.botUser, f.err
}

type fakeCommands struct {
	known    map[string]bool
	executed []commands.Request
}

func (f *fakeCommands) Known(cmd string) bool { return f.known[cmd] }

func (f *fakeCommands) Execute(_ context.Context, req commands.Request) error {
	f.executed = append(f.executed, req)
	return nil
}

type fakeResponder struct {
	reply string
	ok    bool
	asked []string
}

func (f *fakeResponder) Respond(_ context.Context, _, userMessage string) (string, bool) {
	f.asked = append(f.asked, userMessage)
	return f.reply, f.ok
}

type fakeDeactivator struct{ keys []string }

func (f *fakeDeactivator) Deactivate(_ context.Context, key string) error {
	f.keys = append(f.keys, key)
	return nil
}

type createdReminder struct {
	teamID  string
	userID  string
	message string
	dueAt   time.Time
}

type fakeReminders struct {
	list      []reminders.Reminder
	err       error
	created   []createdReminder
	createErr error
}

func (f *fakeReminders) ListUpcoming(context.Context, string, string) ([]reminders.Reminder, error) {
	return f.list, f.err
}

func (f *fakeReminders) Create(_ context.Context, teamID, userID, message string, dueAt time.Time) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, createdReminder{teamID: teamID, userID: userID, message: message, dueAt: dueAt})
	return "rem-1", nil
}

type fakeAuditor struct{ records []audit.CommandInteraction }

func (f *fakeAuditor) RecordCommand(_ context.Context, rec audit.CommandInteraction) {
	f.records = append(f.records, rec)
}

type fixture struct {
	engine *Engine
	state  *state.Store
	gw     *fakeMessenger
	cmds   *fakeCommands
	ai     *fakeResponder
	hist   *fakeDeactivator
	rem    *fakeReminders
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := state.NewStore(slog.Default(), time.Hour)
	gw := &fakeMessenger{}
	cmds := &fakeCommands{known: map[string]bool{"!ping": true, "!help": true}}
	ai := &fakeResponder{reply: "pong", ok: true}
	hist := &fakeDeactivator{}
	rem := &fakeReminders{}
	engine := NewEngine(slog.Default(), st, fakeTokens{}, gw, cmds, ai, hist, rem, &fakeAuditor{})
	return &fixture{engine: engine, state: st, gw: gw, cmds: cmds, ai: ai, hist: hist, rem: rem}
}

func messageEvent(text string) Event {
	return Event{
		EventID: "Ev1",
		TeamID:  "T1",
		Type:    "message",
		User:    "U1",
		Channel: "C1",
		Text:    text,
		TS:      "101",
	}
}

const testKey = "T1_U1_C1_101"

func TestDuplicateEventIgnored(t *testing.T) {
	f := newFixture(t)
	ev := messageEvent("!foo")

	f.engine.HandleEvent(context.Background(), ev)
	f.engine.HandleEvent(context.Background(), ev)

	assert.Len(t, f.gw.texts, 1, "one reply despite two deliveries")
	assert.Equal(t, 1, f.state.Get(testKey).Attempts)
}

func TestEmptyEventIDNeverDeduped(t *testing.T) {
	f := newFixture(t)
	ev := messageEvent("!foo")
	ev.EventID = ""

	f.engine.HandleEvent(context.Background(), ev)
	f.engine.HandleEvent(context.Background(), ev)
	assert.Len(t, f.gw.texts, 2)
}

func TestBotAndEmptyMessagesIgnored(t *testing.T) {
	f := newFixture(t)

	ev := messageEvent("!ping")
	ev.BotID = "B1"
	f.engine.HandleEvent(context.Background(), ev)

	ev = messageEvent("!ping")
	ev.EventID = "Ev2"
	ev.Subtype = "bot_message"
	f.engine.HandleEvent(context.Background(), ev)

	ev = messageEvent("<@UBOT>")
	ev.EventID = "Ev3"
	f.engine.HandleEvent(context.Background(), ev)

	ev = messageEvent("!ping")
	ev.EventID = "Ev4"
	ev.User = ""
	f.engine.HandleEvent(context.Background(), ev)

	assert.Empty(t, f.cmds.executed)
	assert.Empty(t, f.gw.texts)
}

func TestUnaddressedMessageIgnored(t *testing.T) {
	f := newFixture(t)

	f.engine.HandleEvent(context.Background(), messageEvent("just chatting with a friend"))
	assert.Empty(t, f.gw.texts)
	assert.Empty(t, f.cmds.executed)
}

func TestMissingTokenDropsEvent(t *testing.T) {
	f := newFixture(t)
	f.engine.tokens = fakeTokens{err: errors.New("not installed")}

	f.engine.HandleEvent(context.Background(), messageEvent("!ping"))
	assert.Empty(t, f.cmds.executed)
	assert.Empty(t, f.gw.texts)
}

func TestKnownCommandExecutesAndResetsState(t *testing.T) {
	f := newFixture(t)
	f.state.IncrementAttempts(testKey)
	f.state.Update(testKey, func(c *state.Conversation) {
		c.AgentModeSince = time.Now()
		c.PreferredProvider = "openai"
	})

	f.engine.HandleEvent(context.Background(), messageEvent("!ping with args"))

	require.Len(t, f.cmds.executed, 1)
	assert.Equal(t, "!ping", f.cmds.executed[0].Command)
	assert.Equal(t, "with args", f.cmds.executed[0].Args)
	assert.Equal(t, "101", f.cmds.executed[0].ThreadTS)

	got := f.state.Get(testKey)
	assert.Equal(t, state.Conversation{}, got)
	assert.Equal(t, []string{testKey}, f.hist.keys, "transcript deactivated on command match")
}

func TestMentionSynthesizesCommandMarker(t *testing.T) {
	f := newFixture(t)

	f.engine.HandleEvent(context.Background(), messageEvent("<@UBOT> ping"))
	require.Len(t, f.cmds.executed, 1)
	assert.Equal(t, "!ping", f.cmds.executed[0].Command)
}

func buttonValue(t *testing.T, blocks []slack.Block) string {
	t.Helper()
	for _, b := range blocks {
		actions, ok := b.(*slack.ActionBlock)
		if !ok {
			continue
		}
		btn, ok := actions.Elements.ElementSet[0].(*slack.ButtonBlockElement)
		require.True(t, ok)
		return btn.Value
	}
	t.Fatal("no action block found")
	return ""
}

func TestEscalationAfterThreeAttempts(t *testing.T) {
	f := newFixture(t)

	for i, want := range []string{"1/3", "2/3"} {
		ev := messageEvent("!foo")
		ev.EventID = fmt.Sprintf("Ev%d", i)
		f.engine.HandleEvent(context.Background(), ev)
		require.Len(t, f.gw.texts, i+1)
		assert.Contains(t, f.gw.texts[i].text, want)
		assert.Empty(t, f.gw.blocks, "no prompt before the third attempt")
	}

	ev := messageEvent("!foo")
	ev.EventID = "Ev3"
	f.engine.HandleEvent(context.Background(), ev)

	require.Len(t, f.gw.blocks, 1)
	assert.Equal(t, testKey, buttonValue(t, f.gw.blocks[0]))

	got := f.state.Get(testKey)
	require.NotNil(t, got.Pending)
	assert.Equal(t, "foo", got.Pending.Message)
	assert.Equal(t, "101", got.Pending.ThreadTS)
}

func TestFourthAttemptRepromptsIdentically(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		ev := messageEvent("!foo")
		ev.EventID = fmt.Sprintf("Ev%d", i)
		f.engine.HandleEvent(context.Background(), ev)
	}

	assert.Len(t, f.gw.blocks, 2, "third and fourth attempts both prompt")
	assert.Equal(t, buttonValue(t, f.gw.blocks[0]), buttonValue(t, f.gw.blocks[1]))
}

func escalate(t *testing.T, f *fixture) {
	t.Helper()
	for i := 0; i < 3; i++ {
		ev := messageEvent("!foo")
		ev.EventID = fmt.Sprintf("EvEsc%d", i)
		f.engine.HandleEvent(context.Background(), ev)
	}
	require.Len(t, f.gw.blocks, 1)
}

func confirmAction(actionID string) Action {
	return Action{
		ActionID: actionID,
		Value:    testKey,
		TeamID:   "T1",
		UserID:   "U1",
		Channel:  "C1",
	}
}

func TestAcceptEscalationRunsAssistant(t *testing.T) {
	f := newFixture(t)
	escalate(t, f)

	f.engine.HandleAction(context.Background(), confirmAction(ActionConfirmYes))

	got := f.state.Get(testKey)
	assert.True(t, got.InAgentMode())
	assert.Nil(t, got.Pending)
	assert.Zero(t, got.Attempts)

	require.Equal(t, []string{"foo"}, f.ai.asked, "the pending message is answered")
	assert.Equal(t, "pong", f.gw.lastText())
	assert.Equal(t, "101", f.gw.texts[len(f.gw.texts)-1].threadTS)
}

func TestAcceptWithoutPendingReportsExpiry(t *testing.T) {
	f := newFixture(t)

	f.engine.HandleAction(context.Background(), confirmAction(ActionConfirmYes))

	assert.Contains(t, f.gw.lastText(), "expired")
	assert.False(t, f.state.Get(testKey).InAgentMode())
	assert.Empty(t, f.ai.asked)
}

func TestDeclineClearsEverything(t *testing.T) {
	f := newFixture(t)
	escalate(t, f)
	f.state.SetPreferredProvider(testKey, "openai")

	f.engine.HandleAction(context.Background(), confirmAction(ActionConfirmNo))

	assert.Equal(t, state.Conversation{}, f.state.Get(testKey))
	assert.Equal(t, []string{testKey}, f.hist.keys)
	assert.Contains(t, f.gw.lastText(), "no assistant")
	assert.Empty(t, f.ai.asked)
}

func TestDeclineWithoutPendingReportsExpiry(t *testing.T) {
	f := newFixture(t)

	f.engine.HandleAction(context.Background(), confirmAction(ActionConfirmNo))
	assert.Contains(t, f.gw.lastText(), "expired")
}

func TestAgentModeBypassesCommands(t *testing.T) {
	f := newFixture(t)
	f.state.Update(testKey, func(c *state.Conversation) { c.AgentModeSince = time.Now() })

	ev := messageEvent("!ping")
	ev.ThreadTS = "101"
	ev.TS = "105"
	f.engine.HandleEvent(context.Background(), ev)

	assert.Empty(t, f.cmds.executed, "command parsing is bypassed in agent mode")
	assert.Equal(t, []string{"ping"}, f.ai.asked, "bang prefix stripped before the assistant sees it")
	require.Len(t, f.gw.texts, 2)
	assert.Contains(t, f.gw.texts[0].text, "Thinking")
	assert.Equal(t, "pong", f.gw.texts[1].text)
}

func TestAgentModeOutsideThreadStillRunsCommands(t *testing.T) {
	f := newFixture(t)
	f.state.Update(testKey, func(c *state.Conversation) { c.AgentModeSince = time.Now() })

	f.engine.HandleEvent(context.Background(), messageEvent("!ping"))
	assert.Len(t, f.cmds.executed, 1)
	assert.Empty(t, f.ai.asked)
}

func TestAssistantUnavailableNotice(t *testing.T) {
	f := newFixture(t)
	f.ai.ok = false
	f.state.Update(testKey, func(c *state.Conversation) { c.AgentModeSince = time.Now() })

	ev := messageEvent("hello")
	ev.ThreadTS = "101"
	f.engine.HandleEvent(context.Background(), ev)

	require.Len(t, f.gw.texts, 2)
	assert.Contains(t, f.gw.texts[1].text, "No assistant")
}

func TestBotOwnMessagesIgnored(t *testing.T) {
	f := newFixture(t)
	f.engine.tokens = fakeTokens{botUser: "UBOT"}

	ev := messageEvent("!ping")
	ev.User = "UBOT"
	f.engine.HandleEvent(context.Background(), ev)

	assert.Empty(t, f.cmds.executed)
	assert.Empty(t, f.gw.texts)
}

func TestReminderListAction(t *testing.T) {
	f := newFixture(t)
	f.engine.reminders = &fakeReminders{list: []reminders.Reminder{
		{Message: "standup", DueAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)},
	}}

	f.engine.HandleAction(context.Background(), confirmAction(ActionReminderList))
	assert.Contains(t, f.gw.lastText(), "standup")
}

func TestReminderListEmpty(t *testing.T) {
	f := newFixture(t)

	f.engine.HandleAction(context.Background(), confirmAction(ActionReminderList))
	assert.Contains(t, f.gw.lastText(), "no pending reminders")
}

func TestReminderCreateOpensModal(t *testing.T) {
	f := newFixture(t)

	a := confirmAction(ActionReminderCreate)
	a.TriggerID = "trig-1"
	f.engine.HandleAction(context.Background(), a)

	require.Len(t, f.gw.modals, 1)
	assert.Equal(t, "trig-1", f.gw.modals[0].triggerID)
	assert.Equal(t, CallbackReminderSubmit, f.gw.modals[0].view.CallbackID)
	assert.Len(t, f.gw.modals[0].view.Blocks.BlockSet, 3)
}

func TestReminderCreateWithoutTriggerID(t *testing.T) {
	f := newFixture(t)

	f.engine.HandleAction(context.Background(), confirmAction(ActionReminderCreate))
	assert.Empty(t, f.gw.modals)
}

func TestReminderCreateModalOpenFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.openErr = errors.New("expired_trigger_id")

	a := confirmAction(ActionReminderCreate)
	a.TriggerID = "trig-1"
	f.engine.HandleAction(context.Background(), a)

	assert.Contains(t, f.gw.lastText(), "Could not open")
}

func reminderSubmission(date, clock, message string) Submission {
	return Submission{
		CallbackID: CallbackReminderSubmit,
		TeamID:     "T1",
		UserID:     "U1",
		Values: map[string]map[string]slack.BlockAction{
			"date_input":    {"date": {SelectedDate: date}},
			"time_input":    {"time": {Value: clock}},
			"message_input": {"message": {Value: message}},
		},
	}
}

func TestSubmissionCreatesReminder(t *testing.T) {
	f := newFixture(t)

	f.engine.HandleSubmission(context.Background(), reminderSubmission("2025-06-01", "09:30", "standup notes"))

	require.Len(t, f.rem.created, 1)
	got := f.rem.created[0]
	assert.Equal(t, "T1", got.teamID)
	assert.Equal(t, "U1", got.userID)
	assert.Equal(t, "standup notes", got.message)
	assert.Equal(t, time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC), got.dueAt)

	require.Len(t, f.gw.dms, 1)
	assert.Contains(t, f.gw.dms[0].text, "Reminder created")
}

func TestSubmissionRejectsBadTime(t *testing.T) {
	f := newFixture(t)

	f.engine.HandleSubmission(context.Background(), reminderSubmission("2025-06-01", "9h30", "standup"))
	assert.Empty(t, f.rem.created)
	assert.Empty(t, f.gw.dms)
}

func TestSubmissionRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t)

	f.engine.HandleSubmission(context.Background(), reminderSubmission("2025-06-01", "09:30", "  "))
	assert.Empty(t, f.rem.created)
}

func TestSubmissionStoreFailureNotifiesUser(t *testing.T) {
	f := newFixture(t)
	f.rem.createErr = errors.New("db down")

	f.engine.HandleSubmission(context.Background(), reminderSubmission("2025-06-01", "09:30", "standup"))

	require.Len(t, f.gw.dms, 1)
	assert.Contains(t, f.gw.dms[0].text, "could not be saved")
}

func TestSubmissionUnknownCallbackIgnored(t *testing.T) {
	f := newFixture(t)

	sub := reminderSubmission("2025-06-01", "09:30", "standup")
	sub.CallbackID = "something_else"
	f.engine.HandleSubmission(context.Background(), sub)

	assert.Empty(t, f.rem.created)
	assert.Empty(t, f.gw.dms)
}
