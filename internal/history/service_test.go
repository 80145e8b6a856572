package history

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	err  error
	conv *Conversation
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	c := r.conv
	turns, _ := json.Marshal(c.Turns)
	*dest[0].(*string) = c.ThreadKey
	*dest[1].(*string) = c.TeamID
	*dest[2].(*string) = c.Channel
	if c.ThreadTS != "" {
		ts := c.ThreadTS
		*dest[3].(**string) = &ts
	}
	*dest[4].(*string) = c.UserID
	*dest[5].(*[]byte) = turns
	if c.Summary != "" {
		sm := c.Summary
		*dest[6].(**string) = &sm
	}
	*dest[7].(*time.Time) = c.LastInteractionAt
	return nil
}

type fakeDB struct {
	row     fakeRow
	execErr error
	execs   int
}

func (d *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return d.row }

func (d *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	d.execs++
	return pgconn.CommandTag{}, d.execErr
}

func TestLoadMiss(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: pgx.ErrNoRows}}
	svc := NewService(slog.Default(), db)

	conv, err := svc.Load(context.Background(), "T1_U1_C1_101")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestLoadPopulatesCacheForFallback(t *testing.T) {
	stored := &Conversation{
		ThreadKey: "T1_U1_C1_101",
		TeamID:    "T1",
		Channel:   "C1",
		ThreadTS:  "101",
		UserID:    "U1",
		Turns:     []Turn{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}},
		Summary:   "greeting",
	}
	db := &fakeDB{row: fakeRow{conv: stored}}
	svc := NewService(slog.Default(), db)

	conv, err := svc.Load(context.Background(), "T1_U1_C1_101")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "greeting", conv.Summary)
	assert.Len(t, conv.Turns, 2)

	db.row = fakeRow{err: errors.New("connection refused")}
	conv, err = svc.Load(context.Background(), "T1_U1_C1_101")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, stored.Turns, conv.Turns)
}

func TestLoadFallsBackToCacheOnDurableMiss(t *testing.T) {
	db := &fakeDB{
		row:     fakeRow{err: pgx.ErrNoRows},
		execErr: errors.New("connection refused"),
	}
	svc := NewService(slog.Default(), db)

	conv := &Conversation{
		ThreadKey: "T1_U1_C1_101",
		TeamID:    "T1",
		Channel:   "C1",
		UserID:    "U1",
		Turns:     []Turn{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}},
	}
	require.Error(t, svc.Save(context.Background(), conv), "durable write is down")

	got, err := svc.Load(context.Background(), "T1_U1_C1_101")
	require.NoError(t, err)
	require.NotNil(t, got, "cached conversation survives a durable miss")
	assert.Equal(t, conv.Turns, got.Turns)
}

func TestLoadErrorWithoutCache(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: errors.New("connection refused")}}
	svc := NewService(slog.Default(), db)

	_, err := svc.Load(context.Background(), "T1_U1_C1_101")
	assert.Error(t, err)
}

func TestSaveCachesEvenWhenDurableWriteFails(t *testing.T) {
	db := &fakeDB{
		row:     fakeRow{err: errors.New("connection refused")},
		execErr: errors.New("connection refused"),
	}
	svc := NewService(slog.Default(), db)

	conv := &Conversation{
		ThreadKey: "T1_U1_C1_101",
		TeamID:    "T1",
		Channel:   "C1",
		UserID:    "U1",
		Turns:     []Turn{{Role: RoleUser, Content: "hi"}},
	}
	assert.Error(t, svc.Save(context.Background(), conv))

	got, err := svc.Load(context.Background(), "T1_U1_C1_101")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, conv.Turns, got.Turns)
}

func TestSaveDoesNotAliasCallerSlice(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: errors.New("down")}}
	svc := NewService(slog.Default(), db)

	conv := &Conversation{ThreadKey: "k", Turns: []Turn{{Role: RoleUser, Content: "hi"}}}
	require.NoError(t, svc.Save(context.Background(), conv))
	conv.Turns[0].Content = "mutated"

	got, err := svc.Load(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Turns[0].Content)
}

func TestDeactivateDropsCacheEntry(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: errors.New("down")}}
	svc := NewService(slog.Default(), db)

	require.NoError(t, svc.Save(context.Background(), &Conversation{ThreadKey: "k", Turns: []Turn{{Role: RoleUser, Content: "hi"}}}))
	require.NoError(t, svc.Deactivate(context.Background(), "k"))

	_, err := svc.Load(context.Background(), "k")
	assert.Error(t, err, "nothing cached and the database is down")
}
