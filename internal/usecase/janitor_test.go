package usecase

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/adapter/store"
	"parley/internal/domain"
	"parley/internal/usecase/engine"
)

func newJanitorHarness(t *testing.T, retention time.Duration) (*Janitor, *store.MemoryStore) {
	t.Helper()
	log := slog.Default()
	st := store.NewMemoryStore()
	eng := engine.New(log)
	eng.Start()
	t.Cleanup(eng.Close)
	correlator := NewCorrelator(log)
	return NewJanitor(st, st, eng, correlator, retention, log), st
}

func seedRecords(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	_, err := st.Append(ctx, "b1", "u1", domain.Payload{Text: "hi", Type: domain.PayloadTypeText})
	require.NoError(t, err)

	archived := &domain.Notification{
		ID: domain.NewID(time.Now()), BotID: "b1", Message: "old",
		Level: domain.NotificationInfo, State: domain.NotificationUnread,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.Create(ctx, archived))
	require.NoError(t, st.SetState(ctx, archived.ID, domain.NotificationArchived))
}

func TestSweepDeletesRecordsPastRetention(t *testing.T) {
	// Zero retention: everything created before the sweep starts is stale.
	jan, st := newJanitorHarness(t, 0)
	seedRecords(t, st)
	time.Sleep(5 * time.Millisecond)

	jan.Sweep(context.Background())

	msgs, err := st.ListByBot(context.Background(), "b1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	archived, err := st.ListByState(context.Background(), "b1", domain.NotificationArchived)
	require.NoError(t, err)
	assert.Empty(t, archived)
}

func TestSweepSparesRecordsWithinRetention(t *testing.T) {
	jan, st := newJanitorHarness(t, time.Hour)
	seedRecords(t, st)

	jan.Sweep(context.Background())

	msgs, err := st.ListByBot(context.Background(), "b1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	archived, err := st.ListByState(context.Background(), "b1", domain.NotificationArchived)
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestSweepSparesNonArchivedNotifications(t *testing.T) {
	jan, st := newJanitorHarness(t, 0)
	ctx := context.Background()

	n := &domain.Notification{
		ID: domain.NewID(time.Now()), BotID: "b1", Message: "keep me",
		Level: domain.NotificationInfo, State: domain.NotificationUnread,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.Create(ctx, n))
	time.Sleep(5 * time.Millisecond)

	jan.Sweep(ctx)

	inbox, err := st.ListByState(ctx, "b1", domain.NotificationUnread)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
}

func TestJanitorStartAndStop(t *testing.T) {
	jan, st := newJanitorHarness(t, 0)
	seedRecords(t, st)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, jan.Start(50*time.Millisecond))
	defer jan.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := st.ListByBot(context.Background(), "b1", 0)
		require.NoError(t, err)
		if len(msgs) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduled sweep never ran")
}
