package usecase

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/adapter/store"
	"parley/internal/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (s *recordingSink) SendEvent(_ context.Context, ev *domain.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func newNotifyHarness() (*NotificationService, *recordingSink) {
	sink := &recordingSink{}
	return NewNotificationService(store.NewMemoryStore(), sink, slog.Default()), sink
}

func TestCreateStartsUnreadAndPublishes(t *testing.T) {
	svc, sink := newNotifyHarness()

	n, err := svc.Create(context.Background(), "b1", "disk almost full", domain.NotificationError)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationUnread, n.State)
	assert.NotEmpty(t, n.ID)

	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.DirectionOutgoing, sink.events[0].Direction)
	assert.Equal(t, "notification", sink.events[0].Payload.Type)
}

func TestInboxExcludesArchived(t *testing.T) {
	svc, _ := newNotifyHarness()
	ctx := context.Background()

	a, err := svc.Create(ctx, "b1", "first", domain.NotificationInfo)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "b1", "second", domain.NotificationInfo)
	require.NoError(t, err)

	require.NoError(t, svc.Archive(ctx, a.ID))

	inbox, err := svc.GetInbox(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "second", inbox[0].Message)

	archived, err := svc.GetArchived(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "first", archived[0].Message)
}

func TestInboxNewestFirst(t *testing.T) {
	svc, _ := newNotifyHarness()
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three"} {
		_, err := svc.Create(ctx, "b1", msg, domain.NotificationInfo)
		require.NoError(t, err)
	}

	inbox, err := svc.GetInbox(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, inbox, 3)
	assert.Equal(t, "three", inbox[0].Message)
	assert.Equal(t, "one", inbox[2].Message)
}

func TestMarkAsReadKeepsInInbox(t *testing.T) {
	svc, _ := newNotifyHarness()
	ctx := context.Background()

	n, err := svc.Create(ctx, "b1", "hello", domain.NotificationInfo)
	require.NoError(t, err)

	require.NoError(t, svc.MarkAsRead(ctx, n.ID))

	inbox, err := svc.GetInbox(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, domain.NotificationRead, inbox[0].State)
}

func TestMarkAsReadIdempotent(t *testing.T) {
	svc, _ := newNotifyHarness()
	ctx := context.Background()

	n, err := svc.Create(ctx, "b1", "hello", domain.NotificationInfo)
	require.NoError(t, err)

	require.NoError(t, svc.MarkAsRead(ctx, n.ID))
	require.NoError(t, svc.MarkAsRead(ctx, n.ID))
}

func TestArchiveIsTerminal(t *testing.T) {
	svc, _ := newNotifyHarness()
	ctx := context.Background()

	n, err := svc.Create(ctx, "b1", "hello", domain.NotificationInfo)
	require.NoError(t, err)

	require.NoError(t, svc.Archive(ctx, n.ID))
	// Marking an archived notification read is absorbed, not an error.
	require.NoError(t, svc.MarkAsRead(ctx, n.ID))

	archived, err := svc.GetArchived(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, domain.NotificationArchived, archived[0].State)
}

func TestTransitionsOnUnknownIDReturnNotFound(t *testing.T) {
	svc, _ := newNotifyHarness()
	ctx := context.Background()

	assert.ErrorIs(t, svc.MarkAsRead(ctx, "nope"), domain.ErrNotFound)
	assert.ErrorIs(t, svc.Archive(ctx, "nope"), domain.ErrNotFound)
}

func TestMarkAllAsReadScopedToBot(t *testing.T) {
	svc, _ := newNotifyHarness()
	ctx := context.Background()

	_, err := svc.Create(ctx, "b1", "a", domain.NotificationInfo)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "b2", "b", domain.NotificationInfo)
	require.NoError(t, err)

	require.NoError(t, svc.MarkAllAsRead(ctx, "b1"))

	b1, err := svc.GetInbox(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationRead, b1[0].State)

	b2, err := svc.GetInbox(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationUnread, b2[0].State)
}

func TestMarkAllAsReadEmptyInboxIsNoOp(t *testing.T) {
	svc, _ := newNotifyHarness()
	assert.NoError(t, svc.MarkAllAsRead(context.Background(), "b1"))
}

func TestArchiveAllSweepsReadAndUnread(t *testing.T) {
	svc, _ := newNotifyHarness()
	ctx := context.Background()

	a, err := svc.Create(ctx, "b1", "a", domain.NotificationInfo)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "b1", "b", domain.NotificationInfo)
	require.NoError(t, err)
	require.NoError(t, svc.MarkAsRead(ctx, a.ID))

	require.NoError(t, svc.ArchiveAll(ctx, "b1"))

	inbox, err := svc.GetInbox(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, inbox)

	archived, err := svc.GetArchived(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, archived, 2)
}
