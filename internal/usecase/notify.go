package usecase

import (
	"context"
	"log/slog"
	"time"

	"parley/internal/domain"
)

// EventSink is where the notification service publishes system events so
// realtime consumers see new notifications; the engine satisfies it.
type EventSink interface {
	SendEvent(ctx context.Context, ev *domain.Event) error
}

// NotificationService is the event-sourced per-bot mailbox with the
// read/archive state machine.
type NotificationService struct {
	store  domain.NotificationStore
	sink   EventSink // optional
	logger *slog.Logger
}

// NewNotificationService creates the service. sink may be nil.
func NewNotificationService(store domain.NotificationStore, sink EventSink, logger *slog.Logger) *NotificationService {
	return &NotificationService{store: store, sink: sink, logger: logger}
}

// Create emits a new unread notification for the bot and, when a sink is
// wired, publishes it as an outgoing system event.
func (s *NotificationService) Create(ctx context.Context, botID, message string, level domain.NotificationLevel) (*domain.Notification, error) {
	now := time.Now()
	n := &domain.Notification{
		ID:        domain.NewID(now),
		BotID:     botID,
		Message:   message,
		Level:     level,
		State:     domain.NotificationUnread,
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, n); err != nil {
		return nil, domain.WrapOp("NotificationService.Create", err)
	}

	if s.sink != nil {
		ev := domain.NewEvent(botID, domain.ChannelAPI, "", domain.DirectionOutgoing, domain.Payload{
			Type: "notification",
			Text: message,
			Data: map[string]any{"notification_id": n.ID, "level": string(level)},
		})
		if err := s.sink.SendEvent(ctx, ev); err != nil {
			// Mailbox write succeeded; the stream copy is best effort.
			s.logger.Warn("notification event publish failed", "notification", n.ID, "error", err)
		}
	}
	return n, nil
}

// GetInbox returns the bot's non-archived notifications, newest first.
func (s *NotificationService) GetInbox(ctx context.Context, botID string) ([]*domain.Notification, error) {
	return s.store.ListByState(ctx, botID, domain.NotificationUnread, domain.NotificationRead)
}

// GetArchived returns the bot's archived notifications, newest first.
func (s *NotificationService) GetArchived(ctx context.Context, botID string) ([]*domain.Notification, error) {
	return s.store.ListByState(ctx, botID, domain.NotificationArchived)
}

// MarkAsRead moves one notification to read. Idempotent; ErrNotFound for an
// unknown id.
func (s *NotificationService) MarkAsRead(ctx context.Context, id string) error {
	return domain.WrapOp("NotificationService.MarkAsRead",
		s.store.SetState(ctx, id, domain.NotificationRead))
}

// MarkAllAsRead moves every unread notification of the bot to read. An
// empty inbox is a valid no-op. Other bots are untouched.
func (s *NotificationService) MarkAllAsRead(ctx context.Context, botID string) error {
	return domain.WrapOp("NotificationService.MarkAllAsRead",
		s.store.SetStateAll(ctx, botID, domain.NotificationRead, domain.NotificationUnread))
}

// Archive moves one notification to the terminal archived state.
// Idempotent; ErrNotFound for an unknown id.
func (s *NotificationService) Archive(ctx context.Context, id string) error {
	return domain.WrapOp("NotificationService.Archive",
		s.store.SetState(ctx, id, domain.NotificationArchived))
}

// ArchiveAll archives every non-archived notification of the bot.
func (s *NotificationService) ArchiveAll(ctx context.Context, botID string) error {
	return domain.WrapOp("NotificationService.ArchiveAll",
		s.store.SetStateAll(ctx, botID, domain.NotificationArchived,
			domain.NotificationUnread, domain.NotificationRead))
}
