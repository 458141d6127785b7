package domain

import (
	"context"
	"time"
)

// NotificationState is the read/archive lifecycle state of a notification.
type NotificationState string

const (
	NotificationUnread   NotificationState = "unread"
	NotificationRead     NotificationState = "read"
	NotificationArchived NotificationState = "archived"
)

// NotificationLevel is the severity attached to a notification.
type NotificationLevel string

const (
	NotificationInfo  NotificationLevel = "info"
	NotificationError NotificationLevel = "error"
)

// Notification is one entry in a bot's mailbox. Identity never changes;
// only State moves: unread to read, and anything to archived. Archived is
// terminal. Transitions are idempotent.
type Notification struct {
	ID        string            `json:"id"`
	BotID     string            `json:"bot_id"`
	Message   string            `json:"message"`
	Level     NotificationLevel `json:"level"`
	State     NotificationState `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
}

// NotificationStore persists notifications.
type NotificationStore interface {
	Create(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	// ListByState returns the bot's notifications in the given states,
	// newest first.
	ListByState(ctx context.Context, botID string, states ...NotificationState) ([]*Notification, error)
	// SetState transitions one notification. Returns ErrNotFound for an
	// unknown id. Re-applying the current state is a no-op, not an error.
	SetState(ctx context.Context, id string, state NotificationState) error
	// SetStateAll transitions every notification of the bot currently in one
	// of the from states. An empty match set is a valid no-op.
	SetStateAll(ctx context.Context, botID string, state NotificationState, from ...NotificationState) error
	// DeleteArchivedOlderThan removes archived notifications created before
	// cutoff and returns how many were removed.
	DeleteArchivedOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
