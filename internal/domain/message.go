package domain

import (
	"context"
	"time"
)

// StoredMessage is one append-only conversation log record. The payload is
// the sanitized form: the log is durable before the event is dispatched, so
// a crash between persistence and delivery still leaves an audit trail.
type StoredMessage struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	UserID    string    `json:"user_id"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageStore is the append-only conversation log.
type MessageStore interface {
	Append(ctx context.Context, botID, userID string, payload Payload) (*StoredMessage, error)
	// ListByBot returns up to limit of the bot's newest records, newest
	// first. limit <= 0 means no limit.
	ListByBot(ctx context.Context, botID string, limit int) ([]*StoredMessage, error)
	// DeleteOlderThan removes records created before cutoff and returns how
	// many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
