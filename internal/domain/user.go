package domain

import (
	"context"
	"time"
)

// User is a channel-scoped end-user identity. Events always reference a
// persisted user, so resolution happens before event construction.
type User struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"created_at"`
}

// UserStore resolves and persists user identities.
type UserStore interface {
	// GetOrCreate returns the user for (channel, userID), creating it on
	// first contact. Idempotent.
	GetOrCreate(ctx context.Context, channel, userID string) (*User, error)
}
