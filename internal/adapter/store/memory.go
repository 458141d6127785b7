// Package store provides the persistence adapters: an in-memory
// implementation used in tests and zero-config deployments, and a SQLite
// implementation for durable single-instance serving. Both satisfy the
// domain store interfaces.
package store

import (
	"context"
	"sync"
	"time"

	"parley/internal/domain"
)

// MemoryStore keeps users, the conversation log and notifications in maps.
// Safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	users map[string]*domain.User // key: channel+"|"+id

	messages []*domain.StoredMessage // append-only, creation order

	notifs      map[string]*domain.Notification
	notifsByBot map[string][]string // botID -> notification IDs, creation order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*domain.User),
		notifs:      make(map[string]*domain.Notification),
		notifsByBot: make(map[string][]string),
	}
}

// GetOrCreate implements domain.UserStore.
func (s *MemoryStore) GetOrCreate(_ context.Context, channel, userID string) (*domain.User, error) {
	key := channel + "|" + userID
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[key]; ok {
		cp := *u
		return &cp, nil
	}
	u := &domain.User{ID: userID, Channel: channel, CreatedAt: time.Now()}
	s.users[key] = u
	cp := *u
	return &cp, nil
}

// Append implements domain.MessageStore.
func (s *MemoryStore) Append(_ context.Context, botID, userID string, payload domain.Payload) (*domain.StoredMessage, error) {
	now := time.Now()
	msg := &domain.StoredMessage{
		ID:        domain.NewID(now),
		BotID:     botID,
		UserID:    userID,
		Payload:   payload,
		CreatedAt: now,
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	cp := *msg
	return &cp, nil
}

// ListByBot implements domain.MessageStore: newest first, capped at limit
// when limit > 0.
func (s *MemoryStore) ListByBot(_ context.Context, botID string, limit int) ([]*domain.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.StoredMessage
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].BotID != botID {
			continue
		}
		cp := *s.messages[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// DeleteOlderThan implements domain.MessageStore. Snapshot-then-delete: the
// survivor set is computed against the cutoff only, so records appended
// concurrently (always newer) are never touched.
func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0:0]
	deleted := 0
	for _, m := range s.messages {
		if m.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return deleted, nil
}

// Create implements domain.NotificationStore.
func (s *MemoryStore) Create(_ context.Context, n *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.notifs[n.ID] = &cp
	s.notifsByBot[n.BotID] = append(s.notifsByBot[n.BotID], n.ID)
	return nil
}

// Get implements domain.NotificationStore.
func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifs[id]
	if !ok {
		return nil, domain.NewDomainError("MemoryStore.Get", domain.ErrNotFound, id)
	}
	cp := *n
	return &cp, nil
}

// ListByState implements domain.NotificationStore: newest first.
func (s *MemoryStore) ListByState(_ context.Context, botID string, states ...domain.NotificationState) ([]*domain.Notification, error) {
	want := make(map[domain.NotificationState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.notifsByBot[botID]
	var out []*domain.Notification
	for i := len(ids) - 1; i >= 0; i-- {
		n := s.notifs[ids[i]]
		if n == nil || !want[n.State] {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

// SetState implements domain.NotificationStore. Archived is terminal;
// re-applying the current state is a no-op.
func (s *MemoryStore) SetState(_ context.Context, id string, state domain.NotificationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifs[id]
	if !ok {
		return domain.NewDomainError("MemoryStore.SetState", domain.ErrNotFound, id)
	}
	if n.State == domain.NotificationArchived {
		return nil
	}
	n.State = state
	return nil
}

// SetStateAll implements domain.NotificationStore.
func (s *MemoryStore) SetStateAll(_ context.Context, botID string, state domain.NotificationState, from ...domain.NotificationState) error {
	match := make(map[domain.NotificationState]bool, len(from))
	for _, st := range from {
		match[st] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.notifsByBot[botID] {
		n := s.notifs[id]
		if n == nil || !match[n.State] {
			continue
		}
		n.State = state
	}
	return nil
}

// DeleteArchivedOlderThan implements domain.NotificationStore.
func (s *MemoryStore) DeleteArchivedOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for botID, ids := range s.notifsByBot {
		kept := ids[:0:0]
		for _, id := range ids {
			n := s.notifs[id]
			if n != nil && n.State == domain.NotificationArchived && n.CreatedAt.Before(cutoff) {
				delete(s.notifs, id)
				deleted++
				continue
			}
			kept = append(kept, id)
		}
		s.notifsByBot[botID] = kept
	}
	return deleted, nil
}
