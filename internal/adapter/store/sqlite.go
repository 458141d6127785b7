package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"parley/internal/domain"
)

// SQLiteStore implements the domain store interfaces on a single SQLite
// database. Timestamps are stored as Unix nanoseconds so retention sweeps
// can compare them in SQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT NOT NULL,
			channel    TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (channel, id)
		);
		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			bot_id     TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_bot ON messages(bot_id, created_at);
		CREATE TABLE IF NOT EXISTS notifications (
			id         TEXT PRIMARY KEY,
			bot_id     TEXT NOT NULL,
			message    TEXT NOT NULL,
			level      TEXT NOT NULL,
			state      TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_bot ON notifications(bot_id, state);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetOrCreate implements domain.UserStore.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, channel, userID string) (*domain.User, error) {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO users (id, channel, created_at) VALUES (?, ?, ?)",
		userID, channel, now.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT id, channel, created_at FROM users WHERE channel = ? AND id = ?",
		channel, userID,
	)
	var u domain.User
	var created int64
	if err := row.Scan(&u.ID, &u.Channel, &created); err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = time.Unix(0, created)
	return &u, nil
}

// Append implements domain.MessageStore.
func (s *SQLiteStore) Append(ctx context.Context, botID, userID string, payload domain.Payload) (*domain.StoredMessage, error) {
	now := time.Now()
	msg := &domain.StoredMessage{
		ID:        domain.NewID(now),
		BotID:     botID,
		UserID:    userID,
		Payload:   payload,
		CreatedAt: now,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, bot_id, user_id, payload, created_at) VALUES (?, ?, ?, ?, ?)",
		msg.ID, botID, userID, string(data), now.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// ListByBot implements domain.MessageStore: newest first.
func (s *SQLiteStore) ListByBot(ctx context.Context, botID string, limit int) ([]*domain.StoredMessage, error) {
	q := "SELECT id, bot_id, user_id, payload, created_at FROM messages WHERE bot_id = ? ORDER BY created_at DESC"
	args := []any{botID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.StoredMessage
	for rows.Next() {
		var m domain.StoredMessage
		var payloadStr string
		var created int64
		if err := rows.Scan(&m.ID, &m.BotID, &m.UserID, &payloadStr, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payloadStr), &m.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		m.CreatedAt = time.Unix(0, created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// DeleteOlderThan implements domain.MessageStore.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Create implements domain.NotificationStore.
func (s *SQLiteStore) Create(ctx context.Context, n *domain.Notification) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO notifications (id, bot_id, message, level, state, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		n.ID, n.BotID, n.Message, string(n.Level), string(n.State), n.CreatedAt.UnixNano(),
	)
	return err
}

// Get implements domain.NotificationStore.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Notification, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, bot_id, message, level, state, created_at FROM notifications WHERE id = ?", id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.Get", domain.ErrNotFound, id)
	}
	return n, err
}

// ListByState implements domain.NotificationStore: newest first.
func (s *SQLiteStore) ListByState(ctx context.Context, botID string, states ...domain.NotificationState) ([]*domain.Notification, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := []any{botID}
	for _, st := range states {
		args = append(args, string(st))
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, bot_id, message, level, state, created_at FROM notifications "+
			"WHERE bot_id = ? AND state IN ("+placeholders+") ORDER BY created_at DESC",
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Notification
	for rows.Next() {
		var n domain.Notification
		var level, state string
		var created int64
		if err := rows.Scan(&n.ID, &n.BotID, &n.Message, &level, &state, &created); err != nil {
			return nil, err
		}
		n.Level = domain.NotificationLevel(level)
		n.State = domain.NotificationState(state)
		n.CreatedAt = time.Unix(0, created)
		out = append(out, &n)
	}
	return out, rows.Err()
}

// SetState implements domain.NotificationStore. Archived rows are left
// untouched (terminal state); repeating a transition is a no-op.
func (s *SQLiteStore) SetState(ctx context.Context, id string, state domain.NotificationState) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET state = ? WHERE id = ? AND state != ?",
		string(state), id, string(domain.NotificationArchived),
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish missing from already-archived/already-in-state.
		var exists int
		row := s.db.QueryRowContext(ctx, "SELECT 1 FROM notifications WHERE id = ?", id)
		if err := row.Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return domain.NewDomainError("SQLiteStore.SetState", domain.ErrNotFound, id)
		} else if err != nil {
			return err
		}
	}
	return nil
}

// SetStateAll implements domain.NotificationStore.
func (s *SQLiteStore) SetStateAll(ctx context.Context, botID string, state domain.NotificationState, from ...domain.NotificationState) error {
	if len(from) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(state), botID}
	for _, st := range from {
		args = append(args, string(st))
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET state = ? WHERE bot_id = ? AND state IN ("+placeholders+")",
		args...,
	)
	return err
}

// DeleteArchivedOlderThan implements domain.NotificationStore.
func (s *SQLiteStore) DeleteArchivedOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM notifications WHERE state = ? AND created_at < ?",
		string(domain.NotificationArchived), cutoff.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanNotification(row *sql.Row) (*domain.Notification, error) {
	var n domain.Notification
	var level, state string
	var created int64
	if err := row.Scan(&n.ID, &n.BotID, &n.Message, &level, &state, &created); err != nil {
		return nil, err
	}
	n.Level = domain.NotificationLevel(level)
	n.State = domain.NotificationState(state)
	n.CreatedAt = time.Unix(0, created)
	return &n, nil
}
