package queue

import (
	"context"
	"database/sql"
	"time"
)

// Store persists queue snapshots. The snapshot layout (channel name → ordered
// message array) is implementation-internal and not stable across versions.
type Store interface {
	Load(ctx context.Context) (map[string][]Message, error)
	Save(ctx context.Context, snapshot map[string][]Message) error
	Close() error
}

// EnsureSchema creates the snapshot table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS queue_messages (
  channel TEXT NOT NULL,
  position INTEGER NOT NULL,
  id TEXT NOT NULL,
  payload BLOB NOT NULL,
  enqueued_at DATETIME NOT NULL,
  PRIMARY KEY (channel, position)
);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteStore struct{ db *sql.DB }

// NewSQLiteStore wraps an opened database as a snapshot store.
func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) Load(ctx context.Context) (map[string][]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT channel, id, payload, enqueued_at
FROM queue_messages ORDER BY channel, position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := make(map[string][]Message)
	for rows.Next() {
		var m Message
		var enqueuedAt time.Time
		if err := rows.Scan(&m.Channel, &m.ID, &m.Payload, &enqueuedAt); err != nil {
			return nil, err
		}
		m.EnqueuedAt = enqueuedAt
		channels[m.Channel] = append(channels[m.Channel], m)
	}
	return channels, rows.Err()
}

// Save replaces the stored snapshot atomically. A full rewrite keeps the
// on-disk ordering identical to memory without tracking deltas.
func (s *sqliteStore) Save(ctx context.Context, snapshot map[string][]Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO queue_messages (channel, position, id, payload, enqueued_at) VALUES (?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for channel, msgs := range snapshot {
		for i, m := range msgs {
			if _, err := stmt.ExecContext(ctx, channel, i, m.ID, m.Payload, m.EnqueuedAt); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error { return s.db.Close() }
