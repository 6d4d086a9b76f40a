// Package history provides PostgreSQL-backed storage for chat message
// history. The REST backfill endpoint promises the full ordered history of a
// conversation, so messages are durable rather than held in a bounded
// in-memory buffer.
package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/playtrade/marketchat/internal/protocol"
)

// Store manages chat messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert persists one message. Message IDs are unique; re-inserting an
// existing ID is a no-op so a REST send retried after a timeout cannot store
// a duplicate.
func (s *Store) Insert(ctx context.Context, msg protocol.Message) error {
	const query = `
		INSERT INTO messages (id, conversation_id, sender_id, sender_name, content, is_system, client_ref, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.SenderName,
		msg.Content,
		msg.IsSystemMessage,
		msg.ClientRef,
		msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// List returns the full message history of a conversation ordered by
// timestamp, insertion order breaking ties.
func (s *Store) List(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	const query = `
		SELECT id, conversation_id, sender_id, sender_name, content, is_system, client_ref, ts
		FROM messages
		WHERE conversation_id = $1
		ORDER BY ts ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	msgs := make([]protocol.Message, 0)
	for rows.Next() {
		var m protocol.Message
		if err := rows.Scan(
			&m.ID,
			&m.ConversationID,
			&m.SenderID,
			&m.SenderName,
			&m.Content,
			&m.IsSystemMessage,
			&m.ClientRef,
			&m.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return msgs, nil
}

// Count returns the number of stored messages in a conversation.
func (s *Store) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("history: count: %w", err)
	}
	return n, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
