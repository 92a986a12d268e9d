// Package db - messages.go
//
// Durable chat message storage. Messages carry exactly one of group_id /
// recipient_id (enforced by a CHECK constraint), a server-assigned sent_at,
// an optional typed metadata variant stored as JSONB, and an append-only
// read_by set.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Message represents a stored chat message.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	GroupID     string    `json:"groupId,omitempty"`
	RecipientID string    `json:"recipientId,omitempty"`
	Content     string    `json:"content"`
	Metadata    []byte    `json:"-"` // raw JSONB; nil when absent
	ReadBy      []string  `json:"readBy"`
	SentAt      time.Time `json:"sentAt"`
}

// MessageDB handles database operations for chat messages.
type MessageDB struct {
	db *Database
}

// NewMessageDB creates a new MessageDB instance.
func NewMessageDB(db *Database) *MessageDB {
	return &MessageDB{db: db}
}

// InsertMessage durably stores a message and returns it with the assigned
// id and server sent_at.
func (m *MessageDB) InsertMessage(ctx context.Context, msg *Message) (*Message, error) {
	ctx, cancel := m.db.bound(ctx)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	var metadata interface{}
	if len(msg.Metadata) > 0 {
		metadata = msg.Metadata
	}

	query := `
		INSERT INTO messages (id, sender_id, group_id, recipient_id, content, metadata, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING sent_at
	`
	err := m.db.db.QueryRowContext(ctx, query,
		msg.ID, msg.SenderID, nullString(msg.GroupID), nullString(msg.RecipientID),
		msg.Content, metadata,
	).Scan(&msg.SentAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message from %s: %w", msg.SenderID, err)
	}
	return msg, nil
}

// GetMessage retrieves a message by id.
func (m *MessageDB) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	ctx, cancel := m.db.bound(ctx)
	defer cancel()

	msg := &Message{}
	var metadata []byte
	query := `
		SELECT id, sender_id, COALESCE(group_id, ''), COALESCE(recipient_id, ''),
			content, metadata, read_by, sent_at
		FROM messages
		WHERE id = $1
	`
	err := m.db.db.QueryRowContext(ctx, query, messageID).Scan(
		&msg.ID, &msg.SenderID, &msg.GroupID, &msg.RecipientID,
		&msg.Content, &metadata, pq.Array(&msg.ReadBy), &msg.SentAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("message not found: %s", messageID)
		}
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	msg.Metadata = metadata
	return msg, nil
}

// RecentGroupMessages returns the newest messages of a group, newest first.
func (m *MessageDB) RecentGroupMessages(ctx context.Context, groupID string, limit int) ([]*Message, error) {
	ctx, cancel := m.db.bound(ctx)
	defer cancel()

	query := `
		SELECT id, sender_id, COALESCE(group_id, ''), COALESCE(recipient_id, ''),
			content, metadata, read_by, sent_at
		FROM messages
		WHERE group_id = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`
	rows, err := m.db.db.QueryContext(ctx, query, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for group %s: %w", groupID, err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// RecentDMMessages returns the newest messages between two users, newest
// first, regardless of direction.
func (m *MessageDB) RecentDMMessages(ctx context.Context, userA, userB string, limit int) ([]*Message, error) {
	ctx, cancel := m.db.bound(ctx)
	defer cancel()

	query := `
		SELECT id, sender_id, COALESCE(group_id, ''), COALESCE(recipient_id, ''),
			content, metadata, read_by, sent_at
		FROM messages
		WHERE (sender_id = $1 AND recipient_id = $2)
			OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY sent_at DESC
		LIMIT $3
	`
	rows, err := m.db.db.QueryContext(ctx, query, userA, userB, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages between %s and %s: %w", userA, userB, err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// AppendMessageRead idempotently adds a user to a message's read_by set.
// Returns the read timestamp. Reading an already-read message is a no-op
// success; an unknown message is an error.
func (m *MessageDB) AppendMessageRead(ctx context.Context, messageID, userID string) (time.Time, error) {
	ctx, cancel := m.db.bound(ctx)
	defer cancel()

	readAt := time.Now().UTC()
	result, err := m.db.db.ExecContext(ctx, `
		UPDATE messages
		SET read_by = array_append(read_by, $2)
		WHERE id = $1 AND NOT ($2 = ANY(read_by))
	`, messageID, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to mark message %s read by %s: %w", messageID, userID, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either already read (fine) or the message does not exist.
		var exists bool
		err := m.db.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, messageID).Scan(&exists)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to check message %s: %w", messageID, err)
		}
		if !exists {
			return time.Time{}, fmt.Errorf("message not found: %s", messageID)
		}
	}
	return readAt, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	messages := []*Message{}
	for rows.Next() {
		msg := &Message{}
		var metadata []byte
		if err := rows.Scan(
			&msg.ID, &msg.SenderID, &msg.GroupID, &msg.RecipientID,
			&msg.Content, &metadata, pq.Array(&msg.ReadBy), &msg.SentAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Metadata = metadata
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}
