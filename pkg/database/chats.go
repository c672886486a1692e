package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Chat is one internal conversation record.
type Chat struct {
	ID            int64
	AssistantID   int64
	CreatorUserID int64
	Chat          json.RawMessage
	CreatedAt     time.Time
}

// CreateChat stores an internal conversation.
func (s *Store) CreateChat(ctx context.Context, assistantID, creatorUserID int64, chat json.RawMessage) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (assistant_id, creator_user_id, chat, created_at) VALUES (?, ?, ?, ?)`,
		assistantID, creatorUserID, string(chat), now())
	if err != nil {
		return 0, fmt.Errorf("failed to create chat: %w", err)
	}
	return res.LastInsertId()
}

// ListChatsByAssistant returns internal chats, oldest first.
func (s *Store) ListChatsByAssistant(ctx context.Context, assistantID int64) ([]*Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, assistant_id, creator_user_id, COALESCE(chat, ''), created_at
		 FROM chats WHERE assistant_id = ? ORDER BY created_at, id`, assistantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var out []*Chat
	for rows.Next() {
		var c Chat
		var raw string
		if err := rows.Scan(&c.ID, &c.AssistantID, &c.CreatorUserID, &raw, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		if raw != "" {
			c.Chat = json.RawMessage(raw)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ExternalDB exposes the attached external chat store, nil when none is
// configured.
func (s *Store) ExternalDB() *sql.DB {
	return s.external
}
