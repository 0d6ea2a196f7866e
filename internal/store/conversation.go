package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateConversation inserts a conversation row. The caller is
// responsible for not inserting a duplicate (owner_id, conversation_id).
func (db *DB) CreateConversation(c *Conversation) error {
	_, err := db.Exec(`
		INSERT INTO conversations (owner_id, conversation_id, wrapped_key, name, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.OwnerID, c.ConversationID, c.WrappedKey, c.Name, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert conversation %q: %w", c.ConversationID, err)
	}
	return nil
}

// GetConversation returns a conversation row, or nil when absent.
func (db *DB) GetConversation(ownerID, conversationID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT owner_id, conversation_id, wrapped_key, name
		FROM conversations
		WHERE owner_id = ? AND conversation_id = ?`,
		ownerID, conversationID).
		Scan(&c.OwnerID, &c.ConversationID, &c.WrappedKey, &c.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns all conversation rows for one owner.
func (db *DB) ListConversations(ownerID string) ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT owner_id, conversation_id, wrapped_key, name
		FROM conversations
		WHERE owner_id = ?
		ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.OwnerID, &c.ConversationID, &c.WrappedKey, &c.Name); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// AddParticipants merges userIDs into a conversation's participant set.
// Add-only: existing members are kept, duplicates ignored.
func (db *DB) AddParticipants(conversationID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, userID := range userIDs {
		if _, err := tx.Exec(`
			INSERT INTO participants (conversation_id, user_id) VALUES (?, ?)
			ON CONFLICT(conversation_id, user_id) DO NOTHING`,
			conversationID, userID); err != nil {
			return fmt.Errorf("insert participant %q: %w", userID, err)
		}
	}
	return tx.Commit()
}

// ListParticipants returns the user ids participating in a conversation.
func (db *DB) ListParticipants(conversationID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT user_id FROM participants
		WHERE conversation_id = ?
		ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
