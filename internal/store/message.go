package store

import (
	"database/sql"
	"fmt"
)

// InsertMessage appends a message row.
func (db *DB) InsertMessage(m *Message) error {
	externalID := sql.NullString{String: m.ExternalID, Valid: m.ExternalID != ""}
	_, err := db.Exec(`
		INSERT INTO messages (local_id, conversation_id, external_id, sender_id, content, status, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.LocalID, m.ConversationID, externalID, m.SenderID, m.Content, m.Status, m.SentAt)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", m.LocalID, err)
	}
	return nil
}

// HasMessageWithExternalID reports whether the conversation already
// holds a message with the given server-assigned id.
func (db *DB) HasMessageWithExternalID(conversationID, externalID string) (bool, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND external_id = ?`,
		conversationID, externalID).Scan(&count)
	return count > 0, err
}

// GetMessage returns one message by local id, or nil when absent.
func (db *DB) GetMessage(localID string) (*Message, error) {
	var m Message
	var externalID sql.NullString
	err := db.QueryRow(`
		SELECT local_id, conversation_id, external_id, sender_id, content, status, sent_at
		FROM messages WHERE local_id = ?`, localID).
		Scan(&m.LocalID, &m.ConversationID, &externalID, &m.SenderID, &m.Content, &m.Status, &m.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.ExternalID = externalID.String
	return &m, nil
}

// ListMessages returns a conversation's messages in send order.
func (db *DB) ListMessages(conversationID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT local_id, conversation_id, external_id, sender_id, content, status, sent_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at, local_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var externalID sql.NullString
		if err := rows.Scan(&m.LocalID, &m.ConversationID, &externalID, &m.SenderID, &m.Content, &m.Status, &m.SentAt); err != nil {
			return nil, err
		}
		m.ExternalID = externalID.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LastMessage returns the most recent message of a conversation, or
// nil when the conversation has none.
func (db *DB) LastMessage(conversationID string) (*Message, error) {
	var m Message
	var externalID sql.NullString
	err := db.QueryRow(`
		SELECT local_id, conversation_id, external_id, sender_id, content, status, sent_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at DESC, local_id DESC
		LIMIT 1`, conversationID).
		Scan(&m.LocalID, &m.ConversationID, &externalID, &m.SenderID, &m.Content, &m.Status, &m.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.ExternalID = externalID.String
	return &m, nil
}

// UpdateMessageStatus overwrites the status of one message.
func (db *DB) UpdateMessageStatus(localID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE local_id = ?`, status, localID)
	if err != nil {
		return fmt.Errorf("update message %q status: %w", localID, err)
	}
	return nil
}

// UpdateMessageExternalIDAndStatus sets the server-assigned id and the
// new status in one statement, so observers never see one without the
// other.
func (db *DB) UpdateMessageExternalIDAndStatus(localID, status, externalID string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?, external_id = ? WHERE local_id = ?`,
		status, externalID, localID)
	if err != nil {
		return fmt.Errorf("update message %q external id: %w", localID, err)
	}
	return nil
}

// ClearMessages deletes all messages for a conversation. The
// conversation row and its wrapped key stay intact.
func (db *DB) ClearMessages(conversationID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("clear messages for %q: %w", conversationID, err)
	}
	return nil
}
