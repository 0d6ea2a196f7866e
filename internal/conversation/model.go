// Package conversation reconciles server-side conversation state into
// the local cache and exposes the decrypted, resolved view of it.
package conversation

import (
	"time"

	"github.com/lunavale/parley/internal/crypto"
	"github.com/lunavale/parley/internal/user"
)

// ChatMessage is one message with its sender resolved against the
// user directory.
type ChatMessage struct {
	LocalID    string
	ExternalID string
	Sender     user.User
	Content    string
	Status     Status
	SentAt     time.Time
}

// Conversation is the full decrypted view of one conversation: the
// unwrapped symmetric key, resolved participants and the message log
// in send order.
type Conversation struct {
	ID           string
	Name         string
	Key          crypto.ConversationKey
	Participants []user.User
	Messages     []ChatMessage
}

// Info is the list-view summary of a conversation. The key is carried
// decrypted so list consumers can encrypt without a second
// materialization.
type Info struct {
	ID           string
	Name         string
	Key          crypto.ConversationKey
	Participants []user.User
	LastMessage  *ChatMessage
}

// LastMessage returns the most recent message, or nil for an empty log.
func (c *Conversation) LastMessage() *ChatMessage {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// summary projects the conversation onto its list entry.
func (c *Conversation) summary() Info {
	return Info{
		ID:           c.ID,
		Name:         c.Name,
		Key:          c.Key,
		Participants: c.Participants,
		LastMessage:  c.LastMessage(),
	}
}
