package store

// Conversation is the persisted row for one conversation, scoped to
// the local session owner. WrappedKey holds the conversation key
// encrypted for this device; the plaintext key is never stored.
type Conversation struct {
	OwnerID        string
	ConversationID string
	WrappedKey     []byte
	Name           string
}

// Message is a persisted chat message. ExternalID is empty until the
// server acknowledges the message (or it arrived via push, in which
// case it is set from the start). SentAt is unix milliseconds.
type Message struct {
	LocalID        string
	ConversationID string
	ExternalID     string
	SenderID       string
	Content        string
	Status         string
	SentAt         int64
}
