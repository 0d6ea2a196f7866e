// Package wire defines the framed messages exchanged on the chat
// socket. Every frame is a JSON envelope {socketMessageId, content}
// where content is a tagged union over a "type" discriminator. The
// concrete kinds form a closed set so the dispatch loop can switch
// exhaustively; an unknown discriminator is a decode error, not a
// silently ignored frame.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outbound is a client-to-server frame.
type Outbound struct {
	SocketMessageID string
	Content         OutboundContent
}

// OutboundContent is the closed set of client-to-server content kinds.
type OutboundContent interface {
	wireType() string
}

// CreateMessageRequest asks the server to fan a message out to the
// other participants. Message carries the encrypted body, base64.
type CreateMessageRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

func (CreateMessageRequest) wireType() string { return "messageRequest" }

// Ok acknowledges a server push. It travels in both directions.
type Ok struct{}

func (Ok) wireType() string { return "ok" }

// Error reports a failure handling the correlated frame.
type Error struct {
	Description string `json:"description"`
}

func (Error) wireType() string { return "error" }

// Inbound is a server-to-client frame.
type Inbound struct {
	SocketMessageID string
	Content         InboundContent
}

// InboundContent is the closed set of server-to-client content kinds.
// It splits into Control (answers to our requests) and Payload
// (server-initiated pushes); the dispatch loop branches on that split.
type InboundContent interface {
	wireType() string
	isControl() bool
}

// Control is an inbound frame kind that resolves one of our pending
// requests: MessageCreated, Ok or Error.
type Control interface {
	InboundContent
	controlContent()
}

// Payload is an inbound frame kind the server initiates on its own.
type Payload interface {
	InboundContent
	payloadContent()
}

// Message is a pushed chat message. Message carries the encrypted
// body, base64, sealed with the conversation's key.
type Message struct {
	ExternalID     string    `json:"externalId"`
	Message        string    `json:"message"`
	SenderID       string    `json:"senderId"`
	ConversationID string    `json:"conversationId"`
	SentAt         time.Time `json:"sentAt"`
}

func (Message) wireType() string { return "message" }
func (Message) isControl() bool  { return false }
func (Message) payloadContent()  {}

// MessageCreated confirms a CreateMessageRequest and carries the
// server-assigned external message id.
type MessageCreated struct {
	MessageID string `json:"messageId"`
}

func (MessageCreated) wireType() string { return "messageCreated" }
func (MessageCreated) isControl() bool  { return true }
func (MessageCreated) controlContent()  {}

func (Ok) isControl() bool { return true }
func (Ok) controlContent() {}

func (Error) isControl() bool { return true }
func (Error) controlContent() {}

type outboundEnvelope struct {
	SocketMessageID string          `json:"socketMessageId"`
	Content         json.RawMessage `json:"content"`
}

type inboundEnvelope struct {
	SocketMessageID string          `json:"socketMessageId"`
	Content         json.RawMessage `json:"content"`
}

type typeProbe struct {
	Type string `json:"type"`
}

// EncodeOutbound serializes a frame, tagging the content with its
// discriminator.
func EncodeOutbound(o Outbound) ([]byte, error) {
	if o.Content == nil {
		return nil, fmt.Errorf("encode outbound frame %s: nil content", o.SocketMessageID)
	}
	content, err := marshalTagged(o.Content.wireType(), o.Content)
	if err != nil {
		return nil, fmt.Errorf("encode outbound frame %s: %w", o.SocketMessageID, err)
	}
	return json.Marshal(outboundEnvelope{SocketMessageID: o.SocketMessageID, Content: content})
}

// DecodeInbound parses a frame received from the server.
func DecodeInbound(data []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound frame: %w", err)
	}
	var probe typeProbe
	if err := json.Unmarshal(env.Content, &probe); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound frame %s: %w", env.SocketMessageID, err)
	}

	var content InboundContent
	switch probe.Type {
	case "message":
		content = &Message{}
	case "messageCreated":
		content = &MessageCreated{}
	case "ok":
		content = &Ok{}
	case "error":
		content = &Error{}
	default:
		return Inbound{}, fmt.Errorf("decode inbound frame %s: unknown content type %q", env.SocketMessageID, probe.Type)
	}
	if err := json.Unmarshal(env.Content, content); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound %s content: %w", probe.Type, err)
	}
	return Inbound{SocketMessageID: env.SocketMessageID, Content: deref(content)}, nil
}

// marshalTagged injects the "type" field next to the content's own fields.
func marshalTagged(typ string, content any) (json.RawMessage, error) {
	fields, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(fields, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]any, 1)
	}
	m["type"] = typ
	return json.Marshal(m)
}

// deref returns the value form so callers can type-switch without
// mixing pointer and value cases.
func deref(c InboundContent) InboundContent {
	switch v := c.(type) {
	case *Message:
		return *v
	case *MessageCreated:
		return *v
	case *Ok:
		return *v
	case *Error:
		return *v
	default:
		return c
	}
}
