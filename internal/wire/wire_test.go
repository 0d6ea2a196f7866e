package wire

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEncodeOutboundMessageRequest(t *testing.T) {
	data, err := EncodeOutbound(Outbound{
		SocketMessageID: "req-1",
		Content:         CreateMessageRequest{Message: "Y2lwaGVy", ConversationID: "c1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var env struct {
		SocketMessageID string `json:"socketMessageId"`
		Content         struct {
			Type           string `json:"type"`
			Message        string `json:"message"`
			ConversationID string `json:"conversationId"`
		} `json:"content"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.SocketMessageID != "req-1" {
		t.Errorf("socketMessageId = %q", env.SocketMessageID)
	}
	if env.Content.Type != "messageRequest" {
		t.Errorf("type = %q, want messageRequest", env.Content.Type)
	}
	if env.Content.Message != "Y2lwaGVy" || env.Content.ConversationID != "c1" {
		t.Errorf("content = %+v", env.Content)
	}
}

func TestEncodeOutboundAck(t *testing.T) {
	data, err := EncodeOutbound(Outbound{SocketMessageID: "push-7", Content: Ok{}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"type":"ok"`) {
		t.Errorf("ack missing type tag: %s", data)
	}
}

func TestEncodeOutboundNilContent(t *testing.T) {
	if _, err := EncodeOutbound(Outbound{SocketMessageID: "x"}); err == nil {
		t.Error("expected error for nil content")
	}
}

func TestDecodeInboundControl(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want InboundContent
	}{
		{
			name: "messageCreated",
			raw:  `{"socketMessageId":"req-1","content":{"type":"messageCreated","messageId":"srv-1"}}`,
			want: MessageCreated{MessageID: "srv-1"},
		},
		{
			name: "ok",
			raw:  `{"socketMessageId":"req-2","content":{"type":"ok"}}`,
			want: Ok{},
		},
		{
			name: "error",
			raw:  `{"socketMessageId":"req-3","content":{"type":"error","description":"no such conversation"}}`,
			want: Error{Description: "no such conversation"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := DecodeInbound([]byte(tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			if in.Content != tt.want {
				t.Errorf("content = %#v, want %#v", in.Content, tt.want)
			}
			if !in.Content.isControl() {
				t.Error("expected control content")
			}
			if _, ok := in.Content.(Control); !ok {
				t.Errorf("%T does not satisfy Control", in.Content)
			}
		})
	}
}

func TestDecodeInboundPush(t *testing.T) {
	raw := `{"socketMessageId":"push-1","content":{"type":"message","externalId":"srv-9",` +
		`"message":"YmxvYg==","senderId":"u2","conversationId":"c1","sentAt":"2026-03-01T12:00:00Z"}}`
	in, err := DecodeInbound([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}

	msg, ok := in.Content.(Message)
	if !ok {
		t.Fatalf("content is %T, want Message", in.Content)
	}
	if msg.ExternalID != "srv-9" || msg.SenderID != "u2" || msg.ConversationID != "c1" {
		t.Errorf("message = %+v", msg)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !msg.SentAt.Equal(want) {
		t.Errorf("sentAt = %v, want %v", msg.SentAt, want)
	}
	if in.Content.isControl() {
		t.Error("push must not be control")
	}
	if _, ok := in.Content.(Payload); !ok {
		t.Errorf("%T does not satisfy Payload", in.Content)
	}
}

func TestDecodeInboundUnknownType(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"socketMessageId":"x","content":{"type":"presence"}}`))
	if err == nil || !strings.Contains(err.Error(), "unknown content type") {
		t.Errorf("error = %v, want unknown content type", err)
	}
}

func TestDecodeInboundGarbage(t *testing.T) {
	if _, err := DecodeInbound([]byte("not json")); err == nil {
		t.Error("expected decode error")
	}
}

func TestOutboundRoundTripThroughInbound(t *testing.T) {
	// The server echoes our ack envelope shape back for its own pushes;
	// an encoded ok must decode as an Ok control.
	data, err := EncodeOutbound(Outbound{SocketMessageID: "id-1", Content: Ok{}})
	if err != nil {
		t.Fatal(err)
	}
	in, err := DecodeInbound(data)
	if err != nil {
		t.Fatal(err)
	}
	if in.SocketMessageID != "id-1" {
		t.Errorf("socketMessageId = %q", in.SocketMessageID)
	}
	if _, ok := in.Content.(Ok); !ok {
		t.Errorf("content = %T, want Ok", in.Content)
	}
}
