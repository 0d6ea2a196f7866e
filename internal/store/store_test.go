package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestConversationCreateAndGet(t *testing.T) {
	db := testDB(t)

	c := &Conversation{OwnerID: "u1", ConversationID: "c1", WrappedKey: []byte{1, 2, 3}, Name: "team"}
	if err := db.CreateConversation(c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("u1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "team" || string(got.WrappedKey) != string([]byte{1, 2, 3}) {
		t.Errorf("got %+v", got)
	}

	// Cache rows are scoped per owner.
	other, err := db.GetConversation("u2", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if other != nil {
		t.Error("conversation leaked across owners")
	}
}

func TestParticipantUnion(t *testing.T) {
	db := testDB(t)

	if err := db.CreateConversation(&Conversation{OwnerID: "u1", ConversationID: "c1", WrappedKey: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddParticipants("c1", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddParticipants("c1", []string{"b", "c"}); err != nil {
		t.Fatal(err)
	}

	users, err := db.ListParticipants("c1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c"}
	if len(users) != len(want) {
		t.Fatalf("participants = %v, want %v", users, want)
	}
	for i := range want {
		if users[i] != want[i] {
			t.Errorf("participants = %v, want %v", users, want)
		}
	}
}

func TestMessageInsertAndList(t *testing.T) {
	db := testDB(t)

	msgs := []*Message{
		{LocalID: "m2", ConversationID: "c1", SenderID: "u1", Content: "second", Status: "delivered", SentAt: 2000},
		{LocalID: "m1", ConversationID: "c1", SenderID: "u1", Content: "first", Status: "delivered", SentAt: 1000},
	}
	for _, m := range msgs {
		if err := db.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].LocalID != "m1" || got[1].LocalID != "m2" {
		t.Errorf("messages out of send order: %+v", got)
	}

	last, err := db.LastMessage("c1")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.LocalID != "m2" {
		t.Errorf("last = %+v, want m2", last)
	}
}

func TestHasMessageWithExternalID(t *testing.T) {
	db := testDB(t)

	if err := db.InsertMessage(&Message{LocalID: "m1", ConversationID: "c1", ExternalID: "srv-1", SenderID: "u2", Content: "x", Status: "delivered", SentAt: 1}); err != nil {
		t.Fatal(err)
	}

	ok, err := db.HasMessageWithExternalID("c1", "srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected existing external id to be found")
	}

	ok, err = db.HasMessageWithExternalID("c1", "srv-2")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("unexpected match for absent external id")
	}
}

func TestExternalIDUniquePerConversation(t *testing.T) {
	db := testDB(t)

	if err := db.InsertMessage(&Message{LocalID: "m1", ConversationID: "c1", ExternalID: "srv-1", SenderID: "u2", Content: "x", Status: "delivered", SentAt: 1}); err != nil {
		t.Fatal(err)
	}
	// Same external id in the same conversation must be rejected.
	err := db.InsertMessage(&Message{LocalID: "m2", ConversationID: "c1", ExternalID: "srv-1", SenderID: "u2", Content: "x", Status: "delivered", SentAt: 2})
	if err == nil {
		t.Error("duplicate external id accepted")
	}
	// Same external id in another conversation is fine.
	if err := db.InsertMessage(&Message{LocalID: "m3", ConversationID: "c2", ExternalID: "srv-1", SenderID: "u2", Content: "x", Status: "delivered", SentAt: 3}); err != nil {
		t.Errorf("external id wrongly unique across conversations: %v", err)
	}
	// Unacknowledged messages carry no external id and are unconstrained.
	if err := db.InsertMessage(&Message{LocalID: "m4", ConversationID: "c1", SenderID: "u1", Content: "y", Status: "initial", SentAt: 4}); err != nil {
		t.Errorf("NULL external id constrained: %v", err)
	}
	if err := db.InsertMessage(&Message{LocalID: "m5", ConversationID: "c1", SenderID: "u1", Content: "z", Status: "initial", SentAt: 5}); err != nil {
		t.Errorf("NULL external id constrained: %v", err)
	}
}

func TestUpdateMessageExternalIDAndStatus(t *testing.T) {
	db := testDB(t)

	if err := db.InsertMessage(&Message{LocalID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hi", Status: "initial", SentAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessageExternalIDAndStatus("m1", "delivered", "srv-1"); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != "delivered" || m.ExternalID != "srv-1" {
		t.Errorf("message = %+v", m)
	}
}

func TestClearMessagesKeepsConversation(t *testing.T) {
	db := testDB(t)

	if err := db.CreateConversation(&Conversation{OwnerID: "u1", ConversationID: "c1", WrappedKey: []byte{9}}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertMessage(&Message{LocalID: "m1", ConversationID: "c1", SenderID: "u1", Content: "bye", Status: "read", SentAt: 1}); err != nil {
		t.Fatal(err)
	}

	if err := db.ClearMessages("c1"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages after clear = %d, want 0", len(msgs))
	}

	c, err := db.GetConversation("u1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || len(c.WrappedKey) == 0 {
		t.Error("clear history must keep the conversation row and key")
	}
}
