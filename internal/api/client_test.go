package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, func() string { return "tok-123" })
}

func TestActiveDevices(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/getActiveDevices" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("Authorization = %q", got)
		}
		var req struct {
			Users []string `json:"users"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Users) != 2 {
			t.Errorf("users = %v", req.Users)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"devices": []map[string]string{
				{"id": "d1", "userId": "u1", "publicKey": base64.StdEncoding.EncodeToString([]byte("der-bytes"))},
			},
		})
	})

	devices, err := c.ActiveDevices(context.Background(), []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("ActiveDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "d1" || string(devices[0].PublicKey) != "der-bytes" {
		t.Fatalf("got %+v", devices)
	}
}

func TestCreateConversation(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Members []struct {
				DeviceID                 string `json:"deviceId"`
				ConversationEncryptedKey string `json:"conversationEncryptedKey"`
			} `json:"members"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Members) != 1 || req.Members[0].DeviceID != "d1" {
			t.Errorf("members = %+v", req.Members)
		}
		if _, err := base64.StdEncoding.DecodeString(req.Members[0].ConversationEncryptedKey); err != nil {
			t.Errorf("wrapped key not base64: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"conversationId": "c-42"})
	})

	id, err := c.CreateConversation(context.Background(), []Member{{DeviceID: "d1", WrappedKey: []byte{1, 2, 3}}})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if id != "c-42" {
		t.Fatalf("id = %q", id)
	}
}

func TestConversationInfo(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/getConversationInfo/c-42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":           "c-42",
			"encodedName":  "pair",
			"symmetricKey": base64.StdEncoding.EncodeToString([]byte("wrapped")),
			"participants": []map[string]string{
				{"id": "u1", "displayName": "Alice", "email": "alice@example.com"},
				{"id": "u2", "displayName": "Bob", "email": "bob@example.com"},
			},
		})
	})

	info, err := c.ConversationInfo(context.Background(), "c-42")
	if err != nil {
		t.Fatalf("ConversationInfo: %v", err)
	}
	if info.ID != "c-42" || info.Name != "pair" || string(info.WrappedKey) != "wrapped" {
		t.Fatalf("got %+v", info)
	}
	if len(info.Participants) != 2 || info.Participants[1].Name != "Bob" {
		t.Fatalf("participants = %+v", info.Participants)
	}
}

func TestConversationInfoNotFound(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := c.ConversationInfo(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUserInfo(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user/u2" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"id": "u2", "displayName": "Bob", "email": "bob@example.com",
		})
	})

	u, err := c.UserInfo(context.Background(), "u2")
	if err != nil {
		t.Fatalf("UserInfo: %v", err)
	}
	if u.ID != "u2" || u.Name != "Bob" || u.Email != "bob@example.com" {
		t.Fatalf("got %+v", u)
	}
}

func TestUnauthorized(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.UserInfo(context.Background(), "u1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}
