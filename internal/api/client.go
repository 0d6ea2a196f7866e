// Package api is the REST client for the chat server's directory and
// conversation endpoints. The live message path goes over the socket;
// this client covers everything request-shaped.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lunavale/parley/internal/user"
)

var (
	// ErrNotFound means the requested resource does not exist on the
	// server.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized means the bearer token was rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// TokenSource supplies the current bearer token. It is a func so a
// credential refresh is picked up without rebuilding the client.
type TokenSource func() string

// Client talks to one chat server.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenSource
}

// NewClient builds a client for baseURL (scheme and host, no trailing
// slash required).
func NewClient(baseURL string, token TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		token:   token,
	}
}

// Device is one active device of a user, with its RSA public key in
// DER form.
type Device struct {
	ID        string
	UserID    string
	PublicKey []byte
}

// Member names one device of a new conversation together with the
// conversation key wrapped for that device.
type Member struct {
	DeviceID   string
	WrappedKey []byte
}

// ConversationInfo is the server-side description of a conversation,
// with the symmetric key still wrapped for this device.
type ConversationInfo struct {
	ID           string
	Name         string
	WrappedKey   []byte
	Participants []user.User
}

type deviceDTO struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
}

type userDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

func (d userDTO) toModel() user.User {
	return user.User{ID: d.ID, Name: d.DisplayName, Email: d.Email}
}

// ActiveDevices lists every active device of the given users,
// including the caller's own.
func (c *Client) ActiveDevices(ctx context.Context, userIDs []string) ([]Device, error) {
	req := struct {
		Users []string `json:"users"`
	}{Users: userIDs}
	var resp struct {
		Devices []deviceDTO `json:"devices"`
	}
	if err := c.post(ctx, "chat/getActiveDevices", req, &resp); err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		key, err := base64.StdEncoding.DecodeString(d.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("device %s: decode public key: %w", d.ID, err)
		}
		devices = append(devices, Device{ID: d.ID, UserID: d.UserID, PublicKey: key})
	}
	return devices, nil
}

// CreateConversation registers a conversation whose key has been
// wrapped for every member device, returning the server-assigned id.
func (c *Client) CreateConversation(ctx context.Context, members []Member) (string, error) {
	type memberDTO struct {
		DeviceID                 string `json:"deviceId"`
		ConversationEncryptedKey string `json:"conversationEncryptedKey"`
	}
	req := struct {
		Members []memberDTO `json:"members"`
	}{}
	for _, m := range members {
		req.Members = append(req.Members, memberDTO{
			DeviceID:                 m.DeviceID,
			ConversationEncryptedKey: base64.StdEncoding.EncodeToString(m.WrappedKey),
		})
	}
	var resp struct {
		ConversationID string `json:"conversationId"`
	}
	if err := c.post(ctx, "chat/createConversation", req, &resp); err != nil {
		return "", err
	}
	if resp.ConversationID == "" {
		return "", errors.New("createConversation: empty conversation id")
	}
	return resp.ConversationID, nil
}

// ConversationInfo fetches the description of one conversation.
// Returns ErrNotFound when the server does not know the id.
func (c *Client) ConversationInfo(ctx context.Context, id string) (*ConversationInfo, error) {
	var resp struct {
		ID           string    `json:"id"`
		EncodedName  string    `json:"encodedName"`
		SymmetricKey string    `json:"symmetricKey"`
		Participants []userDTO `json:"participants"`
	}
	if err := c.get(ctx, "chat/getConversationInfo/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(resp.SymmetricKey)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: decode wrapped key: %w", id, err)
	}
	info := &ConversationInfo{
		ID:         resp.ID,
		Name:       resp.EncodedName,
		WrappedKey: key,
	}
	for _, p := range resp.Participants {
		info.Participants = append(info.Participants, p.toModel())
	}
	return info, nil
}

// UserInfo resolves one user id. Satisfies user.Directory.
func (c *Client) UserInfo(ctx context.Context, id string) (user.User, error) {
	var dto userDTO
	if err := c.get(ctx, "user/"+url.PathEscape(id), &dto); err != nil {
		return user.User{}, err
	}
	return dto.toModel(), nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token())
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
