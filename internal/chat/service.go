// Package chat orchestrates the live message flow: optimistic sends
// over the socket, pushed messages into the local cache, and
// conversation setup against the server.
package chat

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lunavale/parley/internal/api"
	"github.com/lunavale/parley/internal/bus"
	"github.com/lunavale/parley/internal/conversation"
	"github.com/lunavale/parley/internal/crypto"
	"github.com/lunavale/parley/internal/session"
	"github.com/lunavale/parley/internal/socket"
	"github.com/lunavale/parley/internal/user"
	"github.com/lunavale/parley/internal/wire"
)

// Transport is the duplex socket connection. Satisfied by
// *socket.Client.
type Transport interface {
	Connect(ctx context.Context, token string, onReady func(), handler socket.PushHandler) error
	Send(ctx context.Context, content wire.OutboundContent) (wire.Control, error)
}

// Directory is the REST surface the service needs: device discovery
// and conversation registration.
type Directory interface {
	ActiveDevices(ctx context.Context, userIDs []string) ([]api.Device, error)
	CreateConversation(ctx context.Context, members []api.Member) (string, error)
	ConversationInfo(ctx context.Context, id string) (*api.ConversationInfo, error)
}

// Service ties the socket, the server API and the local cache together.
type Service struct {
	transport Transport
	server    Directory
	convs     *conversation.Repository
	users     *user.Cache
	keys      *crypto.Manager
	owner     session.Info
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewService builds the orchestration service.
func NewService(transport Transport, server Directory, convs *conversation.Repository, users *user.Cache, keys *crypto.Manager, owner session.Info, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		transport: transport,
		server:    server,
		convs:     convs,
		users:     users,
		keys:      keys,
		owner:     owner,
		bus:       b,
		logger:    logger.Named("chat"),
	}
}

// Connect runs the socket connection until it tears down, routing
// pushed messages into the cache. onReady fires once the server
// signals the connection is live.
func (s *Service) Connect(ctx context.Context, token string, onReady func()) error {
	return s.transport.Connect(ctx, token, onReady, s.handlePush)
}

// Send delivers content to a conversation. The message is written to
// the cache immediately in Initial status; the returned local id is
// valid even when the send fails, in which case the message ends up
// NotDelivered and the error is returned.
func (s *Service) Send(ctx context.Context, conversationID, content string) (string, error) {
	has, err := s.convs.Has(conversationID)
	if err != nil {
		return "", err
	}
	if !has {
		return "", fmt.Errorf("conversation %s not in local cache", conversationID)
	}

	self := s.users.Current()
	localID, err := s.convs.AddMessage(conversationID, "", self.ID, content, conversation.StatusInitial, time.Now())
	if err != nil {
		return "", err
	}

	// Key resolution happens after the optimistic write so an unwrap
	// failure still leaves a locally visible NotDelivered message.
	key, err := s.convs.Key(conversationID)
	if err != nil {
		s.fail(localID, err)
		return localID, err
	}

	ctrl, err := s.sendEncrypted(ctx, key, conversationID, content)
	if err != nil {
		s.fail(localID, err)
		return localID, err
	}

	switch c := ctrl.(type) {
	case wire.MessageCreated:
		if err := s.convs.ConfirmDelivery(localID, c.MessageID); err != nil {
			return localID, err
		}
		return localID, nil
	case wire.Error:
		err := fmt.Errorf("server rejected message: %s", c.Description)
		s.fail(localID, err)
		return localID, err
	default:
		err := fmt.Errorf("unexpected reply %T to message request", ctrl)
		s.fail(localID, err)
		return localID, err
	}
}

func (s *Service) sendEncrypted(ctx context.Context, key crypto.ConversationKey, conversationID, content string) (wire.Control, error) {
	sealed, err := key.Seal([]byte(content))
	if err != nil {
		return nil, err
	}
	return s.transport.Send(ctx, wire.CreateMessageRequest{
		Message:        base64.StdEncoding.EncodeToString(sealed),
		ConversationID: conversationID,
	})
}

// fail marks an optimistic message as undeliverable. The transition
// can itself fail (the message may already be terminal); that is
// logged, not returned, so the original send error surfaces.
func (s *Service) fail(localID string, cause error) {
	if err := s.convs.SetMessageStatus(localID, conversation.StatusNotDelivered); err != nil {
		s.logger.Warn("could not mark message undelivered",
			zap.String("local_id", localID), zap.NamedError("cause", cause), zap.Error(err))
	}
}

// handlePush routes a server-initiated frame. Returning an error makes
// the socket layer answer with an error ack; the connection stays up
// either way.
func (s *Service) handlePush(ctx context.Context, payload wire.Payload) (wire.OutboundContent, error) {
	switch p := payload.(type) {
	case wire.Message:
		if err := s.receiveMessage(ctx, p); err != nil {
			return nil, err
		}
		return wire.Ok{}, nil
	default:
		return nil, fmt.Errorf("unhandled push %T", payload)
	}
}

func (s *Service) receiveMessage(ctx context.Context, p wire.Message) error {
	// The sender must resolve against the directory before anything is
	// stored: an unresolvable sender fails the push (error ack) rather
	// than persisting a message no later read could materialize.
	if _, err := s.users.User(ctx, p.SenderID); err != nil {
		return fmt.Errorf("message %s: resolve sender %s: %w", p.ExternalID, p.SenderID, err)
	}

	if err := s.ensureConversation(ctx, p.ConversationID); err != nil {
		return err
	}

	key, err := s.convs.Key(p.ConversationID)
	if err != nil {
		return err
	}
	sealed, err := base64.StdEncoding.DecodeString(p.Message)
	if err != nil {
		return fmt.Errorf("message %s: decode body: %w", p.ExternalID, err)
	}
	plaintext, err := key.Open(sealed)
	if err != nil {
		return fmt.Errorf("message %s: %w", p.ExternalID, err)
	}

	localID, err := s.convs.AddMessage(p.ConversationID, p.ExternalID, p.SenderID,
		string(plaintext), conversation.StatusDelivered, p.SentAt)
	if err != nil {
		return err
	}
	if localID != "" {
		s.bus.Publish(bus.Event{Kind: "message.received", Payload: p.ConversationID})
	}
	return nil
}

// ensureConversation lazily materializes a conversation the cache has
// not seen, pulling its description and wrapped key from the server.
func (s *Service) ensureConversation(ctx context.Context, conversationID string) error {
	has, err := s.convs.Has(conversationID)
	if err != nil || has {
		return err
	}

	info, err := s.server.ConversationInfo(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	memberIDs := make([]string, 0, len(info.Participants))
	for _, p := range info.Participants {
		memberIDs = append(memberIDs, p.ID)
	}
	_, err = s.convs.CreateOrGet(ctx, info.ID, info.Name, info.WrappedKey, memberIDs)
	return err
}

// CreateConversation sets up a conversation with the given members
// (the caller is always included): it generates a fresh symmetric key,
// wraps it for every active device of every member, registers the
// conversation on the server and materializes it locally.
func (s *Service) CreateConversation(ctx context.Context, name string, memberIDs []string) (string, error) {
	ids := append([]string{s.owner.UserID}, memberIDs...)
	devices, err := s.server.ActiveDevices(ctx, ids)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("no active devices for members %v", ids)
	}

	key, err := crypto.GenerateConversationKey()
	if err != nil {
		return "", err
	}
	members := make([]api.Member, 0, len(devices))
	for _, d := range devices {
		wrapped, err := crypto.WrapKey(key, d.PublicKey)
		if err != nil {
			return "", fmt.Errorf("wrap key for device %s: %w", d.ID, err)
		}
		members = append(members, api.Member{DeviceID: d.ID, WrappedKey: wrapped})
	}

	conversationID, err := s.server.CreateConversation(ctx, members)
	if err != nil {
		return "", err
	}

	// Materialize locally with the key wrapped for this device's own
	// pair, so the cache row round-trips through the same unwrap path
	// as server-described conversations.
	pair, err := s.keys.DeviceKeyPair(s.owner.Email)
	if err != nil {
		return "", err
	}
	ownWrapped, err := crypto.WrapKey(key, pair.PublicKey())
	if err != nil {
		return "", err
	}
	if _, err := s.convs.CreateOrGet(ctx, conversationID, name, ownWrapped, ids); err != nil {
		return "", err
	}
	return conversationID, nil
}

// DirectConversation returns the one-on-one conversation with peerID,
// creating it if this device has none cached.
func (s *Service) DirectConversation(ctx context.Context, peerID string) (string, error) {
	id, err := s.convs.FindDirect(peerID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	return s.CreateConversation(ctx, "", []string{peerID})
}

// ClearHistory drops the local message log of a conversation.
func (s *Service) ClearHistory(conversationID string) error {
	return s.convs.ClearMessages(conversationID)
}
