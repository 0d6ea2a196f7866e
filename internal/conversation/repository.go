package conversation

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lunavale/parley/internal/bus"
	"github.com/lunavale/parley/internal/crypto"
	"github.com/lunavale/parley/internal/session"
	"github.com/lunavale/parley/internal/store"
	"github.com/lunavale/parley/internal/user"
)

// Repository is the single writer for the local conversation cache.
// All mutations for one conversation are serialized on a per-id lock,
// so re-delivered pushes and concurrent materializations collapse into
// one consistent row set.
type Repository struct {
	db     *store.DB
	keys   *crypto.Manager
	users  UserLookup
	bus    *bus.Bus
	logger *zap.Logger
	owner  session.Info

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	watchMu   sync.Mutex
	listWatch *listWatcher
}

// UserLookup resolves user ids to directory entries. Satisfied by
// *user.Cache.
type UserLookup interface {
	User(ctx context.Context, id string) (user.User, error)
}

// NewRepository builds the repository for owner's cache.
func NewRepository(db *store.DB, keys *crypto.Manager, users UserLookup, b *bus.Bus, owner session.Info, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		keys:   keys,
		users:  users,
		bus:    b,
		logger: logger.Named("conversation"),
		owner:  owner,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lock serializes all writes to one conversation. The returned func
// releases it.
func (r *Repository) lock(conversationID string) func() {
	r.mu.Lock()
	m, ok := r.locks[conversationID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[conversationID] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (r *Repository) changed(conversationID string) {
	r.bus.Publish(bus.Event{Kind: "conversation.changed", Payload: conversationID})
}

// CreateOrGet materializes a conversation from its server-side
// description. It is idempotent: participants are unioned (add-only),
// and if the row already exists its wrapped key wins even when the
// incoming one differs. Either way the decrypted conversation is
// returned.
func (r *Repository) CreateOrGet(ctx context.Context, conversationID, name string, wrappedKey []byte, memberIDs []string) (*Conversation, error) {
	unlock := r.lock(conversationID)
	defer unlock()

	row, err := r.db.GetConversation(r.owner.UserID, conversationID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = &store.Conversation{
			OwnerID:        r.owner.UserID,
			ConversationID: conversationID,
			WrappedKey:     wrappedKey,
			Name:           name,
		}
		if err := r.db.CreateConversation(row); err != nil {
			return nil, err
		}
	} else if !bytes.Equal(row.WrappedKey, wrappedKey) {
		r.logger.Warn("wrapped key mismatch on existing conversation, keeping stored key",
			zap.String("conversation_id", conversationID))
	}
	if err := r.db.AddParticipants(conversationID, memberIDs); err != nil {
		return nil, err
	}

	conv, err := r.materialize(ctx, row)
	if err != nil {
		return nil, err
	}
	r.changed(conversationID)
	return conv, nil
}

// Get returns the decrypted conversation, or an error if it is not in
// the local cache.
func (r *Repository) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	row, err := r.db.GetConversation(r.owner.UserID, conversationID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("conversation %s not in local cache", conversationID)
	}
	return r.materialize(ctx, row)
}

// Has reports whether the conversation is already materialized locally.
func (r *Repository) Has(conversationID string) (bool, error) {
	row, err := r.db.GetConversation(r.owner.UserID, conversationID)
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

// Key unwraps and returns the symmetric key of a cached conversation.
func (r *Repository) Key(conversationID string) (crypto.ConversationKey, error) {
	row, err := r.db.GetConversation(r.owner.UserID, conversationID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("conversation %s not in local cache", conversationID)
	}
	return r.unwrap(row.WrappedKey)
}

func (r *Repository) unwrap(wrapped []byte) (crypto.ConversationKey, error) {
	pair, err := r.keys.DeviceKeyPair(r.owner.Email)
	if err != nil {
		return nil, err
	}
	return pair.Unwrap(wrapped)
}

// materialize builds the decrypted, user-resolved view from a cache row.
func (r *Repository) materialize(ctx context.Context, row *store.Conversation) (*Conversation, error) {
	key, err := r.unwrap(row.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", row.ConversationID, err)
	}

	ids, err := r.db.ListParticipants(row.ConversationID)
	if err != nil {
		return nil, err
	}
	participants := make([]user.User, 0, len(ids))
	for _, id := range ids {
		u, err := r.users.User(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve participant %s: %w", id, err)
		}
		participants = append(participants, u)
	}

	rows, err := r.db.ListMessages(row.ConversationID)
	if err != nil {
		return nil, err
	}
	messages := make([]ChatMessage, 0, len(rows))
	for _, m := range rows {
		sender, err := r.users.User(ctx, m.SenderID)
		if err != nil {
			return nil, fmt.Errorf("resolve sender %s: %w", m.SenderID, err)
		}
		messages = append(messages, ChatMessage{
			LocalID:    m.LocalID,
			ExternalID: m.ExternalID,
			Sender:     sender,
			Content:    m.Content,
			Status:     Status(m.Status),
			SentAt:     time.UnixMilli(m.SentAt),
		})
	}

	return &Conversation{
		ID:           row.ConversationID,
		Name:         row.Name,
		Key:          key,
		Participants: participants,
		Messages:     messages,
	}, nil
}

// AddMessage appends a message to a cached conversation and returns
// its local id. Messages carrying an external id are idempotent: a
// re-delivery of an already-stored external id is a silent no-op and
// returns the empty string.
func (r *Repository) AddMessage(conversationID, externalID, senderID, content string, status Status, sentAt time.Time) (string, error) {
	unlock := r.lock(conversationID)
	defer unlock()

	if externalID != "" {
		exists, err := r.db.HasMessageWithExternalID(conversationID, externalID)
		if err != nil {
			return "", err
		}
		if exists {
			r.logger.Debug("duplicate push ignored",
				zap.String("conversation_id", conversationID),
				zap.String("external_id", externalID))
			return "", nil
		}
	}

	localID := uuid.NewString()
	err := r.db.InsertMessage(&store.Message{
		LocalID:        localID,
		ConversationID: conversationID,
		ExternalID:     externalID,
		SenderID:       senderID,
		Content:        content,
		Status:         string(status),
		SentAt:         sentAt.UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	r.changed(conversationID)
	return localID, nil
}

// SetMessageStatus moves a message through the delivery status machine.
func (r *Repository) SetMessageStatus(localID string, to Status) error {
	msg, err := r.db.GetMessage(localID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %s not in local cache", localID)
	}

	unlock := r.lock(msg.ConversationID)
	defer unlock()

	// Re-read under the lock in case status moved meanwhile.
	msg, err = r.db.GetMessage(localID)
	if err != nil {
		return err
	}
	if err := checkTransition(Status(msg.Status), to); err != nil {
		return err
	}
	if err := r.db.UpdateMessageStatus(localID, string(to)); err != nil {
		return err
	}
	r.bus.Publish(bus.Event{Kind: "message." + string(to), Payload: localID})
	r.changed(msg.ConversationID)
	return nil
}

// ConfirmDelivery records the server ack for an optimistic send: the
// message gains its server-assigned external id and moves to
// Delivered in one write.
func (r *Repository) ConfirmDelivery(localID, externalID string) error {
	msg, err := r.db.GetMessage(localID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %s not in local cache", localID)
	}

	unlock := r.lock(msg.ConversationID)
	defer unlock()

	msg, err = r.db.GetMessage(localID)
	if err != nil {
		return err
	}
	if msg.ExternalID != "" && msg.ExternalID != externalID {
		return fmt.Errorf("message %s already has external id %s", localID, msg.ExternalID)
	}
	if err := checkTransition(Status(msg.Status), StatusDelivered); err != nil {
		return err
	}
	if err := r.db.UpdateMessageExternalIDAndStatus(localID, string(StatusDelivered), externalID); err != nil {
		return err
	}
	r.bus.Publish(bus.Event{Kind: "message." + string(StatusDelivered), Payload: localID})
	r.changed(msg.ConversationID)
	return nil
}

// ClearMessages drops the local message log of a conversation while
// keeping the conversation itself, its key and its participants.
func (r *Repository) ClearMessages(conversationID string) error {
	unlock := r.lock(conversationID)
	defer unlock()

	if err := r.db.ClearMessages(conversationID); err != nil {
		return err
	}
	r.changed(conversationID)
	return nil
}

// FindDirect returns the id of the cached one-on-one conversation with
// peerID, or the empty string when none exists.
func (r *Repository) FindDirect(peerID string) (string, error) {
	rows, err := r.db.ListConversations(r.owner.UserID)
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		ids, err := r.db.ListParticipants(row.ConversationID)
		if err != nil {
			return "", err
		}
		if len(ids) != 2 {
			continue
		}
		for _, id := range ids {
			if id == peerID {
				return row.ConversationID, nil
			}
		}
	}
	return "", nil
}

// snapshot builds the list view of every cached conversation. Rows
// whose key no longer unwraps are skipped with a warning rather than
// failing the whole list.
func (r *Repository) snapshot(ctx context.Context) (map[string]Info, error) {
	rows, err := r.db.ListConversations(r.owner.UserID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Info, len(rows))
	for i := range rows {
		conv, err := r.materialize(ctx, &rows[i])
		if err != nil {
			r.logger.Warn("skipping conversation in list view",
				zap.String("conversation_id", rows[i].ConversationID),
				zap.Error(err))
			continue
		}
		out[conv.ID] = conv.summary()
	}
	return out, nil
}
