// Package chat runs client commands against the store and publishes the
// resulting change events once the store transaction has committed.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"chatcore-backend/internal/apperr"
	"chatcore-backend/internal/fanout"
	"chatcore-backend/internal/presence"
	"chatcore-backend/internal/storage"
)

type Store interface {
	EnsureUser(ctx context.Context, userID, email, displayName string, nowMs int64) (storage.UserRow, bool, error)
	GetUserByID(ctx context.Context, userID string) (storage.UserRow, error)
	UpdateProfile(ctx context.Context, userID string, upd storage.ProfileUpdate, nowMs int64) (storage.UserRow, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]storage.UserRow, error)

	AreFriends(ctx context.Context, userID, peerUserID string) (bool, error)
	ListFriends(ctx context.Context, userID string) ([]storage.UserRow, error)
	SendFriendRequest(ctx context.Context, senderID, receiverID, idemKey string, nowMs int64) (storage.FriendRequestRow, error)
	AcceptFriendRequest(ctx context.Context, requestID, actorID string, nowMs int64) (storage.FriendRequestRow, error)
	RejectFriendRequest(ctx context.Context, requestID, actorID string, nowMs int64) (storage.FriendRequestRow, bool, error)
	CancelFriendRequest(ctx context.Context, requestID, actorID string, nowMs int64) (storage.FriendRequestRow, bool, error)
	RemoveFriend(ctx context.Context, userID, friendID string) (bool, error)
	GetFriendRequest(ctx context.Context, requestID string) (storage.FriendRequestRow, error)
	ListFriendRequests(ctx context.Context, userID, box, status string) ([]storage.FriendRequestRow, error)

	CreateRoom(ctx context.Context, ownerID, name, description string, opts storage.CreateRoomOptions, nowMs int64) (storage.RoomRow, bool, error)
	JoinRoom(ctx context.Context, roomID, userID string, nowMs int64) (storage.RoomRow, bool, error)
	InviteToRoom(ctx context.Context, roomID, actorID, inviteeID string, nowMs int64) (storage.RoomRow, bool, error)
	LeaveRoom(ctx context.Context, roomID, userID string, nowMs int64) (storage.LeaveResult, error)
	GetRoom(ctx context.Context, roomID string) (storage.RoomRow, error)
	GetOrCreatePrivateChat(ctx context.Context, userA, userB string, nowMs int64) (storage.PrivateChatRow, bool, error)
	GetPrivateChat(ctx context.Context, chatID string) (storage.PrivateChatRow, error)
	ListDirectory(ctx context.Context, userID string) ([]storage.DirectoryEntry, error)

	AppendMessage(ctx context.Context, in storage.AppendMessageInput, nowMs int64) (storage.MessageRow, bool, error)
	MarkRead(ctx context.Context, conv storage.ConversationRef, messageID, userID string, nowMs int64) (storage.MessageRow, bool, error)
	ListMessages(ctx context.Context, conv storage.ConversationRef, userID string, afterSeq int64, limit int) (storage.MessagePage, error)
	IsParticipant(ctx context.Context, conv storage.ConversationRef, userID string) (bool, error)
}

// MediaChecker confirms that a media URL points at a durable blob.
type MediaChecker interface {
	Exists(ctx context.Context, url string) (bool, error)
}

// PresenceReader supplies presence snapshots.
type PresenceReader interface {
	Status(ctx context.Context, userID string) (presence.Status, error)
}

const snapshotMessageLimit = 50

type Service struct {
	store    Store
	media    MediaChecker
	presence PresenceReader
	pub      fanout.Publisher
	logger   *slog.Logger
	now      func() time.Time

	convLocks *keyedMutex
	chatGroup singleflight.Group
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, media MediaChecker, pub fanout.Publisher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		media:     media,
		pub:       pub,
		logger:    logger.With("component", "chat"),
		now:       time.Now,
		convLocks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPublisher and SetPresence close the construction cycle with the
// fan-out engine, which snapshots through the service. Call them before the
// service handles requests.
func (s *Service) SetPublisher(pub fanout.Publisher) { s.pub = pub }

func (s *Service) SetPresence(p PresenceReader) { s.presence = p }

func (s *Service) nowMs() int64 { return s.now().UnixMilli() }

func (s *Service) publish(events ...fanout.Event) {
	if s.pub == nil || len(events) == 0 {
		return
	}
	s.pub.Publish(events...)
}

func conversationTopic(conv storage.ConversationRef) string {
	if conv.Kind == storage.ConversationKindPrivate {
		return fanout.PrivateChatTopic(conv.ID)
	}
	return fanout.RoomTopic(conv.ID)
}

// ParseConversation validates a kind/id pair from the transport.
func ParseConversation(kind, id string) (storage.ConversationRef, error) {
	switch kind {
	case "rooms":
		kind = storage.ConversationKindRoom
	case "private-chats", "privateChat":
		kind = storage.ConversationKindPrivate
	}
	conv := storage.ConversationRef{Kind: kind, ID: id}
	if !conv.Valid() {
		return storage.ConversationRef{}, fmt.Errorf("%w: unknown conversation %q", storage.ErrInvalidInput, kind)
	}
	return conv, nil
}

func permissionf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{storage.ErrAccessDenied}, args...)...)
}

// checkMedia reports an unusable media reference as a validation
// failure and a failed lookup as transient.
func (s *Service) checkMedia(ctx context.Context, media *storage.Media) error {
	if media == nil {
		return nil
	}
	if s.media == nil {
		return fmt.Errorf("%w: media uploads are disabled", storage.ErrInvalidInput)
	}
	ok, err := s.media.Exists(ctx, media.URL)
	if err != nil {
		return apperr.Transient("media store unavailable", err)
	}
	if !ok {
		return fmt.Errorf("%w: media url does not reference an uploaded blob", storage.ErrInvalidInput)
	}
	return nil
}
