package storage

import (
	"chatcore-backend/internal/apperr"
)

const (
	FriendRequestStatusPending   = "pending"
	FriendRequestStatusAccepted  = "accepted"
	FriendRequestStatusRejected  = "rejected"
	FriendRequestStatusCancelled = "cancelled"
)

const (
	ConversationKindRoom    = "room"
	ConversationKindPrivate = "private"
)

const (
	MediaKindImage = "image"
	MediaKindVideo = "video"
)

const (
	MaxRoomNameLen        = 100
	MaxRoomDescriptionLen = 500
	MaxMessageTextLen     = 4000
	MaxDisplayNameLen     = 64
)

// Operation names recorded with idempotency keys.
const (
	idemOpCreateRoom        = "create_room"
	idemOpSendFriendRequest = "send_friend_request"
	idemOpAppendMessage     = "append_message"
)

var (
	ErrInvalidInput     = apperr.New(apperr.KindValidation, "invalid input")
	ErrCannotTargetSelf = apperr.New(apperr.KindValidation, "cannot target self")
	ErrNotFound         = apperr.New(apperr.KindNotFound, "not found")
	ErrRequestExists    = apperr.New(apperr.KindConflict, "friend request exists")
	ErrAlreadyFriends   = apperr.New(apperr.KindConflict, "already friends")
	ErrConflict         = apperr.New(apperr.KindConflict, "conflict")
	ErrAccessDenied     = apperr.New(apperr.KindPermission, "access denied")
	ErrUnavailable      = apperr.New(apperr.KindTransient, "storage unavailable")
	ErrIntegrity        = apperr.New(apperr.KindIntegrity, "integrity violation")
)

type UserRow struct {
	ID          string
	Email       string
	DisplayName string
	PhotoURL    *string
	Disabled    bool
	Friends     []string
	CreatedAtMs int64
	UpdatedAtMs int64
}

type FriendRequestRow struct {
	ID          string
	SenderID    string
	ReceiverID  string
	PairKey     string
	Status      string
	CreatedAtMs int64
	UpdatedAtMs int64
}

func (r FriendRequestRow) Terminal() bool {
	return r.Status != FriendRequestStatusPending
}

type LastMessage struct {
	Text     string
	SenderID string
	AtMs     int64
}

type RoomRow struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	Private     bool
	Members     []string
	Invited     []string
	LastSeq     int64
	LastMessage *LastMessage
	CreatedAtMs int64
	UpdatedAtMs int64
}

func (r RoomRow) HasMember(userID string) bool {
	return containsID(r.Members, userID)
}

type PrivateChatRow struct {
	ID           string
	PairKey      string
	Participants [2]string
	LastSeq      int64
	LastMessage  *LastMessage
	CreatedAtMs  int64
	UpdatedAtMs  int64
}

func (c PrivateChatRow) HasParticipant(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// Peer returns the other participant.
func (c PrivateChatRow) Peer(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// ConversationRef addresses either a room or a private chat.
type ConversationRef struct {
	Kind string
	ID   string
}

func (c ConversationRef) Valid() bool {
	return (c.Kind == ConversationKindRoom || c.Kind == ConversationKindPrivate) && c.ID != ""
}

func (c ConversationRef) String() string {
	return c.Kind + ":" + c.ID
}

type Media struct {
	Kind string
	URL  string
}

type MessageRow struct {
	ID           string
	Conversation ConversationRef
	Seq          int64
	SenderID     string
	Text         string
	Media        *Media
	ReadBy       []string
	CreatedAtMs  int64
}

type PresenceRow struct {
	UserID          string
	Online          bool
	LastHeartbeatMs int64
	LastSeenMs      int64
}

// LeaveResult describes what LeaveRoom did to the room.
type LeaveResult struct {
	Room           RoomRow
	Left           bool
	Deleted        bool
	OwnerChangedTo string
}

// DirectoryEntry is one row of a user's conversation list.
type DirectoryEntry struct {
	Conversation ConversationRef
	Title        string
	PeerID       string
	Invited      bool
	LastMessage  *LastMessage
	ActivityAtMs int64
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func IsNotFound(err error) bool {
	return apperr.KindOf(err) == apperr.KindNotFound
}
