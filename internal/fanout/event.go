package fanout

import (
	"fmt"
	"strings"

	"chatcore-backend/internal/apperr"
)

var ErrBadTopic = apperr.New(apperr.KindValidation, "bad topic")

// Event types delivered on topics.
const (
	EventSnapshot = "snapshot"

	EventMessageCreated = "message.created"
	EventMessageRead    = "message.read"

	EventRoomUpdated      = "room.updated"
	EventRoomMemberJoined = "room.member_joined"
	EventRoomMemberLeft   = "room.member_left"
	EventRoomDeleted      = "room.deleted"

	EventDirectoryUpserted = "directory.upserted"
	EventDirectoryRemoved  = "directory.removed"

	EventFriendRequestUpserted = "friend_request.upserted"
	EventFriendAdded           = "friend.added"
	EventFriendRemoved         = "friend.removed"

	EventPresenceUpdated = "presence.updated"

	// EventAccessRevoked is consumed by the engine and never delivered. It
	// ends EntityID's subscriptions on Topic once their queued events drain.
	EventAccessRevoked = "access.revoked"
)

// Event is one change delivered to the subscribers of Topic. Clients apply
// events idempotently keyed by EntityID and Seq, since delivery is
// at-least-once.
type Event struct {
	Topic    string `json:"topic"`
	Type     string `json:"type"`
	EntityID string `json:"entityId,omitempty"`
	Seq      int64  `json:"seq"`
	Payload  any    `json:"payload,omitempty"`
}

// Topic kinds.
const (
	TopicRoom           = "room"
	TopicPrivateChat    = "privateChat"
	TopicDirectory      = "directory"
	TopicFriendRequests = "friendRequests"
	TopicPresence       = "presence"
)

func RoomTopic(roomID string) string           { return TopicRoom + ":" + roomID }
func PrivateChatTopic(chatID string) string    { return TopicPrivateChat + ":" + chatID }
func DirectoryTopic(userID string) string      { return TopicDirectory + ":" + userID }
func FriendRequestsTopic(userID string) string { return TopicFriendRequests + ":" + userID }
func PresenceTopic(userID string) string       { return TopicPresence + ":" + userID }

// ParseTopic splits "kind:id" and rejects unknown kinds.
func ParseTopic(topic string) (kind, id string, err error) {
	kind, id, ok := strings.Cut(topic, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("%w: malformed topic %q", ErrBadTopic, topic)
	}
	switch kind {
	case TopicRoom, TopicPrivateChat, TopicDirectory, TopicFriendRequests, TopicPresence:
		return kind, id, nil
	default:
		return "", "", fmt.Errorf("%w: unknown topic kind %q", ErrBadTopic, kind)
	}
}
