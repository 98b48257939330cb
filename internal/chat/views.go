package chat

import "chatcore-backend/internal/storage"

// JSON shapes shared by REST responses and fan-out payloads.

type UserView struct {
	ID          string   `json:"id"`
	Email       string   `json:"email,omitempty"`
	DisplayName string   `json:"displayName"`
	PhotoURL    *string  `json:"photoUrl"`
	Friends     []string `json:"friends,omitempty"`
	CreatedAtMs int64    `json:"createdAtMs"`
}

// PublicUserView omits fields only the user themselves should see.
func PublicUserView(u storage.UserRow) UserView {
	return UserView{ID: u.ID, DisplayName: u.DisplayName, PhotoURL: u.PhotoURL, CreatedAtMs: u.CreatedAtMs}
}

func SelfUserView(u storage.UserRow) UserView {
	v := PublicUserView(u)
	v.Email = u.Email
	v.Friends = nonNil(u.Friends)
	return v
}

type FriendRequestView struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Status      string `json:"status"`
	CreatedAtMs int64  `json:"createdAtMs"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

func NewFriendRequestView(r storage.FriendRequestRow) FriendRequestView {
	return FriendRequestView{
		ID:          r.ID,
		SenderID:    r.SenderID,
		ReceiverID:  r.ReceiverID,
		Status:      r.Status,
		CreatedAtMs: r.CreatedAtMs,
		UpdatedAtMs: r.UpdatedAtMs,
	}
}

type LastMessageView struct {
	Text     string `json:"text"`
	SenderID string `json:"senderId"`
	AtMs     int64  `json:"atMs"`
}

func newLastMessageView(m *storage.LastMessage) *LastMessageView {
	if m == nil {
		return nil
	}
	return &LastMessageView{Text: m.Text, SenderID: m.SenderID, AtMs: m.AtMs}
}

type RoomView struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	OwnerID      string           `json:"ownerId"`
	IsPrivate    bool             `json:"isPrivate"`
	Members      []string         `json:"members"`
	InvitedUsers []string         `json:"invitedUsers"`
	LastSeq      int64            `json:"lastSeq"`
	LastMessage  *LastMessageView `json:"lastMessage"`
	CreatedAtMs  int64            `json:"createdAtMs"`
	UpdatedAtMs  int64            `json:"updatedAtMs"`
}

func NewRoomView(r storage.RoomRow) RoomView {
	return RoomView{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		OwnerID:      r.OwnerID,
		IsPrivate:    r.Private,
		Members:      nonNil(r.Members),
		InvitedUsers: nonNil(r.Invited),
		LastSeq:      r.LastSeq,
		LastMessage:  newLastMessageView(r.LastMessage),
		CreatedAtMs:  r.CreatedAtMs,
		UpdatedAtMs:  r.UpdatedAtMs,
	}
}

type PrivateChatView struct {
	ID           string           `json:"id"`
	Participants []string         `json:"participants"`
	LastSeq      int64            `json:"lastSeq"`
	LastMessage  *LastMessageView `json:"lastMessage"`
	CreatedAtMs  int64            `json:"createdAtMs"`
}

func NewPrivateChatView(c storage.PrivateChatRow) PrivateChatView {
	return PrivateChatView{
		ID:           c.ID,
		Participants: []string{c.Participants[0], c.Participants[1]},
		LastSeq:      c.LastSeq,
		LastMessage:  newLastMessageView(c.LastMessage),
		CreatedAtMs:  c.CreatedAtMs,
	}
}

type MediaView struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

type MessageView struct {
	ID               string     `json:"id"`
	ConversationKind string     `json:"conversationKind"`
	ConversationID   string     `json:"conversationId"`
	Seq              int64      `json:"seq"`
	SenderID         string     `json:"senderId"`
	SenderName       string     `json:"senderName,omitempty"`
	SenderPhotoURL   *string    `json:"senderPhotoUrl,omitempty"`
	Text             string     `json:"text"`
	Media            *MediaView `json:"media"`
	ReadBy           []string   `json:"readBy"`
	CreatedAtMs      int64      `json:"createdAtMs"`
}

func NewMessageView(m storage.MessageRow) MessageView {
	v := MessageView{
		ID:               m.ID,
		ConversationKind: m.Conversation.Kind,
		ConversationID:   m.Conversation.ID,
		Seq:              m.Seq,
		SenderID:         m.SenderID,
		Text:             m.Text,
		ReadBy:           nonNil(m.ReadBy),
		CreatedAtMs:      m.CreatedAtMs,
	}
	if m.Media != nil {
		v.Media = &MediaView{Kind: m.Media.Kind, URL: m.Media.URL}
	}
	return v
}

// ReadReceiptView is the payload of message.read.
type ReadReceiptView struct {
	MessageID string   `json:"messageId"`
	Seq       int64    `json:"seq"`
	UserID    string   `json:"userId"`
	ReadBy    []string `json:"readBy"`
}

type DirectoryEntryView struct {
	Kind         string           `json:"kind"`
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	PeerID       string           `json:"peerId,omitempty"`
	Invited      bool             `json:"invited"`
	LastMessage  *LastMessageView `json:"lastMessage"`
	ActivityAtMs int64            `json:"activityAtMs"`
}

func NewDirectoryEntryView(e storage.DirectoryEntry) DirectoryEntryView {
	return DirectoryEntryView{
		Kind:         e.Conversation.Kind,
		ID:           e.Conversation.ID,
		Title:        e.Title,
		PeerID:       e.PeerID,
		Invited:      e.Invited,
		LastMessage:  newLastMessageView(e.LastMessage),
		ActivityAtMs: e.ActivityAtMs,
	}
}

func NewDirectoryViews(entries []storage.DirectoryEntry) []DirectoryEntryView {
	out := make([]DirectoryEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, NewDirectoryEntryView(e))
	}
	return out
}

// DirectoryRemovedView is the payload of directory.removed.
type DirectoryRemovedView struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// MembershipView is the payload of room.member_joined and room.member_left.
type MembershipView struct {
	RoomID  string   `json:"roomId"`
	UserID  string   `json:"userId"`
	OwnerID string   `json:"ownerId"`
	Members []string `json:"members"`
}

// FriendView is the payload of friend.added and friend.removed.
type FriendView struct {
	UserID   string `json:"userId"`
	FriendID string `json:"friendId"`
}

type ConversationSnapshot struct {
	Room        *RoomView        `json:"room,omitempty"`
	PrivateChat *PrivateChatView `json:"privateChat,omitempty"`
	Messages    []MessageView    `json:"messages"`
	HasMore     bool             `json:"hasMore"`
}

type FriendRequestsSnapshot struct {
	Requests []FriendRequestView `json:"requests"`
	Friends  []string            `json:"friends"`
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
