package chat

import (
	"context"
	"fmt"

	"chatcore-backend/internal/fanout"
	"chatcore-backend/internal/storage"
)

// Snapshot authorizes userID for topic and returns the topic's current
// state. It backs fanout subscriptions.
func (s *Service) Snapshot(ctx context.Context, userID, topic string) (any, error) {
	kind, id, err := fanout.ParseTopic(topic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	switch kind {
	case fanout.TopicRoom:
		return s.conversationSnapshot(ctx, storage.ConversationRef{Kind: storage.ConversationKindRoom, ID: id}, userID)
	case fanout.TopicPrivateChat:
		return s.conversationSnapshot(ctx, storage.ConversationRef{Kind: storage.ConversationKindPrivate, ID: id}, userID)
	case fanout.TopicDirectory:
		if id != userID {
			return nil, permissionf("directory belongs to another user")
		}
		entries, err := s.store.ListDirectory(ctx, userID)
		if err != nil {
			return nil, err
		}
		return NewDirectoryViews(entries), nil
	case fanout.TopicFriendRequests:
		if id != userID {
			return nil, permissionf("friend requests belong to another user")
		}
		reqs, err := s.store.ListFriendRequests(ctx, userID, "all", storage.FriendRequestStatusPending)
		if err != nil {
			return nil, err
		}
		user, err := s.store.GetUserByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		snap := FriendRequestsSnapshot{Requests: make([]FriendRequestView, 0, len(reqs)), Friends: nonNil(user.Friends)}
		for _, r := range reqs {
			snap.Requests = append(snap.Requests, NewFriendRequestView(r))
		}
		return snap, nil
	case fanout.TopicPresence:
		return s.Presence(ctx, userID, id)
	default:
		return nil, fmt.Errorf("%w: topic %q", storage.ErrInvalidInput, topic)
	}
}

// conversationSnapshot returns the conversation and its most recent
// messages.
func (s *Service) conversationSnapshot(ctx context.Context, conv storage.ConversationRef, userID string) (ConversationSnapshot, error) {
	var snap ConversationSnapshot
	var lastSeq int64
	switch conv.Kind {
	case storage.ConversationKindRoom:
		room, err := s.store.GetRoom(ctx, conv.ID)
		if err != nil {
			return ConversationSnapshot{}, err
		}
		if !room.HasMember(userID) {
			return ConversationSnapshot{}, permissionf("not a room member")
		}
		view := NewRoomView(room)
		snap.Room = &view
		lastSeq = room.LastSeq
	default:
		chat, err := s.GetPrivateChat(ctx, conv.ID, userID)
		if err != nil {
			return ConversationSnapshot{}, err
		}
		view := NewPrivateChatView(chat)
		snap.PrivateChat = &view
		lastSeq = chat.LastSeq
	}

	after := lastSeq - snapshotMessageLimit
	if after < 0 {
		after = 0
	}
	page, err := s.store.ListMessages(ctx, conv, userID, after, snapshotMessageLimit)
	if err != nil {
		return ConversationSnapshot{}, err
	}
	snap.Messages = make([]MessageView, 0, len(page.Messages))
	for _, m := range page.Messages {
		snap.Messages = append(snap.Messages, NewMessageView(m))
	}
	snap.HasMore = after > 0
	return snap, nil
}
