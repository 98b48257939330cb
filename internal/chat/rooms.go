package chat

import (
	"context"

	"chatcore-backend/internal/fanout"
	"chatcore-backend/internal/storage"
)

func directoryUpsert(userID string, entry storage.DirectoryEntry) fanout.Event {
	return fanout.Event{
		Topic:    fanout.DirectoryTopic(userID),
		Type:     fanout.EventDirectoryUpserted,
		EntityID: entry.Conversation.ID,
		Seq:      entry.ActivityAtMs,
		Payload:  NewDirectoryEntryView(entry),
	}
}

func directoryRemove(userID string, conv storage.ConversationRef, version int64) fanout.Event {
	return fanout.Event{
		Topic:    fanout.DirectoryTopic(userID),
		Type:     fanout.EventDirectoryRemoved,
		EntityID: conv.ID,
		Seq:      version,
		Payload:  DirectoryRemovedView{Kind: conv.Kind, ID: conv.ID},
	}
}

// revokeAccess ends userID's live subscriptions on topic.
func revokeAccess(topic, userID string) fanout.Event {
	return fanout.Event{Topic: topic, Type: fanout.EventAccessRevoked, EntityID: userID}
}

func roomEvent(eventType string, room storage.RoomRow, payload any) fanout.Event {
	return fanout.Event{
		Topic:    fanout.RoomTopic(room.ID),
		Type:     eventType,
		EntityID: room.ID,
		Seq:      room.UpdatedAtMs,
		Payload:  payload,
	}
}

// CreateRoom creates the room and announces it on the directories of the
// owner and every invitee.
func (s *Service) CreateRoom(ctx context.Context, ownerID, name, description string, opts storage.CreateRoomOptions) (storage.RoomRow, error) {
	room, created, err := s.store.CreateRoom(ctx, ownerID, name, description, opts, s.nowMs())
	if err != nil {
		return storage.RoomRow{}, err
	}
	if !created {
		return room, nil
	}

	events := []fanout.Event{directoryUpsert(ownerID, storage.RoomDirectoryEntry(room, false))}
	for _, invitee := range room.Invited {
		events = append(events, directoryUpsert(invitee, storage.RoomDirectoryEntry(room, true)))
	}
	s.publish(events...)
	s.logger.Info("room created", "room_id", room.ID, "owner_id", ownerID, "private", room.Private)
	return room, nil
}

func (s *Service) JoinRoom(ctx context.Context, roomID, userID string) (storage.RoomRow, error) {
	room, joined, err := s.store.JoinRoom(ctx, roomID, userID, s.nowMs())
	if err != nil {
		return storage.RoomRow{}, err
	}
	if joined {
		s.publish(
			roomEvent(fanout.EventRoomMemberJoined, room, MembershipView{RoomID: room.ID, UserID: userID, OwnerID: room.OwnerID, Members: room.Members}),
			directoryUpsert(userID, storage.RoomDirectoryEntry(room, false)),
		)
	}
	return room, nil
}

func (s *Service) InviteToRoom(ctx context.Context, roomID, actorID, inviteeID string) (storage.RoomRow, error) {
	room, invited, err := s.store.InviteToRoom(ctx, roomID, actorID, inviteeID, s.nowMs())
	if err != nil {
		return storage.RoomRow{}, err
	}
	if invited {
		s.publish(
			roomEvent(fanout.EventRoomUpdated, room, NewRoomView(room)),
			directoryUpsert(inviteeID, storage.RoomDirectoryEntry(room, true)),
		)
	}
	return room, nil
}

// LeaveRoom removes the member. Subscribers of the room learn about the
// departure, a new owner, or the room's deletion. The leaver's own room
// subscriptions end after the departure event; deleting the room ends all
// of them.
func (s *Service) LeaveRoom(ctx context.Context, roomID, userID string) (storage.LeaveResult, error) {
	nowMs := s.nowMs()
	res, err := s.store.LeaveRoom(ctx, roomID, userID, nowMs)
	if err != nil {
		return storage.LeaveResult{}, err
	}
	if !res.Left {
		return res, nil
	}

	conv := storage.ConversationRef{Kind: storage.ConversationKindRoom, ID: roomID}
	events := []fanout.Event{directoryRemove(userID, conv, nowMs)}
	switch {
	case res.Deleted:
		deleted := res.Room
		deleted.UpdatedAtMs = nowMs
		events = append(events, roomEvent(fanout.EventRoomDeleted, deleted, DirectoryRemovedView{Kind: conv.Kind, ID: conv.ID}))
		for _, invitee := range res.Room.Invited {
			events = append(events, directoryRemove(invitee, conv, nowMs))
		}
		s.logger.Info("room deleted", "room_id", roomID, "last_member", userID)
	default:
		events = append(events, roomEvent(fanout.EventRoomMemberLeft, res.Room,
			MembershipView{RoomID: roomID, UserID: userID, OwnerID: res.Room.OwnerID, Members: res.Room.Members}))
		if res.OwnerChangedTo != "" {
			events = append(events, roomEvent(fanout.EventRoomUpdated, res.Room, NewRoomView(res.Room)))
			s.logger.Info("room ownership transferred", "room_id", roomID, "from", userID, "to", res.OwnerChangedTo)
		}
		events = append(events, revokeAccess(fanout.RoomTopic(roomID), userID))
	}
	s.publish(events...)
	return res, nil
}

// GetRoom shows public rooms to anyone and private rooms to members and
// invitees only.
func (s *Service) GetRoom(ctx context.Context, roomID, viewerID string) (storage.RoomRow, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return storage.RoomRow{}, err
	}
	if room.Private && !room.HasMember(viewerID) && !containsString(room.Invited, viewerID) {
		return storage.RoomRow{}, permissionf("room is invite-only")
	}
	return room, nil
}

// GetOrCreatePrivateChat returns the pair's chat. Concurrent callers for the
// same pair in this process share one store round trip; the store's pair
// key constraint covers callers in other processes.
func (s *Service) GetOrCreatePrivateChat(ctx context.Context, userID, peerID string) (storage.PrivateChatRow, error) {
	v, err, _ := s.chatGroup.Do(storage.PairKey(userID, peerID), func() (any, error) {
		chat, created, err := s.store.GetOrCreatePrivateChat(ctx, userID, peerID, s.nowMs())
		if err != nil {
			return nil, err
		}
		if created {
			s.announcePrivateChat(ctx, chat)
		}
		return chat, nil
	})
	if err != nil {
		return storage.PrivateChatRow{}, err
	}
	return v.(storage.PrivateChatRow), nil
}

func (s *Service) announcePrivateChat(ctx context.Context, chat storage.PrivateChatRow) {
	users, err := s.UserNames(ctx, chat.Participants[:])
	if err != nil {
		s.logger.Warn("resolve private chat participants failed", "chat_id", chat.ID, "error", err)
	}
	events := make([]fanout.Event, 0, 2)
	for _, viewer := range chat.Participants {
		peer := users[chat.Peer(viewer)].DisplayName
		events = append(events, directoryUpsert(viewer, storage.PrivateChatDirectoryEntry(chat, viewer, peer)))
	}
	s.publish(events...)
}

func (s *Service) GetPrivateChat(ctx context.Context, chatID, viewerID string) (storage.PrivateChatRow, error) {
	chat, err := s.store.GetPrivateChat(ctx, chatID)
	if err != nil {
		return storage.PrivateChatRow{}, err
	}
	if !chat.HasParticipant(viewerID) {
		return storage.PrivateChatRow{}, permissionf("not a chat participant")
	}
	return chat, nil
}

func (s *Service) ListDirectory(ctx context.Context, userID string) ([]storage.DirectoryEntry, error) {
	return s.store.ListDirectory(ctx, userID)
}

func containsString(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
