package chat

import (
	"context"
	"iter"

	"chatcore-backend/internal/fanout"
	"chatcore-backend/internal/storage"
)

// AppendMessage stores the message and, still holding the conversation's
// lock, publishes it so subscribers see messages in sequence order.
func (s *Service) AppendMessage(ctx context.Context, in storage.AppendMessageInput) (storage.MessageRow, error) {
	if err := storage.ValidateMessageContent(in.Text, in.Media); err != nil {
		return storage.MessageRow{}, err
	}
	if err := s.checkMedia(ctx, in.Media); err != nil {
		return storage.MessageRow{}, err
	}

	unlock := s.convLocks.Lock(in.Conversation.String())
	defer unlock()

	nowMs := s.nowMs()
	msg, created, err := s.store.AppendMessage(ctx, in, nowMs)
	if err != nil {
		return storage.MessageRow{}, err
	}
	if !created {
		return msg, nil
	}

	events := []fanout.Event{{
		Topic:    conversationTopic(msg.Conversation),
		Type:     fanout.EventMessageCreated,
		EntityID: msg.ID,
		Seq:      msg.Seq,
		Payload:  NewMessageView(msg),
	}}
	events = append(events, s.directoryEventsFor(ctx, msg.Conversation)...)
	s.publish(events...)
	return msg, nil
}

// directoryEventsFor re-announces a conversation on the directory of each
// participant after its last message changed.
func (s *Service) directoryEventsFor(ctx context.Context, conv storage.ConversationRef) []fanout.Event {
	switch conv.Kind {
	case storage.ConversationKindRoom:
		room, err := s.store.GetRoom(ctx, conv.ID)
		if err != nil {
			s.logger.Warn("directory refresh failed", "conversation", conv.String(), "error", err)
			return nil
		}
		entry := storage.RoomDirectoryEntry(room, false)
		events := make([]fanout.Event, 0, len(room.Members))
		for _, member := range room.Members {
			events = append(events, directoryUpsert(member, entry))
		}
		return events
	default:
		chat, err := s.store.GetPrivateChat(ctx, conv.ID)
		if err != nil {
			s.logger.Warn("directory refresh failed", "conversation", conv.String(), "error", err)
			return nil
		}
		users, err := s.UserNames(ctx, chat.Participants[:])
		if err != nil {
			s.logger.Warn("resolve private chat participants failed", "chat_id", chat.ID, "error", err)
		}
		events := make([]fanout.Event, 0, 2)
		for _, viewer := range chat.Participants {
			events = append(events, directoryUpsert(viewer, storage.PrivateChatDirectoryEntry(chat, viewer, users[chat.Peer(viewer)].DisplayName)))
		}
		return events
	}
}

// MarkRead records a read receipt. Repeating it changes nothing and
// publishes nothing.
func (s *Service) MarkRead(ctx context.Context, conv storage.ConversationRef, messageID, userID string) (storage.MessageRow, error) {
	unlock := s.convLocks.Lock(conv.String())
	defer unlock()

	msg, changed, err := s.store.MarkRead(ctx, conv, messageID, userID, s.nowMs())
	if err != nil {
		return storage.MessageRow{}, err
	}
	if changed {
		s.publish(fanout.Event{
			Topic:    conversationTopic(conv),
			Type:     fanout.EventMessageRead,
			EntityID: msg.ID,
			Seq:      msg.Seq,
			Payload:  ReadReceiptView{MessageID: msg.ID, Seq: msg.Seq, UserID: userID, ReadBy: msg.ReadBy},
		})
	}
	return msg, nil
}

func (s *Service) ListMessages(ctx context.Context, conv storage.ConversationRef, userID string, afterSeq int64, limit int) (storage.MessagePage, error) {
	return s.store.ListMessages(ctx, conv, userID, afterSeq, limit)
}

// StreamMessages walks the conversation from afterSeq to its current end,
// fetching one page at a time as the caller consumes it. Live messages
// after the end arrive through a subscription to the conversation's topic.
func (s *Service) StreamMessages(ctx context.Context, conv storage.ConversationRef, userID string, afterSeq int64, pageSize int) iter.Seq2[storage.MessageRow, error] {
	return func(yield func(storage.MessageRow, error) bool) {
		ok, err := s.store.IsParticipant(ctx, conv, userID)
		if err != nil {
			yield(storage.MessageRow{}, err)
			return
		}
		if !ok {
			yield(storage.MessageRow{}, permissionf("not a participant of %s", conv))
			return
		}

		cursor := afterSeq
		for {
			page, err := s.store.ListMessages(ctx, conv, userID, cursor, pageSize)
			if err != nil {
				yield(storage.MessageRow{}, err)
				return
			}
			for _, msg := range page.Messages {
				if !yield(msg, nil) {
					return
				}
				cursor = msg.Seq
			}
			if !page.HasMore || len(page.Messages) == 0 {
				return
			}
		}
	}
}
