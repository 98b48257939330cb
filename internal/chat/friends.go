package chat

import (
	"context"

	"chatcore-backend/internal/fanout"
	"chatcore-backend/internal/storage"
)

func friendRequestEvents(req storage.FriendRequestRow) []fanout.Event {
	view := NewFriendRequestView(req)
	events := make([]fanout.Event, 0, 2)
	for _, userID := range []string{req.SenderID, req.ReceiverID} {
		events = append(events, fanout.Event{
			Topic:    fanout.FriendRequestsTopic(userID),
			Type:     fanout.EventFriendRequestUpserted,
			EntityID: req.ID,
			Seq:      req.UpdatedAtMs,
			Payload:  view,
		})
	}
	return events
}

func friendEdgeEvents(eventType, userA, userB string, version int64) []fanout.Event {
	return []fanout.Event{
		{Topic: fanout.FriendRequestsTopic(userA), Type: eventType, EntityID: userB, Seq: version,
			Payload: FriendView{UserID: userA, FriendID: userB}},
		{Topic: fanout.FriendRequestsTopic(userB), Type: eventType, EntityID: userA, Seq: version,
			Payload: FriendView{UserID: userB, FriendID: userA}},
	}
}

func (s *Service) SendFriendRequest(ctx context.Context, senderID, receiverID, idemKey string) (storage.FriendRequestRow, error) {
	req, err := s.store.SendFriendRequest(ctx, senderID, receiverID, idemKey, s.nowMs())
	if err != nil {
		return storage.FriendRequestRow{}, err
	}
	s.publish(friendRequestEvents(req)...)
	return req, nil
}

func (s *Service) AcceptFriendRequest(ctx context.Context, requestID, actorID string) (storage.FriendRequestRow, error) {
	req, err := s.store.AcceptFriendRequest(ctx, requestID, actorID, s.nowMs())
	if err != nil {
		return storage.FriendRequestRow{}, err
	}
	events := friendRequestEvents(req)
	events = append(events, friendEdgeEvents(fanout.EventFriendAdded, req.SenderID, req.ReceiverID, req.UpdatedAtMs)...)
	s.publish(events...)
	s.logger.Info("friend request accepted", "request_id", req.ID, "sender_id", req.SenderID, "receiver_id", req.ReceiverID)
	return req, nil
}

func (s *Service) RejectFriendRequest(ctx context.Context, requestID, actorID string) (storage.FriendRequestRow, error) {
	req, changed, err := s.store.RejectFriendRequest(ctx, requestID, actorID, s.nowMs())
	if err != nil {
		return storage.FriendRequestRow{}, err
	}
	if changed {
		s.publish(friendRequestEvents(req)...)
	}
	return req, nil
}

func (s *Service) CancelFriendRequest(ctx context.Context, requestID, actorID string) (storage.FriendRequestRow, error) {
	req, changed, err := s.store.CancelFriendRequest(ctx, requestID, actorID, s.nowMs())
	if err != nil {
		return storage.FriendRequestRow{}, err
	}
	if changed {
		s.publish(friendRequestEvents(req)...)
	}
	return req, nil
}

// RemoveFriend is idempotent; events go out only when an edge was removed.
// Each side loses its live view of the other's presence.
func (s *Service) RemoveFriend(ctx context.Context, userID, friendID string) error {
	removed, err := s.store.RemoveFriend(ctx, userID, friendID)
	if err != nil {
		return err
	}
	if removed {
		events := friendEdgeEvents(fanout.EventFriendRemoved, userID, friendID, s.nowMs())
		events = append(events,
			revokeAccess(fanout.PresenceTopic(friendID), userID),
			revokeAccess(fanout.PresenceTopic(userID), friendID),
		)
		s.publish(events...)
	}
	return nil
}

// GetFriendRequest is visible to its sender and receiver only.
func (s *Service) GetFriendRequest(ctx context.Context, requestID, viewerID string) (storage.FriendRequestRow, error) {
	req, err := s.store.GetFriendRequest(ctx, requestID)
	if err != nil {
		return storage.FriendRequestRow{}, err
	}
	if req.SenderID != viewerID && req.ReceiverID != viewerID {
		// Do not confirm the request exists to outsiders.
		return storage.FriendRequestRow{}, storage.ErrNotFound
	}
	return req, nil
}

func (s *Service) ListFriendRequests(ctx context.Context, userID, box, status string) ([]storage.FriendRequestRow, error) {
	return s.store.ListFriendRequests(ctx, userID, box, status)
}

func (s *Service) ListFriends(ctx context.Context, userID string) ([]storage.UserRow, error) {
	return s.store.ListFriends(ctx, userID)
}
