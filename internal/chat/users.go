package chat

import (
	"context"
	"fmt"

	"chatcore-backend/internal/presence"
	"chatcore-backend/internal/storage"
)

// EnsureUser records a verified identity on first sight.
func (s *Service) EnsureUser(ctx context.Context, userID, email, displayName string) (storage.UserRow, error) {
	user, created, err := s.store.EnsureUser(ctx, userID, email, displayName, s.nowMs())
	if err != nil {
		return storage.UserRow{}, err
	}
	if created {
		s.logger.Info("user created", "user_id", user.ID)
	}
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (storage.UserRow, error) {
	return s.store.GetUserByID(ctx, userID)
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, upd storage.ProfileUpdate) (storage.UserRow, error) {
	return s.store.UpdateProfile(ctx, userID, upd, s.nowMs())
}

func (s *Service) SearchUsers(ctx context.Context, query string, limit int) ([]storage.UserRow, error) {
	return s.store.SearchUsers(ctx, query, limit)
}

// UserNames resolves display snapshots for a set of user ids. Unknown ids
// are skipped.
func (s *Service) UserNames(ctx context.Context, ids []string) (map[string]storage.UserRow, error) {
	out := make(map[string]storage.UserRow, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		u, err := s.store.GetUserByID(ctx, id)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out[id] = u
	}
	return out, nil
}

// Presence returns userID's status to the user themselves and to their
// friends.
func (s *Service) Presence(ctx context.Context, viewerID, userID string) (presence.Status, error) {
	if viewerID != userID {
		friends, err := s.store.AreFriends(ctx, viewerID, userID)
		if err != nil {
			return presence.Status{}, err
		}
		if !friends {
			return presence.Status{}, permissionf("presence is visible to friends only")
		}
	}
	if s.presence == nil {
		return presence.Status{}, fmt.Errorf("%w: presence", storage.ErrNotFound)
	}
	return s.presence.Status(ctx, userID)
}
