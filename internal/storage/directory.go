package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// ListDirectory returns the user's rooms, pending room invitations and
// private chats, most recently active first.
func (s *Store) ListDirectory(ctx context.Context, userID string) ([]DirectoryEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}

	var entries []DirectoryEntry

	roomQueries := []struct {
		q       string
		invited bool
	}{
		{`SELECT r.id, r.name, r.last_message_text, r.last_message_sender_id, r.last_message_at_ms, r.created_at_ms
			FROM chat_rooms r JOIN room_members m ON m.room_id = r.id
			WHERE m.user_id = ?;`, false},
		{`SELECT r.id, r.name, r.last_message_text, r.last_message_sender_id, r.last_message_at_ms, r.created_at_ms
			FROM chat_rooms r JOIN room_invites i ON i.room_id = r.id
			WHERE i.user_id = ?;`, true},
	}
	for _, rq := range roomQueries {
		rows, err := s.db.QueryContext(ctx, s.rebind(rq.q), userID)
		if err != nil {
			return nil, classifyErr(err)
		}
		for rows.Next() {
			var id, name string
			var lastText, lastSender sql.NullString
			var lastAt sql.NullInt64
			var createdAt int64
			if err := rows.Scan(&id, &name, &lastText, &lastSender, &lastAt, &createdAt); err != nil {
				rows.Close()
				return nil, err
			}
			entries = append(entries, RoomDirectoryEntry(RoomRow{
				ID:          id,
				Name:        name,
				LastMessage: scanLastMessage(lastText, lastSender, lastAt),
				CreatedAtMs: createdAt,
			}, rq.invited))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, classifyErr(err)
		}
	}

	q := `SELECT c.id, c.user1_id, c.user2_id, u.display_name,
			c.last_message_text, c.last_message_sender_id, c.last_message_at_ms, c.created_at_ms
		FROM private_chats c
		JOIN users u ON u.id = CASE WHEN c.user1_id = ? THEN c.user2_id ELSE c.user1_id END
		WHERE c.user1_id = ? OR c.user2_id = ?;`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), userID, userID, userID)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var chat PrivateChatRow
		var peerName string
		var lastText, lastSender sql.NullString
		var lastAt sql.NullInt64
		if err := rows.Scan(&chat.ID, &chat.Participants[0], &chat.Participants[1], &peerName,
			&lastText, &lastSender, &lastAt, &chat.CreatedAtMs,
		); err != nil {
			return nil, err
		}
		chat.LastMessage = scanLastMessage(lastText, lastSender, lastAt)
		entries = append(entries, PrivateChatDirectoryEntry(chat, userID, peerName))
	}
	if err := rows.Err(); err != nil {
		return nil, classifyErr(err)
	}

	SortDirectory(entries)
	return entries, nil
}

func RoomDirectoryEntry(room RoomRow, invited bool) DirectoryEntry {
	return DirectoryEntry{
		Conversation: ConversationRef{Kind: ConversationKindRoom, ID: room.ID},
		Title:        room.Name,
		Invited:      invited,
		LastMessage:  room.LastMessage,
		ActivityAtMs: activityAt(room.LastMessage, room.CreatedAtMs),
	}
}

func PrivateChatDirectoryEntry(chat PrivateChatRow, viewerID, peerName string) DirectoryEntry {
	return DirectoryEntry{
		Conversation: ConversationRef{Kind: ConversationKindPrivate, ID: chat.ID},
		Title:        peerName,
		PeerID:       chat.Peer(viewerID),
		LastMessage:  chat.LastMessage,
		ActivityAtMs: activityAt(chat.LastMessage, chat.CreatedAtMs),
	}
}

func activityAt(last *LastMessage, createdAtMs int64) int64 {
	if last != nil {
		return last.AtMs
	}
	return createdAtMs
}

// SortDirectory orders entries by last activity, newest first.
func SortDirectory(entries []DirectoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ActivityAtMs != entries[j].ActivityAtMs {
			return entries[i].ActivityAtMs > entries[j].ActivityAtMs
		}
		return entries[i].Conversation.String() < entries[j].Conversation.String()
	})
}
