package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const privateChatColumns = `id, pair_key, user1_id, user2_id, last_seq,
	last_message_text, last_message_sender_id, last_message_at_ms, created_at_ms, updated_at_ms`

// GetOrCreatePrivateChat returns the single chat between two users, creating
// it on first contact. The insert is conditional on the pair key, so callers
// racing from either side all observe the same row. Starting a new chat
// requires the two users to be friends; an existing chat is always returned.
func (s *Store) GetOrCreatePrivateChat(ctx context.Context, userA, userB string, nowMs int64) (PrivateChatRow, bool, error) {
	if s == nil || s.db == nil {
		return PrivateChatRow{}, false, fmt.Errorf("db not initialized")
	}
	if userA == "" || userB == "" {
		return PrivateChatRow{}, false, fmt.Errorf("%w: missing user ids", ErrInvalidInput)
	}
	if userA == userB {
		return PrivateChatRow{}, false, ErrCannotTargetSelf
	}

	pairKey := PairKey(userA, userB)
	chat, err := s.getPrivateChatByPairKey(ctx, s.db, pairKey)
	if err == nil {
		return chat, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return PrivateChatRow{}, false, classifyErr(err)
	}

	if err := s.requireActiveUser(ctx, s.db, userA); err != nil {
		return PrivateChatRow{}, false, classifyErr(err)
	}
	if err := s.requireActiveUser(ctx, s.db, userB); err != nil {
		return PrivateChatRow{}, false, classifyErr(err)
	}
	friends, err := s.areFriends(ctx, s.db, userA, userB)
	if err != nil {
		return PrivateChatRow{}, false, classifyErr(err)
	}
	if !friends {
		return PrivateChatRow{}, false, fmt.Errorf("%w: private chats start between friends", ErrAccessDenied)
	}

	pair := sortedPair(userA, userB)
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO private_chats (id, pair_key, user1_id, user2_id, last_seq, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(pair_key) DO NOTHING;`),
		uuid.NewString(), pairKey, pair[0], pair[1], nowMs, nowMs,
	)
	if err != nil {
		return PrivateChatRow{}, false, classifyErr(err)
	}
	affected, _ := res.RowsAffected()

	chat, err = s.getPrivateChatByPairKey(ctx, s.db, pairKey)
	if errors.Is(err, ErrNotFound) {
		return PrivateChatRow{}, false, fmt.Errorf("%w: private chat for pair vanished after insert", ErrIntegrity)
	}
	if err != nil {
		return PrivateChatRow{}, false, classifyErr(err)
	}
	return chat, affected > 0, nil
}

func (s *Store) GetPrivateChat(ctx context.Context, chatID string) (PrivateChatRow, error) {
	if s == nil || s.db == nil {
		return PrivateChatRow{}, fmt.Errorf("db not initialized")
	}
	chat, err := s.getPrivateChat(ctx, s.db, chatID)
	return chat, classifyErr(err)
}

// CountPrivateChats reports how many chats exist for the pair. Anything
// other than 0 or 1 is an integrity violation.
func (s *Store) CountPrivateChats(ctx context.Context, userA, userB string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("db not initialized")
	}
	pair := sortedPair(userA, userB)
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM private_chats WHERE user1_id = ? AND user2_id = ?;`),
		pair[0], pair[1]).Scan(&n)
	return n, classifyErr(err)
}

func (s *Store) getPrivateChat(ctx context.Context, q dbtx, chatID string) (PrivateChatRow, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+privateChatColumns+` FROM private_chats WHERE id = ?;`), chatID)
	chat, err := scanPrivateChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PrivateChatRow{}, fmt.Errorf("%w: private chat", ErrNotFound)
	}
	return chat, err
}

func (s *Store) getPrivateChatByPairKey(ctx context.Context, q dbtx, pairKey string) (PrivateChatRow, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+privateChatColumns+` FROM private_chats WHERE pair_key = ?;`), pairKey)
	chat, err := scanPrivateChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PrivateChatRow{}, fmt.Errorf("%w: private chat", ErrNotFound)
	}
	return chat, err
}

func scanPrivateChat(row rowScanner) (PrivateChatRow, error) {
	var c PrivateChatRow
	var lastText, lastSender sql.NullString
	var lastAt sql.NullInt64
	if err := row.Scan(&c.ID, &c.PairKey, &c.Participants[0], &c.Participants[1], &c.LastSeq,
		&lastText, &lastSender, &lastAt, &c.CreatedAtMs, &c.UpdatedAtMs,
	); err != nil {
		return PrivateChatRow{}, err
	}
	c.LastMessage = scanLastMessage(lastText, lastSender, lastAt)
	return c, nil
}
