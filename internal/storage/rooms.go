package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const roomColumns = `id, name, description, owner_id, is_private, last_seq,
	last_message_text, last_message_sender_id, last_message_at_ms, created_at_ms, updated_at_ms`

// Steps reported to the fault hook while a member leaves.
const (
	stepLeaveMember   = "leave.member"
	stepLeaveTransfer = "leave.transfer"
)

type CreateRoomOptions struct {
	Private        bool
	Invite         []string
	IdempotencyKey string
}

func validateRoomFields(name, description string) (string, string, error) {
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	if name == "" {
		return "", "", fmt.Errorf("%w: room name is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLen {
		return "", "", fmt.Errorf("%w: room name exceeds %d characters", ErrInvalidInput, MaxRoomNameLen)
	}
	if utf8.RuneCountInString(description) > MaxRoomDescriptionLen {
		return "", "", fmt.Errorf("%w: room description exceeds %d characters", ErrInvalidInput, MaxRoomDescriptionLen)
	}
	return name, description, nil
}

// CreateRoom creates a room owned by ownerID, who becomes its only member.
// Users in opts.Invite receive an invitation. created is false when an
// idempotency key matched an earlier call.
func (s *Store) CreateRoom(ctx context.Context, ownerID, name, description string, opts CreateRoomOptions, nowMs int64) (RoomRow, bool, error) {
	if s == nil || s.db == nil {
		return RoomRow{}, false, fmt.Errorf("db not initialized")
	}
	if ownerID == "" {
		return RoomRow{}, false, fmt.Errorf("%w: missing owner id", ErrInvalidInput)
	}
	name, description, err := validateRoomFields(name, description)
	if err != nil {
		return RoomRow{}, false, err
	}
	idemKey, err := normalizeIdempotencyKey(opts.IdempotencyKey)
	if err != nil {
		return RoomRow{}, false, err
	}

	var invite []string
	for _, id := range opts.Invite {
		id = strings.TrimSpace(id)
		if id == "" || id == ownerID || containsID(invite, id) {
			continue
		}
		invite = append(invite, id)
	}

	var room RoomRow
	created := false
	err = s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if id, ok, err := s.lookupIdempotency(ctx, tx, ownerID, idemOpCreateRoom, idemKey); err != nil {
			return err
		} else if ok {
			room, err = s.loadRoom(ctx, tx, id)
			return err
		}

		if err := s.requireActiveUser(ctx, tx, ownerID); err != nil {
			return err
		}
		for _, id := range invite {
			if err := s.requireActiveUser(ctx, tx, id); err != nil {
				return err
			}
		}

		roomID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO chat_rooms (id, name, description, owner_id, is_private, last_seq, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?);`),
			roomID, name, description, ownerID, boolToInt(opts.Private), nowMs, nowMs,
		); err != nil {
			return err
		}
		if err := s.insertRoomMember(ctx, tx, roomID, ownerID, nowMs); err != nil {
			return err
		}
		for _, id := range invite {
			if err := s.insertRoomInvite(ctx, tx, roomID, id, ownerID, nowMs); err != nil {
				return err
			}
		}
		if err := s.recordIdempotency(ctx, tx, ownerID, idemOpCreateRoom, idemKey, roomID, nowMs); err != nil {
			return err
		}

		room, err = s.loadRoom(ctx, tx, roomID)
		created = err == nil
		return err
	})
	if err != nil {
		if idemKey != "" && isUniqueViolation(err) {
			if id, ok, lerr := s.lookupIdempotency(ctx, s.db, ownerID, idemOpCreateRoom, idemKey); lerr == nil && ok {
				room, err := s.GetRoom(ctx, id)
				return room, false, err
			}
		}
		return RoomRow{}, false, err
	}
	return room, created, nil
}

// JoinRoom adds userID to the room. Joining twice is a no-op; private rooms
// require an invitation.
func (s *Store) JoinRoom(ctx context.Context, roomID, userID string, nowMs int64) (RoomRow, bool, error) {
	if s == nil || s.db == nil {
		return RoomRow{}, false, fmt.Errorf("db not initialized")
	}
	if roomID == "" || userID == "" {
		return RoomRow{}, false, fmt.Errorf("%w: missing ids", ErrInvalidInput)
	}

	var room RoomRow
	joined := false
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.lockRoom(ctx, tx, roomID); err != nil {
			return err
		}
		var err error
		room, err = s.loadRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if room.HasMember(userID) {
			return nil
		}
		if room.Private && !containsID(room.Invited, userID) {
			return fmt.Errorf("%w: room is invite-only", ErrAccessDenied)
		}
		if err := s.requireActiveUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := s.insertRoomMember(ctx, tx, roomID, userID, nowMs); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM room_invites WHERE room_id = ? AND user_id = ?;`), roomID, userID); err != nil {
			return err
		}
		if err := s.touchRoom(ctx, tx, roomID, nowMs); err != nil {
			return err
		}
		room, err = s.loadRoom(ctx, tx, roomID)
		joined = err == nil
		return err
	})
	if err != nil {
		return RoomRow{}, false, err
	}
	return room, joined, nil
}

// InviteToRoom lets a member invite another user. Inviting a current member
// or an already invited user changes nothing.
func (s *Store) InviteToRoom(ctx context.Context, roomID, actorID, inviteeID string, nowMs int64) (RoomRow, bool, error) {
	if s == nil || s.db == nil {
		return RoomRow{}, false, fmt.Errorf("db not initialized")
	}
	if roomID == "" || actorID == "" || inviteeID == "" {
		return RoomRow{}, false, fmt.Errorf("%w: missing ids", ErrInvalidInput)
	}
	if actorID == inviteeID {
		return RoomRow{}, false, ErrCannotTargetSelf
	}

	var room RoomRow
	invited := false
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.lockRoom(ctx, tx, roomID); err != nil {
			return err
		}
		var err error
		room, err = s.loadRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if !room.HasMember(actorID) {
			return fmt.Errorf("%w: not a room member", ErrAccessDenied)
		}
		if room.HasMember(inviteeID) || containsID(room.Invited, inviteeID) {
			return nil
		}
		if err := s.requireActiveUser(ctx, tx, inviteeID); err != nil {
			return err
		}
		if err := s.insertRoomInvite(ctx, tx, roomID, inviteeID, actorID, nowMs); err != nil {
			return err
		}
		room.Invited = append(room.Invited, inviteeID)
		invited = true
		return nil
	})
	if err != nil {
		return RoomRow{}, false, err
	}
	return room, invited, nil
}

// LeaveRoom removes userID from the room in one transaction. The last
// member leaving destroys the room with its messages and invites; an owner
// leaving a populated room hands ownership to the earliest-joined member.
func (s *Store) LeaveRoom(ctx context.Context, roomID, userID string, nowMs int64) (LeaveResult, error) {
	if s == nil || s.db == nil {
		return LeaveResult{}, fmt.Errorf("db not initialized")
	}
	if roomID == "" || userID == "" {
		return LeaveResult{}, fmt.Errorf("%w: missing ids", ErrInvalidInput)
	}

	var result LeaveResult
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.lockRoom(ctx, tx, roomID); err != nil {
			return err
		}
		room, err := s.loadRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		result = LeaveResult{Room: room}
		if !room.HasMember(userID) {
			return nil
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM room_members WHERE room_id = ? AND user_id = ?;`), roomID, userID); err != nil {
			return err
		}
		if err := s.checkpoint(stepLeaveMember); err != nil {
			return err
		}
		result.Left = true

		var next string
		err = tx.QueryRowContext(ctx, s.rebind(`SELECT user_id FROM room_members WHERE room_id = ?
			ORDER BY joined_at_ms ASC, user_id ASC LIMIT 1;`), roomID).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			if err := s.deleteRoom(ctx, tx, roomID); err != nil {
				return err
			}
			result.Deleted = true
			result.Room.Members = nil
			return nil
		}
		if err != nil {
			return err
		}

		if room.OwnerID == userID {
			if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE chat_rooms SET owner_id = ? WHERE id = ?;`), next, roomID); err != nil {
				return err
			}
			if err := s.checkpoint(stepLeaveTransfer); err != nil {
				return err
			}
			result.OwnerChangedTo = next
		}
		if err := s.touchRoom(ctx, tx, roomID, nowMs); err != nil {
			return err
		}
		result.Room, err = s.loadRoom(ctx, tx, roomID)
		return err
	})
	if err != nil {
		return LeaveResult{}, err
	}
	return result, nil
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (RoomRow, error) {
	if s == nil || s.db == nil {
		return RoomRow{}, fmt.Errorf("db not initialized")
	}
	room, err := s.loadRoom(ctx, s.db, roomID)
	return room, classifyErr(err)
}

func (s *Store) deleteRoom(ctx context.Context, tx *sql.Tx, roomID string) error {
	stmts := []string{
		`DELETE FROM message_reads WHERE message_id IN (SELECT id FROM room_messages WHERE room_id = ?);`,
		`DELETE FROM room_messages WHERE room_id = ?;`,
		`DELETE FROM room_invites WHERE room_id = ?;`,
		`DELETE FROM room_members WHERE room_id = ?;`,
		`DELETE FROM chat_rooms WHERE id = ?;`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, s.rebind(stmt), roomID); err != nil {
			return err
		}
	}
	return nil
}

// lockRoom takes the room's row lock for the rest of the transaction on
// Postgres. SQLite serializes writers on its single connection.
func (s *Store) lockRoom(ctx context.Context, tx *sql.Tx, roomID string) error {
	return s.lockConversation(ctx, tx, ConversationRef{Kind: ConversationKindRoom, ID: roomID}, true)
}

func (s *Store) touchRoom(ctx context.Context, tx *sql.Tx, roomID string, nowMs int64) error {
	_, err := tx.ExecContext(ctx, s.rebind(`UPDATE chat_rooms SET updated_at_ms = ? WHERE id = ?;`), nowMs, roomID)
	return err
}

func (s *Store) insertRoomMember(ctx context.Context, tx *sql.Tx, roomID, userID string, nowMs int64) error {
	_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO room_members (room_id, user_id, joined_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id, user_id) DO NOTHING;`), roomID, userID, nowMs)
	return err
}

func (s *Store) insertRoomInvite(ctx context.Context, tx *sql.Tx, roomID, userID, inviterID string, nowMs int64) error {
	_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO room_invites (room_id, user_id, inviter_id, created_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, user_id) DO NOTHING;`), roomID, userID, inviterID, nowMs)
	return err
}

func (s *Store) loadRoom(ctx context.Context, q dbtx, roomID string) (RoomRow, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+roomColumns+` FROM chat_rooms WHERE id = ?;`), roomID)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RoomRow{}, fmt.Errorf("%w: room", ErrNotFound)
	}
	if err != nil {
		return RoomRow{}, err
	}

	rows, err := q.QueryContext(ctx, s.rebind(`SELECT user_id FROM room_members WHERE room_id = ?
		ORDER BY joined_at_ms ASC, user_id ASC;`), roomID)
	if err != nil {
		return RoomRow{}, err
	}
	if room.Members, err = scanStrings(rows); err != nil {
		return RoomRow{}, err
	}

	rows, err = q.QueryContext(ctx, s.rebind(`SELECT user_id FROM room_invites WHERE room_id = ?
		ORDER BY created_at_ms ASC, user_id ASC;`), roomID)
	if err != nil {
		return RoomRow{}, err
	}
	if room.Invited, err = scanStrings(rows); err != nil {
		return RoomRow{}, err
	}
	return room, nil
}

func scanRoom(row rowScanner) (RoomRow, error) {
	var r RoomRow
	var private int
	var lastText, lastSender sql.NullString
	var lastAt sql.NullInt64
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.OwnerID, &private, &r.LastSeq,
		&lastText, &lastSender, &lastAt, &r.CreatedAtMs, &r.UpdatedAtMs,
	); err != nil {
		return RoomRow{}, err
	}
	r.Private = private != 0
	r.LastMessage = scanLastMessage(lastText, lastSender, lastAt)
	return r, nil
}
