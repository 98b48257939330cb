package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const friendRequestColumns = `id, sender_id, receiver_id, pair_key, status, created_at_ms, updated_at_ms`

// Steps reported to the fault hook while accepting a request.
const (
	stepAcceptStatus  = "accept.status"
	stepAcceptForward = "accept.edge_forward"
	stepAcceptReverse = "accept.edge_reverse"
)

func (s *Store) AreFriends(ctx context.Context, userID, peerUserID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("db not initialized")
	}
	ok, err := s.areFriends(ctx, s.db, userID, peerUserID)
	return ok, classifyErr(err)
}

func (s *Store) areFriends(ctx context.Context, q dbtx, userID, peerUserID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM friends WHERE user_id = ? AND friend_id = ?;`), userID, peerUserID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) friendIDs(ctx context.Context, q dbtx, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`SELECT friend_id FROM friends WHERE user_id = ? ORDER BY created_at_ms ASC, friend_id ASC;`), userID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (s *Store) ListFriends(ctx context.Context, userID string) ([]UserRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}

	q := `SELECT u.id, u.email, u.display_name, u.photo_url, u.disabled, u.created_at_ms, u.updated_at_ms
		FROM friends f
		JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = ?
		ORDER BY u.display_name ASC, u.id ASC;`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), userID)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var friends []UserRow
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		friends = append(friends, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return friends, nil
}

// SendFriendRequest opens a pending request from sender to receiver. A
// retried call carrying the same idempotency key returns the original request.
func (s *Store) SendFriendRequest(ctx context.Context, senderID, receiverID, idemKey string, nowMs int64) (FriendRequestRow, error) {
	if s == nil || s.db == nil {
		return FriendRequestRow{}, fmt.Errorf("db not initialized")
	}
	if senderID == "" || receiverID == "" {
		return FriendRequestRow{}, fmt.Errorf("%w: missing user ids", ErrInvalidInput)
	}
	if senderID == receiverID {
		return FriendRequestRow{}, ErrCannotTargetSelf
	}
	idemKey, err := normalizeIdempotencyKey(idemKey)
	if err != nil {
		return FriendRequestRow{}, err
	}

	var req FriendRequestRow
	err = s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if id, ok, err := s.lookupIdempotency(ctx, tx, senderID, idemOpSendFriendRequest, idemKey); err != nil {
			return err
		} else if ok {
			req, err = s.getFriendRequest(ctx, tx, id)
			return err
		}

		if err := s.requireActiveUser(ctx, tx, receiverID); err != nil {
			return err
		}
		friends, err := s.areFriends(ctx, tx, senderID, receiverID)
		if err != nil {
			return err
		}
		if friends {
			return ErrAlreadyFriends
		}

		pairKey := PairKey(senderID, receiverID)
		var pending string
		err = tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM friend_requests WHERE pair_key = ? AND status = ?;`),
			pairKey, FriendRequestStatusPending).Scan(&pending)
		switch {
		case err == nil:
			return ErrRequestExists
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		req = FriendRequestRow{
			ID:          uuid.NewString(),
			SenderID:    senderID,
			ReceiverID:  receiverID,
			PairKey:     pairKey,
			Status:      FriendRequestStatusPending,
			CreatedAtMs: nowMs,
			UpdatedAtMs: nowMs,
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO friend_requests (`+friendRequestColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?);`),
			req.ID, req.SenderID, req.ReceiverID, req.PairKey, req.Status, req.CreatedAtMs, req.UpdatedAtMs,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrRequestExists
			}
			return err
		}
		return s.recordIdempotency(ctx, tx, senderID, idemOpSendFriendRequest, idemKey, req.ID, nowMs)
	})
	if err != nil {
		// A concurrent retry with the same key may have committed first.
		if idemKey != "" && isUniqueViolation(err) {
			if id, ok, lerr := s.lookupIdempotency(ctx, s.db, senderID, idemOpSendFriendRequest, idemKey); lerr == nil && ok {
				return s.GetFriendRequest(ctx, id)
			}
		}
		return FriendRequestRow{}, err
	}
	return req, nil
}

// AcceptFriendRequest marks the request accepted and links both users in a
// single transaction. Only the receiver may accept.
func (s *Store) AcceptFriendRequest(ctx context.Context, requestID, actorID string, nowMs int64) (FriendRequestRow, error) {
	if s == nil || s.db == nil {
		return FriendRequestRow{}, fmt.Errorf("db not initialized")
	}
	if requestID == "" || actorID == "" {
		return FriendRequestRow{}, fmt.Errorf("%w: missing ids", ErrInvalidInput)
	}

	var req FriendRequestRow
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		req, err = s.getFriendRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.ReceiverID != actorID {
			return fmt.Errorf("%w: only the receiver can accept", ErrAccessDenied)
		}
		if req.Terminal() {
			return fmt.Errorf("%w: pending friend request", ErrNotFound)
		}
		if _, err := s.getUser(ctx, tx, req.SenderID); err != nil {
			return err
		}
		if _, err := s.getUser(ctx, tx, req.ReceiverID); err != nil {
			return err
		}

		if err := s.transitionFriendRequest(ctx, tx, req.ID, FriendRequestStatusAccepted, nowMs); err != nil {
			return err
		}
		if err := s.checkpoint(stepAcceptStatus); err != nil {
			return err
		}
		if err := s.insertFriendEdge(ctx, tx, req.SenderID, req.ReceiverID, nowMs); err != nil {
			return err
		}
		if err := s.checkpoint(stepAcceptForward); err != nil {
			return err
		}
		if err := s.insertFriendEdge(ctx, tx, req.ReceiverID, req.SenderID, nowMs); err != nil {
			return err
		}
		return s.checkpoint(stepAcceptReverse)
	})
	if err != nil {
		return FriendRequestRow{}, err
	}
	req.Status = FriendRequestStatusAccepted
	req.UpdatedAtMs = nowMs
	return req, nil
}

// RejectFriendRequest is the receiver's way out. A request that is already
// terminal is returned unchanged.
func (s *Store) RejectFriendRequest(ctx context.Context, requestID, actorID string, nowMs int64) (FriendRequestRow, bool, error) {
	return s.closeFriendRequest(ctx, requestID, actorID, FriendRequestStatusRejected, nowMs)
}

// CancelFriendRequest withdraws the sender's request. A request that is
// already terminal is returned unchanged.
func (s *Store) CancelFriendRequest(ctx context.Context, requestID, actorID string, nowMs int64) (FriendRequestRow, bool, error) {
	return s.closeFriendRequest(ctx, requestID, actorID, FriendRequestStatusCancelled, nowMs)
}

func (s *Store) closeFriendRequest(ctx context.Context, requestID, actorID, status string, nowMs int64) (FriendRequestRow, bool, error) {
	if s == nil || s.db == nil {
		return FriendRequestRow{}, false, fmt.Errorf("db not initialized")
	}
	if requestID == "" || actorID == "" {
		return FriendRequestRow{}, false, fmt.Errorf("%w: missing ids", ErrInvalidInput)
	}

	var req FriendRequestRow
	var changed bool
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		req, err = s.getFriendRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		switch status {
		case FriendRequestStatusRejected:
			if req.ReceiverID != actorID {
				return fmt.Errorf("%w: only the receiver can reject", ErrAccessDenied)
			}
		case FriendRequestStatusCancelled:
			if req.SenderID != actorID {
				return fmt.Errorf("%w: only the sender can cancel", ErrAccessDenied)
			}
		}
		if req.Terminal() {
			return nil
		}

		err = s.transitionFriendRequest(ctx, tx, req.ID, status, nowMs)
		if errors.Is(err, ErrNotFound) {
			// Lost a race with another transition; report the state that won.
			req, err = s.getFriendRequest(ctx, tx, requestID)
			return err
		}
		if err != nil {
			return err
		}
		req.Status = status
		req.UpdatedAtMs = nowMs
		changed = true
		return nil
	})
	if err != nil {
		return FriendRequestRow{}, false, err
	}
	return req, changed, nil
}

// RemoveFriend drops both directed edges. removed is false when the two
// were not friends.
func (s *Store) RemoveFriend(ctx context.Context, userID, friendID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("db not initialized")
	}
	if userID == "" || friendID == "" {
		return false, fmt.Errorf("%w: missing user ids", ErrInvalidInput)
	}
	if userID == friendID {
		return false, ErrCannotTargetSelf
	}

	var removed int64
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM friends
			WHERE (user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?);`),
			userID, friendID, friendID, userID)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (s *Store) GetFriendRequest(ctx context.Context, requestID string) (FriendRequestRow, error) {
	if s == nil || s.db == nil {
		return FriendRequestRow{}, fmt.Errorf("db not initialized")
	}
	req, err := s.getFriendRequest(ctx, s.db, requestID)
	return req, classifyErr(err)
}

// ListFriendRequests returns the user's incoming, outgoing or all requests,
// newest first, optionally filtered by status.
func (s *Store) ListFriendRequests(ctx context.Context, userID, box, status string) ([]FriendRequestRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}

	q := `SELECT ` + friendRequestColumns + ` FROM friend_requests WHERE `
	var args []any
	switch normalizeFriendBox(box) {
	case "incoming":
		q += `receiver_id = ?`
		args = append(args, userID)
	case "outgoing":
		q += `sender_id = ?`
		args = append(args, userID)
	default:
		q += `(receiver_id = ? OR sender_id = ?)`
		args = append(args, userID, userID)
	}
	if status != "" {
		if !validFriendRequestStatus(status) {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
		}
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY updated_at_ms DESC, id ASC LIMIT 100;`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var out []FriendRequestRow
	for rows.Next() {
		r, err := scanFriendRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeFriendBox(box string) string {
	switch box {
	case "incoming", "outgoing":
		return box
	default:
		return "all"
	}
}

func validFriendRequestStatus(status string) bool {
	switch status {
	case FriendRequestStatusPending, FriendRequestStatusAccepted, FriendRequestStatusRejected, FriendRequestStatusCancelled:
		return true
	}
	return false
}

func (s *Store) getFriendRequest(ctx context.Context, q dbtx, id string) (FriendRequestRow, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+friendRequestColumns+` FROM friend_requests WHERE id = ?;`), id)
	r, err := scanFriendRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FriendRequestRow{}, fmt.Errorf("%w: friend request", ErrNotFound)
	}
	return r, err
}

func scanFriendRequest(row rowScanner) (FriendRequestRow, error) {
	var r FriendRequestRow
	err := row.Scan(&r.ID, &r.SenderID, &r.ReceiverID, &r.PairKey, &r.Status, &r.CreatedAtMs, &r.UpdatedAtMs)
	return r, err
}

// transitionFriendRequest moves a pending request to status. It fails with
// ErrNotFound if the request is no longer pending.
func (s *Store) transitionFriendRequest(ctx context.Context, tx *sql.Tx, id, status string, nowMs int64) error {
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE friend_requests SET status = ?, updated_at_ms = ?
		WHERE id = ? AND status = ?;`), status, nowMs, id, FriendRequestStatusPending)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: pending friend request", ErrNotFound)
	}
	return nil
}

func (s *Store) insertFriendEdge(ctx context.Context, tx *sql.Tx, userID, friendID string, nowMs int64) error {
	_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO friends (user_id, friend_id, created_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, friend_id) DO NOTHING;`), userID, friendID, nowMs)
	return err
}
