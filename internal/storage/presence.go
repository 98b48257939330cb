package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Heartbeat marks the user online as of nowMs and returns the record as it
// was before the update.
func (s *Store) Heartbeat(ctx context.Context, userID string, nowMs int64) (PresenceRow, error) {
	if s == nil || s.db == nil {
		return PresenceRow{}, fmt.Errorf("db not initialized")
	}
	if userID == "" {
		return PresenceRow{}, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}

	var prev PresenceRow
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		prev, err = s.getPresence(ctx, tx, userID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO presence (user_id, online, last_heartbeat_ms, last_seen_ms)
			VALUES (?, 1, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET online = 1, last_heartbeat_ms = excluded.last_heartbeat_ms, last_seen_ms = excluded.last_seen_ms;`),
			userID, nowMs, nowMs)
		return err
	})
	if err != nil {
		return PresenceRow{}, err
	}
	return prev, nil
}

// SetOffline clears the online flag. changed is false if the user was
// already stored as offline.
func (s *Store) SetOffline(ctx context.Context, userID string, nowMs int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("db not initialized")
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE presence SET online = 0, last_seen_ms = ?
		WHERE user_id = ? AND online = 1;`), nowMs, userID)
	if err != nil {
		return false, classifyErr(err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// MarkStaleOffline flips every online user whose last heartbeat is older
// than cutoffMs to offline and returns their ids. Last seen is the last
// heartbeat, not the sweep time.
func (s *Store) MarkStaleOffline(ctx context.Context, cutoffMs int64) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}

	var stale []string
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(`SELECT user_id FROM presence
			WHERE online = 1 AND last_heartbeat_ms < ?
			ORDER BY user_id ASC;`), cutoffMs)
		if err != nil {
			return err
		}
		if stale, err = scanStrings(rows); err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE presence SET online = 0, last_seen_ms = last_heartbeat_ms
			WHERE online = 1 AND last_heartbeat_ms < ?;`), cutoffMs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// GetPresence returns the stored record. A known user who never sent a
// heartbeat gets a zero, offline record.
func (s *Store) GetPresence(ctx context.Context, userID string) (PresenceRow, error) {
	if s == nil || s.db == nil {
		return PresenceRow{}, fmt.Errorf("db not initialized")
	}
	if _, err := s.getUser(ctx, s.db, userID); err != nil {
		return PresenceRow{}, classifyErr(err)
	}
	p, err := s.getPresence(ctx, s.db, userID)
	return p, classifyErr(err)
}

func (s *Store) getPresence(ctx context.Context, q dbtx, userID string) (PresenceRow, error) {
	p := PresenceRow{UserID: userID}
	var online int
	err := q.QueryRowContext(ctx, s.rebind(`SELECT online, last_heartbeat_ms, last_seen_ms FROM presence WHERE user_id = ?;`), userID).
		Scan(&online, &p.LastHeartbeatMs, &p.LastSeenMs)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return PresenceRow{}, err
	}
	p.Online = online != 0
	return p, nil
}
