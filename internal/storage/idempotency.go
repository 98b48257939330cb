package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const maxIdempotencyKeyLen = 128

func normalizeIdempotencyKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if len(key) > maxIdempotencyKeyLen {
		return "", fmt.Errorf("%w: idempotency key too long", ErrInvalidInput)
	}
	return key, nil
}

func (s *Store) lookupIdempotency(ctx context.Context, q dbtx, userID, op, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	var entityID string
	err := q.QueryRowContext(ctx, s.rebind(`SELECT entity_id FROM idempotency_keys
		WHERE user_id = ? AND op = ? AND idem_key = ?;`), userID, op, key).Scan(&entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entityID, true, nil
}

func (s *Store) recordIdempotency(ctx context.Context, q dbtx, userID, op, key, entityID string, nowMs int64) error {
	if key == "" {
		return nil
	}
	_, err := q.ExecContext(ctx, s.rebind(`INSERT INTO idempotency_keys (user_id, op, idem_key, entity_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?);`), userID, op, key, entityID, nowMs)
	return err
}

// PurgeIdempotencyKeys drops keys recorded before cutoffMs.
func (s *Store) PurgeIdempotencyKeys(ctx context.Context, cutoffMs int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("db not initialized")
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM idempotency_keys WHERE created_at_ms < ?;`), cutoffMs)
	if err != nil {
		return 0, classifyErr(err)
	}
	return res.RowsAffected()
}
