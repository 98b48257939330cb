package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const userColumns = `id, email, display_name, photo_url, disabled, created_at_ms, updated_at_ms`

// EnsureUser inserts a user record for a verified identity the first time it
// is seen. Later calls leave the stored profile alone. created reports
// whether a new row was written.
func (s *Store) EnsureUser(ctx context.Context, userID, email, displayName string, nowMs int64) (UserRow, bool, error) {
	if s == nil || s.db == nil {
		return UserRow{}, false, fmt.Errorf("db not initialized")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserRow{}, false, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = defaultDisplayName(email, userID)
	}
	if utf8.RuneCountInString(displayName) > MaxDisplayNameLen {
		displayName = string([]rune(displayName)[:MaxDisplayNameLen])
	}

	q := `INSERT INTO users (id, email, display_name, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING;`
	res, err := s.db.ExecContext(ctx, s.rebind(q), userID, strings.TrimSpace(email), displayName, nowMs, nowMs)
	if err != nil {
		return UserRow{}, false, classifyErr(err)
	}
	affected, _ := res.RowsAffected()

	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return UserRow{}, false, err
	}
	return user, affected > 0, nil
}

func defaultDisplayName(email, userID string) string {
	if local, _, ok := strings.Cut(email, "@"); ok && local != "" {
		return local
	}
	if len(userID) > 8 {
		return "user-" + userID[:8]
	}
	return "user-" + userID
}

// GetUserByID returns the user together with its friend ids.
func (s *Store) GetUserByID(ctx context.Context, userID string) (UserRow, error) {
	if s == nil || s.db == nil {
		return UserRow{}, fmt.Errorf("db not initialized")
	}
	user, err := s.getUser(ctx, s.db, userID)
	if err != nil {
		return UserRow{}, classifyErr(err)
	}
	friends, err := s.friendIDs(ctx, s.db, userID)
	if err != nil {
		return UserRow{}, classifyErr(err)
	}
	user.Friends = friends
	return user, nil
}

func (s *Store) getUser(ctx context.Context, q dbtx, userID string) (UserRow, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?;`), userID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRow{}, fmt.Errorf("%w: user", ErrNotFound)
	}
	return user, err
}

// requireActiveUser fails with ErrNotFound for unknown or disabled users.
func (s *Store) requireActiveUser(ctx context.Context, q dbtx, userID string) error {
	var disabled int
	err := q.QueryRowContext(ctx, s.rebind(`SELECT disabled FROM users WHERE id = ?;`), userID).Scan(&disabled)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && disabled != 0) {
		return fmt.Errorf("%w: user", ErrNotFound)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (UserRow, error) {
	var user UserRow
	var photo sql.NullString
	var disabled int
	if err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &photo, &disabled, &user.CreatedAtMs, &user.UpdatedAtMs); err != nil {
		return UserRow{}, err
	}
	if photo.Valid {
		user.PhotoURL = &photo.String
	}
	user.Disabled = disabled != 0
	return user, nil
}

type ProfileUpdate struct {
	DisplayName *string
	PhotoURL    *string
}

// UpdateProfile changes the fields set in upd. An empty PhotoURL clears the photo.
func (s *Store) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate, nowMs int64) (UserRow, error) {
	if s == nil || s.db == nil {
		return UserRow{}, fmt.Errorf("db not initialized")
	}

	sets := []string{"updated_at_ms = ?"}
	args := []any{nowMs}
	if upd.DisplayName != nil {
		name := strings.TrimSpace(*upd.DisplayName)
		if name == "" || utf8.RuneCountInString(name) > MaxDisplayNameLen {
			return UserRow{}, fmt.Errorf("%w: display name must be 1-%d characters", ErrInvalidInput, MaxDisplayNameLen)
		}
		sets = append(sets, "display_name = ?")
		args = append(args, name)
	}
	if upd.PhotoURL != nil {
		sets = append(sets, "photo_url = ?")
		args = append(args, nullString(strings.TrimSpace(*upd.PhotoURL)))
	}
	args = append(args, userID)

	q := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = ?;`
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return UserRow{}, classifyErr(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return UserRow{}, fmt.Errorf("%w: user", ErrNotFound)
	}
	return s.GetUserByID(ctx, userID)
}

// SetUserDisabled soft-disables an account. Disabled users keep their
// history but can no longer be targeted by new requests or invites.
func (s *Store) SetUserDisabled(ctx context.Context, userID string, disabled bool, nowMs int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE users SET disabled = ?, updated_at_ms = ? WHERE id = ?;`),
		boolToInt(disabled), nowMs, userID)
	if err != nil {
		return classifyErr(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: user", ErrNotFound)
	}
	return nil
}

func (s *Store) SearchUsers(ctx context.Context, query string, limit int) ([]UserRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	q := `SELECT ` + userColumns + ` FROM users
		WHERE disabled = 0 AND (LOWER(email) LIKE ? OR LOWER(display_name) LIKE ?)
		ORDER BY display_name ASC, id ASC
		LIMIT ?;`

	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx, s.rebind(q), pattern, pattern, limit)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var users []UserRow
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}
