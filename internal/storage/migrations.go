package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// migration upgrades a database created by an older schema. Versions are
// applied in order, each in its own transaction, and recorded in
// schema_migrations so a restart skips them.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx, driver string) error
}

var migrations = []migration{
	{1, "users_disabled", addColumn("users", "disabled", "INTEGER NOT NULL DEFAULT 0")},
	{2, "chat_rooms_is_private", addColumn("chat_rooms", "is_private", "INTEGER NOT NULL DEFAULT 0")},
	{3, "listing_indexes", execAll(
		`CREATE INDEX IF NOT EXISTS idx_chat_rooms_private ON chat_rooms(is_private, updated_at_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_keys_created_at_ms ON idempotency_keys(created_at_ms);`,
	)},
}

func applyMigrations(ctx context.Context, db *sql.DB, driver string) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at_ms BIGINT NOT NULL
	);`); err != nil {
		return err
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := runMigration(ctx, db, driver, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func runMigration(ctx context.Context, db *sql.DB, driver string, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := m.apply(ctx, tx, driver); err != nil {
		return err
	}
	insert := `INSERT INTO schema_migrations (version, name, applied_at_ms) VALUES (?, ?, ?);`
	if driver == driverPostgres {
		insert = rebindToPostgres(insert)
	}
	if _, err := tx.ExecContext(ctx, insert, m.version, m.name, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func addColumn(table, column, definition string) func(context.Context, *sql.Tx, string) error {
	return func(ctx context.Context, tx *sql.Tx, driver string) error {
		return ensureColumn(ctx, tx, driver, table, column, definition)
	}
}

func execAll(stmts ...string) func(context.Context, *sql.Tx, string) error {
	return func(ctx context.Context, tx *sql.Tx, _ string) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

// ensureColumn adds the column unless a fresh schema already created it.
func ensureColumn(ctx context.Context, q dbtx, driver, table, column, definition string) error {
	if !isSafeIdentifier(table) || !isSafeIdentifier(column) {
		return fmt.Errorf("unsafe identifier: table=%q column=%q", table, column)
	}

	exists, err := columnExists(ctx, q, driver, table, column)
	if err != nil || exists {
		return err
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, definition)
	if driver == driverPostgres {
		stmt = fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s;", table, column, definition)
	}
	_, err = q.ExecContext(ctx, stmt)
	return err
}

func columnExists(ctx context.Context, q dbtx, driver, table, column string) (bool, error) {
	if driver == driverSQLite {
		return columnExistsSQLite(ctx, q, table, column)
	}
	return columnExistsPostgres(ctx, q, table, column)
}

func columnExistsSQLite(ctx context.Context, q dbtx, table, column string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?;`, table, column).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func columnExistsPostgres(ctx context.Context, q dbtx, table, column string) (bool, error) {
	const stmt = `SELECT 1
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		AND table_name = $1
		AND column_name = $2;`
	var one int
	err := q.QueryRowContext(ctx, stmt, table, column).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func isSafeIdentifier(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}
