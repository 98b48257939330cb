package storage

import (
	"context"
	"database/sql"
)

func initSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL,
			photo_url TEXT,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS friends (
			user_id TEXT NOT NULL,
			friend_id TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			PRIMARY KEY (user_id, friend_id),
			FOREIGN KEY(user_id) REFERENCES users(id),
			FOREIGN KEY(friend_id) REFERENCES users(id)
		);`,

		`CREATE TABLE IF NOT EXISTS friend_requests (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			pair_key TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL,
			FOREIGN KEY(sender_id) REFERENCES users(id),
			FOREIGN KEY(receiver_id) REFERENCES users(id)
		);`,
		// At most one pending request per unordered pair.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_friend_requests_pending_pair
			ON friend_requests(pair_key) WHERE status = 'pending';`,
		`CREATE INDEX IF NOT EXISTS idx_friend_requests_receiver ON friend_requests(receiver_id, updated_at_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_friend_requests_sender ON friend_requests(sender_id, updated_at_ms);`,

		`CREATE TABLE IF NOT EXISTS chat_rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL,
			last_seq BIGINT NOT NULL DEFAULT 0,
			last_message_text TEXT,
			last_message_sender_id TEXT,
			last_message_at_ms BIGINT,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL,
			FOREIGN KEY(owner_id) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			joined_at_ms BIGINT NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY(room_id) REFERENCES chat_rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);`,
		`CREATE TABLE IF NOT EXISTS room_invites (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			inviter_id TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY(room_id) REFERENCES chat_rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_room_invites_user ON room_invites(user_id);`,
		`CREATE TABLE IF NOT EXISTS room_messages (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			sender_id TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			media_kind TEXT,
			media_url TEXT,
			created_at_ms BIGINT NOT NULL,
			UNIQUE (room_id, seq),
			FOREIGN KEY(room_id) REFERENCES chat_rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(sender_id) REFERENCES users(id)
		);`,

		`CREATE TABLE IF NOT EXISTS private_chats (
			id TEXT PRIMARY KEY,
			pair_key TEXT NOT NULL UNIQUE,
			user1_id TEXT NOT NULL,
			user2_id TEXT NOT NULL,
			last_seq BIGINT NOT NULL DEFAULT 0,
			last_message_text TEXT,
			last_message_sender_id TEXT,
			last_message_at_ms BIGINT,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL,
			FOREIGN KEY(user1_id) REFERENCES users(id),
			FOREIGN KEY(user2_id) REFERENCES users(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_private_chats_user1 ON private_chats(user1_id);`,
		`CREATE INDEX IF NOT EXISTS idx_private_chats_user2 ON private_chats(user2_id);`,
		`CREATE TABLE IF NOT EXISTS private_chat_messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			sender_id TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			media_kind TEXT,
			media_url TEXT,
			created_at_ms BIGINT NOT NULL,
			UNIQUE (chat_id, seq),
			FOREIGN KEY(chat_id) REFERENCES private_chats(id) ON DELETE CASCADE,
			FOREIGN KEY(sender_id) REFERENCES users(id)
		);`,

		`CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			read_at_ms BIGINT NOT NULL,
			PRIMARY KEY (message_id, user_id)
		);`,

		`CREATE TABLE IF NOT EXISTS presence (
			user_id TEXT PRIMARY KEY,
			online INTEGER NOT NULL DEFAULT 0,
			last_heartbeat_ms BIGINT NOT NULL DEFAULT 0,
			last_seen_ms BIGINT NOT NULL DEFAULT 0,
			FOREIGN KEY(user_id) REFERENCES users(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_presence_online_heartbeat ON presence(online, last_heartbeat_ms);`,

		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			user_id TEXT NOT NULL,
			op TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			PRIMARY KEY (user_id, op, idem_key)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
