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

const (
	defaultMessagePageSize = 50
	maxMessagePageSize     = 200
)

// Steps reported to the fault hook while appending.
const (
	stepAppendLocked  = "append.locked"
	stepAppendSeq     = "append.seq"
	stepAppendMessage = "append.message"
)

type conversationTables struct {
	parent   string
	messages string
	fk       string
}

func tablesFor(conv ConversationRef) (conversationTables, error) {
	switch conv.Kind {
	case ConversationKindRoom:
		return conversationTables{parent: "chat_rooms", messages: "room_messages", fk: "room_id"}, nil
	case ConversationKindPrivate:
		return conversationTables{parent: "private_chats", messages: "private_chat_messages", fk: "chat_id"}, nil
	default:
		return conversationTables{}, fmt.Errorf("%w: unknown conversation kind %q", ErrInvalidInput, conv.Kind)
	}
}

type AppendMessageInput struct {
	Conversation   ConversationRef
	SenderID       string
	Text           string
	Media          *Media
	IdempotencyKey string
}

// ValidateMessageContent checks the payload rules shared by every
// conversation kind.
func ValidateMessageContent(text string, media *Media) error {
	if strings.TrimSpace(text) == "" && media == nil {
		return fmt.Errorf("%w: text or media is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > MaxMessageTextLen {
		return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidInput, MaxMessageTextLen)
	}
	if media != nil {
		if media.Kind != MediaKindImage && media.Kind != MediaKindVideo {
			return fmt.Errorf("%w: media kind must be image or video", ErrInvalidInput)
		}
		if strings.TrimSpace(media.URL) == "" {
			return fmt.Errorf("%w: media url is required", ErrInvalidInput)
		}
	}
	return nil
}

// AppendMessage stores a message at the next sequence number of its
// conversation. The sequence bump, the message, the sender's read receipt
// and the conversation's last-message summary commit together. created is
// false when an idempotency key matched an earlier append.
func (s *Store) AppendMessage(ctx context.Context, in AppendMessageInput, nowMs int64) (MessageRow, bool, error) {
	if s == nil || s.db == nil {
		return MessageRow{}, false, fmt.Errorf("db not initialized")
	}
	if !in.Conversation.Valid() || in.SenderID == "" {
		return MessageRow{}, false, fmt.Errorf("%w: missing conversation or sender", ErrInvalidInput)
	}
	if err := ValidateMessageContent(in.Text, in.Media); err != nil {
		return MessageRow{}, false, err
	}
	tables, err := tablesFor(in.Conversation)
	if err != nil {
		return MessageRow{}, false, err
	}
	idemKey, err := normalizeIdempotencyKey(in.IdempotencyKey)
	if err != nil {
		return MessageRow{}, false, err
	}
	idemOp := appendIdempotencyOp(in.Conversation)

	var msg MessageRow
	created := false
	err = s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if id, ok, err := s.lookupIdempotency(ctx, tx, in.SenderID, idemOp, idemKey); err != nil {
			return err
		} else if ok {
			msg, err = s.getMessage(ctx, tx, in.Conversation, id)
			return err
		}

		if err := s.lockConversation(ctx, tx, in.Conversation, true); err != nil {
			return err
		}
		if err := s.checkpoint(stepAppendLocked); err != nil {
			return err
		}
		if err := s.requireParticipant(ctx, tx, in.Conversation, in.SenderID); err != nil {
			return err
		}

		summary := summarizeMessage(in.Text, in.Media)
		var seq int64
		if err := tx.QueryRowContext(ctx, s.rebind(`UPDATE `+tables.parent+`
			SET last_seq = last_seq + 1, last_message_text = ?, last_message_sender_id = ?, last_message_at_ms = ?, updated_at_ms = ?
			WHERE id = ?
			RETURNING last_seq;`),
			summary, in.SenderID, nowMs, nowMs, in.Conversation.ID,
		).Scan(&seq); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: conversation", ErrNotFound)
			}
			return err
		}
		if err := s.checkpoint(stepAppendSeq); err != nil {
			return err
		}

		msg = MessageRow{
			ID:           uuid.NewString(),
			Conversation: in.Conversation,
			Seq:          seq,
			SenderID:     in.SenderID,
			Text:         in.Text,
			Media:        in.Media,
			ReadBy:       []string{in.SenderID},
			CreatedAtMs:  nowMs,
		}
		var mediaKind, mediaURL any
		if in.Media != nil {
			mediaKind, mediaURL = in.Media.Kind, in.Media.URL
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO `+tables.messages+` (id, `+tables.fk+`, seq, sender_id, text, media_kind, media_url, created_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);`),
			msg.ID, in.Conversation.ID, msg.Seq, msg.SenderID, msg.Text, mediaKind, mediaURL, nowMs,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: duplicate sequence %d", ErrIntegrity, seq)
			}
			return err
		}
		if err := s.checkpoint(stepAppendMessage); err != nil {
			return err
		}
		if err := s.insertRead(ctx, tx, msg.ID, in.SenderID, nowMs); err != nil {
			return err
		}
		if err := s.recordIdempotency(ctx, tx, in.SenderID, idemOp, idemKey, msg.ID, nowMs); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		if idemKey != "" && isUniqueViolation(err) {
			if id, ok, lerr := s.lookupIdempotency(ctx, s.db, in.SenderID, idemOp, idemKey); lerr == nil && ok {
				msg, err := s.getMessage(ctx, s.db, in.Conversation, id)
				return msg, false, classifyErr(err)
			}
		}
		return MessageRow{}, false, err
	}
	return msg, created, nil
}

func summarizeMessage(text string, media *Media) string {
	if strings.TrimSpace(text) != "" {
		return text
	}
	if media != nil {
		return "[" + media.Kind + "]"
	}
	return ""
}

// MarkRead adds userID to the message's read-by set. changed is false when
// the user had already read it.
func (s *Store) MarkRead(ctx context.Context, conv ConversationRef, messageID, userID string, nowMs int64) (MessageRow, bool, error) {
	if s == nil || s.db == nil {
		return MessageRow{}, false, fmt.Errorf("db not initialized")
	}
	if !conv.Valid() || messageID == "" || userID == "" {
		return MessageRow{}, false, fmt.Errorf("%w: missing ids", ErrInvalidInput)
	}

	var msg MessageRow
	changed := false
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.lockConversation(ctx, tx, conv, false); err != nil {
			return err
		}
		if err := s.requireParticipant(ctx, tx, conv, userID); err != nil {
			return err
		}
		var err error
		msg, err = s.getMessage(ctx, tx, conv, messageID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO message_reads (message_id, user_id, read_at_ms)
			VALUES (?, ?, ?)
			ON CONFLICT(message_id, user_id) DO NOTHING;`), messageID, userID, nowMs)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		changed = affected > 0
		if changed {
			msg.ReadBy, err = s.readBy(ctx, tx, messageID)
		}
		return err
	})
	if err != nil {
		return MessageRow{}, false, err
	}
	return msg, changed, nil
}

type MessagePage struct {
	Messages []MessageRow
	HasMore  bool
}

// ListMessages returns messages with seq > afterSeq in ascending order.
func (s *Store) ListMessages(ctx context.Context, conv ConversationRef, userID string, afterSeq int64, limit int) (MessagePage, error) {
	if s == nil || s.db == nil {
		return MessagePage{}, fmt.Errorf("db not initialized")
	}
	tables, err := tablesFor(conv)
	if err != nil {
		return MessagePage{}, err
	}
	if conv.ID == "" || userID == "" {
		return MessagePage{}, fmt.Errorf("%w: missing ids", ErrInvalidInput)
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	if limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}

	if err := s.requireParticipant(ctx, s.db, conv, userID); err != nil {
		return MessagePage{}, classifyErr(err)
	}

	q := `SELECT id, seq, sender_id, text, media_kind, media_url, created_at_ms
		FROM ` + tables.messages + `
		WHERE ` + tables.fk + ` = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?;`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), conv.ID, afterSeq, limit+1)
	if err != nil {
		return MessagePage{}, classifyErr(err)
	}
	var msgs []MessageRow
	for rows.Next() {
		m, err := scanMessage(rows, conv)
		if err != nil {
			rows.Close()
			return MessagePage{}, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return MessagePage{}, classifyErr(err)
	}

	page := MessagePage{}
	if len(msgs) > limit {
		page.HasMore = true
		msgs = msgs[:limit]
	}
	if err := s.attachReadBy(ctx, msgs); err != nil {
		return MessagePage{}, classifyErr(err)
	}
	page.Messages = msgs
	return page, nil
}

func (s *Store) GetMessage(ctx context.Context, conv ConversationRef, messageID string) (MessageRow, error) {
	if s == nil || s.db == nil {
		return MessageRow{}, fmt.Errorf("db not initialized")
	}
	msg, err := s.getMessage(ctx, s.db, conv, messageID)
	return msg, classifyErr(err)
}

// IsParticipant reports whether userID may read and post in conv.
func (s *Store) IsParticipant(ctx context.Context, conv ConversationRef, userID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("db not initialized")
	}
	err := s.requireParticipant(ctx, s.db, conv, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrAccessDenied):
		return false, nil
	default:
		return false, classifyErr(err)
	}
}

// appendIdempotencyOp scopes append keys to one conversation, so a key
// reused elsewhere starts a new append.
func appendIdempotencyOp(conv ConversationRef) string {
	return idemOpAppendMessage + ":" + conv.Kind + ":" + conv.ID
}

// lockConversation locks the conversation row until tx ends, so membership
// checked afterwards cannot change before commit. Appends lock exclusively;
// read receipts share the lock with each other. SQLite serializes writers
// already.
func (s *Store) lockConversation(ctx context.Context, tx *sql.Tx, conv ConversationRef, exclusive bool) error {
	tables, err := tablesFor(conv)
	if err != nil {
		return err
	}
	q := `SELECT id FROM ` + tables.parent + ` WHERE id = ?`
	if s.driver == driverPostgres {
		if exclusive {
			q += ` FOR UPDATE`
		} else {
			q += ` FOR SHARE`
		}
	}
	var id string
	err = tx.QueryRowContext(ctx, s.rebind(q+`;`), conv.ID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, conv.Kind)
	}
	return err
}

// requireParticipant returns ErrNotFound for an unknown conversation and
// ErrAccessDenied when userID is not a member or participant of it.
func (s *Store) requireParticipant(ctx context.Context, q dbtx, conv ConversationRef, userID string) error {
	switch conv.Kind {
	case ConversationKindRoom:
		var id string
		err := q.QueryRowContext(ctx, s.rebind(`SELECT id FROM chat_rooms WHERE id = ?;`), conv.ID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: room", ErrNotFound)
		}
		if err != nil {
			return err
		}
		var one int
		err = q.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM room_members WHERE room_id = ? AND user_id = ?;`), conv.ID, userID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: not a room member", ErrAccessDenied)
		}
		return err
	case ConversationKindPrivate:
		chat, err := s.getPrivateChat(ctx, q, conv.ID)
		if err != nil {
			return err
		}
		if !chat.HasParticipant(userID) {
			return fmt.Errorf("%w: not a chat participant", ErrAccessDenied)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown conversation kind %q", ErrInvalidInput, conv.Kind)
	}
}

func (s *Store) getMessage(ctx context.Context, q dbtx, conv ConversationRef, messageID string) (MessageRow, error) {
	tables, err := tablesFor(conv)
	if err != nil {
		return MessageRow{}, err
	}
	row := q.QueryRowContext(ctx, s.rebind(`SELECT id, seq, sender_id, text, media_kind, media_url, created_at_ms
		FROM `+tables.messages+` WHERE id = ? AND `+tables.fk+` = ?;`), messageID, conv.ID)
	msg, err := scanMessage(row, conv)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRow{}, fmt.Errorf("%w: message", ErrNotFound)
	}
	if err != nil {
		return MessageRow{}, err
	}
	msg.ReadBy, err = s.readBy(ctx, q, msg.ID)
	if err != nil {
		return MessageRow{}, err
	}
	return msg, nil
}

func scanMessage(row rowScanner, conv ConversationRef) (MessageRow, error) {
	m := MessageRow{Conversation: conv}
	var mediaKind, mediaURL sql.NullString
	if err := row.Scan(&m.ID, &m.Seq, &m.SenderID, &m.Text, &mediaKind, &mediaURL, &m.CreatedAtMs); err != nil {
		return MessageRow{}, err
	}
	if mediaKind.Valid && mediaURL.Valid {
		m.Media = &Media{Kind: mediaKind.String, URL: mediaURL.String}
	}
	return m, nil
}

func (s *Store) insertRead(ctx context.Context, tx *sql.Tx, messageID, userID string, nowMs int64) error {
	_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO message_reads (message_id, user_id, read_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id, user_id) DO NOTHING;`), messageID, userID, nowMs)
	return err
}

func (s *Store) readBy(ctx context.Context, q dbtx, messageID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`SELECT user_id FROM message_reads WHERE message_id = ?
		ORDER BY read_at_ms ASC, user_id ASC;`), messageID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// attachReadBy fills ReadBy for a page of messages with one query.
func (s *Store) attachReadBy(ctx context.Context, msgs []MessageRow) error {
	if len(msgs) == 0 {
		return nil
	}
	index := make(map[string]int, len(msgs))
	args := make([]any, 0, len(msgs))
	for i, m := range msgs {
		index[m.ID] = i
		args = append(args, m.ID)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT message_id, user_id FROM message_reads
		WHERE message_id IN (`+placeholders(len(args))+`)
		ORDER BY read_at_ms ASC, user_id ASC;`), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var messageID, userID string
		if err := rows.Scan(&messageID, &userID); err != nil {
			return err
		}
		if i, ok := index[messageID]; ok {
			msgs[i].ReadBy = append(msgs[i].ReadBy, userID)
		}
	}
	return rows.Err()
}
