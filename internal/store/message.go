package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// InsertMessage stores m under idempotency key. When key was already used
// the message stored first is returned with created=false. An empty key
// disables deduplication.
func (db *DB) InsertMessage(ctx context.Context, m *model.Message, key string) (stored *model.Message, created bool, err error) {
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		if key != "" {
			var existingID string
			err := tx.QueryRowContext(ctx, `SELECT message_id FROM send_keys WHERE idempotency_key = ?`, key).Scan(&existingID)
			if err == nil {
				stored, err = getMessage(ctx, tx, existingID)
				return err
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup idempotency key: %w", err)
			}
		}

		extras, err := encodeExtras(m.Extras)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, kind, body, reply_to_id, status, extras, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.SenderID, m.Kind, m.Body, m.ReplyToID, string(m.Status), extras, m.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if key != "" {
			if _, err := tx.ExecContext(ctx, `INSERT INTO send_keys (idempotency_key, message_id, created_at) VALUES (?, ?, ?)`,
				key, m.ID, time.Now().UnixMilli()); err != nil {
				return fmt.Errorf("record idempotency key: %w", err)
			}
		}
		created = true
		stored, err = getMessage(ctx, tx, m.ID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// GetMessage returns a message with its reactions, or nil if absent.
func (db *DB) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return getMessage(ctx, db, id)
}

func getMessage(ctx context.Context, q querier, id string) (*model.Message, error) {
	rows, err := q.QueryContext(ctx, messageSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	if err := loadReactions(ctx, q, msgs); err != nil {
		return nil, err
	}
	return msgs[0], nil
}

// ListMessages returns up to limit messages of a conversation strictly older
// than (beforeAt, beforeID), newest first, using keyset pagination. A zero
// beforeAt starts at the newest message.
func (db *DB) ListMessages(ctx context.Context, conversationID string, limit int, beforeAt time.Time, beforeID string) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if beforeAt.IsZero() {
		rows, err = db.QueryContext(ctx, messageSelect+`
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?`, conversationID, limit)
	} else {
		ts := beforeAt.UnixMilli()
		rows, err = db.QueryContext(ctx, messageSelect+`
			WHERE conversation_id = ? AND (created_at < ? OR (created_at = ? AND id < ?))
			ORDER BY created_at DESC, id DESC
			LIMIT ?`, conversationID, ts, ts, beforeID, limit)
	}
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if err := loadReactions(ctx, db, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// DeleteMessage removes a message and its reactions.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// SetReaction adds or removes userID's emoji on a message. Both directions
// are idempotent.
func (db *DB) SetReaction(ctx context.Context, messageID, emoji, userID string, present bool) error {
	var err error
	if present {
		_, err = db.ExecContext(ctx, `INSERT OR IGNORE INTO reactions (message_id, emoji, user_id) VALUES (?, ?, ?)`, messageID, emoji, userID)
	} else {
		_, err = db.ExecContext(ctx, `DELETE FROM reactions WHERE message_id = ? AND emoji = ? AND user_id = ?`, messageID, emoji, userID)
	}
	return err
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

const messageSelect = `
	SELECT id, conversation_id, sender_id, kind, body, reply_to_id, status, extras, created_at
	FROM messages`

func scanMessages(rows *sql.Rows) ([]*model.Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []*model.Message
	for rows.Next() {
		var (
			m       model.Message
			status  string
			extras  string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Kind, &m.Body, &m.ReplyToID, &status, &extras, &created); err != nil {
			return nil, err
		}
		m.Status = model.MessageStatus(status)
		m.CreatedAt = time.UnixMilli(created)
		if extras != "" {
			if err := json.Unmarshal([]byte(extras), &m.Extras); err != nil {
				return nil, fmt.Errorf("decode extras of %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func loadReactions(ctx context.Context, q querier, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*model.Message, len(msgs))
	args := make([]any, len(msgs))
	for i, m := range msgs {
		byID[m.ID] = m
		args[i] = m.ID
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgs)), ",")
	rows, err := q.QueryContext(ctx, `SELECT message_id, emoji, user_id FROM reactions WHERE message_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var msgID, emoji, userID string
		if err := rows.Scan(&msgID, &emoji, &userID); err != nil {
			return err
		}
		m := byID[msgID]
		if m.Reactions == nil {
			m.Reactions = make(map[string]model.IDSet)
		}
		if m.Reactions[emoji] == nil {
			m.Reactions[emoji] = make(model.IDSet)
		}
		m.Reactions[emoji][userID] = struct{}{}
	}
	return rows.Err()
}

func encodeExtras(extras map[string]string) (string, error) {
	if len(extras) == 0 {
		return "", nil
	}
	b, err := json.Marshal(extras)
	if err != nil {
		return "", fmt.Errorf("encode extras: %w", err)
	}
	return string(b), nil
}
