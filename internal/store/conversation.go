package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// CreateConversation inserts c together with its participants and invites.
// The creator is always stored as a participant.
func (db *DB) CreateConversation(ctx context.Context, c *model.Conversation, accessCode string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, title, creator_id, is_locked, requires_access_code, access_code, is_active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Title, c.CreatorID, c.IsLocked, c.RequiresAccessCode, accessCode, c.IsActive, c.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		now := time.Now().UnixMilli()
		participants := c.Participants.Clone()
		participants[c.CreatorID] = struct{}{}
		for _, id := range participants.Sorted() {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO members (conversation_id, user_id, joined_at) VALUES (?, ?, ?)`, c.ID, id, now); err != nil {
				return fmt.Errorf("insert member %q: %w", id, err)
			}
		}
		for _, id := range c.Invited.Sorted() {
			if participants.Has(id) {
				continue
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO invites (conversation_id, user_id, invited_at) VALUES (?, ?, ?)`, c.ID, id, now); err != nil {
				return fmt.Errorf("insert invite %q: %w", id, err)
			}
		}
		return nil
	})
}

// GetConversation returns a conversation with its participants and invites,
// or nil if absent.
func (db *DB) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	return getConversation(ctx, db, id)
}

func getConversation(ctx context.Context, q querier, id string) (*model.Conversation, error) {
	var (
		c       model.Conversation
		created int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, title, creator_id, is_locked, requires_access_code, is_active, created_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.CreatorID, &c.IsLocked, &c.RequiresAccessCode, &c.IsActive, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(created)
	if c.Participants, err = userSet(ctx, q, `SELECT user_id FROM members WHERE conversation_id = ?`, id); err != nil {
		return nil, err
	}
	if c.Invited, err = userSet(ctx, q, `SELECT user_id FROM invites WHERE conversation_id = ?`, id); err != nil {
		return nil, err
	}
	return &c, nil
}

// AccessCode returns the access code of a conversation.
func (db *DB) AccessCode(ctx context.Context, id string) (string, error) {
	var code string
	err := db.QueryRowContext(ctx, `SELECT access_code FROM conversations WHERE id = ?`, id).Scan(&code)
	return code, err
}

// ListConversationsForUser returns the active conversations userID
// participates in and those userID is invited to, newest first.
func (db *DB) ListConversationsForUser(ctx context.Context, userID string) (member, invited []*model.Conversation, err error) {
	memberIDs, err := ids(ctx, db, `
		SELECT c.id FROM conversations c JOIN members m ON m.conversation_id = c.id
		WHERE m.user_id = ? AND c.is_active = 1
		ORDER BY c.created_at DESC, c.id`, userID)
	if err != nil {
		return nil, nil, err
	}
	invitedIDs, err := ids(ctx, db, `
		SELECT c.id FROM conversations c JOIN invites i ON i.conversation_id = c.id
		WHERE i.user_id = ? AND c.is_active = 1
		ORDER BY c.created_at DESC, c.id`, userID)
	if err != nil {
		return nil, nil, err
	}
	if member, err = db.conversations(ctx, memberIDs); err != nil {
		return nil, nil, err
	}
	if invited, err = db.conversations(ctx, invitedIDs); err != nil {
		return nil, nil, err
	}
	return member, invited, nil
}

func (db *DB) conversations(ctx context.Context, list []string) ([]*model.Conversation, error) {
	out := make([]*model.Conversation, 0, len(list))
	for _, id := range list {
		c, err := getConversation(ctx, db, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// AddMember makes userID a participant and consumes any pending invite.
func (db *DB) AddMember(ctx context.Context, conversationID, userID string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO members (conversation_id, user_id, joined_at) VALUES (?, ?, ?)`,
			conversationID, userID, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM invites WHERE conversation_id = ? AND user_id = ?`, conversationID, userID); err != nil {
			return fmt.Errorf("consume invite: %w", err)
		}
		return nil
	})
}

// RemoveMember drops userID from the participants.
func (db *DB) RemoveMember(ctx context.Context, conversationID, userID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM members WHERE conversation_id = ? AND user_id = ?`, conversationID, userID)
	return err
}

// AddInvite records a pending invitation for userID.
func (db *DB) AddInvite(ctx context.Context, conversationID, userID string) error {
	_, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO invites (conversation_id, user_id, invited_at) VALUES (?, ?, ?)`,
		conversationID, userID, time.Now().UnixMilli())
	return err
}

// UpdateConversation persists the mutable flags and title of c.
func (db *DB) UpdateConversation(ctx context.Context, c *model.Conversation) error {
	res, err := db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, is_locked = ?, is_active = ? WHERE id = ?`,
		c.Title, c.IsLocked, c.IsActive, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %q not found", c.ID)
	}
	return nil
}

// ConversationCount returns the number of active conversations.
func (db *DB) ConversationCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE is_active = 1`).Scan(&count)
	return count, err
}

func userSet(ctx context.Context, q querier, query, id string) (model.IDSet, error) {
	list, err := ids(ctx, q, query, id)
	if err != nil {
		return nil, err
	}
	return model.NewIDSet(list...), nil
}

func ids(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
