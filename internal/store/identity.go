package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

const upsertIdentity = `
	INSERT INTO identities (id, handle, display_name, avatar_ref, banned, meta, created_at, last_seen)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		handle = excluded.handle,
		display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE identities.display_name END,
		avatar_ref = CASE WHEN excluded.avatar_ref != '' THEN excluded.avatar_ref ELSE identities.avatar_ref END,
		banned = excluded.banned,
		meta = excluded.meta,
		last_seen = MAX(identities.last_seen, excluded.last_seen)`

// UpsertIdentity inserts or updates an identity record.
func (db *DB) UpsertIdentity(ctx context.Context, rec model.Identity) error {
	args, err := identityArgs(rec)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, upsertIdentity, args...)
	return err
}

// BulkUpsertIdentities inserts or updates multiple identities in a single transaction.
func (db *DB) BulkUpsertIdentities(ctx context.Context, recs []model.Identity) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			args, err := identityArgs(rec)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, upsertIdentity, args...); err != nil {
				return fmt.Errorf("upsert identity %q: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// GetIdentity returns an identity by id, or nil if absent.
func (db *DB) GetIdentity(ctx context.Context, id string) (*model.Identity, error) {
	rows, err := db.QueryContext(ctx, identitySelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	recs, err := scanIdentities(rows)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

// ListIdentities returns every identity, banned ones included, ordered by handle.
func (db *DB) ListIdentities(ctx context.Context) ([]model.Identity, error) {
	rows, err := db.QueryContext(ctx, identitySelect+` ORDER BY handle`)
	if err != nil {
		return nil, err
	}
	return scanIdentities(rows)
}

// TouchIdentity records activity by id.
func (db *DB) TouchIdentity(ctx context.Context, id string, at time.Time) error {
	_, err := db.ExecContext(ctx, `UPDATE identities SET last_seen = MAX(last_seen, ?) WHERE id = ?`, at.UnixMilli(), id)
	return err
}

// RecordInteraction increments the directed interaction count from fromID to toID.
func (db *DB) RecordInteraction(ctx context.Context, fromID, toID string) error {
	if fromID == toID {
		return nil
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO interactions (from_id, to_id, count, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(from_id, to_id) DO UPDATE SET
			count = interactions.count + 1,
			updated_at = excluded.updated_at`,
		fromID, toID, time.Now().UnixMilli())
	return err
}

// ListInteractions returns fromID's interaction ledger, highest count first.
func (db *DB) ListInteractions(ctx context.Context, fromID string) ([]model.Interaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT to_id, count FROM interactions WHERE from_id = ?
		ORDER BY count DESC, to_id`, fromID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Interaction
	for rows.Next() {
		var in model.Interaction
		if err := rows.Scan(&in.ToID, &in.Count); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// IdentityCount returns the number of non-banned identities.
func (db *DB) IdentityCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities WHERE banned = 0`).Scan(&count)
	return count, err
}

const identitySelect = `
	SELECT id, handle, display_name, avatar_ref, banned, meta, created_at, last_seen
	FROM identities`

func identityArgs(rec model.Identity) ([]any, error) {
	if rec.ID == "" || rec.Handle == "" {
		return nil, errors.New("identity needs an id and a handle")
	}
	meta := ""
	if len(rec.Meta) > 0 {
		b, err := json.Marshal(rec.Meta)
		if err != nil {
			return nil, fmt.Errorf("encode meta: %w", err)
		}
		meta = string(b)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var lastSeen int64
	if !rec.LastSeen.IsZero() {
		lastSeen = rec.LastSeen.UnixMilli()
	}
	return []any{rec.ID, rec.Handle, rec.DisplayName, rec.AvatarRef, rec.Banned, meta, created.UnixMilli(), lastSeen}, nil
}

func scanIdentities(rows *sql.Rows) ([]model.Identity, error) {
	defer func() { _ = rows.Close() }()
	var out []model.Identity
	for rows.Next() {
		var (
			rec               model.Identity
			meta              string
			created, lastSeen int64
		)
		if err := rows.Scan(&rec.ID, &rec.Handle, &rec.DisplayName, &rec.AvatarRef, &rec.Banned, &meta, &created, &lastSeen); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(created)
		if lastSeen > 0 {
			rec.LastSeen = time.UnixMilli(lastSeen)
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &rec.Meta); err != nil {
				return nil, fmt.Errorf("decode meta of %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
