package backend

import (
	"context"
	"strings"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/model"
)

// ListAll returns every identity record, banned ones included.
func (l *Local) ListAll(ctx context.Context) ([]model.Identity, error) {
	return l.db.ListIdentities(ctx)
}

// Interactions returns fromID's interaction ledger.
func (l *Local) Interactions(ctx context.Context, fromID string) ([]model.Interaction, error) {
	return l.db.ListInteractions(ctx, fromID)
}

// GetIdentity resolves a single record.
func (l *Local) GetIdentity(ctx context.Context, id string) (model.Identity, bool, error) {
	rec, err := l.db.GetIdentity(ctx, id)
	if err != nil || rec == nil {
		return model.Identity{}, false, err
	}
	return *rec, true, nil
}

// Register creates or refreshes an identity. Handles are unique regardless
// of case.
func (l *Local) Register(ctx context.Context, rec model.Identity) error {
	const op = "backend.register"
	rec.Handle = strings.TrimSpace(rec.Handle)
	if rec.ID == "" || rec.Handle == "" {
		return errs.Rejected(op, "id and handle are required")
	}
	if err := l.db.UpsertIdentity(ctx, rec); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return errs.Rejected(op, "handle is already taken")
		}
		return err
	}
	return nil
}
