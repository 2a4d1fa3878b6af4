// Package remote declares the collaborators the sync layer consumes:
// the message and session request/response APIs, the push channel, the
// typing-state write API and the identity source.
package remote

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// Cursor is a keyset position in a conversation's history.
// A page "before" a cursor holds messages strictly older than it.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether the cursor points at the live end of the history.
func (c Cursor) IsZero() bool { return c.CreatedAt.IsZero() && c.ID == "" }

// CursorOf returns the cursor positioned at m.
func CursorOf(m *model.Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// SendRequest is a message send attempt. IdempotencyKey is minted per
// attempt; the remote returns the original message when it sees a key twice.
type SendRequest struct {
	ConversationID string
	SenderID       string
	Body           string
	Kind           string
	ReplyToID      string
	Extras         map[string]string
	IdempotencyKey string
}

// MessageAPI is the remote message service.
type MessageAPI interface {
	Send(ctx context.Context, req SendRequest) (*model.Message, error)
	// ListPage returns up to limit messages older than before, newest first.
	ListPage(ctx context.Context, conversationID string, limit int, before Cursor) ([]*model.Message, error)
	AddReaction(ctx context.Context, messageID, conversationID, userID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, conversationID, userID, emoji string) error
	Delete(ctx context.Context, messageID, conversationID, callerID string) error
}

// CreateSession describes a conversation to create.
type CreateSession struct {
	Title              string
	CreatorID          string
	InvitedIDs         []string
	RequiresAccessCode bool
	AccessCode         string
}

// SessionMetadata carries the editable fields of a conversation.
// Nil fields are left unchanged.
type SessionMetadata struct {
	Title *string
}

// SessionAPI is the remote conversation service. Every call returns the
// authoritative entity after the change.
type SessionAPI interface {
	Create(ctx context.Context, req CreateSession) (*model.Conversation, error)
	Join(ctx context.Context, conversationID, userID, accessCode string) (*model.Conversation, error)
	Leave(ctx context.Context, conversationID, userID string) (*model.Conversation, error)
	End(ctx context.Context, conversationID, userID string) (*model.Conversation, error)
	SetLocked(ctx context.Context, conversationID, userID string, locked bool) (*model.Conversation, error)
	UpdateMetadata(ctx context.Context, conversationID, userID string, meta SessionMetadata) (*model.Conversation, error)
	// ListForUser returns the active conversations userID belongs to and
	// those userID is invited to.
	ListForUser(ctx context.Context, userID string) (member, invited []*model.Conversation, err error)
}

// TypingAPI writes the caller's typing state for a conversation.
type TypingAPI interface {
	SetTyping(ctx context.Context, conversationID string, p model.TypingPresence, typing bool) error
}

// IdentitySource provides bulk identity records and the interaction ledger.
type IdentitySource interface {
	ListAll(ctx context.Context) ([]model.Identity, error)
	Interactions(ctx context.Context, fromID string) ([]model.Interaction, error)
}

// IdentityLookup is optionally implemented by an IdentitySource that can
// resolve a single record, letting caches refresh one entry at a time.
type IdentityLookup interface {
	GetIdentity(ctx context.Context, id string) (model.Identity, bool, error)
}
