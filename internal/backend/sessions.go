package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
)

// Create stores a new conversation owned by req.CreatorID.
func (l *Local) Create(ctx context.Context, req remote.CreateSession) (*model.Conversation, error) {
	const op = "backend.create"
	if req.CreatorID == "" {
		return nil, errs.Rejected(op, "creator is required")
	}
	if req.RequiresAccessCode && req.AccessCode == "" {
		return nil, errs.Rejected(op, "an access code is required")
	}

	c := &model.Conversation{
		ID:                 uuid.NewString(),
		Title:              strings.TrimSpace(req.Title),
		CreatorID:          req.CreatorID,
		Participants:       model.NewIDSet(req.CreatorID),
		Invited:            model.NewIDSet(),
		RequiresAccessCode: req.RequiresAccessCode,
		IsActive:           true,
		CreatedAt:          l.now(),
	}
	for _, id := range req.InvitedIDs {
		if id != "" && id != req.CreatorID {
			c.Invited[id] = struct{}{}
		}
	}
	code := ""
	if req.RequiresAccessCode {
		code = req.AccessCode
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.CreateConversation(ctx, c, code); err != nil {
		return nil, fmt.Errorf("store conversation: %w", err)
	}
	return l.reloadAndSignal(ctx, c.ID)
}

// Join makes userID a participant. Joining twice returns the conversation
// unchanged.
func (l *Local) Join(ctx context.Context, conversationID, userID, accessCode string) (*model.Conversation, error) {
	const op = "backend.join"

	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.conversation(ctx, op, conversationID)
	if err != nil {
		return nil, err
	}
	if c.IsParticipant(userID) {
		return c, nil
	}
	if !c.IsActive {
		return nil, errs.Rejected(op, "conversation has ended")
	}
	if c.IsLocked {
		return nil, errs.Rejected(op, "conversation is locked")
	}
	if c.RequiresAccessCode {
		code, err := l.db.AccessCode(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if accessCode != code {
			return nil, errs.Rejected(op, "wrong access code")
		}
	}
	if err := l.db.AddMember(ctx, conversationID, userID); err != nil {
		return nil, fmt.Errorf("add member: %w", err)
	}
	return l.reloadAndSignal(ctx, conversationID)
}

// Leave removes userID from the participants. The creator cannot leave.
func (l *Local) Leave(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	const op = "backend.leave"

	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.conversation(ctx, op, conversationID)
	if err != nil {
		return nil, err
	}
	if userID == c.CreatorID {
		return nil, errs.Rejected(op, "the creator cannot leave, end the conversation instead")
	}
	if !c.IsParticipant(userID) {
		return nil, errs.Rejected(op, "you are not a participant of this conversation")
	}
	if err := l.db.RemoveMember(ctx, conversationID, userID); err != nil {
		return nil, fmt.Errorf("remove member: %w", err)
	}
	return l.reloadAndSignal(ctx, conversationID, userID)
}

// End marks the conversation inactive. Only the creator may end it.
func (l *Local) End(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	return l.update(ctx, "backend.end", conversationID, userID, func(c *model.Conversation) error {
		c.IsActive = false
		return nil
	})
}

// SetLocked locks or unlocks the conversation. Only the creator may do so.
func (l *Local) SetLocked(ctx context.Context, conversationID, userID string, locked bool) (*model.Conversation, error) {
	return l.update(ctx, "backend.set_locked", conversationID, userID, func(c *model.Conversation) error {
		c.IsLocked = locked
		return nil
	})
}

// UpdateMetadata applies the non-nil fields of meta. Only the creator may do so.
func (l *Local) UpdateMetadata(ctx context.Context, conversationID, userID string, meta remote.SessionMetadata) (*model.Conversation, error) {
	const op = "backend.update_metadata"
	return l.update(ctx, op, conversationID, userID, func(c *model.Conversation) error {
		if meta.Title != nil {
			title := strings.TrimSpace(*meta.Title)
			if title == "" {
				return errs.Rejected(op, "title is empty")
			}
			c.Title = title
		}
		return nil
	})
}

// Invite records a pending invitation on behalf of callerID, who must be a
// participant.
func (l *Local) Invite(ctx context.Context, conversationID, callerID, userID string) (*model.Conversation, error) {
	const op = "backend.invite"

	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.conversation(ctx, op, conversationID)
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, errs.Rejected(op, "conversation has ended")
	}
	if !c.IsParticipant(callerID) {
		return nil, errs.Rejected(op, "you are not a participant of this conversation")
	}
	if c.IsParticipant(userID) {
		return nil, errs.Rejected(op, "user is already a participant")
	}
	if err := l.db.AddInvite(ctx, conversationID, userID); err != nil {
		return nil, fmt.Errorf("add invite: %w", err)
	}
	return l.reloadAndSignal(ctx, conversationID)
}

// ListForUser returns the active conversations userID belongs to and those
// userID is invited to.
func (l *Local) ListForUser(ctx context.Context, userID string) (member, invited []*model.Conversation, err error) {
	return l.db.ListConversationsForUser(ctx, userID)
}

// update applies a creator-only change to the stored conversation.
func (l *Local) update(ctx context.Context, op, conversationID, userID string, apply func(*model.Conversation) error) (*model.Conversation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.conversation(ctx, op, conversationID)
	if err != nil {
		return nil, err
	}
	if userID != c.CreatorID {
		return nil, errs.Rejected(op, "only the creator can do this")
	}
	if err := apply(c); err != nil {
		return nil, err
	}
	if err := l.db.UpdateConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	return l.reloadAndSignal(ctx, conversationID)
}

func (l *Local) conversation(ctx context.Context, op, id string) (*model.Conversation, error) {
	c, err := l.db.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errs.Rejected(op, "conversation not found")
	}
	return c, nil
}

// reloadAndSignal reads back the authoritative conversation and hints its
// audience, plus extra users no longer part of it.
func (l *Local) reloadAndSignal(ctx context.Context, id string, extra ...string) (*model.Conversation, error) {
	c, err := l.db.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("conversation %q vanished", id)
	}
	l.signalUsers(c, extra...)
	return c, nil
}
