package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// Send stores a message and pushes it to the conversation's stream.
// A repeated idempotency key returns the message stored the first time.
func (l *Local) Send(ctx context.Context, req remote.SendRequest) (*model.Message, error) {
	const op = "backend.send"
	if strings.TrimSpace(req.Body) == "" {
		return nil, errs.Rejected(op, "message body is empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.db.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errs.Rejected(op, "conversation not found")
	}
	if !c.IsActive {
		return nil, errs.Rejected(op, "conversation has ended")
	}
	if !c.IsParticipant(req.SenderID) {
		return nil, errs.Rejected(op, "you are not a participant of this conversation")
	}
	if req.ReplyToID != "" {
		if _, err := l.messageIn(ctx, op, req.ReplyToID, c.ID); err != nil {
			return nil, err
		}
	}

	kind := req.Kind
	if kind == "" {
		kind = "text"
	}
	m := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: c.ID,
		SenderID:       req.SenderID,
		Kind:           kind,
		Body:           req.Body,
		ReplyToID:      req.ReplyToID,
		Status:         model.StatusSent,
		CreatedAt:      l.now(),
		Extras:         req.Extras,
	}
	stored, created, err := l.db.InsertMessage(ctx, m, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	if stored == nil {
		return nil, errs.Rejected(op, "the original message was deleted")
	}
	if !created {
		l.logger.Debug("duplicate send", zap.String("key", req.IdempotencyKey), zap.String("message", stored.ID))
		return stored, nil
	}

	l.publish(remote.MessagesPath(c.ID), remote.OpAdd, stored.ID, stored)
	for id := range c.Participants {
		if err := l.db.RecordInteraction(ctx, req.SenderID, id); err != nil {
			l.logger.Warn("record interaction", zap.String("to", id), zap.Error(err))
		}
	}
	if err := l.db.TouchIdentity(ctx, req.SenderID, stored.CreatedAt); err != nil {
		l.logger.Warn("touch identity", zap.String("user", req.SenderID), zap.Error(err))
	}
	return stored, nil
}

// ListPage returns up to limit messages older than before, newest first.
func (l *Local) ListPage(ctx context.Context, conversationID string, limit int, before remote.Cursor) ([]*model.Message, error) {
	return l.db.ListMessages(ctx, conversationID, limit, before.CreatedAt, before.ID)
}

// AddReaction adds userID's emoji. Adding it twice is a no-op.
func (l *Local) AddReaction(ctx context.Context, messageID, conversationID, userID, emoji string) error {
	return l.setReaction(ctx, "backend.add_reaction", messageID, conversationID, userID, emoji, true)
}

// RemoveReaction removes userID's emoji. Removing an absent one is a no-op.
func (l *Local) RemoveReaction(ctx context.Context, messageID, conversationID, userID, emoji string) error {
	return l.setReaction(ctx, "backend.remove_reaction", messageID, conversationID, userID, emoji, false)
}

func (l *Local) setReaction(ctx context.Context, op, messageID, conversationID, userID, emoji string, present bool) error {
	if emoji == "" {
		return errs.Rejected(op, "emoji is empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.messageIn(ctx, op, messageID, conversationID)
	if err != nil {
		return err
	}
	c, err := l.db.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if c == nil || !c.IsParticipant(userID) {
		return errs.Rejected(op, "you are not a participant of this conversation")
	}
	if m.HasReaction(emoji, userID) == present {
		return nil
	}
	if err := l.db.SetReaction(ctx, messageID, emoji, userID, present); err != nil {
		return fmt.Errorf("store reaction: %w", err)
	}
	l.publish(remote.MessagesPath(conversationID), remote.OpChange, messageID, m.WithReaction(emoji, userID, present))
	return nil
}

// Delete removes a message. Only its sender may delete it.
func (l *Local) Delete(ctx context.Context, messageID, conversationID, callerID string) error {
	const op = "backend.delete"

	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.messageIn(ctx, op, messageID, conversationID)
	if err != nil {
		return err
	}
	if m.SenderID != callerID {
		return errs.Rejected(op, "you can only delete your own messages")
	}
	if err := l.db.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	l.publish(remote.MessagesPath(conversationID), remote.OpRemove, messageID, nil)
	return nil
}

func (l *Local) messageIn(ctx context.Context, op, messageID, conversationID string) (*model.Message, error) {
	m, err := l.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m == nil || m.ConversationID != conversationID {
		return nil, errs.Rejected(op, "message not found")
	}
	return m, nil
}
