package backend

import (
	"context"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
)

// SetTyping records or clears p in conversationID's presence stream.
func (l *Local) SetTyping(_ context.Context, conversationID string, p model.TypingPresence, typing bool) error {
	if p.UserID == "" {
		return errs.Rejected("backend.set_typing", "user is required")
	}
	path := remote.TypingPath(conversationID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if !typing {
		if _, ok := l.typing[conversationID][p.UserID]; !ok {
			return nil
		}
		delete(l.typing[conversationID], p.UserID)
		if len(l.typing[conversationID]) == 0 {
			delete(l.typing, conversationID)
		}
		l.publish(path, remote.OpRemove, p.UserID, nil)
		return nil
	}

	room := l.typing[conversationID]
	if room == nil {
		room = make(map[string]model.TypingPresence)
		l.typing[conversationID] = room
	}
	op := remote.OpAdd
	if _, ok := room[p.UserID]; ok {
		op = remote.OpChange
	}
	room[p.UserID] = p
	l.publish(path, op, p.UserID, p)
	return nil
}
