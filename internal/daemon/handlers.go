package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/control"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/sessions"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// handlers implements the control methods on top of the daemon components.
type handlers struct {
	profile    string
	cfg        *config.Profile
	db         *store.DB
	channels   *channels
	sessions   *sessions.Synchronizer
	identities *identity.Cache
	convs      *Conversations
	started    time.Time
}

func provideMux(p Params, cfg *config.Profile, db *store.DB, ch *channels, s *sessions.Synchronizer, ids *identity.Cache, convs *Conversations, logger *zap.Logger) *control.Mux {
	h := &handlers{
		profile:    p.ProfileName,
		cfg:        cfg,
		db:         db,
		channels:   ch,
		sessions:   s,
		identities: ids,
		convs:      convs,
		started:    time.Now(),
	}
	mux := control.NewMux(logger)
	mux.Handle(control.MethodStatus, h.status)
	mux.Handle(control.MethodSessions, h.listSessions)
	mux.Handle(control.MethodRefresh, h.refresh)
	mux.Handle(control.MethodMessages, h.messages)
	mux.Handle(control.MethodSend, h.send)
	mux.Handle(control.MethodWho, h.who)
	mux.Handle(control.MethodCreate, h.create)
	mux.Handle(control.MethodJoin, h.join)
	mux.Handle(control.MethodLeave, h.leave)
	mux.Handle(control.MethodEnd, h.end)
	mux.Handle(control.MethodLock, h.lock)
	mux.Handle(control.MethodRename, h.rename)
	mux.Handle(control.MethodReact, h.react)
	mux.Handle(control.MethodDelete, h.deleteMessage)
	mux.Handle(control.MethodTyping, h.typing)
	return mux
}

func (h *handlers) status(ctx context.Context, _ control.Args) (map[string]any, error) {
	conversations, err := h.db.ConversationCount(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := h.db.MessageCount(ctx)
	if err != nil {
		return nil, err
	}
	people, err := h.db.IdentityCount(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"profile":       h.profile,
		"user_id":       h.cfg.UserID,
		"push":          h.channels.state(),
		"started_at":    stamp(h.started),
		"members":       len(h.sessions.Members()),
		"invited":       len(h.sessions.Invited()),
		"open":          anyList(h.convs.IDs()),
		"cached_ids":    h.identities.Len(),
		"conversations": conversations,
		"messages":      msgs,
		"identities":    people,
	}, nil
}

func (h *handlers) listSessions(context.Context, control.Args) (map[string]any, error) {
	return map[string]any{
		"members": conversationList(h.sessions.Members()),
		"invited": conversationList(h.sessions.Invited()),
	}, nil
}

func (h *handlers) refresh(ctx context.Context, args control.Args) (map[string]any, error) {
	if err := h.sessions.Refresh(ctx, true); err != nil {
		return nil, err
	}
	if args.Bool("identities") {
		if err := h.identities.Reload(ctx); err != nil {
			return nil, err
		}
	}
	return h.listSessions(ctx, args)
}

func (h *handlers) messages(ctx context.Context, args control.Args) (map[string]any, error) {
	s, err := h.convs.Open(ctx, args.String("id"))
	if err != nil {
		return nil, err
	}
	loaded := 0
	if older := args.Int("older", 0); older > 0 {
		if loaded, err = s.LoadOlder(ctx, older); err != nil {
			return nil, err
		}
	}
	held := s.Messages()
	if limit := args.Int("limit", 0); limit > 0 && len(held) > limit {
		held = held[len(held)-limit:]
	}
	list := make([]any, 0, len(held))
	for _, m := range held {
		list = append(list, messageMap(m))
	}
	typists := make([]any, 0)
	for _, p := range s.Typists() {
		typists = append(typists, p.UserID)
	}
	return map[string]any{
		"id":       s.ConversationID(),
		"messages": list,
		"loaded":   loaded,
		"has_more": s.HasMore(),
		"typing":   typists,
	}, nil
}

func (h *handlers) send(ctx context.Context, args control.Args) (map[string]any, error) {
	s, err := h.convs.Open(ctx, args.String("id"))
	if err != nil {
		return nil, err
	}
	m, err := s.Send(ctx, args.String("text"), messages.SendOptions{
		ReplyToID:      args.String("reply_to"),
		IdempotencyKey: args.String("key"),
	})
	if err != nil {
		return nil, err
	}
	return messageMap(m), nil
}

func (h *handlers) who(ctx context.Context, args control.Args) (map[string]any, error) {
	var (
		found []model.Identity
		err   error
	)
	if q := args.String("query"); q != "" {
		found, err = h.identities.Search(ctx, q)
	} else {
		found, err = h.identities.FrequentContacts(ctx, h.cfg.UserID, args.Int("limit", 10))
	}
	if err != nil {
		return nil, err
	}
	list := make([]any, 0, len(found))
	for _, rec := range found {
		list = append(list, map[string]any{
			"id":           rec.ID,
			"handle":       rec.Handle,
			"display_name": rec.DisplayName,
			"last_seen":    stamp(rec.LastSeen),
		})
	}
	return map[string]any{"identities": list}, nil
}

func (h *handlers) create(ctx context.Context, args control.Args) (map[string]any, error) {
	code := args.String("access_code")
	c, err := h.sessions.Create(ctx, sessions.CreateRequest{
		Title:              args.String("title"),
		InvitedIDs:         args.Strings("invite"),
		RequiresAccessCode: code != "",
		AccessCode:         code,
	})
	if err != nil {
		return nil, err
	}
	return conversationMap(c), nil
}

func (h *handlers) join(ctx context.Context, args control.Args) (map[string]any, error) {
	c, err := h.sessions.Join(ctx, args.String("id"), args.String("access_code"))
	if err != nil {
		return nil, err
	}
	return conversationMap(c), nil
}

func (h *handlers) leave(ctx context.Context, args control.Args) (map[string]any, error) {
	id := args.String("id")
	if id == "" {
		return nil, errs.New(errs.InvalidInput, "sessions.leave", "conversation id is required")
	}
	if err := h.sessions.Leave(ctx, id); err != nil {
		return nil, err
	}
	h.convs.Drop(id)
	return map[string]any{"id": id}, nil
}

func (h *handlers) end(ctx context.Context, args control.Args) (map[string]any, error) {
	c, err := h.sessions.End(ctx, args.String("id"))
	if err != nil {
		return nil, err
	}
	return conversationMap(c), nil
}

func (h *handlers) lock(ctx context.Context, args control.Args) (map[string]any, error) {
	c, err := h.sessions.SetLocked(ctx, args.String("id"), args.Bool("locked"))
	if err != nil {
		return nil, err
	}
	return conversationMap(c), nil
}

func (h *handlers) rename(ctx context.Context, args control.Args) (map[string]any, error) {
	c, err := h.sessions.Rename(ctx, args.String("id"), args.String("title"))
	if err != nil {
		return nil, err
	}
	return conversationMap(c), nil
}

func (h *handlers) react(ctx context.Context, args control.Args) (map[string]any, error) {
	s, err := h.convs.Open(ctx, args.String("id"))
	if err != nil {
		return nil, err
	}
	msgID, emoji := args.String("message"), args.String("emoji")
	if args.Bool("remove") {
		err = s.RemoveReaction(ctx, msgID, emoji)
	} else {
		err = s.AddReaction(ctx, msgID, emoji)
	}
	if err != nil {
		return nil, err
	}
	m, ok := s.Get(msgID)
	if !ok {
		return map[string]any{"id": msgID}, nil
	}
	return messageMap(m), nil
}

func (h *handlers) deleteMessage(ctx context.Context, args control.Args) (map[string]any, error) {
	s, err := h.convs.Open(ctx, args.String("id"))
	if err != nil {
		return nil, err
	}
	msgID := args.String("message")
	if err := s.Delete(ctx, msgID); err != nil {
		return nil, err
	}
	return map[string]any{"id": msgID}, nil
}

// typing feeds the debounced typing state of the local user.
func (h *handlers) typing(ctx context.Context, args control.Args) (map[string]any, error) {
	s, err := h.convs.Open(ctx, args.String("id"))
	if err != nil {
		return nil, err
	}
	on := args.Bool("typing")
	s.SetTyping(on)
	return map[string]any{"id": s.ConversationID(), "typing": on}, nil
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func anyList(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func conversationList(list []*model.Conversation) []any {
	out := make([]any, 0, len(list))
	for _, c := range list {
		out = append(out, conversationMap(c))
	}
	return out
}

func conversationMap(c *model.Conversation) map[string]any {
	return map[string]any{
		"id":                   c.ID,
		"title":                c.Title,
		"creator_id":           c.CreatorID,
		"participants":         anyList(c.Participants.Sorted()),
		"invited":              anyList(c.Invited.Sorted()),
		"locked":               c.IsLocked,
		"requires_access_code": c.RequiresAccessCode,
		"active":               c.IsActive,
		"created_at":           stamp(c.CreatedAt),
	}
}

func messageMap(m *model.Message) map[string]any {
	reactions := make(map[string]any, len(m.Reactions))
	for emoji, set := range m.Reactions {
		reactions[emoji] = anyList(set.Sorted())
	}
	return map[string]any{
		"id":         m.ID,
		"sender_id":  m.SenderID,
		"kind":       m.Kind,
		"body":       m.Body,
		"reply_to":   m.ReplyToID,
		"status":     string(m.Status),
		"reactions":  reactions,
		"created_at": stamp(m.CreatedAt),
	}
}
