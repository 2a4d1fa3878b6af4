// Package messages holds the in-memory view of one conversation's messages
// and the mutations callers can issue against it.
package messages

import (
	"context"
	"slices"
	"strings"
	gosync "sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/fetch"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

// Options configures a Store. Zero values fall back to defaults.
type Options struct {
	UserID      string
	DisplayName string
	AvatarRef   string

	Ceiling      int
	MaxBodyRunes int
	LiveWindow   int

	Fetch  fetch.Options
	Typing sync.Options
}

func (o *Options) defaults() {
	if o.Ceiling <= 0 {
		o.Ceiling = 500
	}
	if o.MaxBodyRunes <= 0 {
		o.MaxBodyRunes = 4000
	}
	if o.LiveWindow <= 0 {
		o.LiveWindow = 50
	}
	o.Typing.UserID = o.UserID
	o.Typing.DisplayName = o.DisplayName
	o.Typing.AvatarRef = o.AvatarRef
}

// SendOptions are the optional parts of a send. A caller that retries
// passes the same IdempotencyKey on every attempt; an empty key is minted
// fresh.
type SendOptions struct {
	ReplyToID      string
	Kind           string
	Extras         map[string]string
	IdempotencyKey string
}

// Store is safe for concurrent use. Messages it hands out are immutable.
type Store struct {
	conversationID string
	api            remote.MessageAPI
	opts           Options
	fetch          *fetch.Controller
	coord          *sync.Coordinator
	metrics        *metrics.Metrics
	bus            *bus.Bus
	logger         *zap.Logger

	mu          gosync.Mutex
	byID        map[string]*model.Message
	version     uint64
	viewVersion uint64
	view        []*model.Message
	closed      bool
}

// New creates the store of one conversation. Nothing is loaded until Open.
func New(conversationID string, api remote.MessageAPI, push remote.PushChannel, typing remote.TypingAPI, opts Options, m *metrics.Metrics, b *bus.Bus, logger *zap.Logger) *Store {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		conversationID: conversationID,
		api:            api,
		opts:           opts,
		metrics:        m,
		bus:            b,
		logger:         logger.With(zap.String("conversation", conversationID)),
		byID:           make(map[string]*model.Message),
	}
	s.fetch = fetch.New(api, conversationID, opts.Fetch, m, logger)
	s.coord = sync.NewCoordinator(conversationID, push, typing, s, opts.Typing, m, b, logger)
	return s
}

// ConversationID returns the conversation this store tracks.
func (s *Store) ConversationID() string { return s.conversationID }

// Open attaches the live window and loads the most recent page. It may be
// called again after a failure; completed steps are not repeated.
func (s *Store) Open(ctx context.Context) error {
	if s.isClosed() {
		return errs.New(errs.InvalidInput, "messages.open", "conversation is closed")
	}
	if err := s.coord.Subscribe(ctx, s.opts.LiveWindow); err != nil {
		return err
	}
	page, err := s.fetch.FetchInitial(ctx)
	if err != nil {
		return err
	}
	s.merge(page)
	return nil
}

// LoadOlder backfills up to limit messages older than the oldest one held
// and returns how many of them are now in the view. A store already at its
// ceiling has no room for older messages and makes no remote call.
func (s *Store) LoadOlder(ctx context.Context, limit int) (int, error) {
	var before *remote.Cursor
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errs.New(errs.InvalidInput, "messages.load_older", "conversation is closed")
	}
	if len(s.byID) >= s.opts.Ceiling {
		s.mu.Unlock()
		return 0, nil
	}
	if view := s.sortedLocked(); len(view) > 0 {
		cur := remote.CursorOf(view[0])
		before = &cur
	}
	s.mu.Unlock()

	page, err := s.fetch.FetchOlder(ctx, before, limit)
	if err != nil {
		return 0, err
	}
	return s.merge(page), nil
}

// HasMore reports whether older history may remain on the remote.
func (s *Store) HasMore() bool { return s.fetch.HasMore() }

// Upsert merges m. A message whose content matches the held copy, or that
// belongs to another conversation, is ignored.
func (s *Store) Upsert(m *model.Message) {
	s.merge([]*model.Message{m})
}

// Remove drops the message with id. Unknown ids are ignored.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	if _, ok := s.byID[id]; !ok || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.byID, id)
	s.version++
	v := s.version
	s.mu.Unlock()

	s.notify(v)
}

// Messages returns the held messages ordered by creation time then id.
func (s *Store) Messages() []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sortedLocked())
}

// Get returns the held message with id.
func (s *Store) Get(id string) (*model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	return m, ok
}

// Len returns the number of held messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Version increases on every visible change.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Send submits text to the remote. The message is not inserted locally;
// the authoritative copy arrives through the live window.
func (s *Store) Send(ctx context.Context, text string, opts SendOptions) (*model.Message, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return nil, errs.New(errs.InvalidInput, "messages.send", "message is empty")
	}
	if n := utf8.RuneCountInString(body); n > s.opts.MaxBodyRunes {
		return nil, errs.Newf(errs.InvalidInput, "messages.send", "message is too long (%d > %d characters)", n, s.opts.MaxBodyRunes)
	}
	if s.opts.UserID == "" {
		return nil, errs.New(errs.AuthRequired, "messages.send", "sign in to send messages")
	}
	if s.isClosed() {
		return nil, errs.New(errs.InvalidInput, "messages.send", "conversation is closed")
	}

	key := opts.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	msg, err := s.api.Send(ctx, remote.SendRequest{
		ConversationID: s.conversationID,
		SenderID:       s.opts.UserID,
		Body:           body,
		Kind:           opts.Kind,
		ReplyToID:      opts.ReplyToID,
		Extras:         opts.Extras,
		IdempotencyKey: key,
	})
	if err != nil {
		s.logger.Warn("send failed", zap.String("idempotency_key", key), zap.Error(err))
		return nil, errs.FromRemote("messages.send", err)
	}
	return msg, nil
}

// AddReaction adds the caller's emoji reaction to message id.
func (s *Store) AddReaction(ctx context.Context, id, emoji string) error {
	return s.toggleReaction(ctx, "messages.add_reaction", id, emoji, true)
}

// RemoveReaction removes the caller's emoji reaction from message id.
func (s *Store) RemoveReaction(ctx context.Context, id, emoji string) error {
	return s.toggleReaction(ctx, "messages.remove_reaction", id, emoji, false)
}

// toggleReaction pre-applies the change and rolls it back on failure, unless
// something else replaced the message in the meantime.
func (s *Store) toggleReaction(ctx context.Context, op, id, emoji string, present bool) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return errs.New(errs.InvalidInput, op, "emoji is required")
	}
	if s.opts.UserID == "" {
		return errs.New(errs.AuthRequired, op, "sign in to react")
	}

	s.mu.Lock()
	cur, ok := s.byID[id]
	if !ok || s.closed {
		s.mu.Unlock()
		return errs.New(errs.NotFound, op, "message not found")
	}
	if cur.HasReaction(emoji, s.opts.UserID) == present {
		s.mu.Unlock()
		return nil
	}
	next := cur.WithReaction(emoji, s.opts.UserID, present)
	s.byID[id] = next
	s.version++
	v := s.version
	s.mu.Unlock()
	s.notify(v)

	var err error
	if present {
		err = s.api.AddReaction(ctx, id, s.conversationID, s.opts.UserID, emoji)
	} else {
		err = s.api.RemoveReaction(ctx, id, s.conversationID, s.opts.UserID, emoji)
	}
	if err == nil {
		return nil
	}

	s.mu.Lock()
	rolledBack := false
	if !s.closed && s.byID[id] == next {
		s.byID[id] = cur
		s.version++
		rolledBack = true
	}
	v = s.version
	s.mu.Unlock()
	if rolledBack {
		s.notify(v)
	}
	s.logger.Warn("reaction failed", zap.String("msg_id", id), zap.String("emoji", emoji), zap.Bool("rolled_back", rolledBack), zap.Error(err))
	return errs.FromRemote(op, err)
}

// Delete removes message id remotely, then locally.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s.opts.UserID == "" {
		return errs.New(errs.AuthRequired, "messages.delete", "sign in to delete messages")
	}
	if _, ok := s.Get(id); !ok || s.isClosed() {
		return errs.New(errs.NotFound, "messages.delete", "message not found")
	}
	if err := s.api.Delete(ctx, id, s.conversationID, s.opts.UserID); err != nil {
		return errs.FromRemote("messages.delete", err)
	}
	s.Remove(id)
	return nil
}

// SetTyping records the caller's composing state.
func (s *Store) SetTyping(typing bool) {
	if s.isClosed() {
		return
	}
	s.coord.SetTyping(typing)
}

// Typists returns the other users currently typing.
func (s *Store) Typists() []model.TypingPresence { return s.coord.Typists() }

// Close detaches the live streams and drops the held messages. Results of
// calls still in flight are discarded. Safe to call more than once.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.byID = make(map[string]*model.Message)
	s.view = nil
	s.version++
	s.mu.Unlock()

	s.coord.Cleanup()
	s.logger.Debug("message store closed")
}

// Wait blocks until queued typing writes have been issued.
func (s *Store) Wait() { s.coord.Wait() }

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// merge upserts a batch, evicts beyond the ceiling and notifies once.
// It returns how many of the batch were applied and survived eviction.
func (s *Store) merge(batch []*model.Message) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	var applied []string
	for _, m := range batch {
		if m == nil || m.ID == "" || m.ConversationID != s.conversationID {
			continue
		}
		if old, ok := s.byID[m.ID]; ok && model.SameContent(old, m) {
			s.metrics.MessageUpsert(false)
			continue
		}
		s.byID[m.ID] = m.Clone()
		applied = append(applied, m.ID)
		s.metrics.MessageUpsert(true)
	}
	if len(applied) == 0 {
		s.mu.Unlock()
		return 0
	}
	s.version++
	s.evictLocked()
	kept := 0
	for _, id := range applied {
		if _, ok := s.byID[id]; ok {
			kept++
		}
	}
	v := s.version
	s.mu.Unlock()

	s.notify(v)
	return kept
}

// evictLocked drops the oldest messages beyond the ceiling.
func (s *Store) evictLocked() {
	over := len(s.byID) - s.opts.Ceiling
	if over <= 0 {
		return
	}
	view := s.sortedLocked()
	for _, m := range view[:over] {
		delete(s.byID, m.ID)
	}
	s.view = slices.Clone(view[over:])
	s.metrics.MessagesEvicted(over)
	s.logger.Debug("evicted messages beyond ceiling", zap.Int("evicted", over))
}

// sortedLocked returns the cached sorted view, rebuilding it if a mutation
// happened since it was computed.
func (s *Store) sortedLocked() []*model.Message {
	if s.view != nil && s.viewVersion == s.version {
		return s.view
	}
	view := make([]*model.Message, 0, len(s.byID))
	for _, m := range s.byID {
		view = append(view, m)
	}
	slices.SortFunc(view, model.Compare)
	s.view = view
	s.viewVersion = s.version
	return view
}

func (s *Store) notify(version uint64) {
	s.bus.Emit(bus.KindMessagesChanged, bus.MessagesChanged{ConversationID: s.conversationID, Version: version})
}
