// Package sync keeps one conversation's live state attached to the push
// channel: message changes flow into a Sink, remote typing presence is
// tracked with expiry, and the local typing state is written through a
// Debouncer.
package sync

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	gosync "sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// Sink receives decoded message changes.
type Sink interface {
	Upsert(m *model.Message)
	Remove(id string)
}

// Options configures a Coordinator. Zero durations fall back to defaults.
type Options struct {
	UserID      string
	DisplayName string
	AvatarRef   string

	Debounce        time.Duration
	Settle          time.Duration
	PresenceTimeout time.Duration
	Now             func() time.Time
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = 3 * time.Second
	}
	if o.Settle <= 0 {
		o.Settle = time.Second
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type typist struct {
	presence model.TypingPresence
	timer    *time.Timer
}

// Coordinator is safe for concurrent use. Push handlers may run on any
// goroutine.
type Coordinator struct {
	conversationID string
	push           remote.PushChannel
	typingAPI      remote.TypingAPI
	sink           Sink
	opts           Options
	metrics        *metrics.Metrics
	bus            *bus.Bus
	logger         *zap.Logger
	debouncer      *Debouncer

	mu         gosync.Mutex
	base       context.Context
	subscribed bool
	closed     bool
	unsubs     []func()
	typists    map[string]*typist
}

// NewCoordinator creates a coordinator for one conversation. typingAPI may be
// nil, in which case local typing state is never written.
func NewCoordinator(conversationID string, push remote.PushChannel, typingAPI remote.TypingAPI, sink Sink, opts Options, m *metrics.Metrics, b *bus.Bus, logger *zap.Logger) *Coordinator {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		conversationID: conversationID,
		push:           push,
		typingAPI:      typingAPI,
		sink:           sink,
		opts:           opts,
		metrics:        m,
		bus:            b,
		logger:         logger.With(zap.String("conversation", conversationID)),
		base:           context.Background(),
		typists:        make(map[string]*typist),
	}
	c.debouncer = NewDebouncer(opts.Debounce, opts.Settle, c.writeTyping)
	return c
}

// Subscribe attaches the message stream, bounded to the limit most recent
// messages, and the typing presence stream. ctx scopes the typing writes
// issued later; its cancellation does not detach the streams. Calling it
// again while subscribed is a no-op.
func (c *Coordinator) Subscribe(ctx context.Context, limit int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.New(errs.InvalidInput, "sync.subscribe", "coordinator is closed")
	}
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = true
	c.base = context.WithoutCancel(ctx)
	c.mu.Unlock()

	unsubMsgs, err := c.push.Subscribe(
		remote.Query{Path: remote.MessagesPath(c.conversationID), Limit: max(limit, 1)},
		remote.Handlers{OnAdd: c.onMessage, OnChange: c.onMessage, OnRemove: c.onMessageRemoved},
	)
	if err != nil {
		c.resetSubscribed()
		return errs.FromRemote("sync.subscribe", err)
	}
	unsubTyping, err := c.push.Subscribe(
		remote.Query{Path: remote.TypingPath(c.conversationID)},
		remote.Handlers{OnAdd: c.onTyping, OnChange: c.onTyping, OnRemove: c.onTypingRemoved},
	)
	if err != nil {
		unsubMsgs()
		c.resetSubscribed()
		return errs.FromRemote("sync.subscribe", err)
	}

	c.mu.Lock()
	if c.closed {
		// Cleanup ran while we were subscribing.
		c.mu.Unlock()
		unsubMsgs()
		unsubTyping()
		return errs.New(errs.InvalidInput, "sync.subscribe", "coordinator is closed")
	}
	c.unsubs = append(c.unsubs, unsubMsgs, unsubTyping)
	c.mu.Unlock()

	c.logger.Debug("live streams attached", zap.Int("limit", max(limit, 1)))
	return nil
}

func (c *Coordinator) resetSubscribed() {
	c.mu.Lock()
	c.subscribed = false
	c.mu.Unlock()
}

// SetTyping records the local user's composing state.
func (c *Coordinator) SetTyping(typing bool) {
	if c.typingAPI == nil || c.opts.UserID == "" {
		return
	}
	c.debouncer.Set(typing)
}

// Typists returns the users currently typing, oldest first.
func (c *Coordinator) Typists() []model.TypingPresence {
	c.mu.Lock()
	out := make([]model.TypingPresence, 0, len(c.typists))
	for _, t := range c.typists {
		out = append(out, t.presence)
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b model.TypingPresence) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.UserID, b.UserID))
	})
	return out
}

// Cleanup detaches every stream, cancels presence timers and queues a final
// stop-typing write if one is due. Safe to call repeatedly and concurrently.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	for id, t := range c.typists {
		t.timer.Stop()
		delete(c.typists, id)
	}
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	c.debouncer.Close()
	c.logger.Debug("coordinator cleaned up")
}

// Wait blocks until queued typing writes have been issued.
func (c *Coordinator) Wait() { c.debouncer.Wait() }

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) onMessage(key string, payload []byte) {
	if c.isClosed() {
		return
	}
	var m model.Message
	if err := json.Unmarshal(payload, &m); err != nil {
		c.metrics.DecodeError("messages")
		c.logger.Warn("dropping undecodable message", zap.String("key", key), zap.Error(err))
		return
	}
	if m.ID == "" {
		m.ID = key
	}
	if m.ConversationID == "" {
		m.ConversationID = c.conversationID
	}
	c.sink.Upsert(&m)
}

func (c *Coordinator) onMessageRemoved(key string) {
	if c.isClosed() {
		return
	}
	c.sink.Remove(key)
}

func (c *Coordinator) onTyping(key string, payload []byte) {
	var p model.TypingPresence
	if err := json.Unmarshal(payload, &p); err != nil {
		c.metrics.DecodeError("typing")
		c.logger.Warn("dropping undecodable typing presence", zap.String("key", key), zap.Error(err))
		return
	}
	if p.UserID == "" {
		p.UserID = key
	}
	if p.UserID == c.opts.UserID {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if old := c.typists[p.UserID]; old != nil {
		old.timer.Stop()
	}
	t := &typist{presence: p}
	t.timer = time.AfterFunc(c.opts.PresenceTimeout, func() { c.expire(p.UserID, t) })
	c.typists[p.UserID] = t
	n := len(c.typists)
	c.mu.Unlock()

	c.publishTyping(n)
}

func (c *Coordinator) onTypingRemoved(key string) {
	c.mu.Lock()
	t, ok := c.typists[key]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	t.timer.Stop()
	delete(c.typists, key)
	n := len(c.typists)
	c.mu.Unlock()

	c.publishTyping(n)
}

// expire drops a presence that was not refreshed in time. A presence
// replaced since the timer was armed is left alone.
func (c *Coordinator) expire(userID string, t *typist) {
	c.mu.Lock()
	if c.typists[userID] != t {
		c.mu.Unlock()
		return
	}
	delete(c.typists, userID)
	n := len(c.typists)
	c.mu.Unlock()

	c.publishTyping(n)
}

func (c *Coordinator) publishTyping(n int) {
	c.bus.Emit(bus.KindTypingChanged, bus.TypingChanged{ConversationID: c.conversationID, Typists: n})
}

func (c *Coordinator) writeTyping(typing bool) {
	c.mu.Lock()
	base := c.base
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, writeTimeout)
	defer cancel()
	p := model.TypingPresence{
		UserID:      c.opts.UserID,
		DisplayName: c.opts.DisplayName,
		AvatarRef:   c.opts.AvatarRef,
		StartedAt:   c.opts.Now(),
	}
	c.metrics.TypingWrite(typing)
	if err := c.typingAPI.SetTyping(ctx, c.conversationID, p, typing); err != nil {
		c.logger.Warn("typing write failed", zap.Bool("typing", typing), zap.Error(err))
	}
}
