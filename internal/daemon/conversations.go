package daemon

import (
	"context"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Conversations opens message stores on demand and keeps them attached
// until the daemon stops or the conversation is left.
type Conversations struct {
	api     remote.MessageAPI
	push    remote.PushChannel
	typing  remote.TypingAPI
	opts    messages.Options
	metrics *metrics.Metrics
	bus     *bus.Bus
	logger  *zap.Logger

	opening singleflight.Group

	mu     sync.Mutex
	stores map[string]*messages.Store
	closed bool
}

// NewConversations creates an empty registry.
func NewConversations(api remote.MessageAPI, push remote.PushChannel, typing remote.TypingAPI, opts messages.Options, m *metrics.Metrics, b *bus.Bus, logger *zap.Logger) *Conversations {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conversations{
		api:     api,
		push:    push,
		typing:  typing,
		opts:    opts,
		metrics: m,
		bus:     b,
		logger:  logger,
		stores:  make(map[string]*messages.Store),
	}
}

// Open returns the store of id, creating and opening it the first time.
// Concurrent first opens share one attempt; a failed attempt is not kept.
func (r *Conversations) Open(ctx context.Context, id string) (*messages.Store, error) {
	if id == "" {
		return nil, errs.New(errs.InvalidInput, "conversations.open", "conversation id is required")
	}
	if s, ok := r.Get(id); ok {
		return s, nil
	}
	v, err, _ := r.opening.Do(id, func() (any, error) {
		if s, ok := r.Get(id); ok {
			return s, nil
		}
		s := messages.New(id, r.api, r.push, r.typing, r.opts, r.metrics, r.bus, r.logger)
		if err := s.Open(ctx); err != nil {
			s.Close()
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			s.Close()
			return nil, errs.New(errs.InvalidInput, "conversations.open", "daemon is stopping")
		}
		r.stores[id] = s
		r.logger.Info("conversation opened", zap.String("conversation", id), zap.Int("messages", s.Len()))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*messages.Store), nil
}

// Get returns the store of id if it is open.
func (r *Conversations) Get(id string) (*messages.Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[id]
	return s, ok
}

// IDs returns the open conversation ids in order.
func (r *Conversations) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Drop detaches and forgets the store of id.
func (r *Conversations) Drop(id string) {
	r.mu.Lock()
	s, ok := r.stores[id]
	delete(r.stores, id)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Close detaches every store. Later opens fail.
func (r *Conversations) Close() {
	r.mu.Lock()
	r.closed = true
	stores := r.stores
	r.stores = make(map[string]*messages.Store)
	r.mu.Unlock()
	for _, s := range stores {
		s.Close()
	}
}
