// Package fetch pages a conversation's history in from the remote API.
package fetch

import (
	"context"
	"sync"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// Options bounds page sizes. Zero values fall back to defaults.
type Options struct {
	PageSize int // initial load
	MaxPage  int // upper clamp for FetchOlder
}

func (o *Options) defaults() {
	if o.MaxPage <= 0 {
		o.MaxPage = 100
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.PageSize > o.MaxPage {
		o.PageSize = o.MaxPage
	}
}

// Controller tracks which messages have been fetched and whether older
// history remains. It never holds its lock across a network call.
type Controller struct {
	api            remote.MessageAPI
	conversationID string
	opts           Options
	metrics        *metrics.Metrics
	logger         *zap.Logger

	mu       sync.Mutex
	seen     map[string]struct{}
	oldest   remote.Cursor
	hasMore  bool
	loaded   bool
	inflight *initialCall
}

type initialCall struct {
	done chan struct{}
	msgs []*model.Message
	err  error
}

// New creates a controller for one conversation.
func New(api remote.MessageAPI, conversationID string, opts Options, m *metrics.Metrics, logger *zap.Logger) *Controller {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		api:            api,
		conversationID: conversationID,
		opts:           opts,
		metrics:        m,
		logger:         logger.With(zap.String("conversation", conversationID)),
		seen:           make(map[string]struct{}),
		hasMore:        true,
	}
}

// FetchInitial loads the most recent page. Only the first successful call
// hits the network; later calls return an empty batch. Concurrent callers
// share one request and its result.
func (c *Controller) FetchInitial(ctx context.Context) ([]*model.Message, error) {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return nil, nil
	}
	if call := c.inflight; call != nil {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.msgs, call.err
		case <-ctx.Done():
			return nil, errs.FromRemote("fetch.initial", ctx.Err())
		}
	}
	call := &initialCall{done: make(chan struct{})}
	c.inflight = call
	c.mu.Unlock()

	page, err := c.api.ListPage(ctx, c.conversationID, c.opts.PageSize, remote.Cursor{})

	c.mu.Lock()
	c.inflight = nil
	if err != nil {
		call.err = errs.FromRemote("fetch.initial", err)
	} else {
		c.loaded = true
		call.msgs = c.absorb(page, c.opts.PageSize)
	}
	c.mu.Unlock()
	close(call.done)

	c.metrics.FetchPage(err == nil)
	if err != nil {
		c.logger.Warn("initial fetch failed", zap.Error(err))
		return nil, call.err
	}
	c.logger.Debug("initial page loaded", zap.Int("messages", len(call.msgs)))
	return call.msgs, nil
}

// FetchOlder loads up to limit messages strictly older than before. A nil
// before continues from the oldest message this controller has seen.
// Only ids never returned before are included. Once a short page has been
// seen, it returns nil without touching the network.
func (c *Controller) FetchOlder(ctx context.Context, before *remote.Cursor, limit int) ([]*model.Message, error) {
	limit = min(max(limit, 1), c.opts.MaxPage)

	c.mu.Lock()
	if !c.hasMore {
		c.mu.Unlock()
		return nil, nil
	}
	cursor := c.oldest
	if before != nil {
		cursor = *before
	}
	c.mu.Unlock()

	page, err := c.api.ListPage(ctx, c.conversationID, limit, cursor)
	c.metrics.FetchPage(err == nil)
	if err != nil {
		c.logger.Warn("history page failed", zap.Error(err))
		return nil, errs.FromRemote("fetch.older", err)
	}

	c.mu.Lock()
	fresh := c.absorb(page, limit)
	c.mu.Unlock()
	return fresh, nil
}

// HasMore reports whether older history may remain.
func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// absorb records a page and returns the messages not seen before.
// Caller holds c.mu.
func (c *Controller) absorb(page []*model.Message, limit int) []*model.Message {
	if len(page) < limit {
		c.hasMore = false
	}
	var fresh []*model.Message
	for _, m := range page {
		if m == nil || m.ID == "" {
			continue
		}
		cur := remote.CursorOf(m)
		if c.oldest.IsZero() || model.Less(m, &model.Message{ID: c.oldest.ID, CreatedAt: c.oldest.CreatedAt}) {
			c.oldest = cur
		}
		if _, ok := c.seen[m.ID]; ok {
			continue
		}
		c.seen[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}
	return fresh
}
