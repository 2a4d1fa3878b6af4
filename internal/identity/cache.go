// Package identity is the process-wide cache of lightweight user records.
//
// Readers always work against an immutable snapshot swapped atomically on
// reload or point edit, so a lookup never observes a partially built map.
package identity

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const reloadTimeout = 30 * time.Second

// Options tunes the cache. Zero values fall back to defaults.
type Options struct {
	TTL         time.Duration
	ContactsTTL time.Duration
	SearchLimit int
	Now         func() time.Time
}

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.ContactsTTL <= 0 {
		o.ContactsTTL = time.Minute
	}
	if o.SearchLimit <= 0 {
		o.SearchLimit = 20
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// snapshot is never modified once published.
type snapshot struct {
	byID     map[string]*model.Identity
	byHandle map[string]*model.Identity
	sorted   []*model.Identity // by handle
	loadedAt time.Time
}

func buildSnapshot(list []model.Identity, at time.Time) *snapshot {
	s := &snapshot{
		byID:     make(map[string]*model.Identity, len(list)),
		byHandle: make(map[string]*model.Identity, len(list)),
		loadedAt: at,
	}
	for i := range list {
		if list[i].Banned || list[i].ID == "" {
			continue
		}
		rec := list[i]
		s.byID[rec.ID] = &rec
	}
	s.index()
	return s
}

// index rebuilds byHandle and sorted from byID.
func (s *snapshot) index() {
	s.byHandle = make(map[string]*model.Identity, len(s.byID))
	s.sorted = make([]*model.Identity, 0, len(s.byID))
	for _, rec := range s.byID {
		s.byHandle[foldHandle(rec.Handle)] = rec
		s.sorted = append(s.sorted, rec)
	}
	slices.SortFunc(s.sorted, byHandle)
}

// with returns a copy of s where id is replaced by rec, or dropped when rec
// is nil. Only the changed entry is re-indexed.
func (s *snapshot) with(id string, rec *model.Identity) *snapshot {
	if rec != nil && rec.Banned {
		rec = nil
	}
	ns := &snapshot{
		byID:     maps.Clone(s.byID),
		byHandle: maps.Clone(s.byHandle),
		sorted:   slices.Clone(s.sorted),
		loadedAt: s.loadedAt,
	}
	if old, ok := ns.byID[id]; ok {
		delete(ns.byID, id)
		h := foldHandle(old.Handle)
		if i, found := slices.BinarySearchFunc(ns.sorted, old, byHandle); found {
			ns.sorted = slices.Delete(ns.sorted, i, i+1)
		}
		if ns.byHandle[h] == old {
			delete(ns.byHandle, h)
			// Another id sharing the handle takes its place.
			i, _ := slices.BinarySearchFunc(ns.sorted, &model.Identity{Handle: h}, byHandle)
			if i < len(ns.sorted) && foldHandle(ns.sorted[i].Handle) == h {
				ns.byHandle[h] = ns.sorted[i]
			}
		}
	}
	if rec != nil {
		ns.byID[id] = rec
		ns.byHandle[foldHandle(rec.Handle)] = rec
		i, _ := slices.BinarySearchFunc(ns.sorted, rec, byHandle)
		ns.sorted = slices.Insert(ns.sorted, i, rec)
	}
	return ns
}

func byHandle(a, b *model.Identity) int {
	return cmp.Or(cmp.Compare(foldHandle(a.Handle), foldHandle(b.Handle)), cmp.Compare(a.ID, b.ID))
}

type contactsKey struct {
	forID string
	limit int
}

type contactsEntry struct {
	ids []string
	at  time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	src     remote.IdentitySource
	opts    Options
	metrics *metrics.Metrics
	bus     *bus.Bus
	logger  *zap.Logger

	snap  atomic.Pointer[snapshot]
	group singleflight.Group

	mu       sync.Mutex
	contacts map[contactsKey]contactsEntry
}

// New creates a cache over src. Nothing is loaded until the first lookup.
func New(src remote.IdentitySource, opts Options, m *metrics.Metrics, b *bus.Bus, logger *zap.Logger) *Cache {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		src:      src,
		opts:     opts,
		metrics:  m,
		bus:      b,
		logger:   logger,
		contacts: make(map[contactsKey]contactsEntry),
	}
}

// GetByID resolves an identity by id.
func (c *Cache) GetByID(ctx context.Context, id string) (model.Identity, bool, error) {
	s, err := c.current(ctx)
	if err != nil {
		return model.Identity{}, false, err
	}
	rec, ok := s.byID[id]
	if !ok {
		return model.Identity{}, false, nil
	}
	return clone(rec), true, nil
}

// GetByHandle resolves an identity by handle, ignoring case.
func (c *Cache) GetByHandle(ctx context.Context, handle string) (model.Identity, bool, error) {
	s, err := c.current(ctx)
	if err != nil {
		return model.Identity{}, false, err
	}
	rec, ok := s.byHandle[foldHandle(handle)]
	if !ok {
		return model.Identity{}, false, nil
	}
	return clone(rec), true, nil
}

// Search returns identities whose handle or display name contains query,
// case-insensitively, ordered by handle and capped at the search limit.
func (c *Cache) Search(ctx context.Context, query string) ([]model.Identity, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	s, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Identity
	for _, rec := range s.sorted {
		if strings.Contains(strings.ToLower(rec.Handle), q) || strings.Contains(strings.ToLower(rec.DisplayName), q) {
			out = append(out, clone(rec))
			if len(out) == c.opts.SearchLimit {
				break
			}
		}
	}
	return out, nil
}

// FrequentContacts ranks the identities forID interacts with most, then fills
// up to limit with other identities. Rankings are cached per (forID, limit)
// for the contacts TTL.
func (c *Cache) FrequentContacts(ctx context.Context, forID string, limit int) ([]model.Identity, error) {
	if limit <= 0 {
		return nil, nil
	}
	s, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	key := contactsKey{forID: forID, limit: limit}
	c.mu.Lock()
	entry, ok := c.contacts[key]
	c.mu.Unlock()
	if ok && c.opts.Now().Sub(entry.at) < c.opts.ContactsTTL {
		return resolve(s, entry.ids), nil
	}

	ledger, err := c.src.Interactions(ctx, forID)
	if err != nil {
		return nil, errs.FromRemote("identity.contacts", err)
	}
	ids := rank(s, forID, ledger, limit)

	c.mu.Lock()
	c.contacts[key] = contactsEntry{ids: ids, at: c.opts.Now()}
	c.mu.Unlock()
	return resolve(s, ids), nil
}

// Invalidate refreshes a single identity. When the source can resolve one
// record the snapshot is patched with it, otherwise the entry is dropped.
// Either way the rest of the snapshot is reused.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	var rec *model.Identity
	if lookup, ok := c.src.(remote.IdentityLookup); ok {
		fresh, found, err := lookup.GetIdentity(ctx, id)
		if err != nil {
			return errs.FromRemote("identity.invalidate", err)
		}
		if found {
			rec = &fresh
		}
	}
	c.swap(id, rec)
	return nil
}

// Update replaces one identity in the snapshot. A banned record is removed.
func (c *Cache) Update(rec model.Identity) {
	r := clone(&rec)
	c.swap(rec.ID, &r)
}

// Reload forces a full reload of the snapshot.
func (c *Cache) Reload(ctx context.Context) error {
	_, err := c.reload(ctx, nil)
	return err
}

// Len returns the number of cached identities.
func (c *Cache) Len() int {
	s := c.snap.Load()
	if s == nil {
		return 0
	}
	return len(s.byID)
}

func (c *Cache) swap(id string, rec *model.Identity) {
	for {
		old := c.snap.Load()
		if old == nil {
			return
		}
		if c.snap.CompareAndSwap(old, old.with(id, rec)) {
			return
		}
	}
}

func (c *Cache) current(ctx context.Context) (*snapshot, error) {
	s := c.snap.Load()
	if s != nil && len(s.byID) > 0 && c.opts.Now().Sub(s.loadedAt) < c.opts.TTL {
		return s, nil
	}
	return c.reload(ctx, s)
}

// reload coalesces concurrent callers into a single ListAll. The load is
// detached from any one caller, so a caller that gives up does not fail the
// others. On failure a stale snapshot is served if one exists.
func (c *Cache) reload(ctx context.Context, stale *snapshot) (*snapshot, error) {
	ch := c.group.DoChan("all", func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reloadTimeout)
		defer cancel()
		list, err := c.src.ListAll(loadCtx)
		if err != nil {
			c.metrics.IdentityReload(false)
			return nil, errs.FromRemote("identity.reload", err)
		}
		s := buildSnapshot(list, c.opts.Now())
		c.snap.Store(s)
		c.metrics.IdentityReload(true)
		c.logger.Debug("identity cache reloaded", zap.Int("identities", len(s.byID)))
		c.bus.Emit(bus.KindIdentityReloaded, len(s.byID))
		return s, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		if stale != nil && len(stale.byID) > 0 {
			return stale, nil
		}
		return nil, errs.FromRemote("identity.reload", ctx.Err())
	}
	if res.Err != nil {
		if stale != nil && len(stale.byID) > 0 {
			c.logger.Warn("identity reload failed, serving stale snapshot", zap.Error(res.Err), zap.Bool("shared", res.Shared))
			return stale, nil
		}
		return nil, res.Err
	}
	return res.Val.(*snapshot), nil
}

func rank(s *snapshot, forID string, ledger []model.Interaction, limit int) []string {
	counts := make(map[string]int)
	for _, in := range ledger {
		if in.ToID == forID || s.byID[in.ToID] == nil {
			continue
		}
		counts[in.ToID] += in.Count
	}
	ranked := slices.Collect(maps.Keys(counts))
	slices.SortFunc(ranked, func(a, b string) int {
		return cmp.Or(cmp.Compare(counts[b], counts[a]), cmp.Compare(a, b))
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	chosen := make(map[string]bool, limit)
	for _, id := range ranked {
		chosen[id] = true
	}
	for _, rec := range s.sorted {
		if len(ranked) >= limit {
			break
		}
		if rec.ID == forID || chosen[rec.ID] {
			continue
		}
		ranked = append(ranked, rec.ID)
	}
	return ranked
}

func resolve(s *snapshot, ids []string) []model.Identity {
	out := make([]model.Identity, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.byID[id]; ok {
			out = append(out, clone(rec))
		}
	}
	return out
}

func clone(rec *model.Identity) model.Identity {
	out := *rec
	if rec.Meta != nil {
		out.Meta = maps.Clone(rec.Meta)
	}
	return out
}

func foldHandle(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

