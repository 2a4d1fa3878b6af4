// Package sessions keeps the caller's conversation list in sync with the
// remote. Mutations are applied optimistically and rolled back exactly when
// the remote refuses them.
package sessions

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// Options configures a Synchronizer. Zero values fall back to defaults.
type Options struct {
	UserID        string
	CacheWindow   time.Duration
	PollInterval  time.Duration
	MaxTitleRunes int
	Now           func() time.Time
}

func (o *Options) defaults() {
	if o.CacheWindow <= 0 {
		o.CacheWindow = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Minute
	}
	if o.MaxTitleRunes <= 0 {
		o.MaxTitleRunes = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// CreateRequest describes a new conversation. The remote assigns its id.
type CreateRequest struct {
	Title              string
	InvitedIDs         []string
	RequiresAccessCode bool
	AccessCode         string
}

// Synchronizer is safe for concurrent use.
type Synchronizer struct {
	api     remote.SessionAPI
	push    remote.PushChannel
	opts    Options
	metrics *metrics.Metrics
	bus     *bus.Bus
	logger  *zap.Logger

	mu         sync.Mutex
	members    map[string]*model.Conversation
	invited    map[string]*model.Conversation
	refreshing bool
	rerun      bool
	lastFetch  time.Time
	lastSignal time.Time
	closed     bool
	unsub      func()
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a synchronizer for opts.UserID. push may be nil, in which
// case only the poll loop drives refreshes.
func New(api remote.SessionAPI, push remote.PushChannel, opts Options, m *metrics.Metrics, b *bus.Bus, logger *zap.Logger) *Synchronizer {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		api:     api,
		push:    push,
		opts:    opts,
		metrics: m,
		bus:     b,
		logger:  logger.With(zap.String("user", opts.UserID)),
		members: make(map[string]*model.Conversation),
		invited: make(map[string]*model.Conversation),
	}
}

// Start attaches the invalidation signal, starts the poll loop and runs a
// first forced refresh. A failed first refresh is returned but the loop
// keeps running.
func (s *Synchronizer) Start(ctx context.Context) error {
	if s.opts.UserID == "" {
		return errs.New(errs.AuthRequired, "sessions.start", "sign in to list sessions")
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	if s.closed || s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	if s.push != nil {
		unsub, err := s.push.Subscribe(remote.Query{Path: remote.SessionSignalPath(s.opts.UserID)}, remote.Handlers{
			OnAdd:    func(_ string, payload []byte) { s.onSignal(loopCtx, payload) },
			OnChange: func(_ string, payload []byte) { s.onSignal(loopCtx, payload) },
		})
		if err != nil {
			s.logger.Warn("session signal unavailable, polling only", zap.Error(err))
		} else {
			s.mu.Lock()
			closed := s.closed
			if !closed {
				s.unsub = unsub
			}
			s.mu.Unlock()
			if closed {
				unsub()
			}
		}
	}

	go s.poll(loopCtx)

	return s.Refresh(ctx, true)
}

// Close stops the poll loop and detaches the signal. Late results of calls
// still in flight are discarded. Safe to call more than once.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub, cancel := s.unsub, s.cancel
	s.unsub, s.cancel = nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Members returns the conversations the caller participates in, newest first.
func (s *Synchronizer) Members() []*model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sorted(s.members)
}

// Invited returns the conversations the caller is invited to, newest first.
func (s *Synchronizer) Invited() []*model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sorted(s.invited)
}

// Get returns the held conversation with id and whether the caller is a member.
func (s *Synchronizer) Get(id string) (conv *model.Conversation, member bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.members[id]; ok {
		return c, true, true
	}
	if c, ok := s.invited[id]; ok {
		return c, false, true
	}
	return nil, false, false
}

// Create creates a conversation owned by the caller.
func (s *Synchronizer) Create(ctx context.Context, req CreateRequest) (*model.Conversation, error) {
	const op = "sessions.create"
	if s.opts.UserID == "" {
		return nil, errs.New(errs.AuthRequired, op, "sign in to create sessions")
	}
	title, err := s.validTitle(op, req.Title)
	if err != nil {
		return nil, err
	}
	if req.RequiresAccessCode && strings.TrimSpace(req.AccessCode) == "" {
		return nil, errs.New(errs.InvalidInput, op, "an access code is required")
	}
	var invited []string
	for _, id := range req.InvitedIDs {
		id = strings.TrimSpace(id)
		if id == "" || id == s.opts.UserID || slices.Contains(invited, id) {
			continue
		}
		invited = append(invited, id)
	}
	if s.isClosed() {
		return nil, errClosed(op)
	}

	conv, err := s.api.Create(ctx, remote.CreateSession{
		Title:              title,
		CreatorID:          s.opts.UserID,
		InvitedIDs:         invited,
		RequiresAccessCode: req.RequiresAccessCode,
		AccessCode:         strings.TrimSpace(req.AccessCode),
	})
	s.metrics.SessionMutation("create", err == nil)
	if err != nil {
		return nil, errs.FromRemote(op, err)
	}

	s.mu.Lock()
	if !s.closed {
		s.placeLocked(conv)
	}
	s.mu.Unlock()
	s.notify()
	s.refreshAfterMutation(ctx)
	return conv, nil
}

// Join makes the caller a participant. Joining a conversation the caller
// already belongs to returns the held state without a network call.
func (s *Synchronizer) Join(ctx context.Context, id, accessCode string) (*model.Conversation, error) {
	const op = "sessions.join"
	if s.opts.UserID == "" {
		return nil, errs.New(errs.AuthRequired, op, "sign in to join sessions")
	}
	if c, member, ok := s.Get(id); ok && member {
		return c, nil
	}
	return s.applyOptimistic(ctx, op, id,
		func(member, invited *model.Conversation) (*model.Conversation, *model.Conversation, error) {
			if invited == nil {
				// Nothing to pre-apply; the remote result decides.
				return member, nil, nil
			}
			c := invited.Clone()
			c.Participants[s.opts.UserID] = struct{}{}
			delete(c.Invited, s.opts.UserID)
			return c, nil, nil
		},
		func(ctx context.Context) (*model.Conversation, error) {
			return s.api.Join(ctx, id, s.opts.UserID, strings.TrimSpace(accessCode))
		})
}

// Leave removes the caller from a conversation. The creator cannot leave.
func (s *Synchronizer) Leave(ctx context.Context, id string) error {
	const op = "sessions.leave"
	_, err := s.applyOptimistic(ctx, op, id,
		func(member, _ *model.Conversation) (*model.Conversation, *model.Conversation, error) {
			if member == nil {
				return nil, nil, errs.New(errs.NotFound, op, "not a member of this session")
			}
			if member.CreatorID == s.opts.UserID {
				return nil, nil, errs.New(errs.InvalidInput, op, "the creator cannot leave; end the session instead")
			}
			return nil, nil, nil
		},
		func(ctx context.Context) (*model.Conversation, error) {
			return s.api.Leave(ctx, id, s.opts.UserID)
		})
	return err
}

// End deactivates a conversation. Only its creator may end it.
func (s *Synchronizer) End(ctx context.Context, id string) (*model.Conversation, error) {
	const op = "sessions.end"
	return s.applyOptimistic(ctx, op, id,
		func(member, _ *model.Conversation) (*model.Conversation, *model.Conversation, error) {
			if member == nil {
				return nil, nil, errs.New(errs.NotFound, op, "not a member of this session")
			}
			if member.CreatorID != s.opts.UserID {
				return nil, nil, errs.New(errs.InvalidInput, op, "only the creator can end this session")
			}
			c := member.Clone()
			c.IsActive = false
			return c, nil, nil
		},
		func(ctx context.Context) (*model.Conversation, error) {
			return s.api.End(ctx, id, s.opts.UserID)
		})
}

// SetLocked locks or unlocks a conversation against new joins.
func (s *Synchronizer) SetLocked(ctx context.Context, id string, locked bool) (*model.Conversation, error) {
	const op = "sessions.set_locked"
	if c, member, ok := s.Get(id); ok && member && c.IsLocked == locked {
		return c, nil
	}
	return s.applyOptimistic(ctx, op, id,
		func(member, _ *model.Conversation) (*model.Conversation, *model.Conversation, error) {
			if member == nil {
				return nil, nil, errs.New(errs.NotFound, op, "not a member of this session")
			}
			c := member.Clone()
			c.IsLocked = locked
			return c, nil, nil
		},
		func(ctx context.Context) (*model.Conversation, error) {
			return s.api.SetLocked(ctx, id, s.opts.UserID, locked)
		})
}

// Rename changes a conversation's title.
func (s *Synchronizer) Rename(ctx context.Context, id, title string) (*model.Conversation, error) {
	const op = "sessions.rename"
	title, err := s.validTitle(op, title)
	if err != nil {
		return nil, err
	}
	return s.applyOptimistic(ctx, op, id,
		func(member, _ *model.Conversation) (*model.Conversation, *model.Conversation, error) {
			if member == nil {
				return nil, nil, errs.New(errs.NotFound, op, "not a member of this session")
			}
			c := member.Clone()
			c.Title = title
			return c, nil, nil
		},
		func(ctx context.Context) (*model.Conversation, error) {
			return s.api.UpdateMetadata(ctx, id, s.opts.UserID, remote.SessionMetadata{Title: &title})
		})
}

// mutateFunc derives the optimistic member and invited entries for an id
// from the held ones. Returned entries must be fresh copies; nil removes.
type mutateFunc func(member, invited *model.Conversation) (*model.Conversation, *model.Conversation, error)

// applyOptimistic applies mutate locally, calls the remote, then either
// places the authoritative result or restores the exact previous entries.
// The restore only happens while the optimistic entries are still the held
// ones. Both outcomes end with a forced refresh.
func (s *Synchronizer) applyOptimistic(ctx context.Context, op, id string, mutate mutateFunc, call func(context.Context) (*model.Conversation, error)) (*model.Conversation, error) {
	if s.opts.UserID == "" {
		return nil, errs.New(errs.AuthRequired, op, "sign in to manage sessions")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errClosed(op)
	}
	prevMember, prevInvited := s.members[id], s.invited[id]
	optMember, optInvited, err := mutate(prevMember, prevInvited)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.setLocked(id, optMember, optInvited)
	s.mu.Unlock()
	s.notify()

	conv, err := call(ctx)
	name := strings.TrimPrefix(op, "sessions.")
	s.metrics.SessionMutation(name, err == nil)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if err != nil {
			return nil, errs.FromRemote(op, err)
		}
		return conv, nil
	}
	if err != nil {
		restored := s.members[id] == optMember && s.invited[id] == optInvited
		if restored {
			s.setLocked(id, prevMember, prevInvited)
		}
		s.mu.Unlock()
		s.logger.Warn("session mutation rolled back", zap.String("op", name), zap.String("session", id), zap.Bool("restored", restored), zap.Error(err))
		s.notify()
		s.refreshAfterMutation(ctx)
		return nil, errs.FromRemote(op, err)
	}
	if conv != nil {
		s.placeLocked(conv)
	} else {
		s.setLocked(id, nil, nil)
	}
	s.mu.Unlock()
	s.notify()
	s.refreshAfterMutation(ctx)
	return conv, nil
}

// Refresh reloads the conversation list. Unless force is set it is skipped
// when the last fetch is younger than the cache window and no invalidation
// signal arrived since. A refresh already in flight absorbs non-forced
// calls; a forced call made meanwhile runs once the current one finishes.
func (s *Synchronizer) Refresh(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed("sessions.refresh")
	}
	if s.refreshing {
		if force {
			s.rerun = true
		}
		s.mu.Unlock()
		s.metrics.SessionRefresh("skipped")
		return nil
	}
	if !force && s.freshLocked() {
		s.mu.Unlock()
		s.metrics.SessionRefresh("skipped")
		return nil
	}
	s.refreshing = true
	s.mu.Unlock()

	for {
		err := s.fetch(ctx)
		s.mu.Lock()
		again := s.rerun && !s.closed
		s.rerun = false
		if !again {
			s.refreshing = false
		}
		s.mu.Unlock()
		if !again {
			return err
		}
	}
}

func (s *Synchronizer) fetch(ctx context.Context) error {
	started := s.opts.Now()
	member, invited, err := s.api.ListForUser(ctx, s.opts.UserID)
	if err != nil {
		s.metrics.SessionRefresh("error")
		s.logger.Warn("session refresh failed", zap.Error(err))
		return errs.FromRemote("sessions.refresh", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.members = make(map[string]*model.Conversation, len(member))
	s.invited = make(map[string]*model.Conversation, len(invited))
	for _, c := range member {
		if c != nil && c.IsActive {
			s.members[c.ID] = c
		}
	}
	for _, c := range invited {
		if c == nil || !c.IsActive {
			continue
		}
		if _, ok := s.members[c.ID]; !ok {
			s.invited[c.ID] = c
		}
	}
	s.lastFetch = started
	nm, ni := len(s.members), len(s.invited)
	s.mu.Unlock()

	s.metrics.SessionRefresh("ok")
	s.logger.Debug("sessions refreshed", zap.Int("members", nm), zap.Int("invited", ni))
	s.notify()
	return nil
}

// freshLocked reports whether the held list can be served without a fetch.
func (s *Synchronizer) freshLocked() bool {
	if s.lastFetch.IsZero() || s.lastSignal.After(s.lastFetch) {
		return false
	}
	return s.opts.Now().Sub(s.lastFetch) < s.opts.CacheWindow
}

func (s *Synchronizer) refreshAfterMutation(ctx context.Context) {
	if err := s.Refresh(ctx, true); err != nil && !errs.Is(err, errs.InvalidInput) {
		s.logger.Warn("refresh after mutation failed", zap.Error(err))
	}
}

type signal struct {
	At time.Time `json:"at"`
}

func (s *Synchronizer) onSignal(ctx context.Context, payload []byte) {
	at := s.opts.Now()
	var sig signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		s.metrics.DecodeError("sessions")
	} else if !sig.At.IsZero() && sig.At.Before(at) {
		at = sig.At
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if at.After(s.lastSignal) {
		s.lastSignal = at
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.Refresh(ctx, false); err != nil {
			s.logger.Debug("signalled refresh failed", zap.Error(err))
		}
	}()
}

// poll refreshes every interval. A tick is forced when no signal arrived
// during the whole previous interval, since the signal channel may be down.
func (s *Synchronizer) poll(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			silent := s.opts.Now().Sub(s.lastSignal) >= s.opts.PollInterval
			s.mu.Unlock()
			if err := s.Refresh(ctx, silent); err != nil && ctx.Err() == nil {
				s.logger.Debug("poll refresh failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// placeLocked files c under members or invited according to the caller's
// relation to it.
func (s *Synchronizer) placeLocked(c *model.Conversation) {
	switch {
	case c.IsParticipant(s.opts.UserID):
		s.setLocked(c.ID, c, nil)
	case c.IsInvited(s.opts.UserID):
		s.setLocked(c.ID, nil, c)
	default:
		s.setLocked(c.ID, nil, nil)
	}
}

// setLocked installs the member and invited entries for id; nil removes.
func (s *Synchronizer) setLocked(id string, member, invited *model.Conversation) {
	if member != nil {
		s.members[id] = member
	} else {
		delete(s.members, id)
	}
	if invited != nil {
		s.invited[id] = invited
	} else {
		delete(s.invited, id)
	}
}

func (s *Synchronizer) validTitle(op, title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", errs.New(errs.InvalidInput, op, "title is required")
	}
	if n := utf8.RuneCountInString(title); n > s.opts.MaxTitleRunes {
		return "", errs.Newf(errs.InvalidInput, op, "title is too long (%d > %d characters)", n, s.opts.MaxTitleRunes)
	}
	return title, nil
}

func (s *Synchronizer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Synchronizer) notify() {
	s.mu.Lock()
	payload := bus.SessionsChanged{Members: len(s.members), Invited: len(s.invited)}
	s.mu.Unlock()
	s.bus.Emit(bus.KindSessionsChanged, payload)
}

func errClosed(op string) error {
	return errs.New(errs.InvalidInput, op, "session list is closed")
}

func sorted(m map[string]*model.Conversation) []*model.Conversation {
	out := make([]*model.Conversation, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *model.Conversation) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}
