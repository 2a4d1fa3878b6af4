package messages

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/fetch"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
)

type reactionCall struct {
	add    bool
	id     string
	emoji  string
	userID string
	convID string
}

type mockAPI struct {
	mu        gosync.Mutex
	sends     []remote.SendRequest
	reactions []reactionCall
	deletes   []string
	page      []*model.Message
	lists     int
	err       error
	// hook runs inside a reaction call, before it returns.
	hook func()
}

func (m *mockAPI) Send(_ context.Context, req remote.SendRequest) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, req)
	if m.err != nil {
		return nil, m.err
	}
	return &model.Message{ID: "srv-" + req.IdempotencyKey, ConversationID: req.ConversationID, SenderID: req.SenderID, Body: req.Body}, nil
}

func (m *mockAPI) ListPage(_ context.Context, _ string, limit int, _ remote.Cursor) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	if m.err != nil {
		return nil, m.err
	}
	page := m.page
	m.page = nil
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

func (m *mockAPI) react(add bool, id, convID, userID, emoji string) error {
	m.mu.Lock()
	m.reactions = append(m.reactions, reactionCall{add, id, emoji, userID, convID})
	hook, err := m.hook, m.err
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (m *mockAPI) AddReaction(_ context.Context, id, convID, userID, emoji string) error {
	return m.react(true, id, convID, userID, emoji)
}

func (m *mockAPI) RemoveReaction(_ context.Context, id, convID, userID, emoji string) error {
	return m.react(false, id, convID, userID, emoji)
}

func (m *mockAPI) Delete(_ context.Context, id, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, id)
	return m.err
}

func (m *mockAPI) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

type nopPush struct {
	mu   gosync.Mutex
	subs map[string]remote.Handlers
}

func (p *nopPush) Subscribe(q remote.Query, h remote.Handlers) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs == nil {
		p.subs = make(map[string]remote.Handlers)
	}
	p.subs[q.Path] = h
	return func() {
		p.mu.Lock()
		delete(p.subs, q.Path)
		p.mu.Unlock()
	}, nil
}

func (p *nopPush) emit(path string, op remote.Op, key string, v any) {
	p.mu.Lock()
	h, ok := p.subs[path]
	p.mu.Unlock()
	if !ok {
		return
	}
	raw, _ := json.Marshal(v)
	h.Dispatch(op, key, raw)
}

var t0 = time.Unix(1_700_000_000, 0)

func msg(id string, sec int, body string) *model.Message {
	return &model.Message{ID: id, ConversationID: "c1", SenderID: "u2", Body: body, CreatedAt: t0.Add(time.Duration(sec) * time.Second)}
}

func fetchOpts(pageSize int) fetch.Options {
	return fetch.Options{PageSize: pageSize, MaxPage: 50}
}

func newStore(api *mockAPI, opts Options) (*Store, *nopPush) {
	if opts.UserID == "" {
		opts.UserID = "me"
	}
	push := &nopPush{}
	return New("c1", api, push, nil, opts, nil, nil, nil), push
}

func viewIDs(s *Store) []string {
	var out []string
	for _, m := range s.Messages() {
		out = append(out, m.ID)
	}
	return out
}

func TestUpsertOrdersByTimeThenID(t *testing.T) {
	s, _ := newStore(&mockAPI{}, Options{})
	s.Upsert(msg("b", 2, "x"))
	s.Upsert(msg("c", 1, "x"))
	s.Upsert(msg("a", 2, "x"))

	got := viewIDs(s)
	want := []string{"c", "a", "b"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe(bus.KindMessagesChanged, 16)
	defer unsub()
	s := New("c1", &mockAPI{}, &nopPush{}, nil, Options{UserID: "me"}, nil, b, nil)

	s.Upsert(msg("m1", 1, "hello"))
	v := s.Version()
	s.Upsert(msg("m1", 1, "hello"))

	if s.Version() != v {
		t.Errorf("version changed on identical upsert")
	}
	if len(events) != 1 {
		t.Errorf("notifications = %d, want 1", len(events))
	}

	s.Upsert(msg("m1", 1, "edited"))
	if m, _ := s.Get("m1"); m.Body != "edited" {
		t.Errorf("body = %q, want edited", m.Body)
	}
	if len(events) != 2 {
		t.Errorf("notifications = %d, want 2", len(events))
	}
}

func TestUpsertIgnoresOtherConversations(t *testing.T) {
	s, _ := newStore(&mockAPI{}, Options{})
	other := msg("x", 1, "hi")
	other.ConversationID = "c2"
	s.Upsert(other)
	s.Upsert(nil)
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestHeldMessagesAreNotAliased(t *testing.T) {
	s, _ := newStore(&mockAPI{}, Options{})
	in := msg("m1", 1, "hello")
	s.Upsert(in)
	in.Body = "mutated by caller"

	view := s.Messages()
	if view[0].Body != "hello" {
		t.Errorf("stored message mutated through the caller's pointer")
	}
	view[0] = nil
	if s.Messages()[0] == nil {
		t.Error("view slice is shared with the store")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	s, _ := newStore(&mockAPI{}, Options{})
	s.Upsert(msg("m1", 1, "a"))
	v := s.Version()
	s.Remove("missing")
	if s.Version() != v {
		t.Error("removing an unknown id bumped the version")
	}
	s.Remove("m1")
	s.Remove("m1")
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestCeilingKeepsMostRecent(t *testing.T) {
	s, _ := newStore(&mockAPI{}, Options{Ceiling: 3})
	for i := range 6 {
		s.Upsert(msg(fmt.Sprintf("m%d", i), i, "x"))
	}
	got := viewIDs(s)
	if fmt.Sprint(got) != "[m3 m4 m5]" {
		t.Errorf("view = %v, want [m3 m4 m5]", got)
	}

	// An older message arriving at the ceiling is evicted immediately.
	s.Upsert(msg("old", -10, "x"))
	if _, ok := s.Get("old"); ok {
		t.Error("message older than the ceiling boundary was kept")
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
}

func TestSendValidation(t *testing.T) {
	long := make([]rune, 11)
	for i := range long {
		long[i] = 'é'
	}
	tests := []struct {
		name   string
		userID string
		text   string
		want   errs.Kind
	}{
		{"empty", "me", "", errs.InvalidInput},
		{"blank", "me", "   \n\t", errs.InvalidInput},
		{"too long", "me", string(long), errs.InvalidInput},
		{"anonymous", "", "hi", errs.AuthRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockAPI{}
			s := New("c1", api, &nopPush{}, nil, Options{UserID: tt.userID, MaxBodyRunes: 10}, nil, nil, nil)
			_, err := s.Send(context.Background(), tt.text, SendOptions{})
			if !errs.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if len(api.sends) != 0 {
				t.Error("remote called despite local validation failure")
			}
		})
	}
}

func TestSendDoesNotInsertLocally(t *testing.T) {
	api := &mockAPI{}
	s, _ := newStore(api, Options{MaxBodyRunes: 10})

	got, err := s.Send(context.Background(), "  hi  ", SendOptions{ReplyToID: "m0"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Body != "hi" {
		t.Errorf("body = %q, want trimmed hi", got.Body)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 until the live channel delivers", s.Len())
	}
	req := api.sends[0]
	if req.IdempotencyKey == "" || req.SenderID != "me" || req.ReplyToID != "m0" {
		t.Errorf("request = %+v", req)
	}

	// Exactly ten runes is allowed.
	if _, err := s.Send(context.Background(), "éééééééééé", SendOptions{}); err != nil {
		t.Errorf("ten-rune body rejected: %v", err)
	}
	if api.sends[0].IdempotencyKey == api.sends[1].IdempotencyKey {
		t.Error("idempotency key reused across sends")
	}
}

func TestSendFailureSurfacesTransport(t *testing.T) {
	api := &mockAPI{err: fmt.Errorf("connection reset")}
	s, _ := newStore(api, Options{})

	_, err := s.Send(context.Background(), "hi", SendOptions{IdempotencyKey: "k1"})
	if !errs.Is(err, errs.TransportFailure) {
		t.Fatalf("err = %v, want TransportFailure", err)
	}
	if s.Len() != 0 {
		t.Error("failed send fabricated a message")
	}
	api.setErr(nil)
	if _, err := s.Send(context.Background(), "hi", SendOptions{IdempotencyKey: "k1"}); err != nil {
		t.Fatal(err)
	}
	if api.sends[1].IdempotencyKey != "k1" {
		t.Error("caller-supplied key not forwarded on retry")
	}
}

func TestReactionToggle(t *testing.T) {
	api := &mockAPI{}
	s, _ := newStore(api, Options{})
	s.Upsert(msg("m1", 1, "hi"))
	ctx := context.Background()

	if err := s.AddReaction(ctx, "m1", "👍"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddReaction(ctx, "m1", "👍"); err != nil {
		t.Fatal(err)
	}
	if len(api.reactions) != 1 {
		t.Errorf("remote calls = %d, want 1", len(api.reactions))
	}
	m, _ := s.Get("m1")
	if !m.HasReaction("👍", "me") || len(m.Reactions["👍"]) != 1 {
		t.Errorf("reactions = %v, want exactly me under 👍", m.Reactions)
	}

	if err := s.RemoveReaction(ctx, "m1", "🎉"); err != nil {
		t.Errorf("removing an absent reaction = %v, want nil", err)
	}
	if len(api.reactions) != 1 {
		t.Error("absent removal reached the remote")
	}

	if err := s.RemoveReaction(ctx, "m1", "👍"); err != nil {
		t.Fatal(err)
	}
	m, _ = s.Get("m1")
	if len(m.Reactions) != 0 {
		t.Errorf("reactions = %v, want none", m.Reactions)
	}
}

func TestReactionPreconditions(t *testing.T) {
	api := &mockAPI{}
	s, _ := newStore(api, Options{})
	s.Upsert(msg("m1", 1, "hi"))

	if err := s.AddReaction(context.Background(), "nope", "👍"); !errs.Is(err, errs.NotFound) {
		t.Errorf("unknown message err = %v, want NotFound", err)
	}
	if err := s.AddReaction(context.Background(), "m1", " "); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("empty emoji err = %v, want InvalidInput", err)
	}
	if len(api.reactions) != 0 {
		t.Error("remote called despite failed precondition")
	}
}

func TestReactionRollback(t *testing.T) {
	api := &mockAPI{err: errs.Rejected("", "message is locked")}
	s, _ := newStore(api, Options{})
	s.Upsert(msg("m1", 1, "hi"))
	before, _ := s.Get("m1")

	err := s.AddReaction(context.Background(), "m1", "👍")
	if !errs.Is(err, errs.RemoteRejected) || errs.Reason(err) != "message is locked" {
		t.Fatalf("err = %v, want RemoteRejected with reason", err)
	}
	after, _ := s.Get("m1")
	if after != before {
		t.Error("rollback did not restore the original copy")
	}
}

func TestReactionRollbackSkippedWhenReplaced(t *testing.T) {
	api := &mockAPI{err: fmt.Errorf("timeout")}
	s, _ := newStore(api, Options{})
	s.Upsert(msg("m1", 1, "hi"))
	// The live channel delivers an edit while the reaction call is in flight.
	api.hook = func() { s.Upsert(msg("m1", 1, "edited")) }

	if err := s.AddReaction(context.Background(), "m1", "👍"); err == nil {
		t.Fatal("expected error")
	}
	m, _ := s.Get("m1")
	if m.Body != "edited" {
		t.Errorf("body = %q, want the newer edited copy to survive", m.Body)
	}
}

func TestDelete(t *testing.T) {
	api := &mockAPI{}
	s, _ := newStore(api, Options{})
	s.Upsert(msg("m1", 1, "hi"))

	if err := s.Delete(context.Background(), "missing"); !errs.Is(err, errs.NotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
	if err := s.Delete(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
	if len(api.deletes) != 1 {
		t.Errorf("remote deletes = %d, want 1", len(api.deletes))
	}

	s.Upsert(msg("m2", 2, "hi"))
	api.setErr(errs.Rejected("", "only the sender can delete"))
	if err := s.Delete(context.Background(), "m2"); !errs.Is(err, errs.RemoteRejected) {
		t.Errorf("err = %v, want RemoteRejected", err)
	}
	if s.Len() != 1 {
		t.Error("rejected delete removed the message locally")
	}
}

func TestOpenMergesInitialPageAndLiveEvents(t *testing.T) {
	api := &mockAPI{page: []*model.Message{msg("m3", 3, "c"), msg("m2", 2, "b")}}
	s, push := newStore(api, Options{Fetch: fetchOpts(10)})

	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	push.emit("messages/c1", remote.OpAdd, "m4", msg("m4", 4, "d"))
	push.emit("messages/c1", remote.OpRemove, "m2", nil)

	if got := fmt.Sprint(viewIDs(s)); got != "[m3 m4]" {
		t.Errorf("view = %s, want [m3 m4]", got)
	}
	if s.HasMore() {
		t.Error("HasMore() = true after a short initial page")
	}
}

func TestLoadOlderReturnsMergedCount(t *testing.T) {
	api := &mockAPI{page: []*model.Message{msg("m9", 9, "x"), msg("m8", 8, "x")}}
	s, _ := newStore(api, Options{Fetch: fetchOpts(2)})
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	api.mu.Lock()
	api.page = []*model.Message{msg("m7", 7, "x")}
	api.mu.Unlock()
	n, err := s.LoadOlder(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || s.Len() != 3 {
		t.Errorf("merged = %d, len = %d; want 1, 3", n, s.Len())
	}
}

func TestLoadOlderAtCeilingStopsFetching(t *testing.T) {
	api := &mockAPI{}
	for i := 100; i > 95; i-- {
		api.page = append(api.page, msg(fmt.Sprintf("m%03d", i), i, "x"))
	}
	s, _ := newStore(api, Options{Ceiling: 5, Fetch: fetchOpts(5)})
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		api.mu.Lock()
		api.page = []*model.Message{msg("m095", 95, "x"), msg("m094", 94, "x")}
		api.mu.Unlock()
		n, err := s.LoadOlder(context.Background(), 5)
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("call %d merged = %d, want 0", i, n)
		}
	}

	api.mu.Lock()
	lists := api.lists
	api.mu.Unlock()
	if lists != 1 {
		t.Errorf("ListPage calls = %d, want 1 (initial page only)", lists)
	}
	if got := viewIDs(s); len(got) != 5 || got[0] != "m096" {
		t.Errorf("view = %v, want m096..m100", got)
	}
}

func TestCloseDiscardsLateResults(t *testing.T) {
	api := &mockAPI{}
	s, push := newStore(api, Options{})
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Upsert(msg("m1", 1, "a"))

	s.Close()
	s.Close()

	s.Upsert(msg("m2", 2, "late"))
	push.emit("messages/c1", remote.OpAdd, "m3", msg("m3", 3, "late"))
	if s.Len() != 0 {
		t.Errorf("Len() = %d after Close, want 0", s.Len())
	}
	if _, err := s.Send(context.Background(), "hi", SendOptions{}); err == nil {
		t.Error("Send after Close should fail")
	}
}
