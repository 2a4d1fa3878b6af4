package backend

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	l := New(db, bus.New(), nil)
	var mu sync.Mutex
	clock := time.UnixMilli(1_000_000)
	l.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return l
}

type event struct {
	op   remote.Op
	key  string
	data []byte
}

type recorder struct {
	ch chan event
}

func record(t *testing.T, l *Local, q remote.Query) *recorder {
	t.Helper()
	r := &recorder{ch: make(chan event, 64)}
	unsub, err := l.Subscribe(q, remote.Handlers{
		OnAdd:    func(k string, p []byte) { r.ch <- event{remote.OpAdd, k, p} },
		OnChange: func(k string, p []byte) { r.ch <- event{remote.OpChange, k, p} },
		OnRemove: func(k string) { r.ch <- event{remote.OpRemove, k, nil} },
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(unsub)
	return r
}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push event")
		return event{}
	}
}

func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case e := <-r.ch:
		t.Fatalf("unexpected event %s %s", e.op, e.key)
	case <-time.After(50 * time.Millisecond):
	}
}

func createRoom(t *testing.T, l *Local, req remote.CreateSession) *model.Conversation {
	t.Helper()
	if req.CreatorID == "" {
		req.CreatorID = "alice"
	}
	c, err := l.Create(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func send(t *testing.T, l *Local, convID, sender, body string) *model.Message {
	t.Helper()
	m, err := l.Send(context.Background(), remote.SendRequest{ConversationID: convID, SenderID: sender, Body: body})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func wantRejected(t *testing.T, err error) {
	t.Helper()
	if !errs.Is(err, errs.RemoteRejected) {
		t.Fatalf("err = %v, want remote_rejected", err)
	}
}

func TestSendPushesAndDedupes(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	c := createRoom(t, l, remote.CreateSession{Title: "Room"})
	r := record(t, l, remote.Query{Path: remote.MessagesPath(c.ID)})

	req := remote.SendRequest{ConversationID: c.ID, SenderID: "alice", Body: "hello", IdempotencyKey: "k1"}
	first, err := l.Send(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	e := r.next(t)
	if e.op != remote.OpAdd || e.key != first.ID {
		t.Fatalf("got %s %s, want add %s", e.op, e.key, first.ID)
	}
	var pushed model.Message
	if err := json.Unmarshal(e.data, &pushed); err != nil {
		t.Fatal(err)
	}
	if pushed.Body != "hello" || pushed.Kind != "text" {
		t.Errorf("pushed = %+v", pushed)
	}

	again, err := l.Send(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Errorf("retry id = %s, want %s", again.ID, first.ID)
	}
	r.quiet(t)
}

func TestSendRules(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	c := createRoom(t, l, remote.CreateSession{})
	ended := createRoom(t, l, remote.CreateSession{})
	elsewhere := send(t, l, ended.ID, "alice", "other room")
	if _, err := l.End(ctx, ended.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	gone := send(t, l, c.ID, "alice", "soon gone")
	if err := l.Delete(ctx, gone.ID, c.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  remote.SendRequest
	}{
		{"empty body", remote.SendRequest{ConversationID: c.ID, SenderID: "alice", Body: "   "}},
		{"non participant", remote.SendRequest{ConversationID: c.ID, SenderID: "mallory", Body: "hi"}},
		{"unknown conversation", remote.SendRequest{ConversationID: "nope", SenderID: "alice", Body: "hi"}},
		{"ended conversation", remote.SendRequest{ConversationID: ended.ID, SenderID: "alice", Body: "hi"}},
		{"reply to deleted", remote.SendRequest{ConversationID: c.ID, SenderID: "alice", Body: "hi", ReplyToID: gone.ID}},
		{"reply to unknown", remote.SendRequest{ConversationID: c.ID, SenderID: "alice", Body: "hi", ReplyToID: "missing"}},
		{"reply across conversations", remote.SendRequest{ConversationID: c.ID, SenderID: "alice", Body: "hi", ReplyToID: elsewhere.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Send(ctx, tt.req)
			wantRejected(t, err)
		})
	}
}

func TestSubscribeReplaysLiveWindow(t *testing.T) {
	l := newLocal(t)
	c := createRoom(t, l, remote.CreateSession{})
	send(t, l, c.ID, "alice", "one")
	m2 := send(t, l, c.ID, "alice", "two")
	m3 := send(t, l, c.ID, "alice", "three")

	r := record(t, l, remote.Query{Path: remote.MessagesPath(c.ID), Limit: 2})
	for _, want := range []string{m2.ID, m3.ID} {
		e := r.next(t)
		if e.op != remote.OpAdd || e.key != want {
			t.Fatalf("got %s %s, want add %s", e.op, e.key, want)
		}
	}
	r.quiet(t)

	m4 := send(t, l, c.ID, "alice", "four")
	if e := r.next(t); e.key != m4.ID {
		t.Errorf("live event key = %s, want %s", e.key, m4.ID)
	}
}

func TestSubscribeRejectsUnknownPath(t *testing.T) {
	l := newLocal(t)
	if _, err := l.Subscribe(remote.Query{Path: "bogus/x"}, remote.Handlers{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	l := newLocal(t)
	c := createRoom(t, l, remote.CreateSession{})
	got := make(chan string, 8)
	unsub, err := l.Subscribe(remote.Query{Path: remote.MessagesPath(c.ID)}, remote.Handlers{
		OnAdd: func(k string, _ []byte) { got <- k },
	})
	if err != nil {
		t.Fatal(err)
	}
	unsub()
	unsub()
	send(t, l, c.ID, "alice", "hi")
	select {
	case k := <-got:
		t.Fatalf("received %s after unsubscribe", k)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReactionsAreIdempotent(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	c := createRoom(t, l, remote.CreateSession{})
	m := send(t, l, c.ID, "alice", "hi")
	r := record(t, l, remote.Query{Path: remote.MessagesPath(c.ID)})

	for range 2 {
		if err := l.AddReaction(ctx, m.ID, c.ID, "alice", "🔥"); err != nil {
			t.Fatal(err)
		}
	}
	e := r.next(t)
	var pushed model.Message
	if err := json.Unmarshal(e.data, &pushed); err != nil {
		t.Fatal(err)
	}
	if e.op != remote.OpChange || !pushed.HasReaction("🔥", "alice") {
		t.Errorf("got %s %+v", e.op, pushed.Reactions)
	}
	r.quiet(t)

	if err := l.RemoveReaction(ctx, m.ID, c.ID, "alice", "👍"); err != nil {
		t.Fatal(err)
	}
	r.quiet(t)

	wantRejected(t, l.AddReaction(ctx, m.ID, c.ID, "mallory", "🔥"))
	wantRejected(t, l.AddReaction(ctx, "missing", c.ID, "alice", "🔥"))
}

func TestDeleteOnlyOwnMessages(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	c := createRoom(t, l, remote.CreateSession{InvitedIDs: []string{"bob"}})
	if _, err := l.Join(ctx, c.ID, "bob", ""); err != nil {
		t.Fatal(err)
	}
	m := send(t, l, c.ID, "alice", "hi")
	r := record(t, l, remote.Query{Path: remote.MessagesPath(c.ID)})

	wantRejected(t, l.Delete(ctx, m.ID, c.ID, "bob"))
	if err := l.Delete(ctx, m.ID, c.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if e := r.next(t); e.op != remote.OpRemove || e.key != m.ID {
		t.Errorf("got %s %s, want remove %s", e.op, e.key, m.ID)
	}
	wantRejected(t, l.Delete(ctx, m.ID, c.ID, "alice"))
}

func TestListPageUsesCursor(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	c := createRoom(t, l, remote.CreateSession{})
	var sent []*model.Message
	for _, body := range []string{"a", "b", "c"} {
		sent = append(sent, send(t, l, c.ID, "alice", body))
	}

	page, err := l.ListPage(ctx, c.ID, 2, remote.Cursor{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != sent[2].ID {
		t.Fatalf("first page = %v", page)
	}
	older, err := l.ListPage(ctx, c.ID, 2, remote.CursorOf(page[1]))
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 1 || older[0].ID != sent[0].ID {
		t.Errorf("older page = %v", older)
	}
}

func TestJoinRules(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	locked := createRoom(t, l, remote.CreateSession{})
	if _, err := l.SetLocked(ctx, locked.ID, "alice", true); err != nil {
		t.Fatal(err)
	}
	_, err := l.Join(ctx, locked.ID, "bob", "")
	wantRejected(t, err)

	coded := createRoom(t, l, remote.CreateSession{RequiresAccessCode: true, AccessCode: "1234"})
	_, err = l.Join(ctx, coded.ID, "bob", "0000")
	wantRejected(t, err)
	joined, err := l.Join(ctx, coded.ID, "bob", "1234")
	if err != nil {
		t.Fatal(err)
	}
	if !joined.IsParticipant("bob") {
		t.Error("bob should be a participant")
	}
	again, err := l.Join(ctx, coded.ID, "bob", "")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !again.IsParticipant("bob") {
		t.Error("rejoin should keep bob")
	}

	_, err = l.Create(ctx, remote.CreateSession{CreatorID: "alice", RequiresAccessCode: true})
	wantRejected(t, err)
}

func TestCreatorOnlyOperations(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	c := createRoom(t, l, remote.CreateSession{Title: "Old", InvitedIDs: []string{"bob", "alice"}})
	if c.Invited.Has("alice") {
		t.Error("creator must not be invited")
	}
	if _, err := l.Join(ctx, c.ID, "bob", ""); err != nil {
		t.Fatal(err)
	}

	title := "New"
	_, err := l.UpdateMetadata(ctx, c.ID, "bob", remote.SessionMetadata{Title: &title})
	wantRejected(t, err)
	_, err = l.SetLocked(ctx, c.ID, "bob", true)
	wantRejected(t, err)
	_, err = l.End(ctx, c.ID, "bob")
	wantRejected(t, err)
	_, err = l.Leave(ctx, c.ID, "alice")
	wantRejected(t, err)

	renamed, err := l.UpdateMetadata(ctx, c.ID, "alice", remote.SessionMetadata{Title: &title})
	if err != nil {
		t.Fatal(err)
	}
	if renamed.Title != "New" {
		t.Errorf("title = %q", renamed.Title)
	}
	blank := "  "
	_, err = l.UpdateMetadata(ctx, c.ID, "alice", remote.SessionMetadata{Title: &blank})
	wantRejected(t, err)

	left, err := l.Leave(ctx, c.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if left.IsParticipant("bob") {
		t.Error("bob should have left")
	}
	_, err = l.Leave(ctx, c.ID, "bob")
	wantRejected(t, err)

	if _, err := l.End(ctx, c.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	member, _, err := l.ListForUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(member) != 0 {
		t.Errorf("ended conversation still listed: %v", member)
	}
}

func TestInviteRules(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	c := createRoom(t, l, remote.CreateSession{})

	_, err := l.Invite(ctx, c.ID, "alice", "alice")
	wantRejected(t, err)
	_, err = l.Invite(ctx, c.ID, "mallory", "bob")
	wantRejected(t, err)

	got, err := l.Invite(ctx, c.ID, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsInvited("bob") {
		t.Error("bob should be invited")
	}
	_, invited, err := l.ListForUser(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(invited) != 1 || invited[0].ID != c.ID {
		t.Errorf("invited = %v", invited)
	}
}

func TestSessionSignals(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	r := record(t, l, remote.Query{Path: remote.SessionSignalPath("bob")})

	c := createRoom(t, l, remote.CreateSession{InvitedIDs: []string{"bob"}})
	e := r.next(t)
	var sig struct {
		At time.Time `json:"at"`
	}
	if err := json.Unmarshal(e.data, &sig); err != nil {
		t.Fatal(err)
	}
	if e.op != remote.OpChange || sig.At.IsZero() {
		t.Errorf("got %s %+v", e.op, sig)
	}

	if _, err := l.Join(ctx, c.ID, "bob", ""); err != nil {
		t.Fatal(err)
	}
	r.next(t)
	if _, err := l.Leave(ctx, c.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	// The leaver is still told.
	r.next(t)
}

func TestTypingPresence(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	p := model.TypingPresence{UserID: "alice", DisplayName: "Alice", StartedAt: time.UnixMilli(5)}
	if err := l.SetTyping(ctx, "c1", p, true); err != nil {
		t.Fatal(err)
	}

	r := record(t, l, remote.Query{Path: remote.TypingPath("c1")})
	e := r.next(t)
	if e.op != remote.OpAdd || e.key != "alice" {
		t.Fatalf("replay = %s %s", e.op, e.key)
	}

	if err := l.SetTyping(ctx, "c1", p, true); err != nil {
		t.Fatal(err)
	}
	if e := r.next(t); e.op != remote.OpChange {
		t.Errorf("refresh op = %s, want change", e.op)
	}
	if err := l.SetTyping(ctx, "c1", p, false); err != nil {
		t.Fatal(err)
	}
	if e := r.next(t); e.op != remote.OpRemove || e.key != "alice" {
		t.Errorf("got %s %s, want remove alice", e.op, e.key)
	}
	if err := l.SetTyping(ctx, "c1", p, false); err != nil {
		t.Fatal(err)
	}
	r.quiet(t)

	wantRejected(t, l.SetTyping(ctx, "c1", model.TypingPresence{}, true))
}

func TestIdentityRegistryAndLedger(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	if err := l.Register(ctx, model.Identity{ID: "alice", Handle: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Register(ctx, model.Identity{ID: "bob", Handle: "bob"}); err != nil {
		t.Fatal(err)
	}
	wantRejected(t, l.Register(ctx, model.Identity{ID: "imposter", Handle: "ALICE"}))

	rec, ok, err := l.GetIdentity(ctx, "alice")
	if err != nil || !ok || rec.DisplayName != "Alice" {
		t.Fatalf("GetIdentity = %+v %v %v", rec, ok, err)
	}
	if _, ok, _ := l.GetIdentity(ctx, "nobody"); ok {
		t.Error("unknown identity reported present")
	}

	c := createRoom(t, l, remote.CreateSession{InvitedIDs: []string{"bob"}})
	if _, err := l.Join(ctx, c.ID, "bob", ""); err != nil {
		t.Fatal(err)
	}
	send(t, l, c.ID, "alice", "one")
	send(t, l, c.ID, "alice", "two")

	ledger, err := l.Interactions(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(ledger) != 1 || ledger[0] != (model.Interaction{ToID: "bob", Count: 2}) {
		t.Errorf("ledger = %+v", ledger)
	}

	all, err := l.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("ListAll = %d records, want 2", len(all))
	}
}
