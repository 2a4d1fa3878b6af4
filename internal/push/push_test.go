package push

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

type harness struct {
	bus    *bus.Bus
	local  *backend.Local
	server *Server
	http   *httptest.Server
}

func newHarness(t *testing.T, opts ServerOptions) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	local := backend.New(db, b, nil)
	srv := NewServer(local, local, opts, nil)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
		_ = db.Close()
	})
	return &harness{bus: b, local: local, server: srv, http: hs}
}

func (h *harness) url() string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http")
}

func (h *harness) client(t *testing.T, opts ClientOptions) (*Client, *bus.Bus) {
	t.Helper()
	opts.URL = h.url()
	if opts.ReconnectBaseDelay == 0 {
		opts.ReconnectBaseDelay = 10 * time.Millisecond
		opts.ReconnectMaxDelay = 50 * time.Millisecond
	}
	b := bus.New()
	c := NewClient(opts, b, nil)
	c.Start(context.Background())
	t.Cleanup(c.Close)
	return c, b
}

func waitState(t *testing.T, c *Client, want status.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func subscribeKeys(t *testing.T, c *Client, q remote.Query) <-chan string {
	t.Helper()
	keys := make(chan string, 32)
	unsub, err := c.Subscribe(q, remote.Handlers{
		OnAdd:    func(k string, _ []byte) { keys <- "add:" + k },
		OnChange: func(k string, _ []byte) { keys <- "change:" + k },
		OnRemove: func(k string) { keys <- "remove:" + k },
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(unsub)
	return keys
}

func nextKey(t *testing.T, keys <-chan string) string {
	t.Helper()
	select {
	case k := <-keys:
		return k
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for push event")
		return ""
	}
}

func createRoom(t *testing.T, l *backend.Local) *model.Conversation {
	t.Helper()
	c, err := l.Create(context.Background(), remote.CreateSession{CreatorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClientReceivesEvents(t *testing.T) {
	h := newHarness(t, ServerOptions{})
	client, _ := h.client(t, ClientOptions{})
	conv := createRoom(t, h.local)

	existing, err := h.local.Send(context.Background(), remote.SendRequest{ConversationID: conv.ID, SenderID: "alice", Body: "first"})
	if err != nil {
		t.Fatal(err)
	}
	keys := subscribeKeys(t, client, remote.Query{Path: remote.MessagesPath(conv.ID), Limit: 10})
	if got := nextKey(t, keys); got != "add:"+existing.ID {
		t.Fatalf("replay = %s, want add:%s", got, existing.ID)
	}

	m, err := h.local.Send(context.Background(), remote.SendRequest{ConversationID: conv.ID, SenderID: "alice", Body: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if got := nextKey(t, keys); got != "add:"+m.ID {
		t.Errorf("live = %s, want add:%s", got, m.ID)
	}
	if err := h.local.Delete(context.Background(), m.ID, conv.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if got := nextKey(t, keys); got != "remove:"+m.ID {
		t.Errorf("got %s, want remove:%s", got, m.ID)
	}
}

func TestQuickUnsubscribeLeavesNothingOnServer(t *testing.T) {
	h := newHarness(t, ServerOptions{})
	client, _ := h.client(t, ClientOptions{})
	waitState(t, client, status.Connected)
	conv := createRoom(t, h.local)
	existing, err := h.local.Send(context.Background(), remote.SendRequest{ConversationID: conv.ID, SenderID: "alice", Body: "first"})
	if err != nil {
		t.Fatal(err)
	}
	base := h.bus.Subscribers()

	path := remote.MessagesPath(conv.ID)
	for range 50 {
		unsub, err := client.Subscribe(remote.Query{Path: path}, remote.Handlers{})
		if err != nil {
			t.Fatal(err)
		}
		unsub()
	}

	// The server handles frames in order, so once this replay arrives every
	// earlier frame has been applied.
	keys := subscribeKeys(t, client, remote.Query{Path: path, Limit: 1})
	if got := nextKey(t, keys); got != "add:"+existing.ID {
		t.Fatalf("replay = %s, want add:%s", got, existing.ID)
	}
	if got := h.bus.Subscribers(); got != base+1 {
		t.Errorf("server subscriptions = %d, want %d", got, base+1)
	}
}

func TestClientResubscribesAfterDrop(t *testing.T) {
	h := newHarness(t, ServerOptions{})
	client, _ := h.client(t, ClientOptions{})
	conv := createRoom(t, h.local)
	m, err := h.local.Send(context.Background(), remote.SendRequest{ConversationID: conv.ID, SenderID: "alice", Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	waitState(t, client, status.Connected)
	keys := subscribeKeys(t, client, remote.Query{Path: remote.MessagesPath(conv.ID), Limit: 5})
	if got := nextKey(t, keys); got != "add:"+m.ID {
		t.Fatalf("replay = %s", got)
	}

	h.server.dropAll(4000, "test drop")

	// The bounded stream replays its window once resubscribed.
	if got := nextKey(t, keys); got != "add:"+m.ID {
		t.Errorf("replay after reconnect = %s, want add:%s", got, m.ID)
	}
	waitState(t, client, status.Connected)
}

func TestClientTypingRoundTrip(t *testing.T) {
	h := newHarness(t, ServerOptions{})
	client, _ := h.client(t, ClientOptions{})
	waitState(t, client, status.Connected)

	got := make(chan string, 4)
	unsub, err := h.local.Subscribe(remote.Query{Path: remote.TypingPath("c1")}, remote.Handlers{
		OnAdd:    func(k string, _ []byte) { got <- "add:" + k },
		OnRemove: func(k string) { got <- "remove:" + k },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p := model.TypingPresence{UserID: "bob", DisplayName: "Bob", StartedAt: time.Now()}
	if err := client.SetTyping(ctx, "c1", p, true); err != nil {
		t.Fatal(err)
	}
	if k := nextKey(t, got); k != "add:bob" {
		t.Errorf("got %s, want add:bob", k)
	}
	if err := client.SetTyping(ctx, "c1", p, false); err != nil {
		t.Fatal(err)
	}
	if k := nextKey(t, got); k != "remove:bob" {
		t.Errorf("got %s, want remove:bob", k)
	}

	// Rejections from the typing API come back typed.
	err = client.SetTyping(ctx, "c1", model.TypingPresence{}, true)
	if !errs.Is(err, errs.RemoteRejected) {
		t.Errorf("err = %v, want remote_rejected", err)
	}
}

func TestServerTypingRateLimit(t *testing.T) {
	h := newHarness(t, ServerOptions{TypingRate: 0.001, TypingBurst: 1})
	client, _ := h.client(t, ClientOptions{TypingRate: 1000, TypingBurst: 10})
	waitState(t, client, status.Connected)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p := model.TypingPresence{UserID: "bob"}
	if err := client.SetTyping(ctx, "c1", p, true); err != nil {
		t.Fatal(err)
	}
	err := client.SetTyping(ctx, "c1", p, false)
	if !errs.Is(err, errs.RemoteRejected) || !strings.Contains(errs.Reason(err), "rate") {
		t.Errorf("err = %v, want rate rejection", err)
	}
}

func TestTypingWhileDisconnected(t *testing.T) {
	c := NewClient(ClientOptions{URL: "ws://127.0.0.1:1"}, nil, nil)
	err := c.SetTyping(context.Background(), "c1", model.TypingPresence{UserID: "bob"}, true)
	if err != ErrNotConnected {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	c.Close()
	if c.State() != status.Closed {
		t.Errorf("state = %s, want CLOSED", c.State())
	}
}

func TestServerRequiresToken(t *testing.T) {
	h := newHarness(t, ServerOptions{Token: "s3cret"})

	bad, b := h.client(t, ClientOptions{Token: "wrong"})
	states, unsub := b.Subscribe("push.", 16)
	defer unsub()
	deadline := time.After(3 * time.Second)
	for reconnecting := false; !reconnecting; {
		select {
		case evt := <-states:
			if change, ok := evt.Payload.(status.StatusChange); ok && change.To == status.Reconnecting {
				reconnecting = true
			}
		case <-deadline:
			t.Fatalf("bad token never failed, state %s", bad.State())
		}
	}

	good, _ := h.client(t, ClientOptions{Token: "s3cret"})
	waitState(t, good, status.Connected)
}

func TestSubscribeRejectsUnknownPath(t *testing.T) {
	c := NewClient(ClientOptions{URL: "ws://127.0.0.1:1"}, nil, nil)
	if _, err := c.Subscribe(remote.Query{Path: "nope"}, remote.Handlers{}); err == nil {
		t.Error("expected error for unknown path")
	}
}
