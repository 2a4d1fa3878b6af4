package push

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	writeTimeout = 5 * time.Second
	outboxSize   = 256
	readLimit    = 1 << 20
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Token, when set, must be presented as a bearer token.
	Token string
	// TypingRate bounds typing writes per connection, in writes per second.
	TypingRate  float64
	TypingBurst int
}

// Server bridges websocket clients to a push channel and a typing API.
type Server struct {
	push   remote.PushChannel
	typing remote.TypingAPI
	opts   ServerOptions
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	conns  map[*websocket.Conn]struct{}
}

// NewServer creates a bridge. typing may be nil, in which case typing
// frames are rejected.
func NewServer(push remote.PushChannel, typing remote.TypingAPI, opts ServerOptions, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TypingRate <= 0 {
		opts.TypingRate = 2
	}
	if opts.TypingBurst <= 0 {
		opts.TypingBurst = 4
	}
	return &Server{
		push:   push,
		typing: typing,
		opts:   opts,
		logger: logger.Named("push-server"),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Token)) == 1
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	conn.SetReadLimit(readLimit)

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	(&session{server: s, conn: conn}).serve(r.Context())
}

// Close disconnects every client and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.dropAll(websocket.StatusGoingAway, "server shutting down")
}

func (s *Server) dropAll(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(code, reason)
	}
}

// session is one client connection.
type session struct {
	server  *Server
	conn    *websocket.Conn
	out     chan frame
	subs    map[string]func()
	limiter *rate.Limiter
}

func (ss *session) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ss.out = make(chan frame, outboxSize)
	ss.subs = make(map[string]func())
	ss.limiter = rate.NewLimiter(rate.Limit(ss.server.opts.TypingRate), ss.server.opts.TypingBurst)
	defer func() {
		for _, unsub := range ss.subs {
			unsub()
		}
	}()

	go ss.writeLoop(ctx, cancel)

	for {
		var f frame
		if err := wsjson.Read(ctx, ss.conn, &f); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				ss.server.logger.Debug("push connection read failed", zap.Error(err))
			}
			return
		}
		switch f.Type {
		case frameSubscribe:
			ss.subscribe(ctx, f)
		case frameUnsubscribe:
			if unsub, ok := ss.subs[f.ID]; ok {
				unsub()
				delete(ss.subs, f.ID)
			}
		case frameTyping:
			go ss.writeTyping(ctx, f)
		default:
			ss.enqueue(ctx, frame{Type: frameError, ID: f.ID, Error: "unknown frame type " + f.Type})
		}
	}
}

func (ss *session) subscribe(ctx context.Context, f frame) {
	if old, ok := ss.subs[f.ID]; ok {
		old()
	}
	id := f.ID
	unsub, err := ss.server.push.Subscribe(remote.Query{Path: f.Path, Limit: f.Limit}, remote.Handlers{
		OnAdd: func(key string, payload []byte) {
			ss.enqueue(ctx, frame{Type: frameEvent, ID: id, Op: remote.OpAdd, Key: key, Data: payload})
		},
		OnChange: func(key string, payload []byte) {
			ss.enqueue(ctx, frame{Type: frameEvent, ID: id, Op: remote.OpChange, Key: key, Data: payload})
		},
		OnRemove: func(key string) {
			ss.enqueue(ctx, frame{Type: frameEvent, ID: id, Op: remote.OpRemove, Key: key})
		},
	})
	if err != nil {
		delete(ss.subs, id)
		ss.enqueue(ctx, frame{Type: frameError, ID: id, Error: err.Error()})
		return
	}
	ss.subs[id] = unsub
}

func (ss *session) writeTyping(ctx context.Context, f frame) {
	ack := frame{Type: frameAck, ID: f.ID}
	switch {
	case ss.server.typing == nil:
		ack.Error = "typing is not supported"
	case f.Presence == nil:
		ack.Error = "typing frame without presence"
	case !ss.limiter.Allow():
		ack.Error = "typing rate exceeded"
	default:
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := ss.server.typing.SetTyping(wctx, f.ConversationID, *f.Presence, f.Typing)
		cancel()
		if err != nil {
			ack.Error = errs.Reason(err)
		}
	}
	ss.enqueue(ctx, ack)
}

func (ss *session) enqueue(ctx context.Context, f frame) {
	select {
	case ss.out <- f:
	case <-ctx.Done():
	}
}

func (ss *session) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-ss.out:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, ss.conn, f)
			wcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}
