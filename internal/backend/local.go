// Package backend is the loopback remote: it implements every remote
// interface over the sqlite store and streams changes through the bus, so
// the sync layer runs end to end on a single machine.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

const subscriberBuffer = 256

// Change is the bus payload of a remote push event.
type Change struct {
	Op   remote.Op
	Key  string
	Data []byte
}

var (
	_ remote.MessageAPI     = (*Local)(nil)
	_ remote.SessionAPI     = (*Local)(nil)
	_ remote.TypingAPI      = (*Local)(nil)
	_ remote.IdentitySource = (*Local)(nil)
	_ remote.IdentityLookup = (*Local)(nil)
	_ remote.PushChannel    = (*Local)(nil)
)

// Local serializes every mutation so business rules are checked and
// applied atomically with respect to each other.
type Local struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	typing map[string]map[string]model.TypingPresence
}

// New creates a loopback backend over db. Push events travel on b.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		db:     db,
		bus:    b,
		logger: logger.Named("backend"),
		now:    time.Now,
		typing: make(map[string]map[string]model.TypingPresence),
	}
}

// Subscribe opens a stream over q.Path. Message streams with a positive
// limit first replay the most recent messages as adds; typing streams
// replay the current presences. Live events follow in publish order.
func (l *Local) Subscribe(q remote.Query, h remote.Handlers) (func(), error) {
	if !remote.ValidPath(q.Path) {
		return nil, fmt.Errorf("unknown push path %q", q.Path)
	}
	ch, unsub := l.bus.Subscribe(bus.RemoteNamespace(q.Path), subscriberBuffer)

	replay, err := l.replay(q)
	if err != nil {
		unsub()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for _, c := range replay {
			select {
			case <-done:
				return
			default:
			}
			h.Dispatch(c.Op, c.Key, c.Data)
		}
		for {
			select {
			case <-done:
				return
			case evt := <-ch:
				c, ok := evt.Payload.(Change)
				if !ok {
					continue
				}
				h.Dispatch(c.Op, c.Key, c.Data)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}, nil
}

func (l *Local) replay(q remote.Query) ([]Change, error) {
	if id, ok := strings.CutPrefix(q.Path, "messages/"); ok && q.Limit > 0 {
		msgs, err := l.db.ListMessages(context.Background(), id, q.Limit, time.Time{}, "")
		if err != nil {
			return nil, fmt.Errorf("replay messages: %w", err)
		}
		out := make([]Change, 0, len(msgs))
		for i := len(msgs) - 1; i >= 0; i-- {
			data, err := json.Marshal(msgs[i])
			if err != nil {
				return nil, err
			}
			out = append(out, Change{Op: remote.OpAdd, Key: msgs[i].ID, Data: data})
		}
		return out, nil
	}
	if id, ok := strings.CutPrefix(q.Path, "typing/"); ok {
		l.mu.Lock()
		defer l.mu.Unlock()
		var out []Change
		for userID, p := range l.typing[id] {
			data, err := json.Marshal(p)
			if err != nil {
				return nil, err
			}
			out = append(out, Change{Op: remote.OpAdd, Key: userID, Data: data})
		}
		return out, nil
	}
	return nil, nil
}

// publish emits one change on path. Callers hold l.mu so events of
// concurrent mutations keep their commit order.
func (l *Local) publish(path string, op remote.Op, key string, v any) {
	var data []byte
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			l.logger.Error("encode push payload", zap.String("path", path), zap.Error(err))
			return
		}
		data = b
	}
	l.bus.Emit(bus.RemoteKind(path, string(op)), Change{Op: op, Key: key, Data: data})
}

type signal struct {
	At time.Time `json:"at"`
}

// signalUsers hints every member and invitee of c that their session list changed.
func (l *Local) signalUsers(c *model.Conversation, extra ...string) {
	users := c.Participants.Clone()
	for id := range c.Invited {
		users[id] = struct{}{}
	}
	users[c.CreatorID] = struct{}{}
	for _, id := range extra {
		users[id] = struct{}{}
	}
	sig := signal{At: l.now()}
	for _, id := range users.Sorted() {
		l.publish(remote.SessionSignalPath(id), remote.OpChange, "signal", sig)
	}
}
