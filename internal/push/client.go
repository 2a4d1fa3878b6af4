package push

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrNotConnected is returned by writes issued while the connection is down.
var ErrNotConnected = errors.New("push channel is not connected")

var (
	_ remote.PushChannel = (*Client)(nil)
	_ remote.TypingAPI   = (*Client)(nil)
)

// ClientOptions configures a Client.
type ClientOptions struct {
	URL   string
	Token string

	// TypingRate bounds outgoing typing writes, in writes per second.
	TypingRate  float64
	TypingBurst int

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	HTTPClient         *http.Client
}

func (o *ClientOptions) defaults() {
	if o.TypingRate <= 0 {
		o.TypingRate = 2
	}
	if o.TypingBurst <= 0 {
		o.TypingBurst = 4
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
}

type clientSub struct {
	query    remote.Query
	handlers remote.Handlers
}

// Client is a remote.PushChannel and remote.TypingAPI over a websocket.
// Subscriptions outlive connections: every open stream is resubscribed
// after a reconnect, so bounded streams replay their window.
type Client struct {
	opts    ClientOptions
	logger  *zap.Logger
	state   *status.Machine
	limiter *rate.Limiter

	mu      sync.Mutex
	conn    *websocket.Conn
	control *controlQueue
	subs    map[string]*clientSub
	pending map[string]chan error
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClient creates a client. Call Start to connect. State changes are
// published on b.
func NewClient(opts ClientOptions, b *bus.Bus, logger *zap.Logger) *Client {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:    opts,
		logger:  logger.Named("push-client"),
		state:   status.NewMachine(b),
		limiter: rate.NewLimiter(rate.Limit(opts.TypingRate), opts.TypingBurst),
		subs:    make(map[string]*clientSub),
		pending: make(map[string]chan error),
	}
}

// State returns the connection state.
func (c *Client) State() status.State { return c.state.Current() }

// Start runs the connection loop until Close. Calling it twice is a no-op.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Close stops the connection loop and waits for it to exit.
func (c *Client) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		c.transition(status.Closed)
		return
	}
	cancel()
	<-done
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.transition(status.Closed)

	attempt := 0
	for {
		c.transition(status.Connecting)
		conn, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			c.transition(status.Connected)
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			c.logger.Warn("push connect failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}

		c.transition(status.Reconnecting)
		delay := c.backoff(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, c.opts.URL, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// backoff is exponential with jitter, capped at the max delay.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.opts.ReconnectBaseDelay << min(attempt, 16)
	if delay <= 0 || delay > c.opts.ReconnectMaxDelay {
		delay = c.opts.ReconnectMaxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(c.opts.ReconnectBaseDelay)/2 + 1))
	return min(delay+jitter, c.opts.ReconnectMaxDelay)
}

// serve attaches conn, resubscribes every stream and reads until the
// connection fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := newControlQueue()
	c.mu.Lock()
	c.conn = conn
	c.control = q
	for id, s := range c.subs {
		q.push(frame{Type: frameSubscribe, ID: id, Path: s.query.Path, Limit: s.query.Limit})
	}
	c.mu.Unlock()

	go func() {
		if err := q.run(ctx, func(f frame) error { return c.write(ctx, conn, f) }); err != nil {
			c.logger.Warn("push control write failed", zap.Error(err))
			_ = conn.Close(websocket.StatusInternalError, "write failed")
		}
	}()

	defer func() {
		cancel()
		c.mu.Lock()
		c.conn = nil
		c.control = nil
		pending := c.pending
		c.pending = make(map[string]chan error)
		c.mu.Unlock()
		for _, ch := range pending {
			ch <- errors.New("push connection lost")
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if ctx.Err() == nil {
				c.logger.Info("push connection dropped", zap.Error(err))
			}
			return
		}
		c.handle(f)
	}
}

func (c *Client) handle(f frame) {
	switch f.Type {
	case frameEvent:
		c.mu.Lock()
		s := c.subs[f.ID]
		c.mu.Unlock()
		if s != nil {
			s.handlers.Dispatch(f.Op, f.Key, f.Data)
		}
	case frameAck:
		c.mu.Lock()
		ch := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ch == nil {
			return
		}
		if f.Error != "" {
			ch <- errs.Rejected("push.typing", f.Error)
			return
		}
		ch <- nil
	case frameError:
		c.logger.Warn("push server error", zap.String("id", f.ID), zap.String("error", f.Error))
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, f frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}

// Subscribe registers a stream. It is sent immediately when connected and
// again after every reconnect. Subscribe and unsubscribe frames reach the
// server in the order they were issued.
func (c *Client) Subscribe(q remote.Query, h remote.Handlers) (func(), error) {
	if !remote.ValidPath(q.Path) {
		return nil, fmt.Errorf("unknown push path %q", q.Path)
	}
	id := uuid.NewString()

	c.mu.Lock()
	c.subs[id] = &clientSub{query: q, handlers: h}
	if c.control != nil {
		c.control.push(frame{Type: frameSubscribe, ID: id, Path: q.Path, Limit: q.Limit})
	}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			if c.control != nil {
				c.control.push(frame{Type: frameUnsubscribe, ID: id})
			}
			c.mu.Unlock()
		})
	}, nil
}

// controlQueue is an unbounded FIFO of subscription frames for one
// connection, drained by a single writer.
type controlQueue struct {
	mu     sync.Mutex
	frames []frame
	wake   chan struct{}
}

func newControlQueue() *controlQueue {
	return &controlQueue{wake: make(chan struct{}, 1)}
}

func (q *controlQueue) push(f frame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run writes queued frames in order until ctx ends or a write fails.
func (q *controlQueue) run(ctx context.Context, write func(frame) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
		q.mu.Lock()
		batch := q.frames
		q.frames = nil
		q.mu.Unlock()
		for _, f := range batch {
			if err := write(f); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("write %s frame: %w", f.Type, err)
			}
		}
	}
}

// SetTyping writes the typing state and waits for the server's ack.
func (c *Client) SetTyping(ctx context.Context, conversationID string, p model.TypingPresence, typing bool) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	id := uuid.NewString()
	ch := make(chan error, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, conn, frame{Type: frameTyping, ID: id, ConversationID: conversationID, Presence: &p, Typing: typing}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) transition(to status.State) {
	if c.state.Current() == to {
		return
	}
	if err := c.state.Transition(to); err != nil {
		c.logger.Debug("push state", zap.Error(err))
	}
}
