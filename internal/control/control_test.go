package control

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/errs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func serve(t *testing.T, mux *Mux) *Client {
	t.Helper()
	// Short path to stay under the unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "chatsync-ctl-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "c.sock")

	lis, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	mux.Register(srv)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial(sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCallRoundTrip(t *testing.T) {
	mux := NewMux(nil)
	mux.Handle(MethodSend, func(_ context.Context, args Args) (map[string]any, error) {
		tags := make([]any, 0)
		for _, s := range args.Strings("tags") {
			tags = append(tags, s)
		}
		return map[string]any{
			"text":    args.String("text"),
			"limit":   args.Int("limit", 7),
			"missing": args.Int("nope", 7),
			"urgent":  args.Bool("urgent"),
			"tags":    tags,
		}, nil
	})
	c := serve(t, mux)

	got, err := c.Call(callCtx(t), MethodSend, map[string]any{
		"text":   "hello",
		"limit":  3,
		"urgent": true,
		"tags":   []any{"a", "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got["text"] != "hello" {
		t.Errorf("text = %v, want hello", got["text"])
	}
	if got["limit"] != float64(3) {
		t.Errorf("limit = %v, want 3", got["limit"])
	}
	if got["missing"] != float64(7) {
		t.Errorf("missing = %v, want default 7", got["missing"])
	}
	if got["urgent"] != true {
		t.Errorf("urgent = %v, want true", got["urgent"])
	}
	if tags, _ := got["tags"].([]any); len(tags) != 2 || tags[1] != "b" {
		t.Errorf("tags = %v, want [a b]", got["tags"])
	}
}

func TestErrorKindsSurviveTheWire(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind errs.Kind
	}{
		{"rejected", errs.Rejected("backend.join", "conversation is locked"), errs.RemoteRejected},
		{"invalid", errs.New(errs.InvalidInput, "messages.send", "message is empty"), errs.InvalidInput},
		{"auth", errs.New(errs.AuthRequired, "sessions.start", "sign in"), errs.AuthRequired},
		{"notfound", errs.New(errs.NotFound, "ctl", "unknown conversation"), errs.NotFound},
		{"transport", errs.New(errs.TransportFailure, "push", "connection lost"), errs.TransportFailure},
	}
	mux := NewMux(nil)
	for _, tt := range tests {
		err := tt.err
		mux.Handle(tt.name, func(context.Context, Args) (map[string]any, error) { return nil, err })
	}
	c := serve(t, mux)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Call(callCtx(t), tt.name, nil)
			if !errs.Is(err, tt.kind) {
				t.Fatalf("err = %v, want kind %s", err, tt.kind)
			}
			if got, want := errs.Reason(err), errs.Reason(tt.err); got != want {
				t.Errorf("reason = %q, want %q", got, want)
			}
		})
	}
}

func TestUnknownMethod(t *testing.T) {
	c := serve(t, NewMux(nil))
	if _, err := c.Call(callCtx(t), MethodWho, nil); err == nil {
		t.Error("expected error for unregistered method")
	}
}

func TestNilResponseIsEmpty(t *testing.T) {
	mux := NewMux(nil)
	mux.Handle(MethodRefresh, func(context.Context, Args) (map[string]any, error) { return nil, nil })
	c := serve(t, mux)

	got, err := c.Call(callCtx(t), MethodRefresh, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestHealth(t *testing.T) {
	c := serve(t, NewMux(nil))
	st, err := c.Health(callCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if st != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %s, want SERVING", st)
	}
}
