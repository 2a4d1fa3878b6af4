package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Endpoints are the optional HTTP listeners: the websocket push bridge
// on push.listen and the prometheus scrape endpoint on metrics_addr. Both
// may share one address.
type Endpoints struct {
	bridge  *push.Server
	servers map[string]*http.Server
	bound   map[string]string
	logger  *zap.Logger
}

func provideEndpoints(cfg *config.Profile, local *backend.Local, reg *prometheus.Registry, logger *zap.Logger) *Endpoints {
	e := &Endpoints{
		servers: make(map[string]*http.Server),
		bound:   make(map[string]string),
		logger:  logger,
	}
	mux := func(addr string) *http.ServeMux {
		if srv, ok := e.servers[addr]; ok {
			return srv.Handler.(*http.ServeMux)
		}
		m := http.NewServeMux()
		e.servers[addr] = &http.Server{Handler: m, ReadHeaderTimeout: 10 * time.Second}
		return m
	}

	if addr := cfg.Push.Listen; addr != "" {
		e.bridge = push.NewServer(local, local, pushServerOptions(cfg), logger)
		mux(addr).Handle("/push", e.bridge)
	}
	if addr := cfg.MetricsAddr; addr != "" {
		mux(addr).Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	return e
}

// Start binds every listener. Serving continues in the background.
func (e *Endpoints) Start() error {
	for addr, srv := range e.servers {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		e.bound[addr] = lis.Addr().String()
		e.logger.Info("http endpoint listening", zap.String("addr", lis.Addr().String()))
		go func() {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("http endpoint error", zap.String("addr", addr), zap.Error(err))
			}
		}()
	}
	return nil
}

// Addr returns the bound address of the listener configured as addr.
func (e *Endpoints) Addr(addr string) string {
	return e.bound[addr]
}

// Stop disconnects bridge clients and shuts the listeners down.
func (e *Endpoints) Stop(ctx context.Context) {
	if e.bridge != nil {
		e.bridge.Close()
	}
	for addr, srv := range e.servers {
		if err := srv.Shutdown(ctx); err != nil {
			e.logger.Warn("http endpoint shutdown", zap.String("addr", addr), zap.Error(err))
		}
	}
}
