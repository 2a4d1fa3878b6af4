package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/sessions"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideRegistry,
			provideMetrics,
			provideLock,
			provideStore,
			provideBackend,
			provideChannels,
			provideIdentity,
			provideSessions,
			provideConversations,
			provideMux,
			NewServer,
			provideEndpoints,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Profile, error) {
	return config.LoadProfile(profile.ConfigPath(p.ProfileName))
}

func provideLogger(p Params) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if p.Debug {
		level = zapcore.DebugLevel
	}
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(db *store.DB, b *bus.Bus, logger *zap.Logger) *backend.Local {
	return backend.New(db, b, logger)
}

// channels is the push side the sync layer consumes: the websocket client
// when a push url is configured, the loopback backend otherwise.
type channels struct {
	push   remote.PushChannel
	typing remote.TypingAPI
	client *push.Client
}

func (c *channels) state() string {
	if c.client == nil {
		return "LOOPBACK"
	}
	return string(c.client.State())
}

func provideChannels(cfg *config.Profile, local *backend.Local, b *bus.Bus, logger *zap.Logger) *channels {
	if cfg.Push.URL == "" {
		return &channels{push: local, typing: local}
	}
	logger.Info("using remote push channel", zap.String("url", cfg.Push.URL))
	client := push.NewClient(pushClientOptions(cfg), b, logger)
	return &channels{push: client, typing: client, client: client}
}

func provideIdentity(cfg *config.Profile, local *backend.Local, m *metrics.Metrics, b *bus.Bus, logger *zap.Logger) *identity.Cache {
	return identity.New(local, identityOptions(cfg), m, b, logger)
}

func provideSessions(cfg *config.Profile, local *backend.Local, ch *channels, m *metrics.Metrics, b *bus.Bus, logger *zap.Logger) *sessions.Synchronizer {
	return sessions.New(local, ch.push, sessionOptions(cfg), m, b, logger)
}

func provideConversations(cfg *config.Profile, local *backend.Local, ch *channels, m *metrics.Metrics, b *bus.Bus, logger *zap.Logger) *Conversations {
	return NewConversations(local, ch.push, ch.typing, messageOptions(cfg), m, b, logger)
}

// registerSelf makes the configured user visible in the identity registry.
func registerSelf(ctx context.Context, cfg *config.Profile, local *backend.Local) error {
	now := time.Now()
	return local.Register(ctx, model.Identity{
		ID:          cfg.UserID,
		Handle:      cfg.UserID,
		DisplayName: cfg.DisplayName,
		AvatarRef:   cfg.AvatarRef,
		CreatedAt:   now,
		LastSeen:    now,
	})
}

type lifecycleParams struct {
	fx.In

	Config        *config.Profile
	Server        *Server
	Endpoints     *Endpoints
	Lock          *lock.Lock
	DB            *store.DB
	Local         *backend.Local
	Channels      *channels
	Sessions      *sessions.Synchronizer
	Identities    *identity.Cache
	Conversations *Conversations
	Logger        *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	logger := p.Logger
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if p.Config.UserID != "" {
				if err := registerSelf(ctx, p.Config, p.Local); err != nil {
					logger.Warn("could not register user identity", zap.Error(err))
				}
			} else {
				logger.Warn("no user_id configured, sessions will not sync")
			}

			if p.Channels.client != nil {
				p.Channels.client.Start(context.Background())
			}

			if err := p.Endpoints.Start(); err != nil {
				return err
			}

			// Start gRPC server in background.
			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go func() {
				if err := p.Sessions.Start(context.Background()); err != nil {
					logger.Warn("initial session refresh failed", zap.Error(err))
				}
				if err := p.Identities.Reload(context.Background()); err != nil {
					logger.Warn("initial identity load failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Server.Stop(ctx)
			p.Endpoints.Stop(ctx)
			p.Conversations.Close()
			p.Sessions.Close()
			if p.Channels.client != nil {
				p.Channels.client.Close()
			}
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
