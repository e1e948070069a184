package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/api"
	"github.com/matheus3301/convo/internal/backend"
	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/cache"
	"github.com/matheus3301/convo/internal/config"
	"github.com/matheus3301/convo/internal/conversation"
	"github.com/matheus3301/convo/internal/env"
	"github.com/matheus3301/convo/internal/kv"
	"github.com/matheus3301/convo/internal/lock"
	"github.com/matheus3301/convo/internal/logging"
	"github.com/matheus3301/convo/internal/metrics"
	"github.com/matheus3301/convo/internal/realtime"
	"github.com/matheus3301/convo/internal/session"
	"github.com/matheus3301/convo/internal/status"
	"github.com/matheus3301/convo/internal/store"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	// Config overrides ~/.convo/config.toml when set.
	Config *config.Config
	// Logger overrides the session log file when set.
	Logger *zap.Logger
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideKV,
			provideHost,
			provideCache,
			provideAuth,
			provideRealtime,
			provideController,
			provideHandler,
			provideHTTPServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two
// daemons.
func provideStore(p Params, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
	db, err := store.Open(dbPath, b)
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

func provideKV(p Params, cfg *config.Config, db *store.DB, lc fx.Lifecycle, logger *zap.Logger) kv.Store {
	if cfg.Cache.RedisAddr == "" {
		logger.Info("cache store: session database", zap.Int64("quota", cfg.Cache.Quota))
		return store.NewKV(db, cfg.Cache.Quota)
	}
	r := kv.NewRedis(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, "session:"+p.SessionName+":")
	lc.Append(fx.StopHook(r.Close))
	logger.Info("cache store: redis", zap.String("addr", cfg.Cache.RedisAddr))
	return r
}

func provideHost(m *status.Machine, s kv.Store, logger *zap.Logger) *env.Host {
	return env.NewHost(m, s, logger.Named("env"))
}

func provideCache(cfg *config.Config, s kv.Store, logger *zap.Logger) *cache.Manager {
	return cache.New(context.Background(), s, cache.Options{
		TTL:        cfg.Cache.TTL.Duration,
		Ceiling:    cfg.Cache.Ceiling,
		EvictAfter: cfg.Cache.EvictAfter.Duration,
		QueueCap:   cfg.Cache.QueueCap,
		PageSize:   cfg.Cache.PageSize,
		MaxRetries: cfg.Cache.MaxRetries,
	}, logger.Named("cache"))
}

func provideAuth(cfg *config.Config) backend.Auth {
	return backend.StaticAuth(cfg.ActorID)
}

func provideRealtime(cfg *config.Config, db *store.DB, c *cache.Manager, h *env.Host, auth backend.Auth, logger *zap.Logger) *realtime.Client {
	return realtime.New(db, c, h, auth, realtime.Options{
		TypingTimeout: cfg.Realtime.TypingTimeout.Duration,
		PageSize:      cfg.Cache.PageSize,
		MaxRetries:    cfg.Cache.MaxRetries,
	}, logger.Named("realtime"))
}

func provideController(cfg *config.Config, rt *realtime.Client, c *cache.Manager, db *store.DB, h *env.Host, auth backend.Auth, logger *zap.Logger) *conversation.Controller {
	return conversation.New(rt, c, db, h, auth, conversation.Options{
		ReadDelay:        cfg.UI.ReadDelay.Duration,
		TypingExpiry:     cfg.UI.TypingExpiry.Duration,
		MaxManualRetries: cfg.UI.MaxManualRetries,
		ContactRole:      cfg.ContactRole,
	}, logger.Named("conversation"))
}

func provideHandler(p Params, ctrl *conversation.Controller, c *cache.Manager, db *store.DB, h *env.Host, logger *zap.Logger) *api.Handler {
	return api.NewHandler(p.SessionName, ctrl, c, db, h, logger.Named("api"))
}

func provideHTTPServer(cfg *config.Config, h *api.Handler, logger *zap.Logger) (*api.Server, error) {
	return api.NewServer(cfg.HTTPAddr, h, logger)
}

// probe returns the connectivity check: a GET against the configured URL,
// or nil when connectivity is left to the operator.
func probe(cfg *config.Config) func(context.Context) error {
	if cfg.Probe.URL == "" {
		return nil
	}
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Probe.URL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("probe %s: status %d", cfg.Probe.URL, resp.StatusCode)
		}
		return nil
	}
}

type lifecycleParams struct {
	fx.In

	LC       fx.Lifecycle
	Config   *config.Config
	GRPC     *Server
	HTTP     *api.Server
	Lock     *lock.Lock
	DB       *store.DB
	Host     *env.Host
	Cache    *cache.Manager
	Realtime *realtime.Client
	Ctrl     *conversation.Controller
	Logger   *zap.Logger
}

func registerLifecycle(p lifecycleParams) {
	ctx, cancel := context.WithCancel(context.Background())
	var offHealth func()

	p.LC.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return err
			}
			if !p.Cache.Available() {
				p.Logger.Warn("cache store unavailable, running without a cache")
			}

			offHealth = p.Host.OnConnectivityChange(p.GRPC.SetOnline)
			p.Realtime.Start()
			p.Ctrl.Start()

			go func() {
				if err := p.GRPC.Start(); err != nil {
					p.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			go func() {
				if err := p.HTTP.Start(); err != nil {
					p.Logger.Error("HTTP server error", zap.Error(err))
				}
			}()
			if err := p.Lock.Advertise(p.HTTP.Addr()); err != nil {
				p.Logger.Warn("could not record HTTP address", zap.Error(err))
			}

			if check := probe(p.Config); check != nil {
				every := p.Config.Probe.Interval.Duration
				if every <= 0 {
					every = 15 * time.Second
				}
				go p.Host.Watch(ctx, clockwork.NewRealClock(), every, func(ctx context.Context) error {
					err := check(ctx)
					if err == nil {
						_ = p.Host.SetDegraded(p.Cache.Degraded())
					}
					return err
				})
			} else if err := p.Host.SetOnline(true); err != nil {
				return err
			}

			go func() {
				if err := p.Ctrl.LoadContacts(ctx); err != nil {
					p.Logger.Warn("initial contact load failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if offHealth != nil {
				offHealth()
			}
			p.HTTP.Stop(stopCtx)
			p.Ctrl.Close()
			p.Realtime.Close()
			p.GRPC.Stop(stopCtx)
			if err := p.DB.Close(); err != nil {
				p.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				p.Logger.Warn("error releasing lock", zap.Error(err))
			}
			p.Logger.Info("daemon stopped")
			return nil
		},
	})
}
