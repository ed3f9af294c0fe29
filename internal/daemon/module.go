// Package daemon composes the sync daemon out of its parts with fx and
// owns startup and shutdown ordering.
package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/bluedesk/internal/attach"
	"github.com/matheus3301/bluedesk/internal/bus"
	"github.com/matheus3301/bluedesk/internal/cache"
	"github.com/matheus3301/bluedesk/internal/config"
	"github.com/matheus3301/bluedesk/internal/lock"
	"github.com/matheus3301/bluedesk/internal/logging"
	"github.com/matheus3301/bluedesk/internal/outbox"
	"github.com/matheus3301/bluedesk/internal/remote"
	"github.com/matheus3301/bluedesk/internal/session"
	"github.com/matheus3301/bluedesk/internal/store"
	"github.com/matheus3301/bluedesk/internal/supervisor"
	intsync "github.com/matheus3301/bluedesk/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
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
			provideCache,
			provideRemoteClient,
			provideDialer,
			provideSupervisor,
			provideSyncEngine,
			provideSender,
			provideAttachManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Load(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *supervisor.Machine {
	return supervisor.NewMachine(b)
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideCache(p Params, cfg *config.Config, logger *zap.Logger) (*cache.Cache, error) {
	c, err := cache.New(session.AttachmentCacheDir(p.SessionName), cfg.Cache.MaxBytes)
	if err != nil {
		return nil, err
	}
	logger.Info("attachment cache ready",
		zap.Int64("budget_bytes", cfg.Cache.MaxBytes),
		zap.Int64("used_bytes", c.TotalBytes()))
	return c, nil
}

func provideRemoteClient(cfg *config.Config, logger *zap.Logger) *remote.Client {
	return remote.NewClient(cfg.ServerURL, cfg.Password, cfg.Sync.RequestTimeout.Std(), logger)
}

func provideDialer(cfg *config.Config, logger *zap.Logger) remote.Dialer {
	return remote.NewWSDialer(cfg.ServerURL, cfg.Password, cfg.Conn.HeartbeatInterval.Std(), logger)
}

func provideSupervisor(d remote.Dialer, b *bus.Bus, m *supervisor.Machine, cfg *config.Config, logger *zap.Logger) *supervisor.Supervisor {
	return supervisor.New(d, b, m, logger, supervisor.Options{
		Heartbeat:  cfg.Conn.HeartbeatInterval.Std(),
		BackoffMin: cfg.Conn.BackoffMin.Std(),
		BackoffMax: cfg.Conn.BackoffMax.Std(),
	})
}

func provideSyncEngine(db *store.DB, rc *remote.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.New(db, rc, b, logger, intsync.Options{
		PageSize:      cfg.Sync.PageSize,
		MaxConcurrent: cfg.Sync.MaxConcurrent,
		MaxRetries:    cfg.Sync.MaxRetries,
	})
}

func provideSender(db *store.DB, rc *remote.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, rc, b, logger, outbox.Options{
		AckTimeout: cfg.Sync.SendAckTimeout.Std(),
		MaxRetries: cfg.Sync.MaxRetries,
	})
}

func provideAttachManager(db *store.DB, rc *remote.Client, c *cache.Cache, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *attach.Manager {
	return attach.NewManager(db, rc, c, b, logger, attach.Options{
		Workers:    cfg.Cache.DownloadWorkers,
		MaxRetries: cfg.Sync.MaxRetries,
	})
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *store.DB,
	rc *remote.Client,
	sup *supervisor.Supervisor,
	engine *intsync.Engine,
	sender *outbox.Sender,
	attachMgr *attach.Manager,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Consumers first, so the supervisor's initial connect signal
			// lands on a subscribed engine.
			engine.Start(context.Background())
			sender.Start(context.Background())
			if err := attachMgr.Start(context.Background()); err != nil {
				return err
			}
			sup.Start(context.Background())

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				info, err := rc.ServerInfo(ctx)
				if err != nil {
					logger.Warn("server info probe failed", zap.Error(err))
					return
				}
				logger.Info("connected to server",
					zap.String("version", info.ServerVersion),
					zap.String("os", info.OSVersion))
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			// Reverse order: stop intake before the writers, writers
			// before the store closes.
			sup.Stop()
			engine.Stop()
			sender.Stop()
			attachMgr.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
