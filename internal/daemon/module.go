package daemon

import (
	"context"
	"os"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/config"
	"github.com/matheus3301/courier/internal/delivery"
	"github.com/matheus3301/courier/internal/lock"
	"github.com/matheus3301/courier/internal/logging"
	"github.com/matheus3301/courier/internal/reconcile"
	"github.com/matheus3301/courier/internal/scheduler"
	"github.com/matheus3301/courier/internal/session"
	"github.com/matheus3301/courier/internal/store"
	"github.com/matheus3301/courier/internal/transport"
	"github.com/matheus3301/courier/internal/view"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// redialDelay paces reconnect attempts after the channel drops.
const redialDelay = 5 * time.Second

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideSessionConfig,
			provideLock,
			provideStore,
			provideChannel,
			provideRest,
			provideFallback,
			provideView,
			provideReconciler,
			provideScheduler,
			provideService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideSessionConfig(p Params, logger *zap.Logger) (*config.SessionConfig, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	path := session.SessionConfigPath(p.SessionName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.DefaultSessionConfig()
		if err := config.SaveSession(path, cfg); err != nil {
			return nil, err
		}
		logger.Info("wrote default session config", zap.String("path", path))
		return cfg, nil
	}
	cfg, err := config.LoadSession(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
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

func provideChannel(cfg *config.SessionConfig, b *bus.Bus, logger *zap.Logger) *transport.Channel {
	return transport.NewChannel(cfg.Server.WSURL, cfg.Identity.Token, b, logger)
}

func provideRest(cfg *config.SessionConfig) *transport.RestClient {
	return transport.NewRestClient(cfg.Server.RestURL, cfg.Identity.Token)
}

func provideFallback(ch *transport.Channel, rest *transport.RestClient) *transport.Fallback {
	return &transport.Fallback{Channel: ch, Rest: rest}
}

func provideView(b *bus.Bus) *view.View {
	return view.New(b)
}

func provideReconciler(db *store.DB, v *view.View, cfg *config.SessionConfig, b *bus.Bus, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.New(db, v, b, cfg.Delivery.FuzzyWindow.Std(), logger)
}

func provideScheduler(db *store.DB, f *transport.Fallback, v *view.View, r *reconcile.Reconciler, cfg *config.SessionConfig, b *bus.Bus, logger *zap.Logger) *scheduler.Scheduler {
	opts := scheduler.Options{
		ScanInterval: cfg.Delivery.ScanInterval.Std(),
		SendTimeout:  cfg.Delivery.SendTimeout.Std(),
		MaxAge:       cfg.Delivery.MaxAge.Std(),
		Backoff:      cfg.Delivery.BackoffDurations(),
	}
	return scheduler.New(db, f, v, r, b, opts, logger)
}

func provideService(db *store.DB, v *view.View, s *scheduler.Scheduler, cfg *config.SessionConfig, b *bus.Bus, logger *zap.Logger) *delivery.Service {
	return delivery.New(db, v, s, b, cfg.Identity.UserID, cfg.Identity.DisplayName, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, ch *transport.Channel, r *reconcile.Reconciler, sched *scheduler.Scheduler, svc *delivery.Service, b *bus.Bus, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The reconciler subscribes before the channel connects so no
			// pushed event can slip past it.
			r.Start(runCtx)

			if err := ch.Connect(runCtx); err != nil {
				// Degraded start: the redial loop keeps trying.
				logger.Warn("initial connect failed", zap.Error(err))
			}
			go keepConnected(runCtx, ch, b, redialDelay, logger)

			if err := svc.Restore(); err != nil {
				return err
			}

			sched.Start(runCtx)

			b.Publish(bus.Event{Kind: bus.KindSessionStarted, Timestamp: time.Now()})
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			// The scheduler stops first, synchronously: no retry may fire
			// against a torn-down transport.
			sched.Stop()
			r.Stop()
			cancel()
			ch.Disconnect()
			b.Publish(bus.Event{Kind: bus.KindSessionStopped, Timestamp: time.Now()})
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// keepConnected redials the realtime channel whenever it is down,
// including when the initial connect at startup already failed (no
// disconnect event fires in that case). The scheduler keeps skipping
// cycles while disconnected, so delivery resumes on its own once a
// dial succeeds.
func keepConnected(ctx context.Context, ch *transport.Channel, b *bus.Bus, delay time.Duration, logger *zap.Logger) {
	events, unsub := b.Subscribe(bus.KindTransportDisconnected, 8)
	defer unsub()

	for {
		for !ch.Connected() {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			if ch.Connected() {
				break
			}
			if err := ch.Connect(ctx); err != nil {
				logger.Warn("redial failed", zap.Error(err))
			}
		}
		select {
		case <-events:
		case <-ctx.Done():
			return
		}
	}
}
