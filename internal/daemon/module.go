package daemon

import (
	"context"

	"github.com/safegram/syncd/internal/bus"
	"github.com/safegram/syncd/internal/config"
	"github.com/safegram/syncd/internal/httpapi"
	"github.com/safegram/syncd/internal/lock"
	"github.com/safegram/syncd/internal/logging"
	"github.com/safegram/syncd/internal/notify"
	"github.com/safegram/syncd/internal/outbox"
	"github.com/safegram/syncd/internal/presence"
	"github.com/safegram/syncd/internal/profile"
	"github.com/safegram/syncd/internal/rest"
	"github.com/safegram/syncd/internal/resync"
	"github.com/safegram/syncd/internal/state"
	"github.com/safegram/syncd/internal/status"
	"github.com/safegram/syncd/internal/store"
	intsync "github.com/safegram/syncd/internal/sync"
	"github.com/safegram/syncd/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Profile
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRESTClient,
			provideChatList,
			providePresence,
			provideNotifier,
			provideSender,
			provideEngine,
			provideTransport,
			provideResync,
			provideAPIServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
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

func provideRESTClient(p Params) *rest.Client {
	return rest.New(p.Config.ServerURL, p.Config.Token)
}

func provideChatList() *state.ChatList {
	return state.NewChatList()
}

func providePresence(b *bus.Bus) *presence.Cache {
	return presence.NewCache(b)
}

func provideNotifier(chats *state.ChatList, b *bus.Bus, logger *zap.Logger) *notify.Notifier {
	return notify.NewNotifier(chats, b, logger)
}

func provideSender(p Params, db *store.DB, client *rest.Client, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	cfg := p.Config.Outbox
	return outbox.NewSender(db, client, machine, b, logger,
		cfg.BackoffBase.Duration, cfg.BackoffCap.Duration, cfg.MaxAttempts)
}

func provideEngine(p Params, chats *state.ChatList, cache *presence.Cache, notifier *notify.Notifier, sender *outbox.Sender, client *rest.Client, db *store.DB, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(chats, cache, notifier, sender, client, db, machine, b, logger, p.Config.UserID)
}

func provideTransport(p Params, machine *status.Machine, logger *zap.Logger) (*transport.Client, error) {
	cfg := p.Config
	return transport.NewClient(cfg.ServerURL, cfg.Token, machine, logger,
		cfg.Connect.BackoffBase.Duration, cfg.Connect.BackoffCap.Duration)
}

func provideResync(p Params, client *rest.Client, engine *intsync.Engine, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *resync.Controller {
	cfg := p.Config.Resync
	return resync.NewController(client, engine, machine, b, logger,
		cfg.Interval.Duration, cfg.DegradedInterval.Duration, cfg.FailureThreshold)
}

func provideAPIServer(p Params, engine *intsync.Engine, db *store.DB, logger *zap.Logger) (*httpapi.Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}
	return httpapi.NewServer(engine, db, logger, socketPath)
}

func registerLifecycle(lc fx.Lifecycle, srv *httpapi.Server, lk *lock.Lock, tc *transport.Client, engine *intsync.Engine, sender *outbox.Sender, ctrl *resync.Controller, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine consumes every push-channel frame.
			tc.RegisterFrameHandler(engine.HandleFrame)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()

			sender.Start(context.Background())
			ctrl.Start(context.Background())
			tc.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			tc.Stop()
			ctrl.Stop()
			sender.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
