package daemon

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/huanleyuan/toshi-core/internal/bus"
	"github.com/huanleyuan/toshi-core/internal/chat"
	"github.com/huanleyuan/toshi-core/internal/config"
	"github.com/huanleyuan/toshi-core/internal/eth"
	"github.com/huanleyuan/toshi-core/internal/lock"
	"github.com/huanleyuan/toshi-core/internal/logging"
	"github.com/huanleyuan/toshi-core/internal/payment"
	"github.com/huanleyuan/toshi-core/internal/protocol"
	"github.com/huanleyuan/toshi-core/internal/registration"
	"github.com/huanleyuan/toshi-core/internal/session"
	"github.com/huanleyuan/toshi-core/internal/status"
	"github.com/huanleyuan/toshi-core/internal/store"
	"github.com/huanleyuan/toshi-core/internal/transport"
	"github.com/huanleyuan/toshi-core/internal/wallet"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideChatDB,
			provideConversations,
			providePendingTxs,
			provideProtocolStore,
			provideEthClient,
			provideLatch,
			provideTransport,
			provideRegistrar,
			provideManager,
			provideHandshake,
			providePaymentMachine,
			provideMonitor,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig() *config.Config {
	return config.LoadOrDefault(session.ConfigPath())
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

func provideChatDB(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.ChatDBPath(p.SessionName)
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
	logger.Info("chat store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideConversations(db *store.DB, b *bus.Bus) *store.Conversations {
	return store.NewConversations(db, b)
}

func providePendingTxs(db *store.DB, b *bus.Bus) *store.PendingTxs {
	return store.NewPendingTxs(db, b)
}

func provideProtocolStore(p Params, logger *zap.Logger) (*protocol.Store, error) {
	return protocol.Open(session.ProtocolDBPath(p.SessionName), logger)
}

func provideEthClient(cfg *config.Config, logger *zap.Logger) *eth.Client {
	return eth.NewClient(cfg.EthereumRPCURL, logger)
}

func provideLatch() *wallet.Latch {
	return wallet.NewLatch()
}

func provideTransport(cfg *config.Config, ps *protocol.Store, logger *zap.Logger) (*transport.Client, error) {
	if cfg.AccountAddress == "" {
		return nil, errors.New("daemon: account_address not configured")
	}
	return transport.NewClient(cfg.ChatServerURL, cfg.AccountAddress, ps, logger)
}

// configTokens serves the statically configured push token.
type configTokens struct {
	cfg *config.Config
}

func (c *configTokens) Token(ctx context.Context) (string, error) {
	if c.cfg.PushToken == "" {
		return "", errors.New("no push token configured")
	}
	return c.cfg.PushToken, nil
}

func provideRegistrar(client *transport.Client, cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *registration.Registrar {
	return registration.NewRegistrar(client, &configTokens{cfg: cfg}, db, b, logger)
}

func provideManager(client *transport.Client, conv *store.Conversations, logger *zap.Logger) *chat.Manager {
	return chat.NewManager(client, conv, logger)
}

func provideHandshake(latch *wallet.Latch, manager *chat.Manager, cfg *config.Config, logger *zap.Logger) *chat.Handshake {
	return chat.NewHandshake(latch, manager, cfg.Language, logger)
}

func providePaymentMachine(rpc *eth.Client, latch *wallet.Latch, manager *chat.Manager, conv *store.Conversations, pending *store.PendingTxs, logger *zap.Logger) *payment.Machine {
	return payment.NewMachine(rpc, latch, manager, conv, pending, logger)
}

func provideMonitor(rpc *eth.Client, pending *store.PendingTxs, conv *store.Conversations, b *bus.Bus, logger *zap.Logger) *payment.Monitor {
	return payment.NewMonitor(rpc, pending, conv, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	lk *lock.Lock,
	client *transport.Client,
	registrar *registration.Registrar,
	handshake *chat.Handshake,
	machine *payment.Machine,
	monitor *payment.Monitor,
	conv *store.Conversations,
	latch *wallet.Latch,
	rpc *eth.Client,
	sm *status.Machine,
	logger *zap.Logger,
) {
	var cancel context.CancelFunc
	var router *chat.Router

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_ = sm.Transition(status.Registering)
			if err := registrar.Run(ctx); err != nil {
				_ = sm.Transition(status.Error)
				return err
			}

			// The account key lives on the node; once it is wired up the
			// latch releases handshake replies and payment signing.
			w, err := wallet.NewNodeWallet(cfg.AccountAddress, rpc)
			if err != nil {
				_ = sm.Transition(status.Error)
				return err
			}
			latch.Resolve(w)

			_ = sm.Transition(status.Connecting)
			runCtx, c := context.WithCancel(context.Background())
			cancel = c

			envelopes := client.Subscribe(runCtx)
			router = chat.NewRouter(envelopes, conv, machine, handshake, logger)
			router.Start(runCtx)
			monitor.Start(runCtx)

			_ = sm.Transition(status.Ready)
			logger.Info("daemon ready", zap.String("account", w.PaymentAddress()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			monitor.Stop()
			if router != nil {
				router.Stop()
			}
			if cancel != nil {
				cancel()
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
