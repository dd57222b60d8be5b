package keeperservice

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"eblusha/keeper/internal/app"
	"eblusha/keeper/internal/callalert"
	"eblusha/keeper/internal/config"
	"eblusha/keeper/internal/connection"
	"eblusha/keeper/internal/credstore"
	"eblusha/keeper/internal/domains/contracts"
	"eblusha/keeper/internal/guard"
	"eblusha/keeper/internal/keepalive"
	"eblusha/keeper/internal/loop"
	"eblusha/keeper/internal/metrics"
	"eblusha/keeper/internal/notify"
	"eblusha/keeper/internal/platform/ratelimiter"
	"eblusha/keeper/internal/realtime/socketio"
	"eblusha/keeper/internal/router"
)

const (
	connectionLockTag = "keeper:connection"
	avatarHostIdleTTL = 10 * time.Minute
)

// New builds a stopped service. Start connects it.
func New(cfg config.Config, opts Options) (*Service, error) {
	cfg = config.Normalize(cfg)

	logger := opts.Logger
	if logger == nil {
		logger = app.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	}
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.New()
	}

	store := opts.Store
	ownsStore := false
	if store == nil {
		opened, err := credstore.Open(cfg.Credentials.StoreOptions())
		if err != nil {
			return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("open credential store: %w", err))
		}
		store = opened
		ownsStore = true
	}

	factory := opts.Factory
	if factory == nil {
		factory = socketio.Factory()
	}
	locks := opts.Locks
	if locks == nil {
		locks = guard.NewMemoryProvider()
	}
	loader := opts.AvatarLoader
	if loader == nil {
		loader = notify.NewHTTPAvatarLoader(
			&http.Client{Timeout: cfg.Notifications.AvatarTimeout},
			ratelimiter.New(cfg.Avatars.HostRPS, cfg.Avatars.HostBurst, avatarHostIdleTTL),
		)
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		metrics:   reg,
		hub:       app.NewNotificationHub(cfg.RPC.HubHistory),
		loop:      loop.New(),
		store:     store,
		ownsStore: ownsStore,
		locks:     locks,
	}
	s.bridge = app.NewHostBridge(s.hub)
	s.bridge.WatchLocks(locks)

	s.guard = guard.New(locks, connectionLockTag, logger)
	s.guard.OnDenied(reg.IncLockDenied)

	s.presenter = notify.NewPresenter(cfg.Notifications, notify.Deps{
		Notifier: s.bridge,
		Loader:   loader,
		Logger:   logger,
		Metrics:  reg,
		Post:     s.post,
	})
	s.calls = callalert.New(cfg.Calls, callalert.Deps{
		Loop:          s.loop,
		Ringer:        s.bridge,
		UI:            s.bridge,
		Notifications: s.presenter,
		Locks:         locks,
		Signals:       callSignals{s: s},
		Metrics:       reg,
		Logger:        logger,
	})
	s.router = router.New(s.calls, s.presenter, logger, reg)
	s.manager = connection.NewManager(cfg.Connection, connection.Deps{
		Loop:     s.loop,
		Factory:  factory,
		Router:   s.router,
		Guard:    s.guard,
		Store:    store,
		Metrics:  reg,
		Logger:   logger,
		OnStatus: s.publishStatus,
	})
	s.ticker = keepalive.New(cfg.KeepAlive, keepalive.Deps{
		HealthCheck: s.manager.HealthCheck,
		Guard:       s.guard,
		Publisher:   s.bridge,
		Metrics:     reg,
		Logger:      logger,
	})
	return s, nil
}

// post hands avatar results back to the owner loop. Results that arrive
// after shutdown are dropped.
func (s *Service) post(fn func()) {
	s.loop.Post(fn)
}

// Metrics exposes the registry for the /metrics endpoint.
func (s *Service) Metrics() *metrics.Registry {
	return s.metrics
}
