package keeperservice

import (
	"context"
	"log/slog"
	"sync"

	"eblusha/keeper/internal/app"
	"eblusha/keeper/internal/callalert"
	"eblusha/keeper/internal/config"
	"eblusha/keeper/internal/connection"
	"eblusha/keeper/internal/credstore"
	"eblusha/keeper/internal/guard"
	"eblusha/keeper/internal/keepalive"
	"eblusha/keeper/internal/loop"
	"eblusha/keeper/internal/metrics"
	"eblusha/keeper/internal/notify"
	"eblusha/keeper/internal/realtime"
	"eblusha/keeper/internal/router"
)

// Options overrides the collaborators New would otherwise build from the
// config. Zero fields fall back to the production implementation.
type Options struct {
	Logger       *slog.Logger
	Metrics      *metrics.Registry
	Store        credstore.Store
	Factory      realtime.Factory
	Locks        *guard.MemoryProvider
	AvatarLoader notify.AvatarLoader
}

type Service struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Registry

	hub    *app.NotificationHub
	bridge *app.HostBridge

	loop      *loop.Loop
	store     credstore.Store
	ownsStore bool
	locks     *guard.MemoryProvider
	guard     *guard.Guard
	manager   *connection.Manager
	router    *router.Router
	calls     *callalert.Machine
	presenter *notify.Presenter
	ticker    *keepalive.Ticker

	startStopMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	// outbound call signals, see goEmit
	emits sync.WaitGroup
}
