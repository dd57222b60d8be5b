// Package connection owns the single realtime connection of the keeper: its
// credential, its transport instance and the reconnect policy around it.
//
// All mutable state lives on the owner loop. Exported methods hand their work
// to the loop and wait for it; transport callbacks only post.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"eblusha/keeper/internal/credstore"
	"eblusha/keeper/internal/loop"
	"eblusha/keeper/internal/realtime"
)

const (
	componentName = "connection"
	guardHolder   = "connection"
)

// Router receives inbound events for one transport generation at a time.
type Router interface {
	Bind(generation uint64)
	Route(generation uint64, name string, payload json.RawMessage)
}

type Guard interface {
	Acquire(holder string) error
	Release(holder string)
	Affirm() error
}

type Metrics interface {
	SetConnectionState(state string)
	IncReconnect(trigger string)
	RecordError(category string)
}

type Deps struct {
	Loop    *loop.Loop
	Factory realtime.Factory
	Router  Router
	Guard   Guard
	Store   credstore.Store
	Metrics Metrics
	Logger  *slog.Logger
	// OnStatus is called on the owner loop after every status change.
	OnStatus func(Status)
}

type Manager struct {
	cfg      Config
	loop     *loop.Loop
	factory  realtime.Factory
	router   Router
	guard    Guard
	store    credstore.Store
	metrics  Metrics
	logger   *slog.Logger
	onStatus func(Status)
	now      func() time.Time

	// owner-loop state
	state             State
	cred              credstore.Credential
	transport         realtime.Transport
	generation        uint64
	transportStarted  time.Time
	credTransports    int
	lastTransportCred credstore.Credential
	focused           bool
	reconnectTimer    *loop.Timer
	retryTimer        *loop.Timer
	reconnects        uint64
	stateTransitions  int
	lastTransition    time.Time
	tokenExpiry       time.Time

	statusMu sync.RWMutex
	status   Status

	// transport closes and presence emits run off the loop
	background sync.WaitGroup
}

func NewManager(cfg Config, deps Deps) *Manager {
	cfg = normalizeConfig(cfg)
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	m := &Manager{
		cfg:      cfg,
		loop:     deps.Loop,
		factory:  deps.Factory,
		router:   deps.Router,
		guard:    deps.Guard,
		store:    deps.Store,
		metrics:  metrics,
		logger:   logger,
		onStatus: deps.OnStatus,
		now:      time.Now,
		state:    StateIdle,
	}
	m.status = Status{State: StateIdle}
	return m
}

// Start begins keeping a connection for cred. An empty credential closes
// any existing connection instead.
func (m *Manager) Start(ctx context.Context, cred credstore.Credential) error {
	return m.loop.Do(ctx, func() {
		m.cred = cred
		m.startLocked("start")
	})
}

// UpdateCredential replaces the credential and reconnects. Re-sending the
// current credential while connected changes nothing.
func (m *Manager) UpdateCredential(ctx context.Context, cred credstore.Credential) error {
	return m.loop.Do(ctx, func() {
		m.updateCredentialLocked(cred, "update")
	})
}

// Stop tears the connection down and releases the guard.
func (m *Manager) Stop(ctx context.Context) error {
	return m.loop.Do(ctx, func() {
		m.closeLocked("stop")
	})
}

// HealthCheck reconciles the in-memory credential against the durable store
// and reconnects immediately when the transport is down.
func (m *Manager) HealthCheck(ctx context.Context) error {
	var (
		stored  credstore.Credential
		loadErr error
	)
	if m.store != nil {
		stored, loadErr = m.store.Load(ctx)
		if loadErr != nil {
			m.metrics.RecordError("storage")
			m.logger.Warn("health check could not read credential store",
				"component", componentName, "operation", "health_check", "error", loadErr.Error())
		}
	}
	return m.loop.Do(ctx, func() {
		if m.store != nil && loadErr == nil {
			m.reconcileLocked(stored)
		}
		m.checkLivenessLocked()
		m.checkExpiryLocked()
	})
}

// SetPresenceFocus records the host focus state and forwards it to the
// server when connected.
func (m *Manager) SetPresenceFocus(ctx context.Context, focused bool) error {
	return m.loop.Do(ctx, func() {
		m.focused = focused
		m.publishStatusLocked()
		if m.state == StateConnected {
			m.emitPresenceLocked()
		}
	})
}

// Emit sends an outbound event on the live transport. There is no offline
// queue: without a connection the event is dropped and ErrNotConnected
// returned.
func (m *Manager) Emit(ctx context.Context, event string, payload any) error {
	var t realtime.Transport
	if err := m.loop.Do(ctx, func() {
		if m.state == StateConnected && m.transport != nil {
			t = m.transport
		}
	}); err != nil {
		return err
	}
	if t == nil {
		m.logger.Info("dropping outbound event without connection", "component", componentName, "event", event)
		return realtime.ErrNotConnected
	}
	emitCtx, cancel := context.WithTimeout(ctx, m.cfg.EmitTimeout)
	defer cancel()
	if err := t.Emit(emitCtx, event, payload); err != nil {
		m.metrics.RecordError("transport")
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Wait blocks until background transport closes and presence emits finish.
// It must not be called from the owner loop.
func (m *Manager) Wait() {
	m.background.Wait()
}

func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// Credential returns the credential the manager currently holds.
func (m *Manager) Credential(ctx context.Context) (credstore.Credential, error) {
	var cred credstore.Credential
	err := m.loop.Do(ctx, func() { cred = m.cred })
	return cred, err
}

func (m *Manager) updateCredentialLocked(cred credstore.Credential, trigger string) {
	if cred.Same(m.cred) && m.state == StateConnected && m.transport != nil && m.transport.Connected() {
		if cred.Version > m.cred.Version {
			m.cred.Version = cred.Version
			m.publishStatusLocked()
		}
		m.logger.Debug("credential unchanged while connected", "component", componentName, "trigger", trigger)
		return
	}
	m.cred = cred
	m.startLocked(trigger)
}

// startLocked is the only place a transport is created.
func (m *Manager) startLocked(trigger string) {
	m.cancelTimersLocked()
	if m.cred.Empty() {
		m.closeLocked(trigger)
		return
	}
	if m.transport != nil {
		m.teardownLocked()
	}
	if m.state == StateClosed {
		m.transitionLocked(StateIdle)
	}

	if m.credTransports > 0 && m.cred.Same(m.lastTransportCred) {
		m.reconnects++
		m.metrics.IncReconnect(trigger)
	} else {
		m.credTransports = 0
	}
	m.credTransports++
	m.lastTransportCred = m.cred
	m.tokenExpiry, _ = credstore.Expiry(m.cred.AccessToken)

	if m.guard != nil {
		if err := m.guard.Acquire(guardHolder); err != nil {
			m.metrics.RecordError("resource")
		}
	}

	m.generation++
	gen := m.generation
	m.transitionLocked(StateConnecting)
	if m.router != nil {
		m.router.Bind(gen)
	}
	m.transport = m.factory(realtime.Options{
		URL:            m.cfg.URL,
		Token:          m.cred.AccessToken,
		ConnectTimeout: m.cfg.ConnectTimeout,
		ReconnectMin:   m.cfg.BackoffMin,
		ReconnectMax:   m.cfg.BackoffMax,
		Logger:         m.logger,
	}, m.handlersFor(gen))
	m.transportStarted = m.now()
	m.publishStatusLocked()
	m.logger.Info("connection starting",
		"component", componentName,
		"operation", trigger,
		"generation", gen,
		"credential_version", m.cred.Version,
	)
	m.transport.Connect()
}

func (m *Manager) closeLocked(trigger string) {
	m.cancelTimersLocked()
	if m.transport != nil {
		m.teardownLocked()
	}
	m.credTransports = 0
	m.transitionLocked(StateClosed)
	if m.guard != nil {
		m.guard.Release(guardHolder)
	}
	m.publishStatusLocked()
	m.logger.Info("connection closed", "component", componentName, "operation", trigger)
}

// teardownLocked detaches the transport at once and closes it in the
// background; events it still delivers carry a stale generation.
func (m *Manager) teardownLocked() {
	t := m.transport
	m.transport = nil
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		t.Close()
	}()
}

func (m *Manager) handlersFor(gen uint64) realtime.Handlers {
	return realtime.Handlers{
		OnConnect: func() {
			m.loop.Post(func() { m.handleConnectLocked(gen) })
		},
		OnDisconnect: func(reason string) {
			m.loop.Post(func() { m.handleDisconnectLocked(gen, reason) })
		},
		OnConnectError: func(err error) {
			m.loop.Post(func() { m.handleConnectErrorLocked(gen, err) })
		},
		OnEvent: func(name string, payload json.RawMessage) {
			m.loop.Post(func() {
				if !m.liveLocked(gen) {
					m.logger.Debug("discarding event from stale transport", "component", componentName, "event", name, "generation", gen)
					return
				}
				if m.router != nil {
					m.router.Route(gen, name, payload)
				}
			})
		},
	}
}

func (m *Manager) liveLocked(gen uint64) bool {
	return m.transport != nil && gen == m.generation
}

func (m *Manager) handleConnectLocked(gen uint64) {
	if !m.liveLocked(gen) {
		return
	}
	m.cancelTimersLocked()
	m.transitionLocked(StateConnected)
	m.publishStatusLocked()
	m.emitPresenceLocked()
	if m.guard != nil {
		if err := m.guard.Affirm(); err != nil {
			m.metrics.RecordError("resource")
		}
	}
}

func (m *Manager) emitPresenceLocked() {
	if m.transport == nil {
		return
	}
	t := m.transport
	payload := map[string]bool{"focused": m.focused}
	timeout := m.cfg.EmitTimeout
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := t.Emit(ctx, realtime.EventPresenceFocus, payload)
		if err != nil && !errors.Is(err, realtime.ErrNotConnected) {
			m.metrics.RecordError("transport")
			m.logger.Warn("presence emit failed", "component", componentName, "error", err.Error())
		}
	}()
}

func (m *Manager) reconcileLocked(stored credstore.Credential) {
	if stored.Same(m.cred) {
		if stored.Version > m.cred.Version {
			m.cred.Version = stored.Version
			m.publishStatusLocked()
		}
		return
	}
	if stored.Version < m.cred.Version {
		return
	}
	m.logger.Info("health check adopting stored credential",
		"component", componentName,
		"operation", "health_check",
		"stored_version", stored.Version,
		"memory_version", m.cred.Version,
		"stored_empty", stored.Empty(),
	)
	m.cred = stored
	m.startLocked("health_check")
}

func (m *Manager) checkLivenessLocked() {
	if m.cred.Empty() {
		if m.state != StateClosed && m.state != StateIdle {
			m.closeLocked("health_check")
		}
		return
	}
	if m.transport != nil && m.transport.Connected() {
		return
	}
	if m.state == StateConnecting && m.now().Sub(m.transportStarted) < m.cfg.ConnectTimeout {
		return
	}
	m.logger.Info("health check found transport down, reconnecting", "component", componentName, "state", string(m.state))
	m.startLocked("health_check")
}

func (m *Manager) checkExpiryLocked() {
	if m.tokenExpiry.IsZero() || m.cred.Empty() {
		return
	}
	if m.now().After(m.tokenExpiry) {
		m.logger.Warn("access token has expired", "component", componentName, "expired_at", m.tokenExpiry.UTC().Format(time.RFC3339))
	}
}

func (m *Manager) publishStatusLocked() {
	st := Status{
		State:             m.state,
		Generation:        m.generation,
		Reconnects:        m.reconnects,
		CredentialVersion: m.cred.Version,
		Authenticated:     !m.cred.Empty(),
		Focused:           m.focused,
		TokenExpiry:       m.tokenExpiry,
		LastTransition:    m.lastTransition,
		StateTransitions:  m.stateTransitions,
		PendingReconnect:  m.reconnectTimer.Pending() || m.retryTimer.Pending(),
	}
	m.statusMu.Lock()
	m.status = st
	m.statusMu.Unlock()
	if m.onStatus != nil {
		m.onStatus(st)
	}
}

type nopMetrics struct{}

func (nopMetrics) SetConnectionState(string) {}
func (nopMetrics) IncReconnect(string)       {}
func (nopMetrics) RecordError(string)        {}
