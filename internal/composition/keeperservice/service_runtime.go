package keeperservice

import (
	"context"
	"errors"

	"eblusha/keeper/internal/connection"
	"eblusha/keeper/internal/domains/contracts"
	"eblusha/keeper/internal/loop"
)

// Start runs the owner loop, connects with the stored credential and starts
// the keep-alive ticker. An unreadable store starts the service without a
// credential; the next health check retries the read.
func (s *Service) Start(ctx context.Context) error {
	s.startStopMu.Lock()
	defer s.startStopMu.Unlock()

	if s.stopped {
		return loop.ErrClosed
	}
	if s.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop.Run(runCtx)
	}()

	cred, err := s.store.Load(ctx)
	if err != nil {
		s.recordErrorWithContext(contracts.ErrorCategoryStorage, err, "start", "n/a")
	}
	if err := s.manager.Start(ctx, cred); err != nil {
		cancel()
		s.loop.Close()
		s.wg.Wait()
		s.stopped = true
		return contracts.WrapCategorizedError(contracts.ErrorCategoryTransport, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ticker.Run(runCtx)
	}()
	s.ticker.Trigger(runCtx)

	s.cancel = cancel
	s.started = true
	s.logInfo("start", "n/a", "keeper started",
		"credential_version", cred.Version,
		"has_credential", !cred.Empty(),
	)
	return nil
}

// Stop disconnects, ends any call session, drops every lock and waits for
// background work. A stopped service cannot be started again.
func (s *Service) Stop(ctx context.Context) error {
	s.startStopMu.Lock()
	defer s.startStopMu.Unlock()

	if !s.started {
		if !s.stopped && s.ownsStore {
			s.stopped = true
			return s.store.Close()
		}
		s.stopped = true
		return nil
	}

	var errs []error
	if err := s.manager.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	s.manager.Wait()
	if err := s.loop.Do(ctx, s.calls.Close); err != nil {
		errs = append(errs, err)
	}
	s.emits.Wait()
	s.guard.ReleaseAll()
	s.presenter.Wait()

	s.cancel()
	s.loop.Close()
	s.wg.Wait()

	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.started = false
	s.stopped = true
	s.logInfo("stop", "n/a", "keeper stopped")
	return errors.Join(errs...)
}

// HealthCheck reconciles the connection with the credential store and
// reconnects when the transport is down.
func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.manager.HealthCheck(ctx); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryTransport, err)
	}
	return nil
}

func (s *Service) SubscribeNotifications(cursor int64) ([]contracts.NotificationEvent, <-chan contracts.NotificationEvent, func()) {
	return s.hub.Subscribe(cursor)
}

// Status runs a health check first, so a host returning to the foreground
// both observes and repairs the connection in one call.
func (s *Service) Status(ctx context.Context) (contracts.KeeperStatus, error) {
	if err := s.manager.HealthCheck(ctx); err != nil {
		s.logWarn("status", "n/a", "health check during status failed", "error", err.Error())
	}

	st := s.manager.Status()
	conn := contracts.ConnectionStatus{
		State:            string(st.State),
		Connected:        st.State == connection.StateConnected,
		Generation:       st.Generation,
		Reconnects:       st.Reconnects,
		LastTransitionAt: st.LastTransition,
	}
	if !st.TokenExpiry.IsZero() {
		expiry := st.TokenExpiry
		conn.TokenExpiresAt = &expiry
	}

	active, last := s.calls.Snapshot()
	locks := s.guard.Snapshot()
	ids := s.presenter.Active()
	if ids == nil {
		ids = []int32{}
	}
	holders := locks.Holders
	if holders == nil {
		holders = []string{}
	}
	return contracts.KeeperStatus{
		Connection: conn,
		Call:       callSessionPtr(active),
		LastCall:   callSessionPtr(last),
		Locks: contracts.LockStatus{
			WakeHeld:    locks.WakeHeld,
			NetworkHeld: locks.NetworkHeld,
			Holders:     holders,
			Denials:     locks.Denials,
		},
		ActiveNotifications: ids,
		KeepAliveTicks:      s.ticker.Ticks(),
	}, nil
}
