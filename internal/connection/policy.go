package connection

import "eblusha/keeper/internal/realtime"

// handleDisconnectLocked schedules an application-level reconnect after an
// abnormal disconnect. The transport's own backoff keeps running underneath;
// whichever succeeds first wins and the other becomes a no-op.
func (m *Manager) handleDisconnectLocked(gen uint64, reason string) {
	if !m.liveLocked(gen) {
		return
	}
	m.logger.Info("transport disconnected", "component", componentName, "reason", reason, "generation", gen)
	if reason == realtime.ReasonClientDisconnect || m.cred.Empty() {
		return
	}
	m.transitionLocked(StateReconnecting)
	if !m.reconnectTimer.Pending() {
		m.reconnectTimer = m.loop.AfterFunc(m.cfg.ReconnectDelay, func() { m.fireReconnectLocked("reconnect") })
	}
	m.publishStatusLocked()
}

func (m *Manager) handleConnectErrorLocked(gen uint64, err error) {
	if !m.liveLocked(gen) {
		return
	}
	m.metrics.RecordError("transport")
	m.logger.Warn("transport connect error", "component", componentName, "generation", gen, "error", err.Error())
	if m.cred.Empty() {
		return
	}
	m.transitionLocked(StateReconnecting)
	if !m.retryTimer.Pending() {
		m.retryTimer = m.loop.AfterFunc(m.cfg.RetryDelay, func() { m.fireReconnectLocked("retry") })
	}
	m.publishStatusLocked()
}

// fireReconnectLocked re-checks the world before acting; a timer that
// survived cancellation or lost the race to the transport does nothing.
func (m *Manager) fireReconnectLocked(trigger string) {
	if m.cred.Empty() || m.state == StateClosed {
		return
	}
	if m.transport != nil && m.transport.Connected() {
		m.logger.Debug("scheduled reconnect skipped, transport already live", "component", componentName, "trigger", trigger)
		return
	}
	m.startLocked(trigger)
}

func (m *Manager) cancelTimersLocked() {
	m.reconnectTimer.Stop()
	m.reconnectTimer = nil
	m.retryTimer.Stop()
	m.retryTimer = nil
}
