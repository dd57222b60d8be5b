package connection

import "time"

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Status is a point-in-time copy safe to read from any goroutine.
type Status struct {
	State             State     `json:"state"`
	Generation        uint64    `json:"generation"`
	Reconnects        uint64    `json:"reconnects"`
	CredentialVersion uint64    `json:"credentialVersion"`
	Authenticated     bool      `json:"authenticated"`
	Focused           bool      `json:"focused"`
	TokenExpiry       time.Time `json:"tokenExpiry,omitempty"`
	LastTransition    time.Time `json:"lastTransition"`
	StateTransitions  int       `json:"stateTransitions"`
	PendingReconnect  bool      `json:"pendingReconnect"`
}

// transitionLocked must run on the owner loop.
func (m *Manager) transitionLocked(next State) {
	if m.state == next {
		return
	}
	prev := m.state
	m.state = next
	m.stateTransitions++
	m.lastTransition = m.now()
	m.metrics.SetConnectionState(string(next))
	m.logger.Info("connection state changed",
		"component", componentName,
		"from", string(prev),
		"to", string(next),
		"generation", m.generation,
	)
}
