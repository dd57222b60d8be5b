// Package callalert tracks the single incoming call session and drives the
// local alerting around it.
//
// Machine methods other than Snapshot must run on the owner loop.
package callalert

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"eblusha/keeper/internal/guard"
	"eblusha/keeper/internal/loop"
	"eblusha/keeper/internal/notify"
)

type State string

const (
	StateRinging  State = "ringing"
	StateAnswered State = "answered"
	StateDeclined State = "declined"
	StateTimedOut State = "timed_out"
	StateEnded    State = "ended"
)

type Result string

const (
	ResultCreated Result = "created"
	ResultBusy    Result = "busy"
	ResultInvalid Result = "invalid"
)

// Reasons passed to Signals.Declined.
const (
	ReasonLocal   = "local"
	ReasonTimeout = "timeout"
	ReasonRemote  = "remote"
)

var ErrNoRingingCall = errors.New("no ringing call")

type Incoming struct {
	ConversationID string
	CallerID       string
	CallerName     string
	IsVideo        bool
	AvatarRef      string
}

type Session struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	CallerID       string    `json:"callerId,omitempty"`
	CallerName     string    `json:"callerName"`
	IsVideo        bool      `json:"isVideo"`
	AvatarRef      string    `json:"avatarRef,omitempty"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	AcceptedVideo  bool      `json:"acceptedVideo,omitempty"`
}

// Ringer plays the ringtone and vibration waveform.
type Ringer interface {
	Start(vibration []time.Duration)
	Stop()
}

// CallUI is the host's full-screen incoming call surface.
type CallUI interface {
	ShowIncoming(s Session) error
	Dismiss(s Session) error
}

type Notifications interface {
	ShowCall(a notify.CallAlert) error
	CancelCall() error
}

type WakeLocks interface {
	WakeLock(tag string) (guard.Lock, error)
}

// Signals reports user and remote outcomes to the application layer. Called
// on the owner loop; implementations must not block on it.
type Signals interface {
	Accepted(s Session, video bool)
	Declined(s Session, reason string)
	Ended(s Session)
}

type Metrics interface {
	IncCall(outcome string)
}

type Config struct {
	RingTimeout     time.Duration   `yaml:"ringTimeout"`
	WakeLockTimeout time.Duration   `yaml:"wakeLockTimeout"`
	Vibration       []time.Duration `yaml:"vibration"`
}

func DefaultConfig() Config {
	return Config{
		RingTimeout:     25 * time.Second,
		WakeLockTimeout: 60 * time.Second,
		Vibration: []time.Duration{
			0,
			1000 * time.Millisecond,
			500 * time.Millisecond,
			1000 * time.Millisecond,
			500 * time.Millisecond,
			1200 * time.Millisecond,
		},
	}
}

type Deps struct {
	Loop          *loop.Loop
	Ringer        Ringer
	UI            CallUI
	Notifications Notifications
	Locks         WakeLocks
	Signals       Signals
	Metrics       Metrics
	Logger        *slog.Logger
}

type Machine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	active    *Session
	ringTimer *loop.Timer
	wake      guard.Lock
	alerting  bool

	snapMu sync.RWMutex
	snap   *Session
	last   *Session
}

func New(cfg Config, deps Deps) *Machine {
	def := DefaultConfig()
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = def.RingTimeout
	}
	if cfg.WakeLockTimeout <= 0 {
		cfg.WakeLockTimeout = def.WakeLockTimeout
	}
	if len(cfg.Vibration) == 0 {
		cfg.Vibration = def.Vibration
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	return &Machine{cfg: cfg, deps: deps, logger: logger, now: time.Now}
}

// OnIncoming starts ringing for a new call, or reports busy while another
// session is still ringing or answered.
func (m *Machine) OnIncoming(in Incoming) Result {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	if in.ConversationID == "" {
		m.deps.Metrics.IncCall("invalid")
		return ResultInvalid
	}
	if m.active != nil && m.active.State != StateEnded {
		m.deps.Metrics.IncCall("busy")
		m.logger.Info("incoming call rejected, line busy",
			"component", "callalert",
			"conversation_id", in.ConversationID,
			"active_conversation_id", m.active.ConversationID,
		)
		return ResultBusy
	}
	name := strings.TrimSpace(in.CallerName)
	if name == "" {
		name = notify.DefaultCallerName
	}
	s := &Session{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		CallerID:       in.CallerID,
		CallerName:     name,
		IsVideo:        in.IsVideo,
		AvatarRef:      strings.TrimSpace(in.AvatarRef),
		State:          StateRinging,
		CreatedAt:      m.now(),
	}
	m.active = s
	m.alerting = true
	m.acquireWakeLocked()
	if m.deps.Ringer != nil {
		m.deps.Ringer.Start(m.cfg.Vibration)
	}
	if m.deps.UI != nil {
		if err := m.deps.UI.ShowIncoming(*s); err != nil {
			m.logger.Warn("incoming call ui failed", "component", "callalert", "error", err.Error())
		}
	}
	if m.deps.Notifications != nil {
		err := m.deps.Notifications.ShowCall(notify.CallAlert{
			ConversationID: s.ConversationID,
			CallerName:     s.CallerName,
			IsVideo:        s.IsVideo,
			AvatarRef:      s.AvatarRef,
		})
		if err != nil {
			m.logger.Warn("incoming call notification failed", "component", "callalert", "error", err.Error())
		}
	}
	id := s.ID
	m.ringTimer = m.deps.Loop.AfterFunc(m.cfg.RingTimeout, func() { m.ringTimeout(id) })
	m.deps.Metrics.IncCall("ringing")
	m.logger.Info("incoming call ringing",
		"component", "callalert",
		"conversation_id", s.ConversationID,
		"caller_id", s.CallerID,
		"video", s.IsVideo,
	)
	m.publish()
	return ResultCreated
}

// Accept answers the ringing call.
func (m *Machine) Accept(video bool) (Session, error) {
	if m.active == nil || m.active.State != StateRinging {
		return Session{}, ErrNoRingingCall
	}
	m.stopAlerting()
	m.active.State = StateAnswered
	m.active.AcceptedVideo = video
	s := *m.active
	m.deps.Metrics.IncCall("answered")
	if m.deps.Signals != nil {
		m.deps.Signals.Accepted(s, video)
	}
	m.publish()
	return s, nil
}

// Decline rejects the ringing call.
func (m *Machine) Decline() (Session, error) {
	if m.active == nil || m.active.State != StateRinging {
		return Session{}, ErrNoRingingCall
	}
	return m.decline(StateDeclined, ReasonLocal), nil
}

// OnRemoteEnded handles call:declined and call:ended. An empty conversation
// id applies to the active session; a different one is ignored.
func (m *Machine) OnRemoteEnded(conversationID string) {
	if m.active == nil {
		return
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID != "" && conversationID != m.active.ConversationID {
		m.logger.Debug("remote end for another conversation ignored", "component", "callalert", "conversation_id", conversationID)
		return
	}
	switch m.active.State {
	case StateRinging:
		m.decline(StateDeclined, ReasonRemote)
	case StateAnswered:
		m.end()
	}
}

// Close is the host closing the incoming call surface; any active session
// ends.
func (m *Machine) Close() {
	if m.active == nil {
		return
	}
	m.end()
}

// Active returns the current non-ended session.
func (m *Machine) Active() (Session, bool) {
	if m.active == nil {
		return Session{}, false
	}
	return *m.active, true
}

// Snapshot is safe from any goroutine. last is the most recently ended
// session, if any.
func (m *Machine) Snapshot() (active *Session, last *Session) {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	if m.snap != nil {
		s := *m.snap
		active = &s
	}
	if m.last != nil {
		s := *m.last
		last = &s
	}
	return active, last
}

func (m *Machine) ringTimeout(id string) {
	if m.active == nil || m.active.ID != id || m.active.State != StateRinging {
		return
	}
	m.logger.Info("incoming call timed out", "component", "callalert", "conversation_id", m.active.ConversationID)
	m.decline(StateTimedOut, ReasonTimeout)
}

func (m *Machine) decline(state State, reason string) Session {
	m.stopAlerting()
	m.active.State = state
	s := *m.active
	m.deps.Metrics.IncCall(string(state))
	if m.deps.Signals != nil {
		m.deps.Signals.Declined(s, reason)
	}
	m.end()
	return s
}

// stopAlerting silences the ringer, dismisses the call UI and cancels the
// ongoing call notification. Safe to call more than once.
func (m *Machine) stopAlerting() {
	m.ringTimer.Stop()
	m.ringTimer = nil
	if !m.alerting {
		return
	}
	m.alerting = false
	if m.deps.Ringer != nil {
		m.deps.Ringer.Stop()
	}
	if m.deps.UI != nil && m.active != nil {
		if err := m.deps.UI.Dismiss(*m.active); err != nil {
			m.logger.Warn("dismiss call ui failed", "component", "callalert", "error", err.Error())
		}
	}
	if m.deps.Notifications != nil {
		if err := m.deps.Notifications.CancelCall(); err != nil {
			m.logger.Warn("cancel call notification failed", "component", "callalert", "error", err.Error())
		}
	}
}

// end is the single cleanup path and is idempotent.
func (m *Machine) end() {
	if m.active == nil {
		return
	}
	m.stopAlerting()
	if m.wake != nil {
		m.wake.Release()
		m.wake = nil
	}
	m.active.State = StateEnded
	ended := *m.active
	m.active = nil
	m.deps.Metrics.IncCall("ended")
	if m.deps.Signals != nil {
		m.deps.Signals.Ended(ended)
	}
	m.snapMu.Lock()
	m.last = &ended
	m.snapMu.Unlock()
	m.publish()
}

func (m *Machine) acquireWakeLocked() {
	if m.deps.Locks == nil {
		return
	}
	lock, err := m.deps.Locks.WakeLock("keeper:call")
	if err == nil {
		err = lock.Acquire(m.cfg.WakeLockTimeout)
	}
	if err != nil {
		m.logger.Warn("call wake lock denied, ringing without it", "component", "callalert", "error", err.Error())
		return
	}
	m.wake = lock
}

func (m *Machine) publish() {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	if m.active == nil {
		m.snap = nil
		return
	}
	s := *m.active
	m.snap = &s
}

type nopMetrics struct{}

func (nopMetrics) IncCall(string) {}
