// Package notify renders message and call alerts through a host notifier.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	ChannelMessages = "messages"
	ChannelCalls    = "calls"

	PriorityHigh = "high"
)

// Notification is what the host renders into one OS notification slot.
type Notification struct {
	ID             int32  `json:"id"`
	Channel        string `json:"channel"`
	Group          string `json:"group,omitempty"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID string `json:"conversationId,omitempty"`
	Avatar         []byte `json:"avatar,omitempty"`
	Priority       string `json:"priority"`
	Ongoing        bool   `json:"ongoing,omitempty"`
	FullScreen     bool   `json:"fullScreen,omitempty"`
	Video          bool   `json:"video,omitempty"`
	// Silent marks a re-render of an existing slot that must not alert again.
	Silent bool `json:"silent,omitempty"`
}

type Notifier interface {
	Notify(n Notification) error
	Cancel(id int32) error
}

type AvatarLoader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

type Metrics interface {
	IncNotification(kind, outcome string)
}

type MessageAlert struct {
	ID             int32
	ConversationID string
	MessageID      string
	SenderName     string
	Body           string
	AvatarRef      string
}

type CallAlert struct {
	ConversationID string
	CallerName     string
	IsVideo        bool
	AvatarRef      string
}

type Config struct {
	AvatarWorkers int           `yaml:"avatarWorkers"`
	AvatarTimeout time.Duration `yaml:"avatarTimeout"`
}

func DefaultConfig() Config {
	return Config{AvatarWorkers: 4, AvatarTimeout: 4 * time.Second}
}

type record struct {
	conversationID string
	messageID      string
	revision       uint64
	alert          Notification
}

type Presenter struct {
	cfg      Config
	notifier Notifier
	loader   AvatarLoader
	logger   *slog.Logger
	metrics  Metrics
	post     func(func())
	pool     *semaphore.Weighted

	mu       sync.Mutex
	records  map[int32]*record
	revision uint64
	inflight sync.WaitGroup
}

type Deps struct {
	Notifier Notifier
	Loader   AvatarLoader
	Logger   *slog.Logger
	Metrics  Metrics
	// Post delivers avatar results back to the owner. Defaults to a direct call.
	Post func(func())
}

func NewPresenter(cfg Config, deps Deps) *Presenter {
	def := DefaultConfig()
	if cfg.AvatarWorkers <= 0 {
		cfg.AvatarWorkers = def.AvatarWorkers
	}
	if cfg.AvatarTimeout <= 0 {
		cfg.AvatarTimeout = def.AvatarTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	post := deps.Post
	if post == nil {
		post = func(fn func()) { fn() }
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Presenter{
		cfg:      cfg,
		notifier: deps.Notifier,
		loader:   deps.Loader,
		logger:   logger,
		metrics:  metrics,
		post:     post,
		pool:     semaphore.NewWeighted(int64(cfg.AvatarWorkers)),
		records:  make(map[int32]*record),
	}
}

// ErrReservedSlot rejects an explicit message id that falls on a slot kept
// for the call or service notification.
var ErrReservedSlot = errors.New("notification id is reserved")

// ShowMessage renders the alert into slot a.ID (RecordID of the pair when
// zero), replacing whatever that slot showed. The avatar, if any, is fetched
// in the background and applied with a silent re-render.
func (p *Presenter) ShowMessage(a MessageAlert) (int32, error) {
	a.ConversationID = strings.TrimSpace(a.ConversationID)
	if a.ConversationID == "" {
		return 0, errors.New("conversation id is required")
	}
	switch {
	case a.ID == 0:
		a.ID = RecordID(a.ConversationID, a.MessageID)
	case a.ID > 0 && a.ID < reservedSlots:
		return 0, fmt.Errorf("%w: %d", ErrReservedSlot, a.ID)
	}
	title := strings.TrimSpace(a.SenderName)
	if title == "" {
		title = DefaultTitle
	}
	n := Notification{
		ID:             a.ID,
		Channel:        ChannelMessages,
		Group:          Group(a.ConversationID),
		Title:          title,
		Body:           a.Body,
		ConversationID: a.ConversationID,
		Priority:       PriorityHigh,
	}

	p.mu.Lock()
	p.revision++
	rev := p.revision
	rec := &record{conversationID: a.ConversationID, messageID: a.MessageID, revision: rev, alert: n}
	p.records[a.ID] = rec
	err := p.notifier.Notify(n)
	p.mu.Unlock()
	if err != nil {
		p.metrics.IncNotification("message", "failed")
		return a.ID, err
	}
	p.metrics.IncNotification("message", "shown")

	if ref := strings.TrimSpace(a.AvatarRef); ref != "" && p.loader != nil {
		p.fetchAvatar(a.ID, rev, ref)
	}
	return a.ID, nil
}

// ShowCall renders the ongoing full-screen call notification in the fixed
// call slot.
func (p *Presenter) ShowCall(a CallAlert) error {
	title := strings.TrimSpace(a.CallerName)
	if title == "" {
		title = DefaultCallerName
	}
	body := "Incoming audio call"
	if a.IsVideo {
		body = "Incoming video call"
	}
	n := Notification{
		ID:             CallSlotID,
		Channel:        ChannelCalls,
		Title:          title,
		Body:           body,
		ConversationID: a.ConversationID,
		Priority:       PriorityHigh,
		Ongoing:        true,
		FullScreen:     true,
		Video:          a.IsVideo,
	}
	p.mu.Lock()
	p.revision++
	rev := p.revision
	p.records[CallSlotID] = &record{conversationID: a.ConversationID, revision: rev, alert: n}
	err := p.notifier.Notify(n)
	p.mu.Unlock()
	if err != nil {
		p.metrics.IncNotification("call", "failed")
		return err
	}
	p.metrics.IncNotification("call", "shown")
	if ref := strings.TrimSpace(a.AvatarRef); ref != "" && p.loader != nil {
		p.fetchAvatar(CallSlotID, rev, ref)
	}
	return nil
}

func (p *Presenter) CancelCall() error {
	return p.Cancel([]int32{CallSlotID})
}

// Cancel removes the given slots. Unknown ids are still cancelled at the
// host so slots left over from a previous process go away too.
func (p *Presenter) Cancel(ids []int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, id := range ids {
		delete(p.records, id)
		if err := p.notifier.Cancel(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClearAll removes every slot this presenter rendered.
func (p *Presenter) ClearAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for id := range p.records {
		if err := p.notifier.Cancel(id); err != nil {
			errs = append(errs, err)
		}
	}
	p.records = make(map[int32]*record)
	return errors.Join(errs...)
}

// Active returns the ids currently rendered.
func (p *Presenter) Active() []int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int32, 0, len(p.records))
	for id := range p.records {
		out = append(out, id)
	}
	return out
}

// Wait blocks until every background avatar fetch has delivered.
func (p *Presenter) Wait() {
	p.inflight.Wait()
}

func (p *Presenter) fetchAvatar(id int32, rev uint64, ref string) {
	if !p.pool.TryAcquire(1) {
		p.metrics.IncNotification("avatar", "pool_full")
		p.logger.Debug("avatar pool full, keeping notification without avatar", "component", "notify", "id", id)
		return
	}
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer p.pool.Release(1)
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AvatarTimeout)
		defer cancel()
		data, err := p.loader.Load(ctx, ref)
		if err != nil {
			p.metrics.IncNotification("avatar", "failed")
			p.logger.Info("avatar fetch failed", "component", "notify", "avatar_ref", ref, "error", err.Error())
			return
		}
		done := make(chan struct{})
		p.post(func() {
			defer close(done)
			p.applyAvatar(id, rev, data)
		})
		select {
		case <-done:
		case <-time.After(p.cfg.AvatarTimeout):
		}
	}()
}

func (p *Presenter) applyAvatar(id int32, rev uint64, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok || rec.revision != rev {
		p.metrics.IncNotification("avatar", "stale")
		return
	}
	n := rec.alert
	n.Avatar = data
	n.Silent = true
	if err := p.notifier.Notify(n); err != nil {
		p.logger.Warn("avatar re-render failed", "component", "notify", "id", id, "error", err.Error())
		return
	}
	rec.alert = n
	p.metrics.IncNotification("avatar", "applied")
}

const (
	DefaultTitle      = "New message"
	DefaultCallerName = "Incoming call"
)

type nopMetrics struct{}

func (nopMetrics) IncNotification(string, string) {}
