package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"eblusha/keeper/internal/domains/contracts"
	"eblusha/keeper/internal/platform/privacylog"
)

// Hub event methods delivered to the host over the RPC stream.
const (
	EventKeeperAlive        = "keeper.alive"
	EventServiceAlive       = "keeper.serviceAlive"
	EventKeeperStatus       = "keeper.status"
	EventNotificationShow   = "notification.show"
	EventNotificationCancel = "notification.cancel"
	EventCallShow           = "call.show"
	EventCallDismiss        = "call.dismiss"
	EventCallAccepted       = "call.accepted"
	EventCallDeclined       = "call.declined"
	EventCallEnded          = "call.ended"
	EventRingerStart        = "ringer.start"
	EventRingerStop         = "ringer.stop"
	EventLockChanged        = "lock.changed"
)

type NotificationEvent = contracts.NotificationEvent

// NotificationHub fans hub events out to stream subscribers and keeps a
// bounded history so a reconnecting subscriber can replay from a sequence.
// A subscriber that cannot keep up is closed rather than blocking Publish.
type NotificationHub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []NotificationEvent
	subs    map[int]chan NotificationEvent
	nextSub int
	now     func() time.Time
}

func NewNotificationHub(limit int) *NotificationHub {
	if limit < 1 {
		limit = 1
	}
	return &NotificationHub{
		limit: limit,
		subs:  make(map[int]chan NotificationEvent),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (h *NotificationHub) Publish(method string, payload any) NotificationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := NotificationEvent{
		Seq:       h.nextSeq,
		Method:    method,
		Payload:   payload,
		Timestamp: h.now(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]NotificationEvent(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
	return event
}

// Subscribe returns the retained events after fromSeq, a live channel and
// its cancel func.
func (h *NotificationHub) Subscribe(fromSeq int64) ([]NotificationEvent, <-chan NotificationEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var replay []NotificationEvent
	for _, event := range h.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan NotificationEvent, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *NotificationHub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

func (h *NotificationHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// LastSeq is the sequence of the most recent event, 0 if none.
func (h *NotificationHub) LastSeq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}

// NewLogger builds the process logger. Every handler is wrapped by the
// privacy sanitizer so tokens and raw conversation ids never reach the sink.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(privacylog.WrapHandler(h))
}

func DefaultLogger() *slog.Logger {
	return NewLogger(os.Stdout, "info", "json")
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
