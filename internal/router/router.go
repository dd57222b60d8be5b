// Package router dispatches decoded inbound events to the call machine and
// the notification presenter.
package router

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"eblusha/keeper/internal/callalert"
	"eblusha/keeper/internal/notify"
	"eblusha/keeper/internal/realtime"
)

const componentName = "router"

type Calls interface {
	OnIncoming(in callalert.Incoming) callalert.Result
	OnRemoteEnded(conversationID string)
}

type Messages interface {
	ShowMessage(a notify.MessageAlert) (int32, error)
}

type Metrics interface {
	IncEvent(name, outcome string)
}

type handler func(ev realtime.Event)

// Router must be driven from the owner loop, like the connection manager
// that feeds it.
type Router struct {
	calls    Calls
	messages Messages
	logger   *slog.Logger
	metrics  Metrics

	generation uint64
	table      map[string]handler
}

func New(calls Calls, messages Messages, logger *slog.Logger, metrics Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	r := &Router{calls: calls, messages: messages, logger: logger, metrics: metrics}
	r.table = map[string]handler{
		realtime.EventMessageNotify: r.onMessage,
		realtime.EventCallIncoming:  r.onCallIncoming,
		realtime.EventCallDeclined:  r.onCallFinished,
		realtime.EventCallEnded:     r.onCallFinished,
	}
	return r
}

// Bind switches the router to a new transport generation. Events tagged with
// any other generation are dropped from then on.
func (r *Router) Bind(generation uint64) {
	r.generation = generation
}

func (r *Router) Route(generation uint64, name string, payload json.RawMessage) {
	if generation != r.generation {
		r.metrics.IncEvent(name, "stale")
		r.logger.Debug("event from unbound generation dropped",
			"component", componentName,
			"event", name,
			"generation", generation,
			"bound_generation", r.generation,
		)
		return
	}
	h, ok := r.table[name]
	if !ok {
		r.metrics.IncEvent(name, "unknown")
		r.logger.Debug("unknown event ignored", "component", componentName, "event", name)
		return
	}
	ev, err := realtime.Decode(name, payload)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, realtime.ErrUnknownEvent) {
			outcome = "unknown"
		}
		r.metrics.IncEvent(name, outcome)
		r.logger.Warn("event dropped",
			"component", componentName,
			"event", name,
			"error", err.Error(),
		)
		return
	}
	r.metrics.IncEvent(name, "routed")
	h(ev)
}

func (r *Router) onMessage(ev realtime.Event) {
	msg := ev.(realtime.MessageNotify)
	if r.messages == nil {
		return
	}
	alert := notify.MessageAlert{
		ID:             notify.RecordID(msg.ConversationID, msg.MessageID),
		ConversationID: msg.ConversationID,
		MessageID:      msg.MessageID,
		SenderName:     SenderName(msg),
		Body:           Preview(msg.Message),
	}
	if msg.Message != nil && msg.Message.Sender != nil {
		alert.AvatarRef = strings.TrimSpace(msg.Message.Sender.AvatarURL)
	}
	if _, err := r.messages.ShowMessage(alert); err != nil {
		r.logger.Warn("message notification failed",
			"component", componentName,
			"conversation_id", msg.ConversationID,
			"error", err.Error(),
		)
	}
}

func (r *Router) onCallIncoming(ev realtime.Event) {
	call := ev.(realtime.CallIncoming)
	if r.calls == nil {
		return
	}
	res := r.calls.OnIncoming(callalert.Incoming{
		ConversationID: call.ConversationID,
		CallerID:       call.From.ID,
		CallerName:     call.From.Name,
		IsVideo:        call.Video,
		AvatarRef:      call.AvatarRef(),
	})
	if res != callalert.ResultCreated {
		r.metrics.IncEvent(realtime.EventCallIncoming, string(res))
	}
}

func (r *Router) onCallFinished(ev realtime.Event) {
	if r.calls == nil {
		return
	}
	switch e := ev.(type) {
	case realtime.CallDeclined:
		r.calls.OnRemoteEnded(e.ConversationID)
	case realtime.CallEnded:
		r.calls.OnRemoteEnded(e.ConversationID)
	}
}

type nopMetrics struct{}

func (nopMetrics) IncEvent(string, string) {}
