package keeperservice

import (
	"context"
	"errors"
	"time"

	"eblusha/keeper/internal/app"
	"eblusha/keeper/internal/callalert"
	"eblusha/keeper/internal/connection"
	"eblusha/keeper/internal/loop"
	"eblusha/keeper/internal/realtime"
)

const signalEmitTimeout = 5 * time.Second

type callAcceptPayload struct {
	ConversationID string `json:"conversationId"`
	Video          bool   `json:"video"`
}

type callDeclinePayload struct {
	ConversationID string `json:"conversationId"`
}

type callOutcome struct {
	Session callalert.Session `json:"session"`
	Reason  string            `json:"reason,omitempty"`
	Video   bool              `json:"video,omitempty"`
}

// callSignals runs on the owner loop, so outbound emits go to their own
// goroutine: Manager.Emit posts back onto the loop. Stop waits for them.
type callSignals struct {
	s *Service
}

func (c callSignals) Accepted(session callalert.Session, video bool) {
	c.s.hub.Publish(app.EventCallAccepted, callOutcome{Session: session, Video: video})
	c.s.logInfo("call.accept", callCorrelationID(session.ConversationID, session.ID), "call accepted", "video", video)
	c.s.goEmit(realtime.EventCallAccept, callAcceptPayload{ConversationID: session.ConversationID, Video: video}, session)
}

func (c callSignals) Declined(session callalert.Session, reason string) {
	c.s.hub.Publish(app.EventCallDeclined, callOutcome{Session: session, Reason: reason})
	c.s.logInfo("call.decline", callCorrelationID(session.ConversationID, session.ID), "call declined", "reason", reason)
	if reason == callalert.ReasonRemote {
		return
	}
	c.s.goEmit(realtime.EventCallDecline, callDeclinePayload{ConversationID: session.ConversationID}, session)
}

func (c callSignals) Ended(session callalert.Session) {
	c.s.hub.Publish(app.EventCallEnded, callOutcome{Session: session})
}

func (s *Service) goEmit(event string, payload any, session callalert.Session) {
	s.emits.Add(1)
	go func() {
		defer s.emits.Done()
		s.emit(event, payload, session)
	}()
}

func (s *Service) emit(event string, payload any, session callalert.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), signalEmitTimeout)
	defer cancel()
	err := s.manager.Emit(ctx, event, payload)
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrNotConnected):
		s.logInfo(event, callCorrelationID(session.ConversationID, session.ID), "call signal dropped while offline")
	case errors.Is(err, loop.ErrClosed):
		s.logInfo(event, callCorrelationID(session.ConversationID, session.ID), "call signal dropped during shutdown")
	default:
		s.logWarn(event, callCorrelationID(session.ConversationID, session.ID), "call signal emit failed", "error", err.Error())
	}
}

// publishStatus runs on the owner loop after every connection status change.
func (s *Service) publishStatus(st connection.Status) {
	s.hub.Publish(app.EventKeeperStatus, st)
}
