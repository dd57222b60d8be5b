package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"eblusha/keeper/internal/domains/contracts"
)

const streamHeartbeat = 20 * time.Second

var errInvalidCursor = errors.New("invalid cursor")

// handleRPCStream replays hub events after the client's cursor and then
// follows the live feed. Every frame is a JSON-RPC notification whose SSE id
// is the hub sequence, so EventSource reconnects resume via Last-Event-ID.
func (s *Server) handleRPCStream(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cursor, err := streamCursor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	release, ok := s.streams.acquire(rpcRateLimitKey(r, s.extractRPCToken(r)))
	if !ok {
		http.Error(w, "too many stream subscriptions", http.StatusTooManyRequests)
		return
	}
	defer release()

	out, ok := newSSEWriter(w)
	if !ok {
		http.Error(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}

	replay, live, cancel := s.service.SubscribeNotifications(cursor)
	defer cancel()
	for _, evt := range replay {
		if out.event(evt) != nil {
			return
		}
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-live:
			if !open || out.event(evt) != nil {
				return
			}
		case <-heartbeat.C:
			if out.comment("keepalive") != nil {
				return
			}
		}
	}
}

func streamCursor(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errInvalidCursor
	}
	return v, nil
}

type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// newSSEWriter sends the stream headers right away so clients see the
// subscription open before the first event.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, true
}

type streamNotification struct {
	JSONRPC string       `json:"jsonrpc"`
	Method  string       `json:"method"`
	Params  streamParams `json:"params"`
}

type streamParams struct {
	Version   int       `json:"version"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

func (s *sseWriter) event(evt contracts.NotificationEvent) error {
	data, err := json.Marshal(streamNotification{
		JSONRPC: "2.0",
		Method:  evt.Method,
		Params: streamParams{
			Version:   rpcNotificationVersion,
			Seq:       evt.Seq,
			Timestamp: evt.Timestamp,
			Payload:   evt.Payload,
		},
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\ndata: %s\n\n", evt.Seq, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
