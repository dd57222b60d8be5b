package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"eblusha/keeper/internal/domains/contracts"
)

type fakeService struct {
	mu          sync.Mutex
	credentials []contracts.CredentialsUpdate
	focus       []bool
	calls       []contracts.IncomingCall
	callResult  string
	acceptErr   error
	cancelled   []int32
	messages    []contracts.MessageNotification
	events      []contracts.NotificationEvent
}

func (f *fakeService) UpdateCredentials(_ context.Context, u contracts.CredentialsUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credentials = append(f.credentials, u)
	return nil
}

func (f *fakeService) SetPresenceFocus(_ context.Context, focused bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focus = append(f.focus, focused)
	return nil
}

func (f *fakeService) ShowIncomingCall(_ context.Context, c contracts.IncomingCall) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.callResult, nil
}

func (f *fakeService) CloseIncomingCall(context.Context) error { return nil }

func (f *fakeService) AcceptCall(_ context.Context, video bool) (contracts.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return contracts.CallSession{}, f.acceptErr
	}
	return contracts.CallSession{ConversationID: "c1", State: "answered", AcceptedVideo: video}, nil
}

func (f *fakeService) DeclineCall(context.Context) (contracts.CallSession, error) {
	return contracts.CallSession{ConversationID: "c1", State: "ended"}, nil
}

func (f *fakeService) ShowMessage(_ context.Context, m contracts.MessageNotification) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return 77, nil
}

func (f *fakeService) CancelNotifications(_ context.Context, ids []int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, ids...)
	return nil
}

func (f *fakeService) ClearNotifications(context.Context) error { return nil }

func (f *fakeService) Status(context.Context) (contracts.KeeperStatus, error) {
	return contracts.KeeperStatus{Connection: contracts.ConnectionStatus{State: "connected", Connected: true}}, nil
}

func (f *fakeService) HealthCheck(context.Context) error { return nil }
func (f *fakeService) Start(context.Context) error       { return nil }
func (f *fakeService) Stop(context.Context) error        { return nil }

func (f *fakeService) SubscribeNotifications(cursor int64) ([]contracts.NotificationEvent, <-chan contracts.NotificationEvent, func()) {
	var replay []contracts.NotificationEvent
	for _, ev := range f.events {
		if ev.Seq > cursor {
			replay = append(replay, ev)
		}
	}
	ch := make(chan contracts.NotificationEvent)
	return replay, ch, func() {}
}

func newTestServer(t *testing.T, svc *fakeService, opts Options) *httptest.Server {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(opts, svc)
	if s.Err() != nil {
		t.Fatalf("server init: %v", s.Err())
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func call(t *testing.T, ts *httptest.Server, token, body string) (int, rpcReply) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out rpcReply
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
	}
	return resp.StatusCode, out
}

func decodeResult(t *testing.T, raw json.RawMessage) commandResult {
	t.Helper()
	var out commandResult
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode result %s: %v", raw, err)
	}
	return out
}

func TestRPCRequiresToken(t *testing.T) {
	ts := newTestServer(t, &fakeService{}, Options{Token: "secret"})
	status, _ := call(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"health_check"}`)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	status, reply := call(t, ts, "secret", `{"jsonrpc":"2.0","id":1,"method":"health_check"}`)
	if status != http.StatusOK || reply.Error != nil || !decodeResult(t, reply.Result).Success {
		t.Fatalf("unexpected health reply %d %+v", status, reply)
	}
}

func TestRequireTokenWithoutTokenFailsInit(t *testing.T) {
	s := NewServer(Options{RequireToken: true}, &fakeService{})
	if s.Err() == nil {
		t.Fatal("expected init error")
	}
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run must surface init error")
	}
}

func TestCredentialsAndFocusCommands(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc, Options{})
	_, reply := call(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"credentials.update","params":{"token":"tok1","refreshToken":"r1"}}`)
	if !decodeResult(t, reply.Result).Success {
		t.Fatalf("credentials.update failed: %+v", reply)
	}
	_, reply = call(t, ts, "", `{"jsonrpc":"2.0","id":2,"method":"credentials.update","params":[{"token":""}]}`)
	if !decodeResult(t, reply.Result).Success {
		t.Fatalf("clearing credentials must succeed: %+v", reply)
	}
	_, reply = call(t, ts, "", `{"jsonrpc":"2.0","id":3,"method":"presence.setFocus","params":{"focused":true}}`)
	if !decodeResult(t, reply.Result).Success {
		t.Fatalf("presence.setFocus failed: %+v", reply)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.credentials) != 2 || svc.credentials[0].AccessToken != "tok1" || svc.credentials[0].RefreshToken != "r1" || svc.credentials[1].AccessToken != "" {
		t.Fatalf("unexpected credentials %+v", svc.credentials)
	}
	if len(svc.focus) != 1 || !svc.focus[0] {
		t.Fatalf("unexpected focus %v", svc.focus)
	}
}

func TestInvalidParamsAndUnknownMethod(t *testing.T) {
	ts := newTestServer(t, &fakeService{}, Options{})
	for _, body := range []string{
		`{"jsonrpc":"2.0","id":1,"method":"presence.setFocus","params":{}}`,
		`{"jsonrpc":"2.0","id":1,"method":"notifications.cancel","params":{"ids":"x"}}`,
		`{"jsonrpc":"2.0","id":1,"method":"notifications.showMessage","params":[{"conversationId":"c1"},{}]}`,
	} {
		_, reply := call(t, ts, "", body)
		if reply.Error != nil {
			t.Fatalf("bad params must answer with a command result, got %+v", reply.Error)
		}
		res := decodeResult(t, reply.Result)
		if res.Success || res.Error == "" || res.Category != contracts.ErrorCategoryPayload {
			t.Fatalf("expected payload failure for %s, got %+v", body, res)
		}
	}
	_, reply := call(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"keeper.reboot"}`)
	if reply.Error == nil || reply.Error.Code != -32601 {
		t.Fatalf("expected method not found, got %+v", reply)
	}
	_, reply = call(t, ts, "", `{"jsonrpc":"1.0","id":1,"method":"health_check"}`)
	if reply.Error == nil || reply.Error.Code != -32600 {
		t.Fatalf("expected invalid request, got %+v", reply)
	}
	_, reply = call(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"health_check","apiVersion":9}`)
	if reply.Error == nil || reply.Error.Code != -32080 {
		t.Fatalf("expected unsupported version, got %+v", reply)
	}
}

func TestCallCommands(t *testing.T) {
	svc := &fakeService{callResult: "busy"}
	ts := newTestServer(t, svc, Options{})
	_, reply := call(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"call.showIncoming","params":{"conversationId":"c2","callerName":"Eve","isVideo":true}}`)
	res := decodeResult(t, reply.Result)
	if !res.Success || res.Data.(map[string]any)["result"] != "busy" {
		t.Fatalf("unexpected showIncoming result %+v", res)
	}
	_, reply = call(t, ts, "", `{"jsonrpc":"2.0","id":2,"method":"call.accept","params":{"video":true}}`)
	res = decodeResult(t, reply.Result)
	if !res.Success || res.Data.(map[string]any)["acceptedVideo"] != true {
		t.Fatalf("unexpected accept result %+v", res)
	}

	svc.mu.Lock()
	svc.acceptErr = errors.New("no ringing call")
	svc.mu.Unlock()
	_, reply = call(t, ts, "", `{"jsonrpc":"2.0","id":3,"method":"call.accept"}`)
	if reply.Error != nil {
		t.Fatalf("command failure must not be a protocol error: %+v", reply.Error)
	}
	res = decodeResult(t, reply.Result)
	if res.Success || res.Error != "no ringing call" {
		t.Fatalf("expected failed command, got %+v", res)
	}
}

func TestNotificationCommands(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc, Options{})
	_, reply := call(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"notifications.showMessage","params":{"conversationId":"c1","messageId":"m1","senderName":"Bob","body":"hi"}}`)
	res := decodeResult(t, reply.Result)
	if !res.Success || res.Data.(map[string]any)["id"] != float64(77) {
		t.Fatalf("unexpected showMessage result %+v", res)
	}
	_, reply = call(t, ts, "", `{"jsonrpc":"2.0","id":2,"method":"notifications.showMessage","params":{"body":"hi"}}`)
	if reply.Error == nil {
		t.Fatal("missing conversation id must be rejected")
	}
	_, reply = call(t, ts, "", `{"jsonrpc":"2.0","id":3,"method":"notifications.cancel","params":{"ids":[77,78]}}`)
	if !decodeResult(t, reply.Result).Success {
		t.Fatalf("cancel failed %+v", reply)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.cancelled) != 2 || svc.cancelled[1] != 78 {
		t.Fatalf("unexpected cancelled ids %v", svc.cancelled)
	}
}

func TestStatusCommand(t *testing.T) {
	ts := newTestServer(t, &fakeService{}, Options{})
	_, reply := call(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"keeper.status"}`)
	res := decodeResult(t, reply.Result)
	conn := res.Data.(map[string]any)["connection"].(map[string]any)
	if conn["state"] != "connected" || conn["connected"] != true {
		t.Fatalf("unexpected status %+v", res)
	}
}

func TestRPCRateLimit(t *testing.T) {
	ts := newTestServer(t, &fakeService{}, Options{RateRPS: 0.001, RateBurst: 1})
	_, first := call(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"health_check"}`)
	if first.Error != nil {
		t.Fatalf("first request must pass: %+v", first.Error)
	}
	_, second := call(t, ts, "", `{"jsonrpc":"2.0","id":2,"method":"health_check"}`)
	if second.Error == nil || second.Error.Code != -32029 {
		t.Fatalf("expected rate limit error, got %+v", second)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "keeper_up 1\n")
	})
	ts := newTestServer(t, &fakeService{}, Options{Metrics: metrics})
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", err, resp)
	}
	resp.Body.Close()
	resp, err = ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "keeper_up") {
		t.Fatalf("unexpected metrics body %q", body)
	}
}

func TestDisallowedOriginRejected(t *testing.T) {
	ts := newTestServer(t, &fakeService{}, Options{})
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestStreamReplaysFromCursor(t *testing.T) {
	now := time.Now().UTC()
	svc := &fakeService{events: []contracts.NotificationEvent{
		{Seq: 1, Method: "keeper.alive", Timestamp: now},
		{Seq: 2, Method: "call.show", Payload: map[string]string{"conversationId": "c1"}, Timestamp: now},
	}}
	ts := newTestServer(t, svc, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/rpc/stream?cursor=1", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	reader := bufio.NewReader(resp.Body)
	var idLine, dataLine string
	for idLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "id: "):
			idLine = strings.TrimSpace(line)
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}
	if idLine != "id: 2" {
		t.Fatalf("expected replay from cursor, got %q", idLine)
	}
	var msg struct {
		Method string `json:"method"`
		Params struct {
			Seq int64 `json:"seq"`
		} `json:"params"`
	}
	if err := json.Unmarshal([]byte(dataLine), &msg); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if msg.Method != "call.show" || msg.Params.Seq != 2 {
		t.Fatalf("unexpected event %+v", msg)
	}
}

func TestStreamLimiter(t *testing.T) {
	l := newRPCStreamLimiter(StreamLimits{MaxGlobal: 2, MaxPerClient: 1})
	release, ok := l.acquire("a")
	if !ok {
		t.Fatal("first stream must be allowed")
	}
	if _, ok := l.acquire("a"); ok {
		t.Fatal("per-client limit exceeded")
	}
	if _, ok := l.acquire("b"); !ok {
		t.Fatal("other client must be allowed")
	}
	if _, ok := l.acquire("c"); ok {
		t.Fatal("global limit exceeded")
	}
	release()
	if _, ok := l.acquire("a"); !ok {
		t.Fatal("released slot must be reusable")
	}
}
