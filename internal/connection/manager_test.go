package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"eblusha/keeper/internal/credstore"
	"eblusha/keeper/internal/loop"
	"eblusha/keeper/internal/realtime"
)

type fakeEmit struct {
	event   string
	payload any
}

type fakeTransport struct {
	mu           sync.Mutex
	opts         realtime.Options
	h            realtime.Handlers
	connected    bool
	closed       bool
	connectCalls int
	emits        []fakeEmit
	// closeGate, when set, holds Close until it is closed.
	closeGate chan struct{}
}

func (f *fakeTransport) Connect() {
	f.mu.Lock()
	f.connectCalls++
	f.mu.Unlock()
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.closed
}

func (f *fakeTransport) Emit(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected || f.closed {
		return realtime.ErrNotConnected
	}
	f.emits = append(f.emits, fakeEmit{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) Close() {
	if f.closeGate != nil {
		<-f.closeGate
	}
	f.mu.Lock()
	f.closed = true
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) emitted() []fakeEmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeEmit(nil), f.emits...)
}

func (f *fakeTransport) connect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.h.OnConnect()
}

func (f *fakeTransport) drop(reason string) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.h.OnDisconnect(reason)
}

func (f *fakeTransport) silentlyDie() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	closeGate  chan struct{}
}

func (f *fakeFactory) build(opts realtime.Options, h realtime.Handlers) realtime.Transport {
	f.mu.Lock()
	gate := f.closeGate
	f.mu.Unlock()
	t := &fakeTransport{opts: opts, h: h, closeGate: gate}
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	return t
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.transports {
		if !t.isClosed() {
			n++
		}
	}
	return n
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

type routed struct {
	generation uint64
	name       string
}

type fakeRouter struct {
	mu     sync.Mutex
	bound  []uint64
	routed []routed
}

func (r *fakeRouter) Bind(generation uint64) {
	r.mu.Lock()
	r.bound = append(r.bound, generation)
	r.mu.Unlock()
}

func (r *fakeRouter) Route(generation uint64, name string, payload json.RawMessage) {
	r.mu.Lock()
	r.routed = append(r.routed, routed{generation: generation, name: name})
	r.mu.Unlock()
}

func (r *fakeRouter) snapshot() []routed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]routed(nil), r.routed...)
}

type fakeGuard struct {
	mu       sync.Mutex
	holders  map[string]bool
	affirmed int
}

func (g *fakeGuard) Acquire(holder string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holders == nil {
		g.holders = make(map[string]bool)
	}
	g.holders[holder] = true
	return nil
}

func (g *fakeGuard) Release(holder string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.holders, holder)
}

func (g *fakeGuard) Affirm() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.affirmed++
	return nil
}

func (g *fakeGuard) held(holder string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holders[holder]
}

type harness struct {
	loop    *loop.Loop
	factory *fakeFactory
	router  *fakeRouter
	guard   *fakeGuard
	store   *credstore.MemoryStore
	mgr     *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New()
	go l.Run(ctx)
	t.Cleanup(cancel)

	h := &harness{
		loop:    l,
		factory: &fakeFactory{},
		router:  &fakeRouter{},
		guard:   &fakeGuard{},
		store:   credstore.NewMemoryStore(),
	}
	h.mgr = NewManager(Config{
		URL:            "https://chat.example.org",
		ReconnectDelay: 60 * time.Millisecond,
		RetryDelay:     120 * time.Millisecond,
		ConnectTimeout: time.Second,
	}, Deps{
		Loop:    l,
		Factory: h.factory.build,
		Router:  h.router,
		Guard:   h.guard,
		Store:   h.store,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

// flush waits until everything posted so far has run on the loop and the
// closes and emits it started have finished.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	if err := h.loop.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("flush: %v", err)
	}
	h.mgr.Wait()
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func cred(token string) credstore.Credential {
	return credstore.Credential{AccessToken: token}
}

func TestStartWithEmptyCredentialCloses(t *testing.T) {
	h := newHarness(t)
	if err := h.mgr.Start(context.Background(), credstore.Credential{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.mgr.Status().State; got != StateClosed {
		t.Fatalf("expected closed, got %s", got)
	}
	if h.factory.count() != 0 {
		t.Fatal("empty credential must not create a transport")
	}
}

func TestCredentialUpdatesKeepSingleTransport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lastNonEmpty := ""
	for _, tok := range []string{"tok1", "tok2", "", "tok3", "tok3", "tok4"} {
		if err := h.mgr.UpdateCredential(ctx, cred(tok)); err != nil {
			t.Fatalf("update %q: %v", tok, err)
		}
		h.flush(t)
		if live := h.factory.live(); live > 1 {
			t.Fatalf("after %q: %d live transports", tok, live)
		}
		st := h.mgr.Status()
		if tok == "" {
			if st.State != StateClosed || h.factory.live() != 0 {
				t.Fatalf("empty credential must close, state=%s live=%d", st.State, h.factory.live())
			}
			continue
		}
		lastNonEmpty = tok
		if st.State == StateConnected || st.State == StateClosed || st.State == StateIdle {
			t.Fatalf("unexpected state %s after %q", st.State, tok)
		}
		if got := h.factory.last().opts.Token; got != lastNonEmpty {
			t.Fatalf("transport token %q, want %q", got, lastNonEmpty)
		}
	}
	if !h.guard.held(guardHolder) {
		t.Fatal("expected guard held while connecting")
	}
}

func TestUpdateSameCredentialWhileConnectedIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.mgr.UpdateCredential(ctx, cred("tok1"))
	h.factory.last().connect()
	h.flush(t)
	if got := h.mgr.Status().State; got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	before := h.mgr.Status().Reconnects
	if err := h.mgr.UpdateCredential(ctx, cred("tok1")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if h.factory.count() != 1 {
		t.Fatalf("expected no new transport, got %d", h.factory.count())
	}
	if after := h.mgr.Status().Reconnects; after != before {
		t.Fatalf("reconnect counter moved %d -> %d", before, after)
	}
}

func TestConnectEmitsPresenceAndAffirmsGuard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.mgr.SetPresenceFocus(ctx, true)
	_ = h.mgr.UpdateCredential(ctx, cred("tok1"))
	tr := h.factory.last()
	tr.connect()
	h.flush(t)
	emits := tr.emitted()
	if len(emits) != 1 || emits[0].event != realtime.EventPresenceFocus {
		t.Fatalf("expected one presence emit, got %+v", emits)
	}
	if got := emits[0].payload.(map[string]bool)["focused"]; !got {
		t.Fatal("expected focused=true")
	}
	h.guard.mu.Lock()
	affirmed := h.guard.affirmed
	h.guard.mu.Unlock()
	if affirmed != 1 {
		t.Fatalf("expected one guard affirm, got %d", affirmed)
	}

	_ = h.mgr.SetPresenceFocus(ctx, false)
	h.flush(t)
	if emits := tr.emitted(); len(emits) != 2 || emits[1].payload.(map[string]bool)["focused"] {
		t.Fatalf("expected focus change forwarded, got %+v", emits)
	}
}

func TestAbnormalDisconnectReconnectsOnceWithSameToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.mgr.UpdateCredential(ctx, cred("tok1"))
	first := h.factory.last()
	first.connect()
	h.flush(t)

	started := time.Now()
	first.drop(realtime.ReasonTransportClose)
	h.flush(t)
	if got := h.mgr.Status().State; got != StateReconnecting {
		t.Fatalf("expected reconnecting, got %s", got)
	}
	waitFor(t, time.Second, "reconnect", func() bool { return h.factory.count() == 2 })
	if elapsed := time.Since(started); elapsed < 50*time.Millisecond {
		t.Fatalf("reconnect fired too early: %s", elapsed)
	}
	if got := h.factory.last().opts.Token; got != "tok1" {
		t.Fatalf("reconnect used token %q", got)
	}
	h.flush(t)
	if !first.isClosed() {
		t.Fatal("previous transport must be torn down before reconnect")
	}
	time.Sleep(200 * time.Millisecond)
	if got := h.factory.count(); got != 2 {
		t.Fatalf("expected exactly one reconnect, got %d transports", got)
	}
	if got := h.mgr.Status().Reconnects; got != 1 {
		t.Fatalf("expected reconnect counter 1, got %d", got)
	}
}

func TestStopCancelsScheduledReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.mgr.UpdateCredential(ctx, cred("tok1"))
	tr := h.factory.last()
	tr.connect()
	tr.drop(realtime.ReasonPingTimeout)
	h.flush(t)
	if err := h.mgr.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if got := h.factory.count(); got != 1 {
		t.Fatalf("stop must cancel the reconnect, got %d transports", got)
	}
	st := h.mgr.Status()
	if st.State != StateClosed || st.PendingReconnect {
		t.Fatalf("unexpected status after stop: %+v", st)
	}
	if h.guard.held(guardHolder) {
		t.Fatal("stop must release the guard")
	}
}

func TestClientDisconnectDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.mgr.UpdateCredential(ctx, cred("tok1"))
	tr := h.factory.last()
	tr.connect()
	tr.drop(realtime.ReasonClientDisconnect)
	h.flush(t)
	if h.mgr.Status().PendingReconnect {
		t.Fatal("client-initiated disconnect must not schedule a reconnect")
	}
}

func TestConnectErrorRetriesAfterRetryDelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.mgr.UpdateCredential(ctx, cred("tok1"))
	tr := h.factory.last()
	tr.h.OnConnectError(errors.New("dial refused"))
	tr.h.OnConnectError(errors.New("dial refused"))
	h.flush(t)
	if got := h.mgr.Status().State; got != StateReconnecting {
		t.Fatalf("expected reconnecting, got %s", got)
	}
	time.Sleep(60 * time.Millisecond)
	if h.factory.count() != 1 {
		t.Fatal("retry fired before retry delay")
	}
	waitFor(t, time.Second, "retry", func() bool { return h.factory.count() == 2 })
	time.Sleep(200 * time.Millisecond)
	if got := h.factory.count(); got != 2 {
		t.Fatalf("repeated connect errors must schedule one retry, got %d transports", got)
	}
}

func TestScheduledReconnectSkippedWhenTransportRecovered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.mgr.UpdateCredential(ctx, cred("tok1"))
	tr := h.factory.last()
	tr.connect()
	tr.drop(realtime.ReasonTransportError)
	tr.connect()
	h.flush(t)
	time.Sleep(150 * time.Millisecond)
	if got := h.factory.count(); got != 1 {
		t.Fatalf("library reconnect must cancel the scheduled one, got %d transports", got)
	}
	if got := h.mgr.Status().State; got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
}

func TestStaleTransportCallbacksAreDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.mgr.UpdateCredential(ctx, cred("tok1"))
	stale := h.factory.last()
	_ = h.mgr.UpdateCredential(ctx, cred("tok2"))
	current := h.factory.last()

	stale.h.OnEvent(realtime.EventCallIncoming, json.RawMessage(`{"conversationId":"c1"}`))
	stale.h.OnConnect()
	stale.h.OnDisconnect(realtime.ReasonTransportClose)
	current.h.OnEvent(realtime.EventCallEnded, nil)
	h.flush(t)

	got := h.router.snapshot()
	if len(got) != 1 || got[0].name != realtime.EventCallEnded || got[0].generation != h.mgr.Status().Generation {
		t.Fatalf("unexpected routed events %+v", got)
	}
	st := h.mgr.Status()
	if st.State != StateConnecting || st.PendingReconnect {
		t.Fatalf("stale callbacks changed state: %+v", st)
	}
}

func TestHealthCheckAdoptsStoredCredential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.mgr.Start(ctx, cred("tok1"))
	if _, err := credstore.Save(ctx, h.store, "tok9", "ref9"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := h.mgr.HealthCheck(ctx); err != nil {
		t.Fatalf("health check: %v", err)
	}
	if got := h.factory.last().opts.Token; got != "tok9" {
		t.Fatalf("expected stored token adopted, got %q", got)
	}
	if got := h.mgr.Status().CredentialVersion; got != 1 {
		t.Fatalf("expected version 1, got %d", got)
	}
}

func TestHealthCheckIgnoresOlderStoredCredential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := credstore.Save(ctx, h.store, "old", ""); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = h.mgr.UpdateCredential(ctx, credstore.Credential{AccessToken: "newer", Version: 7})
	h.factory.last().connect()
	h.flush(t)
	_ = h.mgr.HealthCheck(ctx)
	if got := h.factory.count(); got != 1 {
		t.Fatalf("older stored credential must not be adopted, got %d transports", got)
	}
}

func TestHealthCheckEmptyStoredCredentialCloses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saved, _ := credstore.Save(ctx, h.store, "tok1", "")
	_ = h.mgr.Start(ctx, saved)
	h.factory.last().connect()
	h.flush(t)
	if _, err := credstore.Save(ctx, h.store, "", ""); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = h.mgr.HealthCheck(ctx)
	if st := h.mgr.Status(); st.State != StateClosed || st.Authenticated {
		t.Fatalf("expected closed unauthenticated, got %+v", st)
	}
	h.flush(t)
	if h.factory.live() != 0 {
		t.Fatal("expected transport torn down")
	}
}

func TestHealthCheckReconnectsSilentlyDeadTransport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saved, _ := credstore.Save(ctx, h.store, "tok1", "")
	_ = h.mgr.Start(ctx, saved)
	tr := h.factory.last()
	tr.connect()
	h.flush(t)
	tr.silentlyDie()
	_ = h.mgr.HealthCheck(ctx)
	if got := h.factory.count(); got != 2 {
		t.Fatalf("expected immediate reconnect, got %d transports", got)
	}
	h.flush(t)
	if h.factory.live() != 1 {
		t.Fatal("expected exactly one live transport")
	}
}

func TestHealthCheckLeavesFreshConnectAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saved, _ := credstore.Save(ctx, h.store, "tok1", "")
	_ = h.mgr.Start(ctx, saved)
	_ = h.mgr.HealthCheck(ctx)
	if got := h.factory.count(); got != 1 {
		t.Fatalf("connect in progress must not be restarted, got %d transports", got)
	}
}

func TestEmitWithoutConnectionIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.mgr.UpdateCredential(ctx, cred("tok1"))
	err := h.mgr.Emit(ctx, realtime.EventCallDecline, map[string]string{"conversationId": "c1"})
	if !errors.Is(err, realtime.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	tr := h.factory.last()
	tr.connect()
	h.flush(t)
	if err := h.mgr.Emit(ctx, realtime.EventCallDecline, map[string]string{"conversationId": "c1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if emits := tr.emitted(); emits[len(emits)-1].event != realtime.EventCallDecline {
		t.Fatalf("unexpected emits %+v", emits)
	}
}

func TestSlowTransportCloseDoesNotStallLoop(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.factory.closeGate = gate
	ctx := context.Background()
	_ = h.mgr.UpdateCredential(ctx, cred("tok1"))
	first := h.factory.last()
	first.connect()
	h.flush(t)

	done := make(chan error, 1)
	go func() {
		done <- h.mgr.UpdateCredential(ctx, cred("tok2"))
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("credential update blocked behind the old transport's close")
	}
	if got := h.factory.last().opts.Token; got != "tok2" {
		t.Fatalf("expected new transport with tok2, got %q", got)
	}
	if first.isClosed() {
		t.Fatal("old transport close should still be pending")
	}

	close(gate)
	h.flush(t)
	if !first.isClosed() {
		t.Fatal("old transport never closed")
	}
	if h.factory.live() != 1 {
		t.Fatalf("expected one live transport, got %d", h.factory.live())
	}
}
