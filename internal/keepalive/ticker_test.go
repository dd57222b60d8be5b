package keepalive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu           sync.Mutex
	alive        int
	serviceAlive int
	selfChecks   int
	health       int
	deadlineSet  bool
}

func (r *recorder) Alive(time.Time) {
	r.mu.Lock()
	r.alive++
	r.mu.Unlock()
}

func (r *recorder) ServiceAlive(time.Time) {
	r.mu.Lock()
	r.serviceAlive++
	r.mu.Unlock()
}

func (r *recorder) SelfCheck() {
	r.mu.Lock()
	r.selfChecks++
	r.mu.Unlock()
}

func (r *recorder) counts() (alive, serviceAlive, selfChecks, health int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive, r.serviceAlive, r.selfChecks, r.health
}

type tickMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *tickMetrics) IncTick(outcome string) {
	m.mu.Lock()
	m.outcomes[outcome]++
	m.mu.Unlock()
}

func (m *tickMetrics) ObserveTick(time.Duration) {}

func (m *tickMetrics) count(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[outcome]
}

func newTicker(rec *recorder, metrics *tickMetrics, health func(context.Context) error) *Ticker {
	return New(Config{Period: 10 * time.Millisecond}, Deps{
		HealthCheck: health,
		Guard:       rec,
		Publisher:   rec,
		Metrics:     metrics,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestTickRunsAllSteps(t *testing.T) {
	rec := &recorder{}
	metrics := &tickMetrics{outcomes: map[string]int{}}
	tk := newTicker(rec, metrics, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		rec.mu.Lock()
		rec.health++
		rec.deadlineSet = ok
		rec.mu.Unlock()
		return nil
	})
	tk.Tick(context.Background())
	alive, serviceAlive, selfChecks, health := rec.counts()
	if alive != 1 || serviceAlive != 1 || selfChecks != 1 || health != 1 {
		t.Fatalf("unexpected tick effects alive=%d service=%d self=%d health=%d", alive, serviceAlive, selfChecks, health)
	}
	if !rec.deadlineSet {
		t.Fatal("health check must run with a per-tick deadline")
	}
	if metrics.count("ok") != 1 {
		t.Fatalf("unexpected outcomes %v", metrics.outcomes)
	}
}

func TestServiceAliveHasLongerPeriod(t *testing.T) {
	rec := &recorder{}
	tk := newTicker(rec, &tickMetrics{outcomes: map[string]int{}}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	tk.now = func() time.Time { return now }
	for i := 0; i < 5; i++ {
		now = base.Add(time.Duration(i) * 15 * time.Second)
		tk.Tick(context.Background())
	}
	alive, serviceAlive, _, _ := rec.counts()
	if alive != 5 {
		t.Fatalf("expected alive every tick, got %d", alive)
	}
	// ticks at 0s, 15s, 30s, 45s, 60s
	if serviceAlive != 3 {
		t.Fatalf("expected service alive at 0s, 30s and 60s, got %d", serviceAlive)
	}
	if tk.Ticks() != 5 {
		t.Fatalf("expected 5 ticks, got %d", tk.Ticks())
	}
}

func TestHealthFailureIsCountedNotFatal(t *testing.T) {
	rec := &recorder{}
	metrics := &tickMetrics{outcomes: map[string]int{}}
	tk := newTicker(rec, metrics, func(context.Context) error { return errors.New("loop closed") })
	tk.Tick(context.Background())
	if _, _, selfChecks, _ := rec.counts(); selfChecks != 1 {
		t.Fatal("guard self-check must still run after a failed health check")
	}
	if metrics.count("health_failed") != 1 {
		t.Fatalf("unexpected outcomes %v", metrics.outcomes)
	}
}

func TestOverlappingTickIsDropped(t *testing.T) {
	rec := &recorder{}
	metrics := &tickMetrics{outcomes: map[string]int{}}
	entered := make(chan struct{})
	release := make(chan struct{})
	tk := newTicker(rec, metrics, func(context.Context) error {
		close(entered)
		<-release
		return nil
	})
	if !tk.Trigger(context.Background()) {
		t.Fatal("first trigger must start a tick")
	}
	<-entered
	if tk.Trigger(context.Background()) {
		t.Fatal("second trigger must be dropped while the first runs")
	}
	close(release)
	tk.wg.Wait()
	if metrics.count("dropped") != 1 || metrics.count("ok") != 1 {
		t.Fatalf("unexpected outcomes %v", metrics.outcomes)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	rec := &recorder{}
	tk := newTicker(rec, &tickMetrics{outcomes: map[string]int{}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tk.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for tk.Ticks() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("ticker did not fire")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
