// Package keepalive runs the periodic liveness tick of the keeper process.
package keepalive

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const componentName = "keepalive"

type Config struct {
	Period             time.Duration `yaml:"period"`
	TickTimeout        time.Duration `yaml:"tickTimeout"`
	ServiceAlivePeriod time.Duration `yaml:"serviceAlivePeriod"`
}

func DefaultConfig() Config {
	return Config{
		Period:             15 * time.Second,
		TickTimeout:        10 * time.Second,
		ServiceAlivePeriod: 30 * time.Second,
	}
}

// Publisher exposes liveness to the host. Alive is the per-tick signal for
// the UI layer; ServiceAlive refreshes the OS-visible indicator.
type Publisher interface {
	Alive(at time.Time)
	ServiceAlive(at time.Time)
}

type SelfChecker interface {
	SelfCheck()
}

type Metrics interface {
	IncTick(outcome string)
	ObserveTick(d time.Duration)
}

type Deps struct {
	HealthCheck func(ctx context.Context) error
	Guard       SelfChecker
	Publisher   Publisher
	Metrics     Metrics
	Logger      *slog.Logger
}

type Ticker struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time

	running          atomic.Bool
	wg               sync.WaitGroup
	mu               sync.Mutex
	lastServiceAlive time.Time
	ticks            uint64
}

func New(cfg Config, deps Deps) *Ticker {
	def := DefaultConfig()
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = def.TickTimeout
	}
	if cfg.ServiceAlivePeriod <= 0 {
		cfg.ServiceAlivePeriod = def.ServiceAlivePeriod
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Ticker{cfg: cfg, deps: deps, logger: logger, metrics: metrics, now: time.Now}
}

// Run ticks until ctx is done and waits for an in-flight tick to finish.
func (t *Ticker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Period)
	defer ticker.Stop()
	defer t.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Trigger(ctx)
		}
	}
}

// Trigger starts one tick in the background. It reports false when the
// previous tick is still running; that tick is dropped, not queued.
func (t *Ticker) Trigger(ctx context.Context) bool {
	if !t.running.CompareAndSwap(false, true) {
		t.metrics.IncTick("dropped")
		t.logger.Debug("tick dropped, previous tick still running", "component", componentName)
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.running.Store(false)
		t.Tick(ctx)
	}()
	return true
}

// Tick runs the tick work synchronously.
func (t *Ticker) Tick(ctx context.Context) {
	started := t.now()
	defer func() { t.metrics.ObserveTick(t.now().Sub(started)) }()

	if t.deps.Publisher != nil {
		t.deps.Publisher.Alive(started)
	}
	outcome := "ok"
	if t.deps.HealthCheck != nil {
		tickCtx, cancel := context.WithTimeout(ctx, t.cfg.TickTimeout)
		err := t.deps.HealthCheck(tickCtx)
		cancel()
		if err != nil {
			outcome = "health_failed"
			t.logger.Warn("health check failed", "component", componentName, "error", err.Error())
		}
	}
	if t.deps.Guard != nil {
		t.deps.Guard.SelfCheck()
	}
	if t.serviceAliveDue(started) && t.deps.Publisher != nil {
		t.deps.Publisher.ServiceAlive(started)
	}
	t.metrics.IncTick(outcome)
}

// Ticks returns how many ticks have run.
func (t *Ticker) Ticks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

func (t *Ticker) serviceAliveDue(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticks++
	if !t.lastServiceAlive.IsZero() && now.Sub(t.lastServiceAlive) < t.cfg.ServiceAlivePeriod {
		return false
	}
	t.lastServiceAlive = now
	return true
}

type nopMetrics struct{}

func (nopMetrics) IncTick(string)            {}
func (nopMetrics) ObserveTick(time.Duration) {}
