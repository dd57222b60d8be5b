// Package guard ties OS wake and network-radio locks to connection liveness.
//
// Locks are held while at least one holder is registered. Holder accounting is
// owned by the Guard, not the OS, so a lock the OS revokes on its own is
// noticed on the next Affirm or SelfCheck and recreated.
package guard

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrLockDenied = errors.New("lock acquisition denied")

const (
	KindWake    = "wake"
	KindNetwork = "network"
)

// Lock is a single OS lock handle. Acquire with timeout 0 holds until Release.
type Lock interface {
	Acquire(timeout time.Duration) error
	Release()
	Held() bool
}

// Provider creates fresh lock handles. A released handle is never reused;
// the guard asks for a new one.
type Provider interface {
	WakeLock(tag string) (Lock, error)
	NetworkLock(tag string) (Lock, error)
}

type Snapshot struct {
	WakeHeld    bool     `json:"wakeHeld"`
	NetworkHeld bool     `json:"networkHeld"`
	Holders     []string `json:"holders"`
	Denials     uint64   `json:"denials"`
	Recreated   uint64   `json:"recreated"`
}

type Guard struct {
	mu       sync.Mutex
	provider Provider
	logger   *slog.Logger
	tag      string
	holders  map[string]struct{}
	wake     Lock
	network  Lock

	denials   uint64
	recreated uint64
	onDenied  func(kind string)
}

func New(provider Provider, tag string, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		tag = "keeper"
	}
	return &Guard{
		provider: provider,
		logger:   logger,
		tag:      tag,
		holders:  make(map[string]struct{}),
	}
}

// OnDenied registers a hook invoked (under the guard lock) for every denial.
func (g *Guard) OnDenied(fn func(kind string)) {
	g.mu.Lock()
	g.onDenied = fn
	g.mu.Unlock()
}

// Acquire registers holder and makes sure both locks are held. Registering
// the same holder twice is a no-op for accounting. A denial is returned but
// the holder stays registered so the next self-check retries.
func (g *Guard) Acquire(holder string) error {
	holder = strings.TrimSpace(holder)
	if holder == "" {
		return errors.New("guard holder is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holders[holder] = struct{}{}
	return g.ensureLocked()
}

// Release drops holder. The locks are released once no holder remains.
// Releasing an unknown holder is a no-op.
func (g *Guard) Release(holder string) {
	holder = strings.TrimSpace(holder)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.holders[holder]; !ok {
		return
	}
	delete(g.holders, holder)
	if len(g.holders) == 0 {
		g.releaseAllLocked()
	}
}

// ReleaseAll drops every holder and releases both locks.
func (g *Guard) ReleaseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holders = make(map[string]struct{})
	g.releaseAllLocked()
}

// Affirm re-acquires any lock that should be held but is not.
func (g *Guard) Affirm() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.holders) == 0 {
		return nil
	}
	return g.ensureLocked()
}

// SelfCheck is the periodic variant of Affirm. It only logs.
func (g *Guard) SelfCheck() {
	if err := g.Affirm(); err != nil {
		g.logger.Warn("guard self-check degraded", "component", "guard", "error", err.Error())
	}
}

func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	holders := make([]string, 0, len(g.holders))
	for h := range g.holders {
		holders = append(holders, h)
	}
	sort.Strings(holders)
	return Snapshot{
		WakeHeld:    g.wake != nil && g.wake.Held(),
		NetworkHeld: g.network != nil && g.network.Held(),
		Holders:     holders,
		Denials:     g.denials,
		Recreated:   g.recreated,
	}
}

func (g *Guard) ensureLocked() error {
	var errs []error
	if err := g.ensureOne(KindWake, &g.wake); err != nil {
		errs = append(errs, err)
	}
	if err := g.ensureOne(KindNetwork, &g.network); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (g *Guard) ensureOne(kind string, slot *Lock) error {
	if *slot != nil && (*slot).Held() {
		return nil
	}
	if *slot != nil {
		g.recreated++
		g.logger.Info("guard lock found released, recreating", "component", "guard", "lock", kind)
	}
	*slot = nil
	if g.provider == nil {
		return g.deny(kind, errors.New("no lock provider"))
	}
	var (
		lock Lock
		err  error
	)
	switch kind {
	case KindWake:
		lock, err = g.provider.WakeLock(g.tag + ":wake")
	default:
		lock, err = g.provider.NetworkLock(g.tag + ":network")
	}
	if err != nil {
		return g.deny(kind, err)
	}
	if err := lock.Acquire(0); err != nil {
		return g.deny(kind, err)
	}
	*slot = lock
	return nil
}

func (g *Guard) deny(kind string, cause error) error {
	g.denials++
	if g.onDenied != nil {
		g.onDenied(kind)
	}
	g.logger.Warn("guard lock denied", "component", "guard", "lock", kind, "error", cause.Error())
	return fmt.Errorf("%w: %s: %v", ErrLockDenied, kind, cause)
}

func (g *Guard) releaseAllLocked() {
	if g.wake != nil {
		if g.wake.Held() {
			g.wake.Release()
		}
		g.wake = nil
	}
	if g.network != nil {
		if g.network.Held() {
			g.network.Release()
		}
		g.network = nil
	}
}
