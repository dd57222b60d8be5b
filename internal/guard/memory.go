package guard

import (
	"sync"
	"time"
)

// MemoryProvider hands out in-process locks. It is what keeperd uses when the
// host has no OS lock service attached, and it lets callers revoke locks the
// way an OS would.
type MemoryProvider struct {
	mu       sync.Mutex
	deny     map[string]bool
	issued   []*MemoryLock
	onChange func(tag string, held bool)
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{deny: make(map[string]bool)}
}

// OnChange registers a hook called whenever an issued lock flips state.
func (p *MemoryProvider) OnChange(fn func(tag string, held bool)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Deny makes acquisitions of locks of the given kind fail until cleared.
func (p *MemoryProvider) Deny(kind string, denied bool) {
	p.mu.Lock()
	p.deny[kind] = denied
	p.mu.Unlock()
}

func (p *MemoryProvider) WakeLock(tag string) (Lock, error) {
	return p.newLock(KindWake, tag), nil
}

func (p *MemoryProvider) NetworkLock(tag string) (Lock, error) {
	return p.newLock(KindNetwork, tag), nil
}

// RevokeAll releases every issued lock behind its owner's back.
func (p *MemoryProvider) RevokeAll() {
	p.mu.Lock()
	issued := append([]*MemoryLock(nil), p.issued...)
	p.mu.Unlock()
	for _, l := range issued {
		l.Release()
	}
}

// HeldCount returns the number of issued locks currently held.
func (p *MemoryProvider) HeldCount() int {
	p.mu.Lock()
	issued := append([]*MemoryLock(nil), p.issued...)
	p.mu.Unlock()
	n := 0
	for _, l := range issued {
		if l.Held() {
			n++
		}
	}
	return n
}

func (p *MemoryProvider) newLock(kind, tag string) *MemoryLock {
	l := &MemoryLock{provider: p, kind: kind, tag: tag}
	p.mu.Lock()
	kept := p.issued[:0]
	for _, old := range p.issued {
		if old.Held() {
			kept = append(kept, old)
		}
	}
	p.issued = append(kept, l)
	p.mu.Unlock()
	return l
}

func (p *MemoryProvider) denied(kind string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deny[kind]
}

func (p *MemoryProvider) changed(tag string, held bool) {
	p.mu.Lock()
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(tag, held)
	}
}

type MemoryLock struct {
	provider *MemoryProvider
	kind     string
	tag      string

	mu    sync.Mutex
	held  bool
	timer *time.Timer
}

func (l *MemoryLock) Acquire(timeout time.Duration) error {
	if l.provider.denied(l.kind) {
		return ErrLockDenied
	}
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	wasHeld := l.held
	l.held = true
	if timeout > 0 {
		l.timer = time.AfterFunc(timeout, l.Release)
	}
	l.mu.Unlock()
	if !wasHeld {
		l.provider.changed(l.tag, true)
	}
	return nil
}

func (l *MemoryLock) Release() {
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	wasHeld := l.held
	l.held = false
	l.mu.Unlock()
	if wasHeld {
		l.provider.changed(l.tag, false)
	}
}

func (l *MemoryLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
