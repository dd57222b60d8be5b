package rpc

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// StreamLimits caps concurrent /rpc/stream subscriptions.
type StreamLimits struct {
	MaxGlobal    int
	MaxPerClient int
}

// streamSlots hands out subscription slots: one shared semaphore for the
// process plus a counter per client key.
type streamSlots struct {
	total     *semaphore.Weighted
	perClient int

	mu    sync.Mutex
	owned map[string]int
}

func newRPCStreamLimiter(cfg StreamLimits) *streamSlots {
	if cfg.MaxGlobal <= 0 {
		cfg.MaxGlobal = 32
	}
	if cfg.MaxPerClient <= 0 {
		cfg.MaxPerClient = 4
	}
	return &streamSlots{
		total:     semaphore.NewWeighted(int64(cfg.MaxGlobal)),
		perClient: cfg.MaxPerClient,
		owned:     make(map[string]int),
	}
}

func (l *streamSlots) acquire(client string) (release func(), ok bool) {
	if l == nil {
		return func() {}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owned[client] >= l.perClient || !l.total.TryAcquire(1) {
		return nil, false
	}
	l.owned[client]++
	var once sync.Once
	return func() { once.Do(func() { l.release(client) }) }, true
}

func (l *streamSlots) release(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total.Release(1)
	if l.owned[client] <= 1 {
		delete(l.owned, client)
		return
	}
	l.owned[client]--
}
