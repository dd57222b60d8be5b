package ratelimiter

import (
	"testing"
	"time"
)

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *MapLimiter
	if !l.Allow("avatars.example.org", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	if New(0, 1, 0) != nil {
		t.Fatal("invalid rps must produce nil limiter")
	}
}

func TestAllowEnforcesBurstPerKey(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !l.Allow("a", now) || !l.Allow("a", now) {
		t.Fatal("burst of two must be allowed")
	}
	if l.Allow("A ", now) {
		t.Fatal("third hit within the same instant must be denied (keys are case-insensitive)")
	}
	if !l.Allow("b", now) {
		t.Fatal("independent key must not share the bucket")
	}
	if !l.Allow("a", now.Add(1100*time.Millisecond)) {
		t.Fatal("bucket must refill after one interval")
	}
}

func TestIdleKeysAreEvicted(t *testing.T) {
	l := New(100, 100, time.Second)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.Allow("stale", start)
	later := start.Add(time.Minute)
	for i := 0; i < evictEvery; i++ {
		l.Allow("fresh", later)
	}
	if got := l.Len(); got != 1 {
		t.Fatalf("expected stale key evicted, tracked=%d", got)
	}
}
