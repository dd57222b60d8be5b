package credstore

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu     sync.Mutex
	cred   Credential
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Credential{}, ErrClosed
	}
	return s.cred, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, expected uint64, accessToken, refreshToken string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Credential{}, ErrClosed
	}
	if s.cred.Version != expected {
		return Credential{}, ErrVersionConflict
	}
	s.cred = Credential{AccessToken: accessToken, RefreshToken: refreshToken, Version: expected + 1}
	return s.cred, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
