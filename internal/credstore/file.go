package credstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"eblusha/keeper/internal/securestore"
)

const fileRecordKind = "credential"

// FileStore keeps the credential in a single JSON file, encrypted when a
// secret is configured. A sibling .lock file serializes writers across
// processes; opMu serializes callers inside this one, since a flock held
// through a shared handle does not exclude other goroutines.
type FileStore struct {
	path   string
	secret string
	lock   *flock.Flock
	opMu   sync.Mutex

	mu     sync.Mutex
	closed bool
}

func NewFileStore(path, secret string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("credential file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	return &FileStore{
		path:   filepath.Clean(path),
		secret: secret,
		lock:   flock.New(filepath.Clean(path) + ".lock"),
	}, nil
}

func (s *FileStore) Load(ctx context.Context) (Credential, error) {
	if err := s.checkOpen(); err != nil {
		return Credential{}, err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.withLock(ctx, s.lock.TryRLockContext); err != nil {
		return Credential{}, err
	}
	defer func() { _ = s.lock.Unlock() }()
	return s.readLocked()
}

func (s *FileStore) CompareAndSwap(ctx context.Context, expected uint64, accessToken, refreshToken string) (Credential, error) {
	if err := s.checkOpen(); err != nil {
		return Credential{}, err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.withLock(ctx, s.lock.TryLockContext); err != nil {
		return Credential{}, err
	}
	defer func() { _ = s.lock.Unlock() }()

	current, err := s.readLocked()
	if err != nil {
		return Credential{}, err
	}
	if current.Version != expected {
		return Credential{}, ErrVersionConflict
	}
	next := Credential{AccessToken: accessToken, RefreshToken: refreshToken, Version: expected + 1}
	if err := securestore.WriteJSON(s.path, s.secret, fileRecordKind, next); err != nil {
		return Credential{}, fmt.Errorf("write credential file: %w", err)
	}
	return next, nil
}

func (s *FileStore) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.lock.Close()
}

func (s *FileStore) readLocked() (Credential, error) {
	var cred Credential
	err := securestore.ReadJSON(s.path, s.secret, fileRecordKind, &cred)
	if errors.Is(err, fs.ErrNotExist) {
		return Credential{}, nil
	}
	if err != nil {
		return Credential{}, fmt.Errorf("read credential file: %w", err)
	}
	return cred, nil
}

func (s *FileStore) withLock(ctx context.Context, try func(context.Context, time.Duration) (bool, error)) error {
	ok, err := try(ctx, 20*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock credential file: %w", err)
	}
	if !ok {
		return fmt.Errorf("lock credential file: %w", context.DeadlineExceeded)
	}
	return nil
}

func (s *FileStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
