// Package credstore keeps the durable access/refresh token pair.
//
// Every backend exposes the same compare-and-swap update keyed on a monotonic
// version so a keeper process and the host application can both write
// without losing each other's updates.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrVersionConflict = errors.New("credential version conflict")
	ErrClosed          = errors.New("credential store is closed")
)

// Credential is compared by value. An empty AccessToken means unauthenticated.
type Credential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	Version      uint64 `json:"version"`
}

func (c Credential) Empty() bool {
	return strings.TrimSpace(c.AccessToken) == ""
}

// Same reports whether both credentials carry the same tokens. Version is
// ignored: two writes of the same token are the same credential.
func (c Credential) Same(other Credential) bool {
	return c.AccessToken == other.AccessToken && c.RefreshToken == other.RefreshToken
}

type Store interface {
	Load(ctx context.Context) (Credential, error)
	// CompareAndSwap stores the tokens if the current version equals
	// expected and returns the stored credential with Version expected+1.
	CompareAndSwap(ctx context.Context, expected uint64, accessToken, refreshToken string) (Credential, error)
	Close() error
}

const maxSaveAttempts = 5

// Save writes the tokens on top of whatever version is current, retrying on
// conflicting concurrent writers. Writing the tokens already stored is a
// no-op that returns the stored credential.
func Save(ctx context.Context, s Store, accessToken, refreshToken string) (Credential, error) {
	accessToken = strings.TrimSpace(accessToken)
	refreshToken = strings.TrimSpace(refreshToken)
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		current, err := s.Load(ctx)
		if err != nil {
			return Credential{}, err
		}
		if current.AccessToken == accessToken && current.RefreshToken == refreshToken && current.Version > 0 {
			return current, nil
		}
		next, err := s.CompareAndSwap(ctx, current.Version, accessToken, refreshToken)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return next, err
	}
	return Credential{}, fmt.Errorf("save credential: %w after %d attempts", ErrVersionConflict, maxSaveAttempts)
}
