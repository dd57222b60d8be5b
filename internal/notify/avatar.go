package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"eblusha/keeper/internal/platform/ratelimiter"
)

const maxAvatarBytes = 1 << 20

var ErrAvatarRateLimited = errors.New("avatar host rate limited")

// HTTPAvatarLoader fetches avatar bytes over HTTP. Decoding is left to the
// host renderer.
type HTTPAvatarLoader struct {
	client  *http.Client
	limiter *ratelimiter.MapLimiter
}

func NewHTTPAvatarLoader(client *http.Client, limiter *ratelimiter.MapLimiter) *HTTPAvatarLoader {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAvatarLoader{client: client, limiter: limiter}
}

func (l *HTTPAvatarLoader) Load(ctx context.Context, ref string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("parse avatar url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported avatar scheme %q", u.Scheme)
	}
	if !l.limiter.Allow(u.Hostname(), time.Now()) {
		return nil, ErrAvatarRateLimited
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/*")
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch avatar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch avatar: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("fetch avatar: unexpected content type %q", ct)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read avatar: %w", err)
	}
	if len(data) > maxAvatarBytes {
		return nil, errors.New("avatar exceeds size limit")
	}
	return data, nil
}
