// Package privacylog keeps credentials and user identifiers out of keeper
// logs. Tokens are redacted, conversation and user ids are replaced by
// per-process fingerprints so one run's log lines can still be correlated.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

type rule int

const (
	keep rule = iota
	redact
	fingerprint
)

var (
	processSalt = newSalt()

	fingerprintKeys = map[string]struct{}{
		"conversation_id": {},
		"message_id":      {},
		"caller_id":       {},
		"sender_id":       {},
		"avatar_ref":      {},
	}
	secretKeyParts = []string{"token", "secret", "password", "passphrase", "authorization", "auth", "cookie"}

	tokenQueryPattern = regexp.MustCompile(`(?i)((?:access_)?token=)[^&\s"']+`)
)

func ruleFor(key string) rule {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return redact
		}
	}
	if _, ok := fingerprintKeys[lower]; ok {
		return fingerprint
	}
	return keep
}

type handler struct {
	next slog.Handler
}

// WrapHandler returns next with every record and attribute sanitized.
func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return handler{next: next}
}

func (h handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h handler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, RedactTokenQuery(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(SanitizeAttr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = SanitizeAttr(a)
	}
	return handler{next: h.next.WithAttrs(clean)}
}

func (h handler) WithGroup(name string) slog.Handler {
	return handler{next: h.next.WithGroup(name)}
}

// SanitizeAttr applies the key rules to a, descending into groups.
func SanitizeAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	switch ruleFor(a.Key) {
	case redact:
		return slog.String(a.Key, redactedValue)
	case fingerprint:
		name := a.Key
		if !strings.HasSuffix(strings.ToLower(name), "_fp") {
			name += "_fp"
		}
		return slog.String(name, FingerprintID(a.Value.String()))
	}
	switch a.Value.Kind() {
	case slog.KindGroup:
		members := a.Value.Group()
		clean := make([]slog.Attr, len(members))
		for i, m := range members {
			clean[i] = SanitizeAttr(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(clean...)}
	case slog.KindString:
		return slog.String(a.Key, RedactTokenQuery(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok && err != nil {
			return slog.String(a.Key, RedactTokenQuery(err.Error()))
		}
	}
	return a
}

// RedactTokenQuery cuts token query values out of URLs and error strings.
func RedactTokenQuery(s string) string {
	if !strings.Contains(strings.ToLower(s), "token=") {
		return s
	}
	return tokenQueryPattern.ReplaceAllString(s, "${1}"+redactedValue)
}

// FingerprintID is stable for one process and meaningless across restarts.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	h := sha256.New()
	h.Write(processSalt)
	h.Write([]byte(trimmed))
	return "fp_" + hex.EncodeToString(h.Sum(nil)[:8])
}

func newSalt() []byte {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return []byte("keeper")
	}
	return buf
}
