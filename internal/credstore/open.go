package credstore

import (
	"fmt"
	"strings"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Options struct {
	Backend  string
	Path     string
	Secret   string
	RedisURL string
	RedisKey string
}

// Open builds the backend named by opts.Backend.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendFile:
		return NewFileStore(opts.Path, opts.Secret)
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return OpenSQLite(opts.Path)
	case BackendRedis:
		return NewRedisStore(opts.RedisURL, opts.RedisKey)
	default:
		return nil, fmt.Errorf("unsupported credential backend %q", opts.Backend)
	}
}
