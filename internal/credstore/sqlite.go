package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const credentialSchema = `
CREATE TABLE IF NOT EXISTS credential (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	access_token  TEXT    NOT NULL DEFAULT '',
	refresh_token TEXT    NOT NULL DEFAULT '',
	version       INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO credential (id) VALUES (1);
`

// SQLiteStore keeps the credential as a single row. WAL mode lets the host
// application read while the keeper writes.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(credentialSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Credential, error) {
	if s == nil || s.db == nil {
		return Credential{}, ErrClosed
	}
	var cred Credential
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, version FROM credential WHERE id = 1`,
	).Scan(&cred.AccessToken, &cred.RefreshToken, &version)
	if err != nil {
		return Credential{}, fmt.Errorf("load credential: %w", err)
	}
	cred.Version = uint64(version)
	return cred, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, expected uint64, accessToken, refreshToken string) (Credential, error) {
	if s == nil || s.db == nil {
		return Credential{}, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE credential
		 SET access_token = ?, refresh_token = ?, version = version + 1, updated_at = strftime('%s','now')
		 WHERE id = 1 AND version = ?`,
		accessToken, refreshToken, int64(expected),
	)
	if err != nil {
		return Credential{}, fmt.Errorf("update credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Credential{}, fmt.Errorf("update credential: %w", err)
	}
	if n == 0 {
		return Credential{}, ErrVersionConflict
	}
	return Credential{AccessToken: accessToken, RefreshToken: refreshToken, Version: expected + 1}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
