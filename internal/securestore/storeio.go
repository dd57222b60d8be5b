package securestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ReadJSON loads path into v. With a secret the file must be an envelope of
// the given kind; without one it must be plain JSON.
func ReadJSON(path, secret, kind string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	payload := raw
	if strings.TrimSpace(secret) != "" {
		payload, err = Decrypt(secret, kind, raw)
		if err != nil {
			return err
		}
	} else if IsEncrypted(raw) {
		return errors.New("securestore file is encrypted but no secret is configured")
	}
	return json.Unmarshal(payload, v)
}

// WriteJSON marshals v, encrypts it when a secret is set, and replaces path
// through a temp file rename so readers in other processes never observe a
// torn write.
func WriteJSON(path, secret, kind string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if strings.TrimSpace(secret) != "" {
		payload, err = Encrypt(secret, kind, payload)
		if err != nil {
			return err
		}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
