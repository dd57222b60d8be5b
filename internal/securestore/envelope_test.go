package securestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"eblusha/keeper/internal/testutil/fsperm"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	data, err := Encrypt("pass", "credential", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plain, err := Decrypt("pass", "credential", data)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(plain) != "secret" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestDecryptTamperedFailsDeterministically(t *testing.T) {
	data, err := Encrypt("pass", "credential", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	data[len(data)-2] ^= 0xFF
	_, err = Decrypt("pass", "credential", data)
	if !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDecryptRejectsOtherKind(t *testing.T) {
	data, err := Encrypt("pass", "credential", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := Decrypt("pass", "settings", data); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for mismatched kind, got %v", err)
	}
}

func TestDecryptPlaintextIsReported(t *testing.T) {
	if _, err := Decrypt("pass", "credential", []byte(`{"a":1}`)); !errors.Is(err, ErrPlaintext) {
		t.Fatalf("expected ErrPlaintext, got %v", err)
	}
}

func TestWriteReadJSONEncrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credential.json")
	in := map[string]string{"accessToken": "tok1"}
	if err := WriteJSON(path, "pass", "credential", in); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if !IsEncrypted(raw) {
		t.Fatal("expected encrypted file on disk")
	}
	fsperm.AssertPrivateFilePerm(t, path)
	fsperm.AssertPrivateDirPerm(t, filepath.Dir(path))
	var out map[string]string
	if err := ReadJSON(path, "pass", "credential", &out); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if out["accessToken"] != "tok1" {
		t.Fatalf("unexpected payload: %v", out)
	}
	if err := ReadJSON(path, "", "credential", &out); err == nil {
		t.Fatal("expected error when reading encrypted file without secret")
	}
}

func TestWriteReadJSONPlain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credential.json")
	if err := WriteJSON(path, "", "credential", map[string]int{"version": 3}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var out map[string]int
	if err := ReadJSON(path, "", "credential", &out); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if out["version"] != 3 {
		t.Fatalf("unexpected payload: %v", out)
	}
}
