package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 2
	saltSize        = 16
	filePrefix      = "KEEPENC2\n"
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrPlaintext  = errors.New("securestore data is not encrypted")
)

// KDFParams are the argon2id cost parameters recorded in every envelope.
type KDFParams struct {
	Time     uint32 `json:"time"`
	MemoryKB uint32 `json:"memory_kb"`
	Threads  uint8  `json:"threads"`
}

// DefaultKDF is tuned for a handful of reads per process lifetime, not for
// per-request decryption.
var DefaultKDF = KDFParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}

// Envelope is the on-disk form. Kind is authenticated as associated data so
// a credential envelope cannot be replayed as another record kind.
type Envelope struct {
	Version    uint32    `json:"version"`
	Kind       string    `json:"kind"`
	KDF        KDFParams `json:"kdf"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

func Encrypt(passphrase, kind string, plaintext []byte) ([]byte, error) {
	env, err := EncryptEnvelope(passphrase, kind, plaintext, DefaultKDF)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func EncryptEnvelope(passphrase, kind string, plaintext []byte, params KDFParams) (*Envelope, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.New("securestore passphrase is required")
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt, params)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Envelope{
		Version:    envelopeVersion,
		Kind:       kind,
		KDF:        params,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(kind)),
	}, nil
}

func Decrypt(passphrase, kind string, data []byte) ([]byte, error) {
	if !IsEncrypted(data) {
		return nil, ErrPlaintext
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	return DecryptEnvelope(passphrase, kind, &env)
}

func DecryptEnvelope(passphrase, kind string, env *Envelope) ([]byte, error) {
	if env == nil || env.Version != envelopeVersion || env.Kind != kind {
		return nil, ErrInvalid
	}
	if env.KDF.Time == 0 || env.KDF.MemoryKB == 0 || env.KDF.Threads == 0 {
		return nil, ErrInvalid
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	key := deriveKey(passphrase, env.Salt, env.KDF)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(kind))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// IsEncrypted reports whether data carries the envelope prefix.
func IsEncrypted(data []byte) bool {
	return strings.HasPrefix(string(data), filePrefix)
}

func deriveKey(passphrase string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKB, p.Threads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
