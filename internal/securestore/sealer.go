package securestore

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealVersion = 1
	saltSize    = 16
	kdfTime     = 2
	kdfMemoryKB = 64 * 1024
	kdfThreads  = 1
)

// filePrefix marks a sealed snapshot on disk.
var filePrefix = []byte("EVCSEAL1\n")

var (
	ErrAuthFailed  = errors.New("securestore authentication failed")
	ErrInvalid     = errors.New("securestore payload is invalid")
	ErrPlaintext   = errors.New("securestore payload is not sealed")
	ErrEmptySecret = errors.New("securestore secret is empty")
)

type sealed struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Sealer encrypts snapshots with a key derived from a passphrase
// (argon2id, XChaCha20-Poly1305). Each Seal uses a fresh salt and nonce.
type Sealer struct {
	secret string
}

func NewSealer(secret string) (*Sealer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Sealer{secret: secret}, nil
}

func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := s.deriveKey(salt, kdfTime, kdfMemoryKB, kdfThreads)
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(sealed{
		Version:     sealVersion,
		KDF:         "argon2id",
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, filePrefix),
	})
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), filePrefix...), raw...), nil
}

func (s *Sealer) Open(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, filePrefix) {
		return nil, ErrPlaintext
	}
	var env sealed
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	if env.Version != sealVersion || env.KDF != "argon2id" || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	key := s.deriveKey(env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads)
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, filePrefix)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (s *Sealer) deriveKey(salt []byte, t, memKB uint32, threads uint8) []byte {
	return argon2.IDKey([]byte(s.secret), salt, t, memKB, threads, chacha20poly1305.KeySize)
}
