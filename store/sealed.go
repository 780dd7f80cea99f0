package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealedVersion byte = 1

// SealedBackend encrypts every value before handing it to the wrapped
// Backend. Records are bound to their table and key, so a ciphertext copied
// to another slot fails to open.
type SealedBackend struct {
	Backend
	aead cipher.AEAD
}

// NewSealedBackend derives a record key from secret with HKDF-SHA256.
func NewSealedBackend(backend Backend, secret []byte) (*SealedBackend, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("sealing secret must be at least 16 bytes")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("atproto-oauth-agent store v1")), key); err != nil {
		return nil, fmt.Errorf("could not derive record key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	return &SealedBackend{Backend: backend, aead: aead}, nil
}

func recordAAD(table, key string) []byte {
	return []byte(table + "\x00" + key)
}

func (s *SealedBackend) Get(ctx context.Context, table, key string) ([]byte, error) {
	sealed, err := s.Backend.Get(ctx, table, key)
	if err != nil {
		return nil, err
	}

	ns := s.aead.NonceSize()
	if len(sealed) < 1+ns || sealed[0] != sealedVersion {
		return nil, fmt.Errorf("%s/%s: malformed sealed record", table, key)
	}

	plain, err := s.aead.Open(nil, sealed[1:1+ns], sealed[1+ns:], recordAAD(table, key))
	if err != nil {
		return nil, fmt.Errorf("%s/%s: could not open record: %w", table, key, err)
	}
	return plain, nil
}

func (s *SealedBackend) Put(ctx context.Context, table, key string, value []byte) error {
	ns := s.aead.NonceSize()
	out := make([]byte, 1+ns, 1+ns+len(value)+s.aead.Overhead())
	out[0] = sealedVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return fmt.Errorf("could not generate nonce: %w", err)
	}

	out = s.aead.Seal(out, out[1:1+ns], value, recordAAD(table, key))
	return s.Backend.Put(ctx, table, key, out)
}
