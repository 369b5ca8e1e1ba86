package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keyFileSize = 32

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var ErrSealedDataInvalid = errors.New("sealed data is invalid")

// Sealer encrypts small secrets at rest with XChaCha20-Poly1305.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// OpenSealer loads (or creates) the key file. When a passphrase is set the
// key file serves as the argon2id salt instead of the key itself.
func OpenSealer(keyFile, passphrase string) (*Sealer, error) {
	material, err := loadOrCreateKeyFile(keyFile)
	if err != nil {
		return nil, err
	}

	if passphrase == "" {
		return NewSealer(material)
	}

	key := argon2.IDKey([]byte(passphrase), material, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	return NewSealer(key)
}

func loadOrCreateKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != keyFileSize {
			return nil, fmt.Errorf("key file %s: expected %d bytes, got %d", path, keyFileSize, len(data))
		}
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	data = make([]byte, keyFileSize)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return data, nil
}

func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Sealer) Open(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrSealedDataInvalid
	}
	if len(sealed) < s.aead.NonceSize() {
		return nil, ErrSealedDataInvalid
	}

	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrSealedDataInvalid
	}
	return plaintext, nil
}
