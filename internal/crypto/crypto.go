// Package crypto encrypts account credentials at rest. Ciphertexts use the
// iv:authTag:ciphertext hex format with AES-256-GCM; the cipher key is derived
// from the configured master key with HKDF-SHA256 so any non-empty key string
// is acceptable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	keyLen   = 32
	nonceLen = 12
)

var ErrMalformedCiphertext = errors.New("malformed ciphertext")

type Box struct {
	aead cipher.AEAD
}

func New(masterKey string) (*Box, error) {
	if masterKey == "" {
		return nil, errors.New("missing encryption key")
	}

	h := hkdf.New(sha256.New, []byte(masterKey), nil, []byte("credential-box"))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := b.aead.Seal(nil, nonce, []byte(plaintext), nil)
	tagAt := len(sealed) - b.aead.Overhead()
	ct, tag := sealed[:tagAt], sealed[tagAt:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	), nil
}

func (b *Box) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", ErrMalformedCiphertext
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceLen {
		return "", ErrMalformedCiphertext
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != b.aead.Overhead() {
		return "", ErrMalformedCiphertext
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformedCiphertext
	}

	plain, err := b.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return string(plain), nil
}
