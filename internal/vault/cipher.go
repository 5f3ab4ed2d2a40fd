package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfSalt       = "tenant-gateway-vendor-keys"
	kdfIterations = 100000
)

// Cipher seals vendor keys with AES-256-GCM under a key derived from the
// process master key. Output is the nonce followed by the sealed bytes.
type Cipher struct {
	aead  cipher.AEAD
	keyID string
}

func NewCipher(masterKey, keyID string) (*Cipher, error) {
	if masterKey == "" {
		return nil, errors.New("master key cannot be empty")
	}
	if keyID == "" {
		return nil, errors.New("master key id cannot be empty")
	}

	derived := pbkdf2.Key([]byte(masterKey), []byte(kdfSalt), kdfIterations, 32, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: gcm, keyID: keyID}, nil
}

func (c *Cipher) KeyID() string {
	return c.keyID
}

func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, []byte(c.keyID)), nil
}

func (c *Cipher) Open(ciphertext []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, errors.New("ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, ciphertext[:n], ciphertext[n:], []byte(c.keyID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
