package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// KeySize is the length of a session key (AES-128)
const KeySize = 16

var (
	ErrInvalidKeySize     = errors.New("crypto: session key must be 16 bytes")
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// SessionCipher encrypts one direction of a session with AES-128-GCM.
// Every sealed message is prefixed with its random 12-byte nonce.
type SessionCipher struct {
	aead cipher.AEAD
}

// NewSessionCipher creates a cipher from a 16-byte key
func NewSessionCipher(key []byte) (*SessionCipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &SessionCipher{aead: gcm}, nil
}

// Seal encrypts plaintext and authenticates additional alongside it
func (c *SessionCipher) Seal(plaintext, additional []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return c.aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open decrypts a message produced by Seal with the same additional data
func (c *SessionCipher) Open(ciphertext, additional []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize+c.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, additional)
	if err != nil {
		return nil, fmt.Errorf("crypto: open failed: %w", err)
	}
	return plaintext, nil
}

// Overhead returns the number of bytes Seal adds to a plaintext
func (c *SessionCipher) Overhead() int {
	return c.aead.NonceSize() + c.aead.Overhead()
}
