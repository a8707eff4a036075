package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the digest length of Hash in bytes
const HashSize = blake2b.Size256

// NonceSize is the length of handshake nonces
const NonceSize = 16

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// HashConcat hashes the concatenation of all chunks without building
// an intermediate buffer
func HashConcat(chunks ...[]byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	for _, chunk := range chunks {
		hash.Write(chunk)
	}
	return hash.Sum(nil), nil
}

// GenerateNonce generates a random nonce
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	_, err := rand.Read(nonce)
	if err != nil {
		return nil, err
	}
	return nonce, nil
}

// Equal reports whether a and b are identical without leaking where they differ
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
