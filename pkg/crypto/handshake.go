package crypto

import (
	"errors"

	"golang.org/x/crypto/argon2"
)

// SecretSize is the length of an expanded password
const SecretSize = 16

// argon2id parameters for password expansion
const (
	expandTime    = 1
	expandMemory  = 8 * 1024
	expandThreads = 1
)

var ErrInvalidMasterKey = errors.New("crypto: master key must be 32 bytes")

// ExpandPassword stretches a plaintext password with its salt into the
// 16-byte secret both sides of the handshake feed into ComputeAnswer.
func ExpandPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, expandTime, expandMemory, expandThreads, SecretSize)
}

// ComputeAnswer returns Hash(first ‖ secret ‖ second).
//
// The client proves knowledge of the secret with
// ComputeAnswer(clientNonce, secret, serverNonce); the server answers with
// the nonces swapped.
func ComputeAnswer(first, secret, second []byte) ([]byte, error) {
	return HashConcat(first, secret, second)
}

// DeriveMasterKey returns Hash(clientAnswer ‖ serverAnswer ‖ secret)
func DeriveMasterKey(clientAnswer, serverAnswer, secret []byte) ([]byte, error) {
	return HashConcat(clientAnswer, serverAnswer, secret)
}

// SplitMasterKey splits a 32-byte master key into the key for
// client-to-server traffic (first half) and server-to-client traffic
// (second half).
func SplitMasterKey(master []byte) (clientToServer, serverToClient []byte, err error) {
	if len(master) != 2*KeySize {
		return nil, nil, ErrInvalidMasterKey
	}

	clientToServer = make([]byte, KeySize)
	serverToClient = make([]byte, KeySize)
	copy(clientToServer, master[:KeySize])
	copy(serverToClient, master[KeySize:])
	return clientToServer, serverToClient, nil
}

// DecoySalt derives a stable salt for a user that does not exist so a
// CHALLENGE for an unknown name looks like one for a real account.
func DecoySalt(decoyKey []byte, userName string) ([]byte, error) {
	sum, err := HashConcat(decoyKey, []byte(userName))
	if err != nil {
		return nil, err
	}
	return sum[:SecretSize], nil
}
