package rpc

import (
	"sync"

	"github.com/ZentaChain/zentalk-rpc/pkg/crypto"
	"github.com/ZentaChain/zentalk-rpc/pkg/session"
)

// Authenticator supplies user secrets and invocation permissions
type Authenticator interface {
	// GetUserSalt returns the password salt of s.UserName. A nil salt is
	// allowed; the handshake proceeds either way.
	GetUserSalt(s *session.Session) ([]byte, error)

	// GetUserPassword returns the 16-byte expanded password of s.UserName
	GetUserPassword(s *session.Session) ([]byte, error)

	// PermitInvocation reports whether s may call service.method
	PermitInvocation(s *session.Session, service, method string) bool
}

type staticUser struct {
	salt   []byte
	secret []byte
}

// StaticAuthenticator keeps users in memory and permits every invocation
// by an authenticated user. Unknown users get a decoy salt and a random
// secret so their handshake fails like a wrong password.
type StaticAuthenticator struct {
	mu       sync.RWMutex
	users    map[string]staticUser
	decoyKey []byte
}

var _ Authenticator = (*StaticAuthenticator)(nil)

// NewStaticAuthenticator creates an authenticator for the given
// user name to password map
func NewStaticAuthenticator(users map[string]string) (*StaticAuthenticator, error) {
	decoyKey, err := crypto.GenerateNonce(crypto.HashSize)
	if err != nil {
		return nil, err
	}

	a := &StaticAuthenticator{
		users:    make(map[string]staticUser, len(users)),
		decoyKey: decoyKey,
	}
	for name, password := range users {
		if err := a.AddUser(name, password); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// AddUser adds or replaces a user
func (a *StaticAuthenticator) AddUser(name, password string) error {
	salt, err := crypto.GenerateNonce(crypto.SecretSize)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[name] = staticUser{salt: salt, secret: crypto.ExpandPassword(password, salt)}
	return nil
}

// GetUserSalt implements Authenticator
func (a *StaticAuthenticator) GetUserSalt(s *session.Session) ([]byte, error) {
	a.mu.RLock()
	u, ok := a.users[s.UserName]
	a.mu.RUnlock()

	if !ok {
		return crypto.DecoySalt(a.decoyKey, s.UserName)
	}
	return u.salt, nil
}

// GetUserPassword implements Authenticator
func (a *StaticAuthenticator) GetUserPassword(s *session.Session) ([]byte, error) {
	a.mu.RLock()
	u, ok := a.users[s.UserName]
	a.mu.RUnlock()

	if !ok {
		return crypto.GenerateNonce(crypto.SecretSize)
	}
	return u.secret, nil
}

// PermitInvocation implements Authenticator
func (a *StaticAuthenticator) PermitInvocation(s *session.Session, service, method string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.users[s.UserName]
	return ok
}
