// Package session keeps track of pending and authenticated RPC sessions.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
)

// ErrNotFound is returned when no session exists for an id
var ErrNotFound = errors.New("session: not found")

// Config holds registry configuration
type Config struct {
	PendingTTL      time.Duration // How long a handshake may stay incomplete
	CleanupInterval time.Duration // How often expired pending sessions are purged
}

// DefaultConfig returns default registry configuration
func DefaultConfig() Config {
	return Config{
		PendingTTL:      2 * time.Minute,
		CleanupInterval: 30 * time.Second,
	}
}

// Stats is a snapshot of registry sizes
type Stats struct {
	Pending       int `json:"pending"`
	Authenticated int `json:"authenticated"`
}

// Registry owns every session. Pending sessions expire after PendingTTL;
// authenticated sessions live until removed or evicted as idle.
type Registry struct {
	mu       sync.Mutex
	pending  *cache.Cache
	sessions map[protocol.SessionID]*Session
	now      func() time.Time
}

// NewRegistry creates a new session registry
func NewRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = def.PendingTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	return &Registry{
		pending:  cache.New(cfg.PendingTTL, cfg.CleanupInterval),
		sessions: make(map[protocol.SessionID]*Session),
		now:      time.Now,
	}
}

// SetClock replaces the registry clock (used by tests)
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// CreatePending creates a session for userName that is waiting for its
// CHALLENGE_RESPONSE and stores it under a fresh id.
func (r *Registry) CreatePending(userName string, serverNonce []byte) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		id := protocol.NewSessionID()
		if _, taken := r.sessions[id]; taken {
			continue
		}
		if _, taken := r.pending.Get(id.String()); taken {
			continue
		}

		s := newSession(id, userName, serverNonce, r.now())
		r.pending.SetDefault(id.String(), s)
		return s
	}
}

// Promote removes a pending session and returns it. A handshake can be
// promoted once; later calls and expired sessions get ErrNotFound.
func (r *Registry) Promote(id protocol.SessionID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := id.String()
	item, found := r.pending.Get(key)
	if !found {
		return nil, ErrNotFound
	}
	r.pending.Delete(key)

	return item.(*Session), nil
}

// Lookup returns the authenticated session for id
func (r *Registry) Lookup(id protocol.SessionID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Put registers an authenticated session
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove drops the authenticated session for id. It reports whether a
// session was removed.
func (r *Registry) Remove(id protocol.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// DrainCallbacks empties the callback queue of s and returns the parts in
// the order they were queued. Callbacks queued while draining are kept for
// the next drain.
func (r *Registry) DrainCallbacks(s *Session) []protocol.Part {
	return s.drainCallbacks()
}

// EvictIdle removes authenticated sessions not accessed within maxIdle and
// returns them. A non-positive maxIdle evicts nothing.
func (r *Registry) EvictIdle(maxIdle time.Duration) []*Session {
	if maxIdle <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxIdle)
	var evicted []*Session
	for id, s := range r.sessions {
		if s.AccessedAt().Before(cutoff) {
			delete(r.sessions, id)
			evicted = append(evicted, s)
		}
	}
	return evicted
}

// Sessions returns a snapshot of the authenticated sessions
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Stats returns the current registry sizes
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		Pending:       r.pending.ItemCount(),
		Authenticated: len(r.sessions),
	}
}
