package session

import (
	"errors"
	"sync"
	"time"

	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
)

var (
	// ErrOutOfOrder is returned by Advance when the index is not the expected one
	ErrOutOfOrder = errors.New("session: message index out of order")

	// ErrStale is returned by Advance when the timestamp went backwards
	ErrStale = errors.New("session: message timestamp older than last message")
)

// PendingHandshakeState holds what the server remembers between CHALLENGE
// and CHALLENGE_RESPONSE. It is dropped when the session is authorized.
type PendingHandshakeState struct {
	ServerNonce []byte
}

// Session is one client binding, pending until the handshake completes
type Session struct {
	ID        protocol.SessionID
	UserName  string
	CreatedAt time.Time

	mu              sync.Mutex
	accessedAt      time.Time
	lastMessageTime int64
	messageIndex    uint64
	inbound         protocol.Cipher
	outbound        protocol.Cipher
	compression     protocol.Compression
	pending         *PendingHandshakeState

	cbMu      sync.Mutex
	callbacks []protocol.Part
}

func newSession(id protocol.SessionID, userName string, serverNonce []byte, now time.Time) *Session {
	return &Session{
		ID:         id,
		UserName:   userName,
		CreatedAt:  now,
		accessedAt: now,
		pending:    &PendingHandshakeState{ServerNonce: serverNonce},
	}
}

// Pending returns the handshake state, nil once the session is authorized
func (s *Session) Pending() *PendingHandshakeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Authorize installs the session ciphers, resets the message index to the
// first post-handshake index and discards the handshake state.
func (s *Session) Authorize(inbound, outbound protocol.Cipher, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inbound = inbound
	s.outbound = outbound
	s.messageIndex = protocol.FirstSessionIndex
	s.pending = nil
	s.accessedAt = now
}

// Authorized reports whether ciphers are installed
func (s *Session) Authorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbound != nil && s.pending == nil
}

// InboundCipher opens client-to-server bodies
func (s *Session) InboundCipher() protocol.Cipher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbound
}

// OutboundCipher seals server-to-client bodies
func (s *Session) OutboundCipher() protocol.Cipher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound
}

// MessageIndex returns the index the next request must carry
func (s *Session) MessageIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageIndex
}

// LastMessageTime returns the timestamp of the last accepted request
func (s *Session) LastMessageTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageTime
}

// AccessedAt returns when the session last accepted a request
func (s *Session) AccessedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessedAt
}

// Compression returns the level the client last asked for
func (s *Session) Compression() protocol.Compression {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compression
}

// Advance accepts a request carrying index and timestamp. The index must be
// exactly the expected one and the timestamp must not go backwards. On
// success the expected index moves forward by one.
func (s *Session) Advance(index uint64, timestamp int64, compression protocol.Compression, now time.Time) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index != s.messageIndex {
		return s.messageIndex, ErrOutOfOrder
	}
	if timestamp < s.lastMessageTime {
		return s.messageIndex, ErrStale
	}

	s.messageIndex++
	s.lastMessageTime = timestamp
	s.accessedAt = now
	s.compression = compression
	return s.messageIndex, nil
}

// Callback queues a CALLBACK part that is delivered with the next response
// on this session. Safe to call from any goroutine.
func (s *Session) Callback(method string, params ...protocol.Value) {
	s.cbMu.Lock()
	s.callbacks = append(s.callbacks, protocol.NewCallback(method, params...))
	s.cbMu.Unlock()
}

// PendingCallbacks returns the number of queued callbacks
func (s *Session) PendingCallbacks() int {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	return len(s.callbacks)
}

func (s *Session) drainCallbacks() []protocol.Part {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	drained := s.callbacks
	s.callbacks = nil
	return drained
}
