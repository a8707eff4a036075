// Package client implements the client side of the RPC protocol: the
// challenge-response login, ordered encrypted requests and delivery of
// server callbacks.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-rpc/pkg/crypto"
	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
)

var (
	// ErrNotLoggedIn is returned by calls made before Login
	ErrNotLoggedIn = errors.New("client: not logged in")

	// ErrAuthFailed means the server rejected the user name or password
	ErrAuthFailed = errors.New("client: authentication failed")

	// ErrServerAuthFailed means the server could not prove it knows the password
	ErrServerAuthFailed = errors.New("client: server answer does not match")

	// ErrUnexpectedReply means the reply does not fit the request
	ErrUnexpectedReply = errors.New("client: unexpected reply")

	// ErrSessionLost means the server forgot the session again right after a re-login
	ErrSessionLost = errors.New("client: session lost")
)

// RemoteError is an ERROR part or message returned by the server
type RemoteError struct {
	Service     string
	Method      string
	Description string
}

func (e *RemoteError) Error() string {
	if e.Service == "" && e.Method == "" {
		return "remote: " + e.Description
	}
	return fmt.Sprintf("remote %s.%s: %s", e.Service, e.Method, e.Description)
}

// CallbackHandler receives the parameters of a CALLBACK part
type CallbackHandler func(params []protocol.Value)

// Client is a logged in connection to one server. Requests are serialized
// since every one must carry the next message index.
type Client struct {
	transport   Transport
	user        string
	password    string
	compression protocol.Compression
	log         logrus.FieldLogger
	clock       func() int64

	mu        sync.Mutex
	sessionID protocol.SessionID
	index     uint64
	outbound  protocol.Cipher
	inbound   protocol.Cipher
	nextID    uint32
	lastSent  int64

	cbMu      sync.RWMutex
	callbacks map[string]CallbackHandler
}

// Option configures a Client
type Option func(*Client)

// WithCompression asks the server to compress replies at level c. Requests
// are compressed at the same level.
func WithCompression(c protocol.Compression) Option {
	return func(cl *Client) { cl.compression = c }
}

// WithClock replaces the unix nanosecond clock used to stamp requests
func WithClock(now func() int64) Option {
	return func(cl *Client) { cl.clock = now }
}

// WithLogger sets the client logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(cl *Client) { cl.log = l }
}

// New creates a client for user. Call Login before anything else.
func New(transport Transport, user, password string, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		user:      user,
		password:  password,
		clock:     protocol.NowUnixNano,
		callbacks: make(map[string]CallbackHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	return c
}

// stamp returns the timestamp for the next request. The server treats a
// timestamp older than the previous one as a replay, so a clock stepping
// backwards is held at the last value sent.
func (c *Client) stamp() int64 {
	c.lastSent = max(c.clock(), c.lastSent)
	return c.lastSent
}

// SessionID returns the current session id, zero before login
func (c *Client) SessionID() protocol.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LoggedIn reports whether the client holds session keys
func (c *Client) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbound != nil
}

// OnCallback registers fn for CALLBACK parts naming method
func (c *Client) OnCallback(method string, fn CallbackHandler) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callbacks[method] = fn
}

// Login runs the handshake and installs the session keys
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	c.reset()

	challenge, err := c.sendPlain(ctx, protocol.NewAuthorize(c.user), protocol.IndexAuthorize)
	if err != nil {
		return err
	}
	if challenge.Type != protocol.MsgTypeChallenge {
		return fmt.Errorf("%w: %s to AUTHORIZE", ErrUnexpectedReply, challenge.Type)
	}

	serverNonce, salt, err := protocol.ParseChallenge(challenge)
	if err != nil {
		return err
	}

	secret := crypto.ExpandPassword(c.password, salt)
	clientNonce, err := crypto.GenerateNonce(crypto.NonceSize)
	if err != nil {
		return err
	}
	clientAnswer, err := crypto.ComputeAnswer(clientNonce, secret, serverNonce)
	if err != nil {
		return err
	}

	response := protocol.NewChallengeResponse(challenge.SessionID, clientNonce, clientAnswer)
	authorized, err := c.sendPlain(ctx, response, protocol.IndexChallengeResponse)
	if err != nil {
		return err
	}

	switch authorized.Type {
	case protocol.MsgTypeAuthorized:
	case protocol.MsgTypeDisconnect:
		return ErrAuthFailed
	default:
		return fmt.Errorf("%w: %s to CHALLENGE_RESPONSE", ErrUnexpectedReply, authorized.Type)
	}

	serverAnswer, err := protocol.ParseAuthorized(authorized)
	if err != nil {
		return err
	}
	expected, err := crypto.ComputeAnswer(serverNonce, secret, clientNonce)
	if err != nil {
		return err
	}
	if !crypto.Equal(serverAnswer, expected) {
		return ErrServerAuthFailed
	}

	master, err := crypto.DeriveMasterKey(clientAnswer, serverAnswer, secret)
	if err != nil {
		return err
	}
	toServer, toClient, err := crypto.SplitMasterKey(master)
	if err != nil {
		return err
	}
	outbound, err := crypto.NewSessionCipher(toServer)
	if err != nil {
		return err
	}
	inbound, err := crypto.NewSessionCipher(toClient)
	if err != nil {
		return err
	}

	c.sessionID = challenge.SessionID
	c.index = protocol.FirstSessionIndex
	c.outbound = outbound
	c.inbound = inbound

	c.log.WithFields(logrus.Fields{
		"session": c.sessionID.String(),
		"user":    c.user,
	}).Debug("logged in")
	return nil
}

func (c *Client) reset() {
	c.sessionID = protocol.NilSessionID
	c.index = 0
	c.outbound = nil
	c.inbound = nil
}

// sendPlain sends an unencrypted handshake message and decodes the reply
func (c *Client) sendPlain(ctx context.Context, msg *protocol.Message, index uint64) (*protocol.Message, error) {
	msg.Timestamp = c.stamp()
	data, err := protocol.Encode(msg, index, nil, protocol.CompressionNone)
	if err != nil {
		return nil, err
	}
	out, err := c.transport.RoundTrip(ctx, data)
	if err != nil {
		return nil, err
	}

	reply, err := protocol.DecodeHeader(out)
	if err != nil {
		return nil, err
	}
	if err := protocol.DecodeBody(reply, nil, out); err != nil {
		return nil, err
	}
	if reply.Type == protocol.MsgTypeError {
		return nil, remoteError(reply)
	}
	return reply, nil
}

// Call sends calls as one batch and returns the RESULT and ERROR parts of
// the reply in order. Part ids are assigned by the client. Callbacks in the
// reply go to their handlers before Call returns.
func (c *Client) Call(ctx context.Context, calls ...protocol.Part) ([]protocol.Part, error) {
	batch := make([]protocol.Part, len(calls))
	for i, call := range calls {
		call.Type = protocol.PartTypeCall
		batch[i] = call
	}

	reply, err := c.exchange(ctx, protocol.MsgTypeServerMessage, batch, true)
	if err != nil {
		return nil, err
	}
	return c.splitReply(reply), nil
}

// Invoke calls a single method and returns its result. A failed call
// returns a *RemoteError.
func (c *Client) Invoke(ctx context.Context, service, method string, params ...protocol.Value) (protocol.Value, error) {
	results, err := c.Call(ctx, protocol.NewCall(0, service, method, params...))
	if err != nil {
		return protocol.Null(), err
	}
	if len(results) != 1 {
		return protocol.Null(), fmt.Errorf("%w: %d results for one call", ErrUnexpectedReply, len(results))
	}

	r := results[0]
	if r.Type == protocol.PartTypeError {
		return protocol.Null(), &RemoteError{Service: r.Service, Method: r.Method, Description: r.Error}
	}
	return r.Result, nil
}

// Disconnect ends the session. Callbacks still queued on the server are
// delivered first.
func (c *Client) Disconnect(ctx context.Context) error {
	reply, err := c.exchange(ctx, protocol.MsgTypeDisconnect, nil, false)

	c.mu.Lock()
	c.reset()
	c.mu.Unlock()

	if err != nil {
		return err
	}
	c.splitReply(reply)
	return nil
}

// exchange sends one steady-state message. When the server does not know
// the session and relogin is set, the client logs in again and resends
// once.
func (c *Client) exchange(ctx context.Context, msgType protocol.MessageType, parts []protocol.Part, relogin bool) (*protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outbound == nil {
		return nil, ErrNotLoggedIn
	}

	for i := range parts {
		c.nextID++
		parts[i].ID = c.nextID
	}

	reply, err := c.send(ctx, msgType, parts)
	if err != nil {
		return nil, err
	}
	if reply.Type != protocol.MsgTypeChallenge {
		return reply, nil
	}

	if !relogin {
		return protocol.NewMessage(protocol.MsgTypeDisconnect, reply.SessionID), nil
	}

	c.log.WithField("session", c.sessionID.String()).Info("session unknown to server, logging in again")
	if err := c.login(ctx); err != nil {
		return nil, err
	}

	reply, err = c.send(ctx, msgType, parts)
	if err != nil {
		return nil, err
	}
	if reply.Type == protocol.MsgTypeChallenge {
		c.reset()
		return nil, ErrSessionLost
	}
	return reply, nil
}

func (c *Client) send(ctx context.Context, msgType protocol.MessageType, parts []protocol.Part) (*protocol.Message, error) {
	msg := protocol.NewMessage(msgType, c.sessionID, parts...)
	msg.Compression = c.compression
	msg.Timestamp = c.stamp()

	data, err := protocol.Encode(msg, c.index, c.outbound, c.compression)
	if err != nil {
		return nil, err
	}
	out, err := c.transport.RoundTrip(ctx, data)
	if err != nil {
		return nil, err
	}

	reply, err := protocol.DecodeHeader(out)
	if err != nil {
		return nil, err
	}
	if reply.SessionID != c.sessionID {
		return nil, fmt.Errorf("%w: reply for session %s", ErrUnexpectedReply, reply.SessionID)
	}

	switch reply.Type {
	case protocol.MsgTypeChallenge:
		return reply, nil
	case protocol.MsgTypeError:
		if err := protocol.DecodeBody(reply, nil, out); err != nil {
			return nil, err
		}
		return nil, remoteError(reply)
	case protocol.MsgTypeServerMessage, protocol.MsgTypeDisconnect:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Type)
	}

	if err := protocol.DecodeBody(reply, c.inbound, out); err != nil {
		return nil, err
	}
	if reply.Index != c.index+1 {
		return nil, fmt.Errorf("%w: reply index %d after request %d", ErrUnexpectedReply, reply.Index, c.index)
	}
	c.index = reply.Index
	return reply, nil
}

// splitReply delivers callbacks and returns the remaining parts
func (c *Client) splitReply(reply *protocol.Message) []protocol.Part {
	results := make([]protocol.Part, 0, len(reply.Parts))
	for _, p := range reply.Parts {
		if p.Type != protocol.PartTypeCallback {
			results = append(results, p)
			continue
		}

		c.cbMu.RLock()
		fn, ok := c.callbacks[p.Method]
		c.cbMu.RUnlock()
		if !ok {
			c.log.WithField("method", p.Method).Debug("no handler for callback")
			continue
		}
		fn(p.Params)
	}
	return results
}

func remoteError(msg *protocol.Message) *RemoteError {
	desc := "unknown error"
	if len(msg.Parts) > 0 && msg.Parts[0].Type == protocol.PartTypeError {
		desc = msg.Parts[0].Error
	}
	return &RemoteError{Description: desc}
}
