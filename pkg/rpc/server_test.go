package rpc

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-rpc/pkg/crypto"
	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
	"github.com/ZentaChain/zentalk-rpc/pkg/session"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testMethods(t *testing.T) *MethodTable {
	t.Helper()

	methods := NewMethodTable()
	require.NoError(t, methods.RegisterService("Test", func(s *session.Session) (any, error) {
		return s, nil
	}))
	require.NoError(t, methods.RegisterService("Broken", func(s *session.Session) (any, error) {
		return nil, errors.New("factory failed")
	}))

	str := protocol.SignatureOf(protocol.KindString)
	require.NoError(t, methods.Register("Test", "echo", str, func(_ context.Context, inv *Invocation) (protocol.Value, error) {
		return inv.Part.Param(0), nil
	}))
	require.NoError(t, methods.Register("Test", "fail", str, func(_ context.Context, inv *Invocation) (protocol.Value, error) {
		msg, _ := inv.Part.Param(0).AsString()
		return protocol.Null(), errors.New(msg)
	}))
	require.NoError(t, methods.Register("Test", "boom", "", func(_ context.Context, inv *Invocation) (protocol.Value, error) {
		panic("boom")
	}))
	require.NoError(t, methods.Register("Test", "notify", protocol.SignatureOf(protocol.KindInt), func(_ context.Context, inv *Invocation) (protocol.Value, error) {
		n, _ := inv.Part.Param(0).AsInt()
		for i := int64(0); i < n; i++ {
			inv.Session.Callback("tick", protocol.Int(i))
		}
		return protocol.Null(), nil
	}))
	require.NoError(t, methods.Register("Test", "count", AnyShape, func(_ context.Context, inv *Invocation) (protocol.Value, error) {
		return protocol.Int(int64(len(inv.Params()))), nil
	}))
	require.NoError(t, methods.Register("Broken", "call", "", func(_ context.Context, inv *Invocation) (protocol.Value, error) {
		return protocol.Null(), nil
	}))
	return methods
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()

	auth, err := NewStaticAuthenticator(map[string]string{"alice": "secret"})
	require.NoError(t, err)

	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return NewServer(auth, testMethods(t), opts...)
}

// rawClient speaks the protocol directly so tests control every index
type rawClient struct {
	t     *testing.T
	srv   *Server
	id    protocol.SessionID
	index uint64
	out   *crypto.SessionCipher
	in    *crypto.SessionCipher
}

func decodePlain(t *testing.T, out []byte) *protocol.Message {
	t.Helper()
	msg, err := protocol.DecodeHeader(out)
	require.NoError(t, err)
	require.NoError(t, protocol.DecodeBody(msg, nil, out))
	return msg
}

func encodePlain(t *testing.T, msg *protocol.Message, index uint64) []byte {
	t.Helper()
	data, err := protocol.Encode(msg, index, nil, protocol.CompressionNone)
	require.NoError(t, err)
	return data
}

// login runs the handshake. The client is nil when the server did not
// answer with AUTHORIZED; the last reply is always returned.
func login(t *testing.T, srv *Server, user, password string) (*rawClient, *protocol.Message) {
	t.Helper()
	ctx := context.Background()

	out, err := srv.ProcessRequest(ctx, encodePlain(t, protocol.NewAuthorize(user), protocol.IndexAuthorize))
	require.NoError(t, err)
	challenge := decodePlain(t, out)
	require.Equal(t, protocol.MsgTypeChallenge, challenge.Type)
	require.Equal(t, uint64(protocol.IndexAuthorize), challenge.Index)

	serverNonce, salt, err := protocol.ParseChallenge(challenge)
	require.NoError(t, err)

	secret := crypto.ExpandPassword(password, salt)
	clientNonce, err := crypto.GenerateNonce(crypto.NonceSize)
	require.NoError(t, err)
	clientAnswer, err := crypto.ComputeAnswer(clientNonce, secret, serverNonce)
	require.NoError(t, err)

	resp := protocol.NewChallengeResponse(challenge.SessionID, clientNonce, clientAnswer)
	out, err = srv.ProcessRequest(ctx, encodePlain(t, resp, protocol.IndexChallengeResponse))
	require.NoError(t, err)
	reply := decodePlain(t, out)
	if reply.Type != protocol.MsgTypeAuthorized {
		return nil, reply
	}

	serverAnswer, err := protocol.ParseAuthorized(reply)
	require.NoError(t, err)
	expected, err := crypto.ComputeAnswer(serverNonce, secret, clientNonce)
	require.NoError(t, err)
	require.True(t, crypto.Equal(expected, serverAnswer), "server answer")

	master, err := crypto.DeriveMasterKey(clientAnswer, serverAnswer, secret)
	require.NoError(t, err)
	toServer, toClient, err := crypto.SplitMasterKey(master)
	require.NoError(t, err)
	outCipher, err := crypto.NewSessionCipher(toServer)
	require.NoError(t, err)
	inCipher, err := crypto.NewSessionCipher(toClient)
	require.NoError(t, err)

	return &rawClient{
		t:     t,
		srv:   srv,
		id:    challenge.SessionID,
		index: protocol.FirstSessionIndex,
		out:   outCipher,
		in:    inCipher,
	}, reply
}

func mustLogin(t *testing.T, srv *Server) *rawClient {
	t.Helper()
	rc, reply := login(t, srv, "alice", "secret")
	require.NotNil(t, rc, "login rejected with %s", reply.Type)
	return rc
}

func (rc *rawClient) encode(msg *protocol.Message, index uint64) []byte {
	rc.t.Helper()
	data, err := protocol.Encode(msg, index, rc.out, msg.Compression)
	require.NoError(rc.t, err)
	return data
}

func (rc *rawClient) decode(out []byte) *protocol.Message {
	rc.t.Helper()
	msg, err := protocol.DecodeHeader(out)
	require.NoError(rc.t, err)

	var c protocol.Cipher
	if msg.Encrypted() {
		c = rc.in
	}
	require.NoError(rc.t, protocol.DecodeBody(msg, c, out))
	return msg
}

func (rc *rawClient) send(msgType protocol.MessageType, parts ...protocol.Part) *protocol.Message {
	rc.t.Helper()

	out, err := rc.srv.ProcessRequest(context.Background(), rc.encode(protocol.NewMessage(msgType, rc.id, parts...), rc.index))
	require.NoError(rc.t, err)

	reply := rc.decode(out)
	if reply.Type == protocol.MsgTypeServerMessage || reply.Type == protocol.MsgTypeDisconnect {
		rc.index = reply.Index
	}
	return reply
}

func (rc *rawClient) call(parts ...protocol.Part) *protocol.Message {
	rc.t.Helper()
	return rc.send(protocol.MsgTypeServerMessage, parts...)
}

func TestHandshakeAndCall(t *testing.T) {
	srv := newTestServer(t)

	rc, authorized := login(t, srv, "alice", "secret")
	require.NotNil(t, rc)
	assert.Equal(t, uint64(protocol.IndexChallengeResponse), authorized.Index)
	assert.Equal(t, rc.id, authorized.SessionID)
	assert.True(t, srv.Authenticated(rc.id))

	reply := rc.call(protocol.NewCall(7, "Test", "echo", protocol.String("hi")))
	assert.Equal(t, protocol.MsgTypeServerMessage, reply.Type)
	assert.True(t, reply.Encrypted())
	assert.Equal(t, uint64(3), reply.Index)
	require.Len(t, reply.Parts, 1)
	assert.Equal(t, protocol.PartTypeResult, reply.Parts[0].Type)
	assert.Equal(t, uint32(7), reply.Parts[0].ID)
	assert.True(t, protocol.String("hi").Equal(reply.Parts[0].Result))

	reply = rc.call(protocol.NewCall(8, "Test", "echo", protocol.String("again")))
	assert.Equal(t, uint64(4), reply.Index)
}

func TestHandshakeWrongPassword(t *testing.T) {
	srv := newTestServer(t)

	rc, reply := login(t, srv, "alice", "wrong")
	assert.Nil(t, rc)
	assert.Equal(t, protocol.MsgTypeDisconnect, reply.Type)
	assert.Equal(t, uint64(protocol.IndexChallengeResponse), reply.Index)
	assert.Empty(t, reply.Parts)
	assert.False(t, reply.Encrypted())
	assert.Equal(t, 0, srv.Registry().Stats().Authenticated)
}

func TestHandshakeUnknownUser(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	salts := make([][]byte, 2)
	for i := range salts {
		out, err := srv.ProcessRequest(ctx, encodePlain(t, protocol.NewAuthorize("mallory"), protocol.IndexAuthorize))
		require.NoError(t, err)
		challenge := decodePlain(t, out)
		require.Equal(t, protocol.MsgTypeChallenge, challenge.Type)

		_, salt, err := protocol.ParseChallenge(challenge)
		require.NoError(t, err)
		assert.Len(t, salt, crypto.SecretSize)
		salts[i] = salt
	}
	assert.Equal(t, salts[0], salts[1], "decoy salt must be stable")

	rc, reply := login(t, srv, "mallory", "anything")
	assert.Nil(t, rc)
	assert.Equal(t, protocol.MsgTypeDisconnect, reply.Type)
}

func TestChallengeResponseOnlyOnce(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	out, err := srv.ProcessRequest(ctx, encodePlain(t, protocol.NewAuthorize("alice"), protocol.IndexAuthorize))
	require.NoError(t, err)
	challenge := decodePlain(t, out)

	nonce, err := crypto.GenerateNonce(crypto.NonceSize)
	require.NoError(t, err)
	resp := encodePlain(t, protocol.NewChallengeResponse(challenge.SessionID, nonce, make([]byte, crypto.HashSize)), protocol.IndexChallengeResponse)

	out, err = srv.ProcessRequest(ctx, resp)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeDisconnect, decodePlain(t, out).Type)

	// the pending state is gone after the first attempt
	out, err = srv.ProcessRequest(ctx, resp)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeDisconnect, decodePlain(t, out).Type)
	assert.Equal(t, 0, srv.Registry().Stats().Pending)
}

func TestReplayTerminatesSession(t *testing.T) {
	srv := newTestServer(t)
	rc := mustLogin(t, srv)
	ctx := context.Background()

	data := rc.encode(protocol.NewMessage(protocol.MsgTypeServerMessage, rc.id, protocol.NewCall(1, "Test", "echo", protocol.String("x"))), rc.index)

	out, err := srv.ProcessRequest(ctx, data)
	require.NoError(t, err)
	require.NotNil(t, out)

	out, err = srv.ProcessRequest(ctx, data)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrReplayOrOutOfOrder)
	assert.False(t, srv.Authenticated(rc.id))

	// the next index now meets an unknown session
	rc.index = 3
	reply := rc.call(protocol.NewCall(2, "Test", "echo", protocol.String("y")))
	assert.Equal(t, protocol.MsgTypeChallenge, reply.Type)
	assert.Equal(t, uint64(0), reply.Index)
	assert.Equal(t, rc.id, reply.SessionID)
	assert.Empty(t, reply.Parts)
}

func TestOrderingViolations(t *testing.T) {
	tests := []struct {
		name  string
		index uint64
		stamp func(last int64) int64
	}{
		{"skipped index", protocol.FirstSessionIndex + 2, func(last int64) int64 { return last + 1 }},
		{"old index", protocol.FirstSessionIndex, func(last int64) int64 { return last + 1 }},
		{"stale timestamp", protocol.FirstSessionIndex + 1, func(last int64) int64 { return last - int64(time.Second) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			rc := mustLogin(t, srv)

			rc.call(protocol.NewCall(1, "Test", "echo", protocol.String("a")))
			sess, err := srv.Registry().Lookup(rc.id)
			require.NoError(t, err)
			last := sess.LastMessageTime()

			msg := protocol.NewMessage(protocol.MsgTypeServerMessage, rc.id, protocol.NewCall(2, "Test", "echo", protocol.String("b")))
			msg.Timestamp = tt.stamp(last)

			out, err := srv.ProcessRequest(context.Background(), rc.encode(msg, tt.index))
			assert.Nil(t, out)
			assert.ErrorIs(t, err, ErrReplayOrOutOfOrder)
			assert.False(t, srv.Authenticated(rc.id))
		})
	}
}

func TestBatchPartialFailure(t *testing.T) {
	srv := newTestServer(t)
	rc := mustLogin(t, srv)

	reply := rc.call(
		protocol.NewCall(1, "Test", "echo", protocol.String("a")),
		protocol.NewCall(2, "Test", "missing"),
		protocol.NewCall(3, "Test", "fail", protocol.String("bad input")),
		protocol.NewCall(4, "Test", "echo", protocol.Int(1)),
		protocol.NewCall(5, "Test", "count", protocol.Int(1), protocol.Bool(true), protocol.Null()),
		protocol.NewCall(6, "Nope", "echo", protocol.String("a")),
		protocol.NewCall(7, "Broken", "call"),
	)

	require.Len(t, reply.Parts, 7)

	want := []struct {
		partType protocol.PartType
		errText  string
	}{
		{protocol.PartTypeResult, ""},
		{protocol.PartTypeError, "method not found"},
		{protocol.PartTypeError, "bad input"},
		{protocol.PartTypeError, "method not found"},
		{protocol.PartTypeResult, ""},
		{protocol.PartTypeError, "method not found"},
		{protocol.PartTypeError, "factory failed"},
	}
	for i, w := range want {
		p := reply.Parts[i]
		assert.Equal(t, uint32(i+1), p.ID, "part %d id", i)
		assert.Equal(t, w.partType, p.Type, "part %d type", i)
		assert.Equal(t, w.errText, p.Error, "part %d error", i)
	}

	n, ok := reply.Parts[4].Result.AsInt()
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)
}

func TestPanicBecomesInternalError(t *testing.T) {
	var mu sync.Mutex
	var records []AuditRecord
	sink := AuditSinkFunc(func(rec AuditRecord) {
		mu.Lock()
		records = append(records, rec)
		mu.Unlock()
	})

	srv := newTestServer(t, WithAuditSink(sink))
	rc := mustLogin(t, srv)

	reply := rc.call(protocol.NewCall(1, "Test", "boom"), protocol.NewCall(2, "Test", "echo", protocol.String("still here")))
	require.Len(t, reply.Parts, 2)
	assert.Equal(t, protocol.PartTypeError, reply.Parts[0].Type)
	assert.Equal(t, "internal error", reply.Parts[0].Error)
	assert.Equal(t, protocol.PartTypeResult, reply.Parts[1].Type)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, records, 3)
	last := records[2]
	assert.Equal(t, "alice", last.User)
	assert.Equal(t, protocol.MsgTypeServerMessage, last.ResponseType)
	assert.Equal(t, 2, last.Parts)
	assert.True(t, strings.Contains(last.Stack, "panic"), "stack should be recorded")
}

// guardedAuthenticator panics when asked about the Guarded service
type guardedAuthenticator struct {
	*StaticAuthenticator
}

func (a guardedAuthenticator) PermitInvocation(s *session.Session, service, method string) bool {
	if service == "Guarded" {
		panic("permission backend down")
	}
	return a.StaticAuthenticator.PermitInvocation(s, service, method)
}

func TestFactoryPanicIsPartLocal(t *testing.T) {
	static, err := NewStaticAuthenticator(map[string]string{"alice": "secret"})
	require.NoError(t, err)

	methods := testMethods(t)
	require.NoError(t, methods.RegisterService("Panicky", func(*session.Session) (any, error) {
		panic("factory exploded")
	}))
	require.NoError(t, methods.Register("Panicky", "x", "", func(context.Context, *Invocation) (protocol.Value, error) {
		return protocol.Null(), nil
	}))
	require.NoError(t, methods.RegisterService("Guarded", func(s *session.Session) (any, error) {
		return s, nil
	}))
	require.NoError(t, methods.Register("Guarded", "y", "", func(context.Context, *Invocation) (protocol.Value, error) {
		return protocol.Null(), nil
	}))

	var mu sync.Mutex
	var stacks []string
	sink := AuditSinkFunc(func(rec AuditRecord) {
		mu.Lock()
		stacks = append(stacks, rec.Stack)
		mu.Unlock()
	})

	srv := NewServer(guardedAuthenticator{static}, methods, WithLogger(quietLogger()), WithAuditSink(sink))
	rc := mustLogin(t, srv)

	reply := rc.call(
		protocol.NewCall(1, "Test", "echo", protocol.String("ok")),
		protocol.NewCall(2, "Panicky", "x"),
		protocol.NewCall(3, "Guarded", "y"),
	)
	require.Equal(t, protocol.MsgTypeServerMessage, reply.Type)
	require.Len(t, reply.Parts, 3)
	assert.Equal(t, protocol.PartTypeResult, reply.Parts[0].Type)
	for _, p := range reply.Parts[1:] {
		assert.Equal(t, protocol.PartTypeError, p.Type)
		assert.Equal(t, "internal error", p.Error)
	}
	assert.Equal(t, uint64(protocol.FirstSessionIndex+1), rc.index)

	// the session survives and stays in step
	reply = rc.call(protocol.NewCall(4, "Test", "echo", protocol.String("again")))
	require.Equal(t, protocol.MsgTypeServerMessage, reply.Type)
	s, _ := reply.Parts[0].Result.AsString()
	assert.Equal(t, "again", s)
	assert.True(t, srv.Authenticated(rc.id))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, stacks[2], "panic")
}

func TestCallbacksPiggyback(t *testing.T) {
	srv := newTestServer(t)
	rc := mustLogin(t, srv)

	reply := rc.call(protocol.NewCall(1, "Test", "notify", protocol.Int(3)))
	require.Len(t, reply.Parts, 4)
	assert.Equal(t, protocol.PartTypeResult, reply.Parts[0].Type)
	for i := 1; i < 4; i++ {
		p := reply.Parts[i]
		assert.Equal(t, protocol.PartTypeCallback, p.Type)
		assert.Equal(t, "tick", p.Method)
		n, _ := p.Param(0).AsInt()
		assert.Equal(t, int64(i-1), n)
	}

	// callbacks queued outside a request ride on the next reply
	sess, err := srv.Registry().Lookup(rc.id)
	require.NoError(t, err)
	sess.Callback("later", protocol.String("x"))

	reply = rc.call(protocol.NewCall(2, "Test", "echo", protocol.String("a")))
	require.Len(t, reply.Parts, 2)
	assert.Equal(t, "later", reply.Parts[1].Method)

	reply = rc.call(protocol.NewCall(3, "Test", "echo", protocol.String("b")))
	assert.Len(t, reply.Parts, 1)
}

func TestDisconnect(t *testing.T) {
	srv := newTestServer(t)
	rc := mustLogin(t, srv)

	sess, err := srv.Registry().Lookup(rc.id)
	require.NoError(t, err)
	sess.Callback("bye")

	reply := rc.send(protocol.MsgTypeDisconnect)
	assert.Equal(t, protocol.MsgTypeDisconnect, reply.Type)
	assert.True(t, reply.Encrypted())
	require.Len(t, reply.Parts, 1)
	assert.Equal(t, "bye", reply.Parts[0].Method)
	assert.False(t, srv.Authenticated(rc.id))

	reply = rc.call(protocol.NewCall(1, "Test", "echo", protocol.String("a")))
	assert.Equal(t, protocol.MsgTypeChallenge, reply.Type)
	assert.Equal(t, rc.id, reply.SessionID)
	assert.Equal(t, session.Stats{}, srv.Registry().Stats())
}

func TestMalformedRequest(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	valid := encodePlain(t, protocol.NewAuthorize("alice"), protocol.IndexAuthorize)
	badMagic := append([]byte(nil), valid...)
	badMagic[0] ^= 0xFF

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", valid[:protocol.HeaderSize-1]},
		{"bad magic", badMagic},
		{"truncated body", valid[:len(valid)-1]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := srv.ProcessRequest(ctx, tt.data)
			assert.Nil(t, out)
			assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
		})
	}
}

func TestUndecryptableBody(t *testing.T) {
	srv := newTestServer(t)
	rc := mustLogin(t, srv)

	wrongKey, err := crypto.NewSessionCipher(make([]byte, crypto.KeySize))
	require.NoError(t, err)

	msg := protocol.NewMessage(protocol.MsgTypeServerMessage, rc.id, protocol.NewCall(1, "Test", "echo", protocol.String("a")))
	data, err := protocol.Encode(msg, rc.index, wrongKey, protocol.CompressionNone)
	require.NoError(t, err)

	out, err := srv.ProcessRequest(context.Background(), data)
	require.NoError(t, err)

	reply := decodePlain(t, out)
	assert.Equal(t, protocol.MsgTypeError, reply.Type)
	assert.Equal(t, rc.index, reply.Index)
	assert.Equal(t, rc.id, reply.SessionID)
	require.Len(t, reply.Parts, 1)
	assert.Equal(t, "decode error", reply.Parts[0].Error)

	// the session survives and still expects the same index
	reply = rc.call(protocol.NewCall(2, "Test", "echo", protocol.String("b")))
	assert.Equal(t, protocol.MsgTypeServerMessage, reply.Type)
}

func TestUnexpectedMessageType(t *testing.T) {
	srv := newTestServer(t)

	out, err := srv.ProcessRequest(context.Background(), encodePlain(t, protocol.NewMessage(protocol.MsgTypeAuthorized, protocol.NewSessionID()), 5))
	require.NoError(t, err)

	reply := decodePlain(t, out)
	assert.Equal(t, protocol.MsgTypeError, reply.Type)
	assert.Equal(t, uint64(5), reply.Index)
	require.Len(t, reply.Parts, 1)
	assert.Equal(t, "unexpected message", reply.Parts[0].Error)
}

func TestChallengeResponseWithoutSession(t *testing.T) {
	srv := newTestServer(t)

	resp := protocol.NewChallengeResponse(protocol.NilSessionID, make([]byte, crypto.NonceSize), make([]byte, crypto.HashSize))
	out, err := srv.ProcessRequest(context.Background(), encodePlain(t, resp, protocol.IndexChallengeResponse))
	require.NoError(t, err)

	reply := decodePlain(t, out)
	assert.Equal(t, protocol.MsgTypeError, reply.Type)
	assert.Equal(t, uint64(protocol.IndexChallengeResponse), reply.Index)
	require.Len(t, reply.Parts, 1)
	assert.Equal(t, "unexpected message", reply.Parts[0].Error)
	assert.Equal(t, 0, srv.Registry().Stats().Pending)
}

type denyAuthenticator struct {
	*StaticAuthenticator
}

func (denyAuthenticator) PermitInvocation(*session.Session, string, string) bool {
	return false
}

func TestNotAuthorized(t *testing.T) {
	static, err := NewStaticAuthenticator(map[string]string{"alice": "secret"})
	require.NoError(t, err)

	srv := NewServer(denyAuthenticator{static}, testMethods(t), WithLogger(quietLogger()))
	rc := mustLogin(t, srv)

	reply := rc.call(protocol.NewCall(1, "Test", "echo", protocol.String("a")))
	require.Len(t, reply.Parts, 1)
	assert.Equal(t, protocol.PartTypeError, reply.Parts[0].Type)
	assert.Equal(t, "not authorized", reply.Parts[0].Error)
}

func TestCancelledContext(t *testing.T) {
	srv := newTestServer(t)
	rc := mustLogin(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := protocol.NewMessage(protocol.MsgTypeServerMessage, rc.id, protocol.NewCall(1, "Test", "echo", protocol.String("a")))
	out, err := srv.ProcessRequest(ctx, rc.encode(msg, rc.index))
	require.NoError(t, err)

	reply := rc.decode(out)
	require.Len(t, reply.Parts, 1)
	assert.Equal(t, protocol.PartTypeError, reply.Parts[0].Type)
	assert.Equal(t, context.Canceled.Error(), reply.Parts[0].Error)
}

func TestReplyCompression(t *testing.T) {
	srv := newTestServer(t)
	rc := mustLogin(t, srv)

	long := strings.Repeat("compress me ", 100)
	msg := protocol.NewMessage(protocol.MsgTypeServerMessage, rc.id, protocol.NewCall(1, "Test", "echo", protocol.String(long)))
	msg.Compression = protocol.CompressionBest

	out, err := srv.ProcessRequest(context.Background(), rc.encode(msg, rc.index))
	require.NoError(t, err)

	reply := rc.decode(out)
	assert.True(t, reply.Compressed())
	assert.Less(t, len(out), len(long))
	require.Len(t, reply.Parts, 1)
	assert.True(t, protocol.String(long).Equal(reply.Parts[0].Result))

	sess, err := srv.Registry().Lookup(rc.id)
	require.NoError(t, err)
	assert.Equal(t, protocol.CompressionBest, sess.Compression())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	registry := session.NewRegistry(session.DefaultConfig())
	m, err := NewMetrics(reg, registry)
	require.NoError(t, err)

	srv := newTestServer(t, WithRegistry(registry), WithMetrics(m))
	rc := mustLogin(t, srv)
	rc.call(protocol.NewCall(1, "Test", "echo", protocol.String("a")))
	login(t, srv, "alice", "wrong")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakes.WithLabelValues("authorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakes.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("SERVER_MESSAGE", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("AUTHORIZE", "ok")))

	_, err = srv.ProcessRequest(context.Background(), []byte("junk"))
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("malformed", "dropped")))

	// answered with an ERROR message
	out, err := srv.ProcessRequest(context.Background(), encodePlain(t, protocol.NewMessage(protocol.MsgTypeAuthorized, rc.id), 5))
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeError, decodePlain(t, out).Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("AUTHORIZED", "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.requests.WithLabelValues("AUTHORIZED", "ok")))

	// registering twice on the same registry fails
	_, err = NewMetrics(reg, registry)
	assert.Error(t, err)
}

func TestRunSweeper(t *testing.T) {
	registry := session.NewRegistry(session.DefaultConfig())
	srv := newTestServer(t, WithRegistry(registry))
	rc := mustLogin(t, srv)

	now := time.Now()
	registry.SetClock(func() time.Time { return now.Add(time.Hour) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.RunSweeper(ctx, 10*time.Millisecond, time.Minute) }()

	assert.Eventually(t, func() bool { return !srv.Authenticated(rc.id) }, time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
