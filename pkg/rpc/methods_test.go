package rpc

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
	"github.com/ZentaChain/zentalk-rpc/pkg/session"
)

type counter struct {
	n int64
}

func TestMethodTableRegister(t *testing.T) {
	table := NewMethodTable()
	noop := func(context.Context, *Invocation) (protocol.Value, error) { return protocol.Null(), nil }

	err := table.Register("Missing", "m", "", noop)
	assert.ErrorIs(t, err, ErrServiceNotFound)

	require.NoError(t, table.RegisterService("Svc", func(*session.Session) (any, error) { return nil, nil }))
	assert.Error(t, table.RegisterService("Svc", func(*session.Session) (any, error) { return nil, nil }))
	assert.Error(t, table.RegisterService("", nil))

	require.NoError(t, table.Register("Svc", "m", "int", noop))
	assert.Error(t, table.Register("Svc", "m", "int", noop))
	require.NoError(t, table.Register("Svc", "m", "string", noop))
	require.NoError(t, table.Register("Svc", "m", AnyShape, noop))

	assert.Equal(t, []string{"Svc.m(*)", "Svc.m(int)", "Svc.m(string)"}, table.Methods())
}

func TestMethodTableLookup(t *testing.T) {
	table := NewMethodTable()
	require.NoError(t, table.RegisterService("Svc", func(*session.Session) (any, error) { return nil, nil }))

	exact := func(context.Context, *Invocation) (protocol.Value, error) { return protocol.String("exact"), nil }
	fallback := func(context.Context, *Invocation) (protocol.Value, error) { return protocol.String("any"), nil }
	require.NoError(t, table.Register("Svc", "m", "int,string", exact))
	require.NoError(t, table.Register("Svc", "m", AnyShape, fallback))
	require.NoError(t, table.Register("Svc", "only", "", exact))

	tests := []struct {
		name      string
		method    string
		signature string
		want      string
		found     bool
	}{
		{"exact shape", "m", "int,string", "exact", true},
		{"falls back to any shape", "m", "bool", "any", true},
		{"no params on exact only", "only", "", "exact", true},
		{"wrong shape without fallback", "only", "int", "", false},
		{"unknown method", "nope", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ok := table.Lookup("Svc", tt.method, tt.signature)
			require.Equal(t, tt.found, ok)
			if !ok {
				return
			}
			v, err := h(context.Background(), &Invocation{})
			require.NoError(t, err)
			s, _ := v.AsString()
			assert.Equal(t, tt.want, s)
		})
	}
}

func TestMethodTableInstantiate(t *testing.T) {
	table := NewMethodTable()
	require.NoError(t, table.RegisterService("Counter", func(s *session.Session) (any, error) {
		return &counter{n: 1}, nil
	}))

	a, err := table.Instantiate("Counter", nil)
	require.NoError(t, err)
	b, err := table.Instantiate("Counter", nil)
	require.NoError(t, err)
	assert.NotSame(t, a, b, "each invocation gets its own instance")

	_, err = table.Instantiate("Missing", nil)
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestBind(t *testing.T) {
	h := Bind(func(_ context.Context, c *counter, params []protocol.Value) (protocol.Value, error) {
		n, _ := params[0].AsInt()
		c.n += n
		return protocol.Int(c.n), nil
	})

	inv := &Invocation{Service: &counter{n: 2}, Part: protocol.NewCall(1, "Counter", "add", protocol.Int(3))}
	v, err := h(context.Background(), inv)
	require.NoError(t, err)
	n, _ := v.AsInt()
	assert.Equal(t, int64(5), n)

	_, err = h(context.Background(), &Invocation{Service: "not a counter"})
	assert.Error(t, err)
}

func TestStaticAuthenticator(t *testing.T) {
	auth, err := NewStaticAuthenticator(map[string]string{"alice": "secret"})
	require.NoError(t, err)

	registry := session.NewRegistry(session.DefaultConfig())
	alice := registry.CreatePending("alice", nil)
	bob := registry.CreatePending("bob", nil)

	salt, err := auth.GetUserSalt(alice)
	require.NoError(t, err)
	secret, err := auth.GetUserPassword(alice)
	require.NoError(t, err)
	assert.Len(t, secret, 16)

	again, err := auth.GetUserPassword(alice)
	require.NoError(t, err)
	assert.Equal(t, secret, again)

	decoy, err := auth.GetUserSalt(bob)
	require.NoError(t, err)
	assert.Len(t, decoy, len(salt))

	d1, err := auth.GetUserPassword(bob)
	require.NoError(t, err)
	d2, err := auth.GetUserPassword(bob)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2, "decoy secrets are random")

	assert.True(t, auth.PermitInvocation(alice, "Any", "thing"))
	assert.False(t, auth.PermitInvocation(bob, "Any", "thing"))

	require.NoError(t, auth.AddUser("bob", "pw"))
	assert.True(t, auth.PermitInvocation(bob, "Any", "thing"))
}

func TestLogSink(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	sink := NewLogSink(logger)

	sink.Record(AuditRecord{User: "alice", RequestType: protocol.MsgTypeServerMessage, ResponseType: protocol.MsgTypeServerMessage, ResponseIndex: 3})
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, "alice", hook.LastEntry().Data["user"])
	assert.Equal(t, "SERVER_MESSAGE", hook.LastEntry().Data["response_type"])

	sink.Record(AuditRecord{RequestType: protocol.MsgTypeServerMessage, Error: "replayed"})
	require.Len(t, hook.Entries, 2)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	_, hasResponse := hook.LastEntry().Data["response_type"]
	assert.False(t, hasResponse)
}

func TestMultiSink(t *testing.T) {
	var a, b int
	sink := MultiSink{
		AuditSinkFunc(func(AuditRecord) { a++ }),
		AuditSinkFunc(func(AuditRecord) { b++ }),
	}
	sink.Record(AuditRecord{})
	sink.Record(AuditRecord{})
	assert.Equal(t, 2, a)
	assert.Equal(t, 2, b)
}
