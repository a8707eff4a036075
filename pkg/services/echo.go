// Package services contains the services the rpc-server registers by
// default. They double as examples of binding handlers to a MethodTable.
package services

import (
	"context"
	"errors"

	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
	"github.com/ZentaChain/zentalk-rpc/pkg/session"
)

// EchoServiceName is the name EchoService is registered under
const EchoServiceName = "EchoService"

// EchoService returns its arguments
type EchoService struct {
	session *session.Session
}

// EchoString returns s
func (e *EchoService) EchoString(s string) string {
	return s
}

// EchoInt returns n
func (e *EchoService) EchoInt(n int64) int64 {
	return n
}

// Fail always fails with msg
func (e *EchoService) Fail(msg string) error {
	return errors.New(msg)
}

// RegisterEcho registers EchoService on t
func RegisterEcho(t *rpc.MethodTable) error {
	err := t.RegisterService(EchoServiceName, func(s *session.Session) (any, error) {
		return &EchoService{session: s}, nil
	})
	if err != nil {
		return err
	}

	stringShape := protocol.SignatureOf(protocol.KindString)
	intShape := protocol.SignatureOf(protocol.KindInt)

	methods := []struct {
		method    string
		signature string
		handler   rpc.Handler
	}{
		{"echo", stringShape, rpc.Bind(func(_ context.Context, e *EchoService, params []protocol.Value) (protocol.Value, error) {
			s, _ := params[0].AsString()
			return protocol.String(e.EchoString(s)), nil
		})},
		{"echo", intShape, rpc.Bind(func(_ context.Context, e *EchoService, params []protocol.Value) (protocol.Value, error) {
			n, _ := params[0].AsInt()
			return protocol.Int(e.EchoInt(n)), nil
		})},
		{"fail", stringShape, rpc.Bind(func(_ context.Context, e *EchoService, params []protocol.Value) (protocol.Value, error) {
			msg, _ := params[0].AsString()
			return protocol.Null(), e.Fail(msg)
		})},
	}

	for _, m := range methods {
		if err := t.Register(EchoServiceName, m.method, m.signature, m.handler); err != nil {
			return err
		}
	}
	return nil
}
