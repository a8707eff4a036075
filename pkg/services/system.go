package services

import (
	"context"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
	"github.com/ZentaChain/zentalk-rpc/pkg/session"
)

// SystemServiceName is the name SystemService is registered under
const SystemServiceName = "SystemService"

// MethodNotify is the callback method queued by notify
const MethodNotify = "notify"

// maxNotifications caps the callbacks a single notify call may queue
const maxNotifications = 1000

// SystemService answers questions about the server and the caller's session
type SystemService struct {
	session  *session.Session
	registry *session.Registry
	now      func() time.Time
}

// Ping returns "pong"
func (s *SystemService) Ping() string {
	return "pong"
}

// Time returns the server clock in unix nanoseconds
func (s *SystemService) Time() int64 {
	return s.now().UnixNano()
}

// WhoAmI returns the name the caller authenticated as
func (s *SystemService) WhoAmI() string {
	return s.session.UserName
}

// Notify queues count callbacks carrying msg on the caller's session.
// They are delivered with this response.
func (s *SystemService) Notify(msg string, count int64) error {
	if count < 0 || count > maxNotifications {
		return fmt.Errorf("count must be between 0 and %d", maxNotifications)
	}
	for i := int64(0); i < count; i++ {
		s.session.Callback(MethodNotify, protocol.String(msg), protocol.Int(i))
	}
	return nil
}

// Sessions returns the number of authenticated sessions
func (s *SystemService) Sessions() int64 {
	return int64(s.registry.Stats().Authenticated)
}

// RegisterSystem registers SystemService on t. registry is the one the
// server uses.
func RegisterSystem(t *rpc.MethodTable, registry *session.Registry) error {
	err := t.RegisterService(SystemServiceName, func(s *session.Session) (any, error) {
		return &SystemService{session: s, registry: registry, now: time.Now}, nil
	})
	if err != nil {
		return err
	}

	noArgs := protocol.SignatureOf()

	methods := []struct {
		method    string
		signature string
		handler   rpc.Handler
	}{
		{"ping", noArgs, rpc.Bind(func(_ context.Context, s *SystemService, _ []protocol.Value) (protocol.Value, error) {
			return protocol.String(s.Ping()), nil
		})},
		{"time", noArgs, rpc.Bind(func(_ context.Context, s *SystemService, _ []protocol.Value) (protocol.Value, error) {
			return protocol.Int(s.Time()), nil
		})},
		{"whoami", noArgs, rpc.Bind(func(_ context.Context, s *SystemService, _ []protocol.Value) (protocol.Value, error) {
			return protocol.String(s.WhoAmI()), nil
		})},
		{"notify", protocol.SignatureOf(protocol.KindString, protocol.KindInt), rpc.Bind(func(_ context.Context, s *SystemService, params []protocol.Value) (protocol.Value, error) {
			msg, _ := params[0].AsString()
			count, _ := params[1].AsInt()
			return protocol.Null(), s.Notify(msg, count)
		})},
		{"sessions", noArgs, rpc.Bind(func(_ context.Context, s *SystemService, _ []protocol.Value) (protocol.Value, error) {
			return protocol.Int(s.Sessions()), nil
		})},
	}

	for _, m := range methods {
		if err := t.Register(SystemServiceName, m.method, m.signature, m.handler); err != nil {
			return err
		}
	}
	return nil
}

// RegisterAll registers every default service
func RegisterAll(t *rpc.MethodTable, registry *session.Registry) error {
	if err := RegisterEcho(t); err != nil {
		return err
	}
	return RegisterSystem(t, registry)
}
