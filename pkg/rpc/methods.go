package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
	"github.com/ZentaChain/zentalk-rpc/pkg/session"
)

// AnyShape registers a handler for every parameter shape of a method that
// has no exact match
const AnyShape = "*"

// Invocation is what a handler receives for one CALL part
type Invocation struct {
	Session *session.Session
	Service any // instance built by the service factory for this call
	Part    protocol.Part
}

// Params returns the call parameters
func (inv *Invocation) Params() []protocol.Value {
	return inv.Part.Params
}

// Handler executes one call and returns its result
type Handler func(ctx context.Context, inv *Invocation) (protocol.Value, error)

// ServiceFactory builds a service instance for one invocation
type ServiceFactory func(s *session.Session) (any, error)

type methodKey struct {
	service   string
	method    string
	signature string
}

// MethodTable maps (service, method, parameter shape) to handlers
type MethodTable struct {
	mu        sync.RWMutex
	factories map[string]ServiceFactory
	methods   map[methodKey]Handler
}

// NewMethodTable creates an empty method table
func NewMethodTable() *MethodTable {
	return &MethodTable{
		factories: make(map[string]ServiceFactory),
		methods:   make(map[methodKey]Handler),
	}
}

// RegisterService registers the factory for a service name
func (t *MethodTable) RegisterService(name string, factory ServiceFactory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("rpc: service needs a name and a factory")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.factories[name]; exists {
		return fmt.Errorf("rpc: service %s already registered", name)
	}
	t.factories[name] = factory
	return nil
}

// Register adds a handler for service.method called with the given
// parameter shape (see protocol.SignatureOf) or AnyShape
func (t *MethodTable) Register(service, method, signature string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.factories[service]; !ok {
		return fmt.Errorf("rpc: register %s.%s: %w", service, method, ErrServiceNotFound)
	}

	key := methodKey{service: service, method: method, signature: signature}
	if _, exists := t.methods[key]; exists {
		return fmt.Errorf("rpc: %s.%s(%s) already registered", service, method, signature)
	}
	t.methods[key] = h
	return nil
}

// Lookup finds the handler for a call, falling back to AnyShape
func (t *MethodTable) Lookup(service, method, signature string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, ok := t.methods[methodKey{service, method, signature}]; ok {
		return h, true
	}
	h, ok := t.methods[methodKey{service, method, AnyShape}]
	return h, ok
}

// Instantiate builds a service instance bound to s
func (t *MethodTable) Instantiate(service string, s *session.Session) (any, error) {
	t.mu.RLock()
	factory, ok := t.factories[service]
	t.mu.RUnlock()

	if !ok {
		return nil, ErrServiceNotFound
	}
	return factory(s)
}

// Methods lists every registered method as "Service.method(shape)"
func (t *MethodTable) Methods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.methods))
	for k := range t.methods {
		out = append(out, fmt.Sprintf("%s.%s(%s)", k.service, k.method, k.signature))
	}
	sort.Strings(out)
	return out
}

// Bind adapts a function taking a typed service instance into a Handler
func Bind[S any](fn func(ctx context.Context, svc S, params []protocol.Value) (protocol.Value, error)) Handler {
	return func(ctx context.Context, inv *Invocation) (protocol.Value, error) {
		svc, ok := inv.Service.(S)
		if !ok {
			return protocol.Null(), fmt.Errorf("service instance has type %T", inv.Service)
		}
		return fn(ctx, svc, inv.Params())
	}
}
