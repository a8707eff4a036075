package rpc

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
	"github.com/ZentaChain/zentalk-rpc/pkg/session"
)

// dispatch runs a steady-state request on an authenticated session
func (s *Server) dispatch(ctx context.Context, sess *session.Session, req *protocol.Message, data []byte, rec *AuditRecord) (*reply, error) {
	if err := protocol.DecodeBody(req, sess.InboundCipher(), data); err != nil {
		return nil, err
	}

	next, err := sess.Advance(req.Index, req.Timestamp, req.Compression, s.now())
	if err != nil {
		s.registry.Remove(sess.ID)
		s.log.WithFields(logrus.Fields{
			"session":  sess.ID.String(),
			"user":     sess.UserName,
			"index":    req.Index,
			"expected": next,
		}).WithError(err).Warn("session terminated")
		return nil, fmt.Errorf("%w: %v", ErrReplayOrOutOfOrder, err)
	}

	parts := make([]protocol.Part, 0, len(req.Parts))
	for _, call := range req.Parts {
		result, invErr := s.invoke(ctx, sess, call)
		if invErr != nil {
			if invErr.Stack != "" && rec.Stack == "" {
				rec.Stack = invErr.Stack
			}
			s.log.WithFields(logrus.Fields{
				"session": sess.ID.String(),
				"service": invErr.Service,
				"method":  invErr.Method,
			}).WithError(invErr.Cause).Debug("invocation failed")
		}
		parts = append(parts, result)
	}

	parts = append(parts, s.registry.DrainCallbacks(sess)...)

	respType := protocol.MsgTypeServerMessage
	if req.Type == protocol.MsgTypeDisconnect {
		respType = protocol.MsgTypeDisconnect
		s.registry.Remove(sess.ID)
		s.log.WithFields(logrus.Fields{
			"session": sess.ID.String(),
			"user":    sess.UserName,
		}).Info("session disconnected")
	}

	msg := protocol.NewMessage(respType, sess.ID, parts...)
	msg.Compression = req.Compression

	return &reply{
		msg:    msg,
		index:  next,
		cipher: sess.OutboundCipher(),
		level:  s.level(req.Compression),
	}, nil
}

// invoke runs one part and always returns a part for the response. The
// InvocationError is non-nil when that part is an ERROR. A panic anywhere
// in lookup, permission, instantiation or the handler fails only this part.
func (s *Server) invoke(ctx context.Context, sess *session.Session, call protocol.Part) (part protocol.Part, invErr *InvocationError) {
	fail := func(cause error, stack string) (protocol.Part, *InvocationError) {
		invErr := &InvocationError{Service: call.Service, Method: call.Method, Cause: cause, Stack: stack}
		return protocol.NewErrorPart(call, description(cause)), invErr
	}

	defer func() {
		if v := recover(); v != nil {
			part, invErr = fail(&panicError{value: v}, string(debug.Stack()))
		}
	}()

	if call.Type != protocol.PartTypeCall {
		return fail(fmt.Errorf("unexpected %s part", call.Type), "")
	}
	if err := ctx.Err(); err != nil {
		return fail(err, "")
	}

	h, ok := s.methods.Lookup(call.Service, call.Method, call.Signature())
	if !ok {
		return fail(ErrMethodNotFound, "")
	}

	if !s.auth.PermitInvocation(sess, call.Service, call.Method) {
		return fail(ErrNotAuthorized, "")
	}

	svc, err := s.methods.Instantiate(call.Service, sess)
	if err != nil {
		return fail(err, "")
	}

	result, err := h(ctx, &Invocation{Session: sess, Service: svc, Part: call})
	if err != nil {
		return fail(err, "")
	}
	return protocol.NewResult(call, result), nil
}
