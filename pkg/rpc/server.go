// Package rpc implements the RPC server core: the challenge-response
// handshake, per-session replay protection and dispatch of calls to
// registered services.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
	"github.com/ZentaChain/zentalk-rpc/pkg/session"
)

// Server processes encoded request messages and produces encoded replies
type Server struct {
	registry           *session.Registry
	methods            *MethodTable
	auth               Authenticator
	audit              AuditSink
	metrics            *Metrics
	log                logrus.FieldLogger
	now                func() time.Time
	defaultCompression protocol.Compression
}

// Option configures a Server
type Option func(*Server)

// WithRegistry sets the session registry
func WithRegistry(r *session.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithAuditSink sets where audit records go
func WithAuditSink(sink AuditSink) Option {
	return func(s *Server) { s.audit = sink }
}

// WithMetrics enables prometheus metrics
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithDefaultCompression sets the level used when a request does not ask for one
func WithDefaultCompression(c protocol.Compression) Option {
	return func(s *Server) { s.defaultCompression = c }
}

// NewServer creates a server authenticating with auth and dispatching to methods
func NewServer(auth Authenticator, methods *MethodTable, opts ...Option) *Server {
	s := &Server{
		methods:            methods,
		auth:               auth,
		now:                time.Now,
		defaultCompression: protocol.DefaultCompression,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = session.NewRegistry(session.DefaultConfig())
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.audit == nil {
		s.audit = NewLogSink(s.log)
	}
	return s
}

// Registry returns the session registry
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Methods returns the method table
func (s *Server) Methods() *MethodTable {
	return s.methods
}

// reply is a response message plus how to encode it
type reply struct {
	msg    *protocol.Message
	index  uint64
	cipher protocol.Cipher
	level  protocol.Compression
}

// ProcessRequest handles one encoded request and returns the encoded reply.
//
// A request whose header cannot be decoded yields no reply and an error.
// Replayed or out of order requests terminate their session and yield no
// reply and an error wrapping ErrReplayOrOutOfOrder. Every other failure
// after the header was decoded yields an ERROR message and a nil error.
func (s *Server) ProcessRequest(ctx context.Context, data []byte) (out []byte, err error) {
	start := s.now()
	rec := AuditRecord{Time: start, RequestBytes: len(data)}
	msgType := "malformed"

	defer func() {
		rec.Elapsed = s.now().Sub(start)
		rec.ResponseBytes = len(out)
		if err != nil {
			rec.Error = err.Error()
		}
		s.audit.Record(rec)
		s.metrics.observeRequest(msgType, outcome(err, rec.ResponseType), rec.Elapsed)
	}()

	req, err := protocol.DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	msgType = req.Type.String()
	rec.SessionID = req.SessionID
	rec.RequestType = req.Type
	rec.RequestIndex = req.Index

	r, err := s.handleSafely(ctx, req, data, &rec)
	if errors.Is(err, ErrReplayOrOutOfOrder) {
		return nil, err
	}
	if err != nil {
		rec.Error = err.Error()
		r = s.errorReply(req, err)
	}

	out, encErr := protocol.Encode(r.msg, r.index, r.cipher, r.level)
	if encErr != nil {
		return nil, fmt.Errorf("rpc: encode %s reply: %w", r.msg.Type, encErr)
	}

	rec.ResponseType = r.msg.Type
	rec.ResponseIndex = r.index
	rec.Parts = len(r.msg.Parts)
	return out, nil
}

// handleSafely routes a decoded request and turns a panic into an error
func (s *Server) handleSafely(ctx context.Context, req *protocol.Message, data []byte, rec *AuditRecord) (r *reply, err error) {
	defer func() {
		if v := recover(); v != nil {
			rec.Stack = string(debug.Stack())
			r, err = nil, &panicError{value: v}
		}
	}()

	switch req.Type {
	case protocol.MsgTypeAuthorize:
		return s.handleAuthorize(req, data, rec)
	case protocol.MsgTypeChallengeResponse:
		return s.handleChallengeResponse(req, data, rec)
	case protocol.MsgTypeServerMessage, protocol.MsgTypeDisconnect:
		sess, err := s.registry.Lookup(req.SessionID)
		if err != nil {
			return s.challengeUnknown(req), nil
		}
		rec.User = sess.UserName
		return s.dispatch(ctx, sess, req, data, rec)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, req.Type)
	}
}

func (s *Server) errorReply(req *protocol.Message, err error) *reply {
	desc := "internal error"
	switch {
	case errors.Is(err, protocol.ErrDecode):
		desc = "decode error"
	case errors.Is(err, ErrUnexpectedMessage):
		desc = "unexpected message"
	}

	s.log.WithFields(logrus.Fields{
		"session": req.SessionID.String(),
		"type":    req.Type.String(),
	}).WithError(err).Debug("request failed")

	msg := protocol.NewMessage(protocol.MsgTypeError, req.SessionID, protocol.NewErrorPart(protocol.Part{}, desc))
	return &reply{msg: msg, index: req.Index, level: protocol.CompressionNone}
}

func (s *Server) level(requested protocol.Compression) protocol.Compression {
	if requested == protocol.CompressionUnspecified {
		return s.defaultCompression
	}
	return requested
}

// RunSweeper evicts sessions idle for longer than maxIdle every interval
// until ctx is cancelled
func (s *Server) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) error {
	if interval <= 0 || maxIdle <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, sess := range s.registry.EvictIdle(maxIdle) {
				s.log.WithFields(logrus.Fields{
					"session": sess.ID.String(),
					"user":    sess.UserName,
				}).Info("evicted idle session")
			}
		}
	}
}

// outcome labels a request by how it was answered
func outcome(err error, replied protocol.MessageType) string {
	switch {
	case errors.Is(err, ErrReplayOrOutOfOrder):
		return "replay"
	case err != nil:
		return "dropped"
	case replied == protocol.MsgTypeError:
		return "error"
	default:
		return "ok"
	}
}
