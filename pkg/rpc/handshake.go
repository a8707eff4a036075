package rpc

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-rpc/pkg/crypto"
	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
)

// handleAuthorize answers AUTHORIZE with a CHALLENGE carrying a fresh
// server nonce and the user's salt. Known and unknown users take the same
// path.
func (s *Server) handleAuthorize(req *protocol.Message, data []byte, rec *AuditRecord) (*reply, error) {
	if err := protocol.DecodeBody(req, nil, data); err != nil {
		return nil, err
	}

	user, err := protocol.ParseAuthorize(req)
	if err != nil {
		return nil, err
	}
	rec.User = user

	serverNonce, err := crypto.GenerateNonce(crypto.NonceSize)
	if err != nil {
		return nil, fmt.Errorf("rpc: server nonce: %w", err)
	}

	sess := s.registry.CreatePending(user, serverNonce)
	rec.SessionID = sess.ID

	salt, err := s.auth.GetUserSalt(sess)
	if err != nil {
		return nil, fmt.Errorf("rpc: user salt: %w", err)
	}

	return &reply{
		msg:   protocol.NewChallenge(sess.ID, serverNonce, salt),
		index: protocol.IndexAuthorize,
		level: protocol.CompressionNone,
	}, nil
}

// handleChallengeResponse verifies the client's answer, derives the
// session keys and registers the session. Every failure to authenticate
// is answered with the same DISCONNECT.
func (s *Server) handleChallengeResponse(req *protocol.Message, data []byte, rec *AuditRecord) (*reply, error) {
	if !req.HasSession() {
		return nil, fmt.Errorf("%w: %s without a session id", ErrUnexpectedMessage, req.Type)
	}
	if err := protocol.DecodeBody(req, nil, data); err != nil {
		return nil, err
	}

	clientNonce, clientAnswer, err := protocol.ParseChallengeResponse(req)
	if err != nil {
		return nil, err
	}

	sess, err := s.registry.Promote(req.SessionID)
	if err != nil {
		return s.rejectHandshake(req, "no pending handshake"), nil
	}
	rec.User = sess.UserName

	pending := sess.Pending()
	if pending == nil || len(clientNonce) != crypto.NonceSize {
		return s.rejectHandshake(req, "invalid handshake state"), nil
	}

	secret, err := s.auth.GetUserPassword(sess)
	if err != nil || len(secret) != crypto.SecretSize {
		return s.rejectHandshake(req, "no usable secret"), nil
	}

	expected, err := crypto.ComputeAnswer(clientNonce, secret, pending.ServerNonce)
	if err != nil {
		return nil, err
	}
	if !crypto.Equal(clientAnswer, expected) {
		return s.rejectHandshake(req, "wrong answer"), nil
	}

	serverAnswer, err := crypto.ComputeAnswer(pending.ServerNonce, secret, clientNonce)
	if err != nil {
		return nil, err
	}

	inbound, outbound, err := sessionCiphers(clientAnswer, serverAnswer, secret)
	if err != nil {
		return nil, err
	}

	sess.Authorize(inbound, outbound, s.now())
	s.registry.Put(sess)
	s.metrics.observeHandshake("authorized")

	s.log.WithFields(logrus.Fields{
		"session": sess.ID.String(),
		"user":    sess.UserName,
	}).Info("session authorized")

	return &reply{
		msg:   protocol.NewAuthorized(sess.ID, serverAnswer),
		index: protocol.IndexChallengeResponse,
		level: protocol.CompressionNone,
	}, nil
}

// sessionCiphers derives the master key and returns the cipher opening
// client traffic and the cipher sealing server traffic
func sessionCiphers(clientAnswer, serverAnswer, secret []byte) (*crypto.SessionCipher, *crypto.SessionCipher, error) {
	master, err := crypto.DeriveMasterKey(clientAnswer, serverAnswer, secret)
	if err != nil {
		return nil, nil, err
	}

	inKey, outKey, err := crypto.SplitMasterKey(master)
	if err != nil {
		return nil, nil, err
	}

	inbound, err := crypto.NewSessionCipher(inKey)
	if err != nil {
		return nil, nil, err
	}
	outbound, err := crypto.NewSessionCipher(outKey)
	if err != nil {
		return nil, nil, err
	}
	return inbound, outbound, nil
}

// rejectHandshake builds the DISCONNECT sent for any failed handshake.
// The reason is only logged.
func (s *Server) rejectHandshake(req *protocol.Message, reason string) *reply {
	s.metrics.observeHandshake("rejected")
	s.log.WithFields(logrus.Fields{
		"session": req.SessionID.String(),
		"reason":  reason,
	}).Warn("handshake rejected")

	return &reply{
		msg:   protocol.NewMessage(protocol.MsgTypeDisconnect, req.SessionID),
		index: protocol.IndexChallengeResponse,
		level: protocol.CompressionNone,
	}
}

// challengeUnknown answers traffic for a session the registry does not
// know with an empty CHALLENGE at index 0, telling the client to log in
// again. No pending session is created.
func (s *Server) challengeUnknown(req *protocol.Message) *reply {
	s.log.WithField("session", req.SessionID.String()).Debug("request for unknown session")

	return &reply{
		msg:   protocol.NewMessage(protocol.MsgTypeChallenge, req.SessionID),
		index: protocol.IndexAuthorize,
		level: protocol.CompressionNone,
	}
}

// Authenticated reports whether id names a registered, authorized session
func (s *Server) Authenticated(id protocol.SessionID) bool {
	sess, err := s.registry.Lookup(id)
	return err == nil && sess.Authorized()
}
