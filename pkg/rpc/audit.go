package rpc

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
)

// AuditRecord describes one ProcessRequest call
type AuditRecord struct {
	Time          time.Time
	SessionID     protocol.SessionID
	User          string
	RequestType   protocol.MessageType
	RequestIndex  uint64
	ResponseType  protocol.MessageType // zero when no response was produced
	ResponseIndex uint64
	RequestBytes  int
	ResponseBytes int
	Parts         int
	Elapsed       time.Duration
	Error         string
	Stack         string
}

// AuditSink receives one record per request
type AuditSink interface {
	Record(rec AuditRecord)
}

// AuditSinkFunc adapts a function to AuditSink
type AuditSinkFunc func(rec AuditRecord)

// Record implements AuditSink
func (f AuditSinkFunc) Record(rec AuditRecord) { f(rec) }

// MultiSink fans a record out to several sinks
type MultiSink []AuditSink

// Record implements AuditSink
func (m MultiSink) Record(rec AuditRecord) {
	for _, sink := range m {
		sink.Record(rec)
	}
}

// LogSink writes each record as one structured log line
type LogSink struct {
	Logger logrus.FieldLogger
}

// NewLogSink creates a sink logging to logger
func NewLogSink(logger logrus.FieldLogger) *LogSink {
	return &LogSink{Logger: logger}
}

// Record implements AuditSink
func (s *LogSink) Record(rec AuditRecord) {
	fields := logrus.Fields{
		"session":        rec.SessionID.String(),
		"user":           rec.User,
		"request_type":   rec.RequestType.String(),
		"request_index":  rec.RequestIndex,
		"request_bytes":  rec.RequestBytes,
		"response_bytes": rec.ResponseBytes,
		"parts":          rec.Parts,
		"elapsed":        rec.Elapsed.String(),
	}
	if rec.ResponseType != 0 {
		fields["response_type"] = rec.ResponseType.String()
		fields["response_index"] = rec.ResponseIndex
	}

	entry := s.Logger.WithFields(fields)
	if rec.Error != "" {
		entry.WithField("stack", rec.Stack).Warnf("rpc request failed: %s", rec.Error)
		return
	}
	entry.Info("rpc request")
}
