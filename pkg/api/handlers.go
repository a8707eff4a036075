package api

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-rpc/pkg/session"
)

const maxAuditLimit = 1000

// handleRPC passes one message to the rpc server. Requests the server
// refuses to answer get 400 with an empty body.
func (s *Server) handleRPC(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatus(http.StatusRequestEntityTooLarge)
			return
		}
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	out, err := s.rpc.ProcessRequest(c.Request.Context(), body)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"ip":    c.ClientIP(),
			"bytes": len(body),
		}).WithError(err).Debug("request dropped")
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	c.Data(http.StatusOK, "application/octet-stream", out)
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status   string        `json:"status"`
	Uptime   string        `json:"uptime"`
	Sessions session.Stats `json:"sessions"`
	Methods  int           `json:"methods"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Sessions: s.rpc.Registry().Stats(),
		Methods:  len(s.rpc.Methods().Methods()),
	})
}

// SessionInfo describes one authenticated session
type SessionInfo struct {
	ID               string    `json:"id"`
	User             string    `json:"user"`
	CreatedAt        time.Time `json:"createdAt"`
	AccessedAt       time.Time `json:"accessedAt"`
	MessageIndex     uint64    `json:"messageIndex"`
	PendingCallbacks int       `json:"pendingCallbacks"`
	Compression      string    `json:"compression"`
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions := s.rpc.Registry().Sessions()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, SessionInfo{
			ID:               sess.ID.String(),
			User:             sess.UserName,
			CreatedAt:        sess.CreatedAt,
			AccessedAt:       sess.AccessedAt(),
			MessageIndex:     sess.MessageIndex(),
			PendingCallbacks: sess.PendingCallbacks(),
			Compression:      sess.Compression().String(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

func (s *Server) handleMethods(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"methods": s.rpc.Methods().Methods()})
}

// AuditEntry is the JSON form of an audit record
type AuditEntry struct {
	Time          time.Time `json:"time"`
	SessionID     string    `json:"sessionId"`
	User          string    `json:"user"`
	RequestType   string    `json:"requestType"`
	RequestIndex  uint64    `json:"requestIndex"`
	ResponseType  string    `json:"responseType,omitempty"`
	ResponseIndex uint64    `json:"responseIndex"`
	Parts         int       `json:"parts"`
	ElapsedMicros int64     `json:"elapsedMicros"`
	Error         string    `json:"error,omitempty"`
}

func (s *Server) handleAudit(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > maxAuditLimit {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid limit", Message: "limit must be between 1 and 1000"})
		return
	}

	records, err := s.audit.Recent(limit)
	if err != nil {
		s.log.WithError(err).Error("failed to read audit log")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read audit log"})
		return
	}

	out := make([]AuditEntry, 0, len(records))
	for _, rec := range records {
		entry := AuditEntry{
			Time:          rec.Time,
			SessionID:     rec.SessionID.String(),
			User:          rec.User,
			RequestType:   rec.RequestType.String(),
			RequestIndex:  rec.RequestIndex,
			ResponseIndex: rec.ResponseIndex,
			Parts:         rec.Parts,
			ElapsedMicros: rec.Elapsed.Microseconds(),
			Error:         rec.Error,
		}
		if rec.ResponseType != 0 {
			entry.ResponseType = rec.ResponseType.String()
		}
		out = append(out, entry)
	}

	c.JSON(http.StatusOK, gin.H{"records": out})
}
