package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-rpc/pkg/protocol"
	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
)

// DefaultAuditRetention is how long audit rows are kept when no TTL is given
const DefaultAuditRetention = 30 * 24 * time.Hour

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	time INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	user_name TEXT NOT NULL,
	request_type INTEGER NOT NULL,
	request_index INTEGER NOT NULL,
	response_type INTEGER NOT NULL,
	response_index INTEGER NOT NULL,
	request_bytes INTEGER NOT NULL,
	response_bytes INTEGER NOT NULL,
	parts INTEGER NOT NULL,
	elapsed_ns INTEGER NOT NULL,
	error TEXT NOT NULL,
	stack TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

-- Index for expiration cleanup
CREATE INDEX IF NOT EXISTS idx_audit_expires ON audit_log(expires_at);

CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id);
`

// AuditStore writes one row per processed request and drops rows older
// than its retention
type AuditStore struct {
	db  *sql.DB
	ttl time.Duration
	log logrus.FieldLogger
	now func() time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ rpc.AuditSink = (*AuditStore)(nil)

// NewAuditStore opens (or creates) the audit database at path. Rows live
// for ttl (DefaultAuditRetention when zero) and expired rows are removed
// every cleanupInterval (one hour when zero).
func NewAuditStore(path string, ttl, cleanupInterval time.Duration, logger logrus.FieldLogger) (*AuditStore, error) {
	if ttl == 0 {
		ttl = DefaultAuditRetention
	}
	if cleanupInterval == 0 {
		cleanupInterval = time.Hour
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	db, err := openDB(path, auditSchema)
	if err != nil {
		return nil, err
	}

	s := &AuditStore{
		db:   db,
		ttl:  ttl,
		log:  logger,
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	// Start background cleanup goroutine
	go s.cleanupLoop(cleanupInterval)

	return s, nil
}

// Record implements rpc.AuditSink. A failed insert is logged since the
// request it describes has already been answered.
func (s *AuditStore) Record(rec rpc.AuditRecord) {
	if err := s.Insert(rec); err != nil {
		s.log.WithError(err).WithField("session", rec.SessionID.String()).Warn("failed to write audit record")
	}
}

// Insert stores rec
func (s *AuditStore) Insert(rec rpc.AuditRecord) error {
	expiresAt := s.now().Add(s.ttl).UnixNano()

	_, err := s.db.Exec(`
		INSERT INTO audit_log (time, session_id, user_name, request_type, request_index,
			response_type, response_index, request_bytes, response_bytes, parts,
			elapsed_ns, error, stack, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Time.UnixNano(), rec.SessionID.String(), rec.User, int(rec.RequestType), int64(rec.RequestIndex),
		int(rec.ResponseType), int64(rec.ResponseIndex), rec.RequestBytes, rec.ResponseBytes, rec.Parts,
		int64(rec.Elapsed), rec.Error, rec.Stack, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first
func (s *AuditStore) Recent(limit int) ([]rpc.AuditRecord, error) {
	rows, err := s.db.Query(`
		SELECT time, session_id, user_name, request_type, request_index,
			response_type, response_index, request_bytes, response_bytes, parts,
			elapsed_ns, error, stack
		FROM audit_log
		WHERE expires_at > ?
		ORDER BY id DESC
		LIMIT ?
	`, s.now().UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var records []rpc.AuditRecord
	for rows.Next() {
		var (
			rec                 rpc.AuditRecord
			at, elapsed         int64
			sessionID           string
			reqType, respType   int
			reqIndex, respIndex int64
		)
		if err := rows.Scan(&at, &sessionID, &rec.User, &reqType, &reqIndex,
			&respType, &respIndex, &rec.RequestBytes, &rec.ResponseBytes, &rec.Parts,
			&elapsed, &rec.Error, &rec.Stack); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		rec.Time = time.Unix(0, at)
		rec.Elapsed = time.Duration(elapsed)
		rec.RequestType = protocol.MessageType(reqType)
		rec.ResponseType = protocol.MessageType(respType)
		rec.RequestIndex = uint64(reqIndex)
		rec.ResponseIndex = uint64(respIndex)
		if id, err := protocol.ParseSessionID(sessionID); err == nil {
			rec.SessionID = id
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of unexpired records
func (s *AuditStore) Count() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE expires_at > ?`, s.now().UnixNano()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return count, nil
}

// Cleanup deletes expired records and returns how many were removed
func (s *AuditStore) Cleanup() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM audit_log WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit log: %w", err)
	}
	return result.RowsAffected()
}

func (s *AuditStore) cleanupLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			count, err := s.Cleanup()
			if err != nil {
				s.log.WithError(err).Warn("audit cleanup failed")
				continue
			}
			if count > 0 {
				s.log.WithField("removed", count).Info("cleaned up expired audit records")
			}
		}
	}
}

// Close stops the cleanup goroutine and closes the database
func (s *AuditStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return s.db.Close()
}
