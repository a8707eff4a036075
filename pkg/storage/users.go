package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-rpc/pkg/crypto"
	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
	"github.com/ZentaChain/zentalk-rpc/pkg/session"
)

// Wildcard matches any service or method in a grant
const Wildcard = "*"

const userSchema = `
CREATE TABLE IF NOT EXISTS users (
	name TEXT PRIMARY KEY,
	salt BLOB NOT NULL,
	secret BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS grants (
	user_name TEXT NOT NULL,
	service TEXT NOT NULL,
	method TEXT NOT NULL,
	PRIMARY KEY (user_name, service, method)
);

-- Server-wide secrets, e.g. the decoy key
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

const decoyKeySetting = "decoy_key"

// Grant permits a user to call service.method. Either may be Wildcard.
type Grant struct {
	Service string
	Method  string
}

// User is a stored account without its secret
type User struct {
	Name      string
	CreatedAt time.Time
	Grants    []Grant
}

// UserStore keeps users, their expanded passwords and their grants. Only
// the salt and the argon2id expansion of a password are stored.
type UserStore struct {
	db       *sql.DB
	decoyKey []byte
	log      logrus.FieldLogger
}

var _ rpc.Authenticator = (*UserStore)(nil)

// NewUserStore opens (or creates) the user database at path
func NewUserStore(path string, logger logrus.FieldLogger) (*UserStore, error) {
	db, err := openDB(path, userSchema)
	if err != nil {
		return nil, err
	}

	s := &UserStore{db: db, log: logger}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}

	if s.decoyKey, err = s.loadDecoyKey(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// loadDecoyKey returns the persisted decoy key, creating it on first use so
// decoy salts stay stable across restarts
func (s *UserStore) loadDecoyKey() ([]byte, error) {
	fresh, err := crypto.GenerateNonce(crypto.HashSize)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`, decoyKeySetting, fresh); err != nil {
		return nil, fmt.Errorf("failed to store decoy key: %w", err)
	}

	var key []byte
	if err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, decoyKeySetting).Scan(&key); err != nil {
		return nil, fmt.Errorf("failed to load decoy key: %w", err)
	}
	return key, nil
}

// AddUser creates a user. It fails with ErrUserExists.
func (s *UserStore) AddUser(name, password string) error {
	if name == "" {
		return fmt.Errorf("storage: empty user name")
	}

	salt, err := crypto.GenerateNonce(crypto.SecretSize)
	if err != nil {
		return err
	}
	secret := crypto.ExpandPassword(password, salt)

	_, err = s.db.Exec(`INSERT INTO users (name, salt, secret, created_at) VALUES (?, ?, ?, ?)`,
		name, salt, secret, time.Now().Unix())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrUserExists, name)
		}
		return fmt.Errorf("failed to add user: %w", err)
	}

	s.log.WithField("user", name).Info("user added")
	return nil
}

// SetPassword replaces a user's password with a freshly salted one
func (s *UserStore) SetPassword(name, password string) error {
	salt, err := crypto.GenerateNonce(crypto.SecretSize)
	if err != nil {
		return err
	}
	secret := crypto.ExpandPassword(password, salt)

	result, err := s.db.Exec(`UPDATE users SET salt = ?, secret = ? WHERE name = ?`, salt, secret, name)
	if err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	return expectOneRow(result, name)
}

// DeleteUser removes a user and their grants
func (s *UserStore) DeleteUser(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM grants WHERE user_name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete grants: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM users WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if err := expectOneRow(result, name); err != nil {
		return err
	}
	return tx.Commit()
}

// Grant permits name to call service.method
func (s *UserStore) Grant(name, service, method string) error {
	if service == "" || method == "" {
		return fmt.Errorf("storage: grant needs a service and a method")
	}
	if _, err := s.user(name); err != nil {
		return err
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO grants (user_name, service, method) VALUES (?, ?, ?)`, name, service, method)
	if err != nil {
		return fmt.Errorf("failed to grant: %w", err)
	}
	return nil
}

// Revoke removes a grant added with the same arguments
func (s *UserStore) Revoke(name, service, method string) error {
	result, err := s.db.Exec(`DELETE FROM grants WHERE user_name = ? AND service = ? AND method = ?`, name, service, method)
	if err != nil {
		return fmt.Errorf("failed to revoke: %w", err)
	}
	return expectOneRow(result, fmt.Sprintf("%s %s.%s", name, service, method))
}

// ListUsers returns every user with their grants, ordered by name
func (s *UserStore) ListUsers() ([]User, error) {
	rows, err := s.db.Query(`
		SELECT u.name, u.created_at, g.service, g.method
		FROM users u LEFT JOIN grants g ON g.user_name = u.name
		ORDER BY u.name, g.service, g.method
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var name string
		var created int64
		var service, method sql.NullString
		if err := rows.Scan(&name, &created, &service, &method); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}

		if len(users) == 0 || users[len(users)-1].Name != name {
			users = append(users, User{Name: name, CreatedAt: time.Unix(created, 0)})
		}
		if service.Valid {
			u := &users[len(users)-1]
			u.Grants = append(u.Grants, Grant{Service: service.String, Method: method.String})
		}
	}
	return users, rows.Err()
}

// Permitted reports whether name holds a grant covering service.method
func (s *UserStore) Permitted(name, service, method string) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM grants
		WHERE user_name = ? AND service IN (?, ?) AND method IN (?, ?)
		LIMIT 1
	`, name, service, Wildcard, method, Wildcard).Scan(&one)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check grant: %w", err)
	}
	return true, nil
}

type credentials struct {
	salt   []byte
	secret []byte
}

func (s *UserStore) user(name string) (*credentials, error) {
	c := &credentials{}
	err := s.db.QueryRow(`SELECT salt, secret FROM users WHERE name = ?`, name).Scan(&c.salt, &c.secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return c, nil
}

// GetUserSalt implements rpc.Authenticator. Unknown users get a decoy salt.
func (s *UserStore) GetUserSalt(sess *session.Session) ([]byte, error) {
	c, err := s.user(sess.UserName)
	if errors.Is(err, ErrNotFound) {
		return crypto.DecoySalt(s.decoyKey, sess.UserName)
	}
	if err != nil {
		return nil, err
	}
	return c.salt, nil
}

// GetUserPassword implements rpc.Authenticator. Unknown users get a random
// secret so their answer never matches.
func (s *UserStore) GetUserPassword(sess *session.Session) ([]byte, error) {
	c, err := s.user(sess.UserName)
	if errors.Is(err, ErrNotFound) {
		return crypto.GenerateNonce(crypto.SecretSize)
	}
	if err != nil {
		return nil, err
	}
	return c.secret, nil
}

// PermitInvocation implements rpc.Authenticator. Users without a matching
// grant are denied, as is everyone when the lookup fails.
func (s *UserStore) PermitInvocation(sess *session.Session, service, method string) bool {
	ok, err := s.Permitted(sess.UserName, service, method)
	if err != nil {
		s.log.WithError(err).WithField("user", sess.UserName).Error("grant lookup failed")
		return false
	}
	return ok
}

// Close closes the database connection
func (s *UserStore) Close() error {
	return s.db.Close()
}

func expectOneRow(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return nil
}
