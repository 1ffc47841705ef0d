// Package auth verifies username/password credentials against a sqlite
// store of bcrypt hashes, the one external predicate the protocol state
// machine calls during the connect handshake. Credential storage itself
// is out of scope; only this boolean check and its error shape matter to
// the caller.
package auth

import (
	"database/sql"
	"errors"

	"github.com/nilsen/cindermq/pkg/er"
	h "github.com/nilsen/cindermq/pkg/hash"
)

type Store struct {
	db *sql.DB
}

// New wraps db, creating the users table if it does not already exist.
// The teacher leaves schema creation to a separate setup step; the
// broker has no such step, so it's folded in here instead.
func New(db *sql.DB) *Store {
	s := &Store{db: db}
	s.db.Exec(`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		secret   TEXT NOT NULL
	)`)
	return s
}

// Authenticate returns nil if username/password match a stored hash.
func (s *Store) Authenticate(username, password string) error {
	var hash string

	err := s.db.QueryRow("SELECT secret FROM users WHERE username = ?", username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &er.Err{Context: "Auth", Message: er.ErrUserNotFound}
		}
		return &er.Err{Context: "Auth", Message: err}
	}

	if !h.VerifyPasswd(hash, password) {
		return &er.Err{Context: "Auth", Message: er.ErrInvalidPassword}
	}

	return nil
}

// CreateUser inserts or replaces a user's bcrypt-hashed password.
func (s *Store) CreateUser(username, password string, cost int) error {
	hash, err := h.HashPasswd(password, cost)
	if err != nil {
		return err
	}
	_, err = s.db.Exec("INSERT OR REPLACE INTO users (username, secret) VALUES (?, ?)", username, hash)
	if err != nil {
		return &er.Err{Context: "Auth", Message: err}
	}
	return nil
}
