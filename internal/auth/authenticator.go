// Package auth implements the broker's username/password verification and
// the per-user publish/subscribe authorization rules.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidUsername is returned for reserved usernames: the empty string
// and names starting with "@" (reserved for group naming).
var ErrInvalidUsername = errors.New("usernames must be non-empty and must not start with \"@\"")

// Authenticator verifies a username/password pair.
type Authenticator interface {
	Authenticate(username, password string) bool
}

// PlainAuthenticator keeps an in-memory username to password map. Stored
// passwords may be plaintext or bcrypt hashes ($2a$/$2b$/$2y$ prefix).
type PlainAuthenticator struct {
	users map[string]string
}

// NewPlainAuthenticator creates an authenticator without any users
func NewPlainAuthenticator() *PlainAuthenticator {
	return &PlainAuthenticator{users: make(map[string]string)}
}

// SetUser registers or replaces a user
func (a *PlainAuthenticator) SetUser(username, password string) error {
	if username == "" || strings.HasPrefix(username, "@") {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	a.users[username] = password
	return nil
}

// SetUsers registers every user in the map, rejecting reserved names.
func (a *PlainAuthenticator) SetUsers(users map[string]string) error {
	for username, password := range users {
		if err := a.SetUser(username, password); err != nil {
			return err
		}
	}
	return nil
}

// Authenticate verifies the password for username. Unknown and reserved
// usernames fail.
func (a *PlainAuthenticator) Authenticate(username, password string) bool {
	if username == "" || strings.HasPrefix(username, "@") {
		return false
	}
	stored, ok := a.users[username]
	if !ok {
		return false
	}
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
