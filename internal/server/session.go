// Package server tracks which connection is logged in as which account via
// the session registry, which enforces the single-session-per-account rule.
package server

import (
	"errors"

	"github.com/atrium3d/atrium/internal/store"
)

var (
	errBadCredentials = errors.New("unknown email or wrong password")
	errAlreadyOnline  = errors.New("account already has a live session")
)

// session binds one live connection to one authenticated account. Session
// ids are monotonically increasing and never reused for the lifetime of the
// process.
type session struct {
	id     uint64
	email  string
	client *Client
}

// credentialChecker is the slice of the account store the registry needs.
type credentialChecker interface {
	Authenticate(email, password string) (store.Account, bool)
}

// sessionRegistry is the authoritative connection↔identity mapping. It does
// no network I/O; callers broadcast. All methods are called from the hub
// goroutine only.
type sessionRegistry struct {
	creds    credentialChecker
	byClient map[*Client]*session
	byEmail  map[string]*session
	nextID   uint64
}

func newSessionRegistry(creds credentialChecker) *sessionRegistry {
	return &sessionRegistry{
		creds:    creds,
		byClient: make(map[*Client]*session),
		byEmail:  make(map[string]*session),
	}
}

// authenticate validates the credentials and, on success, allocates a fresh
// session id and records the binding. A duplicate login is rejected without
// disturbing the existing session.
func (r *sessionRegistry) authenticate(c *Client, email, password string) (*session, string, error) {
	acc, ok := r.creds.Authenticate(email, password)
	if !ok {
		return nil, "", errBadCredentials
	}
	if _, online := r.byEmail[email]; online {
		return nil, "", errAlreadyOnline
	}

	r.nextID++
	s := &session{id: r.nextID, email: email, client: c}
	r.byClient[c] = s
	r.byEmail[email] = s
	return s, acc.DisplayName, nil
}

// lookup returns the session for a connection, if it has one.
func (r *sessionRegistry) lookup(c *Client) (*session, bool) {
	s, ok := r.byClient[c]
	return s, ok
}

// close removes the binding for a connection and frees its email for future
// logins. Closing a connection that never logged in, or that was already
// closed, is a no-op.
func (r *sessionRegistry) close(c *Client) (*session, bool) {
	s, ok := r.byClient[c]
	if !ok {
		return nil, false
	}
	delete(r.byClient, c)
	delete(r.byEmail, s.email)
	return s, true
}

// active returns the number of live sessions.
func (r *sessionRegistry) active() int {
	return len(r.byClient)
}
