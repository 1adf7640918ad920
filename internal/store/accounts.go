// Package store provides the durable state for the Atrium server: the
// account collection and the last-known pose map. Both are plain JSON
// artifacts on disk; the pose artifact is written with the
// write-temp-then-rename pattern so a crash mid-write never corrupts the
// last good snapshot.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Bootstrap account seeded when no account artifact exists yet. Publicly
// known on purpose: it lets a fresh deployment be exercised immediately.
const (
	BootstrapEmail    = "test@example.com"
	BootstrapPassword = "test1234"
	BootstrapName     = "Tester"
)

var (
	// ErrAccountExists is returned by Register for a duplicate email.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound is returned by Rename for an unknown email.
	ErrAccountNotFound = errors.New("account not found")
)

// Account is one credential record. Email is the unique key,
// case-insensitive; the stored form is always lower-cased.
type Account struct {
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
	DisplayName  string `json:"display_name"`
}

type accountsFile struct {
	Accounts []Account `json:"accounts"`
}

// Accounts is the credential store. All mutations rewrite the artifact
// synchronously; a failed write is logged and the in-memory map stays
// authoritative.
type Accounts struct {
	mu      sync.Mutex
	path    string
	byEmail map[string]Account
}

// LoadAccounts reads the account artifact at path. A missing file seeds the
// bootstrap account; a malformed file is treated as empty with a logged
// warning. LoadAccounts never fails: the server must start regardless of
// the state of the artifact.
func LoadAccounts(path string) *Accounts {
	a := &Accounts{path: path, byEmail: make(map[string]Account)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		a.seedBootstrap()
		return a
	}
	if err != nil {
		slog.Warn("failed to read account store, starting empty", "path", path, "err", err)
		return a
	}

	var file accountsFile
	if err := json.Unmarshal(data, &file); err != nil {
		slog.Warn("malformed account store, starting empty", "path", path, "err", err)
		return a
	}

	for _, acc := range file.Accounts {
		email := NormalizeEmail(acc.Email)
		if email == "" {
			continue
		}
		acc.Email = email
		a.byEmail[email] = acc
	}
	slog.Info("loaded account store", "path", path, "accounts", len(a.byEmail))
	return a
}

func (a *Accounts) seedBootstrap() {
	hash, err := bcrypt.GenerateFromPassword([]byte(BootstrapPassword), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash bootstrap password", "err", err)
		return
	}
	a.byEmail[BootstrapEmail] = Account{
		Email:        BootstrapEmail,
		PasswordHash: string(hash),
		DisplayName:  BootstrapName,
	}
	slog.Info("no account store found, seeded bootstrap account", "email", BootstrapEmail)
}

// NormalizeEmail lower-cases and trims an email so it can act as a
// case-insensitive key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Authenticate verifies the password for the given email and returns the
// matching account. The second return is false for an unknown email or a
// hash mismatch; callers cannot tell the two apart.
func (a *Accounts) Authenticate(email, password string) (Account, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	acc, ok := a.byEmail[NormalizeEmail(email)]
	if !ok {
		return Account{}, false
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)) != nil {
		return Account{}, false
	}
	return acc, true
}

// Get returns the account for email, if any.
func (a *Accounts) Get(email string) (Account, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	acc, ok := a.byEmail[NormalizeEmail(email)]
	return acc, ok
}

// Len returns the number of stored accounts.
func (a *Accounts) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byEmail)
}

// Register creates a new account and persists the store. Returns
// ErrAccountExists if the email is already taken. The caller is responsible
// for validating the display name first.
func (a *Accounts) Register(email, password, displayName string) error {
	key := NormalizeEmail(email)

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.byEmail[key]; ok {
		return ErrAccountExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	a.byEmail[key] = Account{
		Email:        key,
		PasswordHash: string(hash),
		DisplayName:  displayName,
	}
	a.saveLocked()
	return nil
}

// Rename updates the display name for an existing account and persists the
// store.
func (a *Accounts) Rename(email, displayName string) error {
	key := NormalizeEmail(email)

	a.mu.Lock()
	defer a.mu.Unlock()

	acc, ok := a.byEmail[key]
	if !ok {
		return ErrAccountNotFound
	}
	acc.DisplayName = displayName
	a.byEmail[key] = acc
	a.saveLocked()
	return nil
}

// NameTaken reports whether any account other than exceptEmail currently
// uses the given display name, compared case-insensitively.
func (a *Accounts) NameTaken(name, exceptEmail string) bool {
	folded := strings.ToLower(name)
	except := NormalizeEmail(exceptEmail)

	a.mu.Lock()
	defer a.mu.Unlock()

	for email, acc := range a.byEmail {
		if email == except {
			continue
		}
		if strings.ToLower(acc.DisplayName) == folded {
			return true
		}
	}
	return false
}

// saveLocked rewrites the whole account artifact. A direct overwrite is
// enough here: account writes are rare and low-volume compared to pose
// writes.
func (a *Accounts) saveLocked() {
	if err := a.writeLocked(); err != nil {
		slog.Warn("failed to persist account store, keeping in-memory state", "path", a.path, "err", err)
	}
}

func (a *Accounts) writeLocked() error {
	file := accountsFile{Accounts: make([]Account, 0, len(a.byEmail))}
	for _, acc := range a.byEmail {
		file.Accounts = append(file.Accounts, acc)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode account store: %w", err)
	}
	if err := os.WriteFile(a.path, data, 0o644); err != nil {
		return fmt.Errorf("write account store: %w", err)
	}
	return nil
}
