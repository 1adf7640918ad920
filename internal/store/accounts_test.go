package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func accountsPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "users.json")
}

// TestLoadAccountsSeedsBootstrap verifies that a missing artifact seeds the
// publicly known bootstrap account and that it can authenticate.
func TestLoadAccountsSeedsBootstrap(t *testing.T) {
	accounts := LoadAccounts(accountsPath(t))

	acc, ok := accounts.Authenticate(BootstrapEmail, BootstrapPassword)
	if !ok {
		t.Fatal("bootstrap account did not authenticate")
	}
	if acc.DisplayName != BootstrapName {
		t.Errorf("bootstrap display name = %q, want %q", acc.DisplayName, BootstrapName)
	}
	if accounts.Len() != 1 {
		t.Errorf("Len() = %d, want 1", accounts.Len())
	}
}

// TestLoadAccountsMalformed verifies that a corrupt artifact yields an
// empty store instead of a failed start.
func TestLoadAccountsMalformed(t *testing.T) {
	path := accountsPath(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	accounts := LoadAccounts(path)
	if accounts.Len() != 0 {
		t.Errorf("Len() = %d, want 0 for malformed artifact", accounts.Len())
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	accounts := LoadAccounts(accountsPath(t))

	if _, ok := accounts.Authenticate(BootstrapEmail, "nope"); ok {
		t.Error("wrong password authenticated")
	}
	if _, ok := accounts.Authenticate("ghost@example.com", BootstrapPassword); ok {
		t.Error("unknown email authenticated")
	}
}

// TestRegisterDuplicate verifies that a second registration with the same
// email fails with ErrAccountExists and leaves the original untouched.
func TestRegisterDuplicate(t *testing.T) {
	accounts := LoadAccounts(accountsPath(t))

	if err := accounts.Register("ada@example.com", "secret", "Ada"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := accounts.Register("ADA@example.com", "other", "Ada2")
	if !errors.Is(err, ErrAccountExists) {
		t.Fatalf("duplicate Register error = %v, want ErrAccountExists", err)
	}

	acc, ok := accounts.Authenticate("ada@example.com", "secret")
	if !ok || acc.DisplayName != "Ada" {
		t.Errorf("original account corrupted by duplicate register: %+v ok=%v", acc, ok)
	}
}

// TestRegisterPersistsAcrossReload verifies the register→save→reload path,
// including the case-insensitive email key.
func TestRegisterPersistsAcrossReload(t *testing.T) {
	path := accountsPath(t)

	accounts := LoadAccounts(path)
	if err := accounts.Register("Grace@Example.COM", "hopper", "Grace"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	reloaded := LoadAccounts(path)
	if _, ok := reloaded.Authenticate("grace@example.com", "hopper"); !ok {
		t.Error("registered account did not survive reload")
	}
}

func TestRenamePersists(t *testing.T) {
	path := accountsPath(t)

	accounts := LoadAccounts(path)
	if err := accounts.Rename(BootstrapEmail, "Renamed_1"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	reloaded := LoadAccounts(path)
	acc, ok := reloaded.Get(BootstrapEmail)
	if !ok || acc.DisplayName != "Renamed_1" {
		t.Errorf("rename did not persist, got %+v ok=%v", acc, ok)
	}

	if err := accounts.Rename("ghost@example.com", "x"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Rename unknown email error = %v, want ErrAccountNotFound", err)
	}
}

// TestNameTaken verifies case-insensitive uniqueness with self-exclusion.
func TestNameTaken(t *testing.T) {
	accounts := LoadAccounts(accountsPath(t))
	if err := accounts.Register("ada@example.com", "secret", "Ada_99"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if !accounts.NameTaken("ada_99", "") {
		t.Error("NameTaken should match case-insensitively")
	}
	if !accounts.NameTaken("tester", "") {
		t.Error("NameTaken should see the bootstrap account's name")
	}
	if accounts.NameTaken("Ada_99", "ada@example.com") {
		t.Error("NameTaken should exclude the owner's own name")
	}
	if accounts.NameTaken("Somebody", "") {
		t.Error("NameTaken reported an unused name as taken")
	}
}
