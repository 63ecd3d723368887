package services

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
	"github.com/hanko-field/markdown-authz/internal/repositories/memory"
)

type unavailableError struct{}

func (unavailableError) Error() string       { return "backend down" }
func (unavailableError) IsNotFound() bool    { return false }
func (unavailableError) IsConflict() bool    { return false }
func (unavailableError) IsUnavailable() bool { return true }

type stubManagerRepository struct {
	err error
}

func (s stubManagerRepository) FindByID(context.Context, string) (domain.Manager, error) {
	return domain.Manager{}, s.err
}

func (s stubManagerRepository) Upsert(_ context.Context, m domain.Manager) (domain.Manager, error) {
	return m, s.err
}

func mustHash(t *testing.T, pin, pepper string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(pepper+pin), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash pin: %v", err)
	}
	return string(hash)
}

func TestDirectoryVerifierVerifyCredentials(t *testing.T) {
	repo := memory.NewManagerRepository(
		domain.Manager{ID: "mgr-1", DisplayName: "Morgan", Tier: domain.TierManager, PINHash: mustHash(t, "2468", "pep"), Active: true, StoreIDs: []string{"store-9"}},
		domain.Manager{ID: "mgr-2", DisplayName: "Former", Tier: domain.TierManager, PINHash: mustHash(t, "2468", "pep"), Active: false},
	)
	verifier, err := NewDirectoryVerifier(DirectoryVerifierDeps{Repository: repo, Pepper: "pep"})
	if err != nil {
		t.Fatalf("NewDirectoryVerifier: %v", err)
	}
	ctx := context.Background()

	got, err := verifier.VerifyCredentials(ctx, "mgr-1", "2468")
	if err != nil {
		t.Fatalf("VerifyCredentials: %v", err)
	}
	if !got.Valid || got.Tier != domain.TierManager || got.ApproverName != "Morgan" || got.ApproverID != "mgr-1" {
		t.Fatalf("unexpected verification %+v", got)
	}
	if len(got.StoreIDs) != 1 || got.StoreIDs[0] != "store-9" {
		t.Fatalf("expected store scope to be carried, got %v", got.StoreIDs)
	}

	for name, tc := range map[string]struct{ id, pin string }{
		"wrong pin":     {"mgr-1", "1357"},
		"short pin":     {"mgr-1", "24"},
		"unknown":       {"mgr-404", "2468"},
		"inactive":      {"mgr-2", "2468"},
		"blank manager": {"  ", "2468"},
	} {
		if _, err := verifier.VerifyCredentials(ctx, tc.id, tc.pin); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", name, err)
		}
	}
}

func TestDirectoryVerifierUnavailable(t *testing.T) {
	verifier, err := NewDirectoryVerifier(DirectoryVerifierDeps{Repository: stubManagerRepository{err: unavailableError{}}})
	if err != nil {
		t.Fatalf("NewDirectoryVerifier: %v", err)
	}
	_, err = verifier.VerifyCredentials(context.Background(), "mgr-1", "2468")
	if !errors.Is(err, ErrVerifierUnavailable) {
		t.Fatalf("expected ErrVerifierUnavailable, got %v", err)
	}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("transport failure must not look like a rejected pin")
	}

	verifier, _ = NewDirectoryVerifier(DirectoryVerifierDeps{Repository: stubManagerRepository{err: context.DeadlineExceeded}})
	if _, err := verifier.VerifyCredentials(context.Background(), "mgr-1", "2468"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded passthrough, got %v", err)
	}
}

func TestHashManagerPIN(t *testing.T) {
	hash, err := HashManagerPIN("8642", "pep")
	if err != nil {
		t.Fatalf("HashManagerPIN: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("pep8642")); err != nil {
		t.Fatalf("hash does not match peppered pin: %v", err)
	}
	if _, err := HashManagerPIN("12", ""); !errors.Is(err, ErrMarkdownInvalidInput) {
		t.Fatalf("expected short pin rejected, got %v", err)
	}
}
