package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
	"github.com/hanko-field/markdown-authz/internal/repositories"
)

const defaultMinPINLength = 4

// dummyPINHash keeps unknown-manager lookups as slow as a real comparison.
var dummyPINHash = sync.OnceValue(func() []byte {
	hash, _ := bcrypt.GenerateFromPassword([]byte("unknown-approver"), bcrypt.DefaultCost)
	return hash
})

// DirectoryVerifierDeps bundles constructor inputs for the manager directory verifier.
type DirectoryVerifierDeps struct {
	Repository   repositories.ManagerRepository
	Pepper       string
	MinPINLength int
	Logger       *zap.Logger
}

// DirectoryVerifier checks manager PINs against bcrypt hashes stored in a manager directory.
type DirectoryVerifier struct {
	repo      repositories.ManagerRepository
	pepper    string
	minLength int
	logger    *zap.Logger
}

var _ CredentialVerifier = (*DirectoryVerifier)(nil)

// NewDirectoryVerifier constructs a verifier backed by repo.
func NewDirectoryVerifier(deps DirectoryVerifierDeps) (*DirectoryVerifier, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("%w: manager repository is required", ErrMarkdownInvalidInput)
	}
	minLength := deps.MinPINLength
	if minLength <= 0 {
		minLength = defaultMinPINLength
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryVerifier{
		repo:      deps.Repository,
		pepper:    deps.Pepper,
		minLength: minLength,
		logger:    logger,
	}, nil
}

// VerifyCredentials implements CredentialVerifier.
func (v *DirectoryVerifier) VerifyCredentials(ctx context.Context, managerID, secret string) (domain.CredentialVerification, error) {
	managerID = strings.TrimSpace(managerID)
	if managerID == "" || len(secret) < v.minLength {
		return domain.CredentialVerification{}, ErrInvalidCredentials
	}

	manager, err := v.repo.FindByID(ctx, managerID)
	if err != nil {
		var repoErr repositories.RepositoryError
		switch {
		case errors.As(err, &repoErr) && repoErr.IsNotFound():
			_ = bcrypt.CompareHashAndPassword(dummyPINHash(), []byte(v.pepper+secret))
			return domain.CredentialVerification{}, ErrInvalidCredentials
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return domain.CredentialVerification{}, err
		default:
			return domain.CredentialVerification{}, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
		}
	}

	if !manager.Active || manager.PINHash == "" {
		v.logger.Info("override attempted with inactive approver", zap.String("approver_id", manager.ID))
		return domain.CredentialVerification{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(manager.PINHash), []byte(v.pepper+secret)); err != nil {
		return domain.CredentialVerification{}, ErrInvalidCredentials
	}

	return domain.CredentialVerification{
		Valid:        true,
		ApproverID:   manager.ID,
		ApproverName: manager.DisplayName,
		Tier:         manager.Tier,
		StoreIDs:     slices.Clone(manager.StoreIDs),
	}, nil
}

// HashManagerPIN produces the bcrypt hash stored in the manager directory.
func HashManagerPIN(pin, pepper string) (string, error) {
	if len(pin) < defaultMinPINLength {
		return "", fmt.Errorf("%w: pin must be at least %d characters", ErrMarkdownInvalidInput, defaultMinPINLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pepper+pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash manager pin: %w", err)
	}
	return string(hash), nil
}
