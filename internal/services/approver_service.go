package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
	"github.com/hanko-field/markdown-authz/internal/repositories"
)

// ApproverServiceDeps bundles constructor inputs for approver provisioning.
type ApproverServiceDeps struct {
	Repository   repositories.ManagerRepository
	Pepper       string
	MinPINLength int
	Logger       *zap.Logger
}

// ApproverService maintains the manager directory consulted by the DirectoryVerifier.
type ApproverService struct {
	repo      repositories.ManagerRepository
	pepper    string
	minLength int
	logger    *zap.Logger
}

// ProvisionApproverCommand creates or updates an approver. An empty PIN keeps the stored hash of
// an existing approver.
type ProvisionApproverCommand struct {
	ID          string
	DisplayName string
	Tier        domain.PermissionTier
	PIN         string
	StoreIDs    []string
}

// NewApproverService constructs the provisioning service around repo.
func NewApproverService(deps ApproverServiceDeps) (*ApproverService, error) {
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
	return &ApproverService{
		repo:      deps.Repository,
		pepper:    deps.Pepper,
		minLength: minLength,
		logger:    logger,
	}, nil
}

// Provision writes an active approver. Only supervisors and above may approve overrides, so lower
// tiers are refused.
func (s *ApproverService) Provision(ctx context.Context, cmd ProvisionApproverCommand) (domain.Manager, error) {
	id := strings.TrimSpace(cmd.ID)
	if id == "" {
		return domain.Manager{}, fmt.Errorf("%w: approver id is required", ErrMarkdownInvalidInput)
	}
	if !cmd.Tier.AtLeast(domain.TierSupervisor) {
		return domain.Manager{}, fmt.Errorf("%w: approver tier must be SUPERVISOR or higher", ErrMarkdownInvalidInput)
	}

	existing, err := s.repo.FindByID(ctx, id)
	found := err == nil
	if err != nil && !isNotFound(err) {
		return domain.Manager{}, fmt.Errorf("load approver %q: %w", id, err)
	}

	hash := existing.PINHash
	switch {
	case cmd.PIN != "":
		if len(cmd.PIN) < s.minLength {
			return domain.Manager{}, fmt.Errorf("%w: pin must be at least %d characters", ErrMarkdownInvalidInput, s.minLength)
		}
		hash, err = HashManagerPIN(cmd.PIN, s.pepper)
		if err != nil {
			return domain.Manager{}, err
		}
	case !found || hash == "":
		return domain.Manager{}, fmt.Errorf("%w: pin is required for a new approver", ErrMarkdownInvalidInput)
	}

	displayName := strings.TrimSpace(cmd.DisplayName)
	if displayName == "" {
		displayName = existing.DisplayName
	}
	stores := normaliseStoreIDs(cmd.StoreIDs)
	if cmd.StoreIDs == nil {
		stores = existing.StoreIDs
	}

	saved, err := s.repo.Upsert(ctx, domain.Manager{
		ID:          id,
		DisplayName: displayName,
		Tier:        cmd.Tier,
		PINHash:     hash,
		Active:      true,
		StoreIDs:    stores,
	})
	if err != nil {
		return domain.Manager{}, fmt.Errorf("save approver %q: %w", id, err)
	}
	s.logger.Info("approver provisioned",
		zap.String("approver_id", saved.ID),
		zap.String("tier", saved.Tier.String()),
		zap.Int("stores", len(saved.StoreIDs)),
		zap.Bool("created", !found),
	)
	return saved, nil
}

// Deactivate disables an approver without removing its record.
func (s *ApproverService) Deactivate(ctx context.Context, id string) (domain.Manager, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Manager{}, fmt.Errorf("%w: approver id is required", ErrMarkdownInvalidInput)
	}
	manager, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return domain.Manager{}, fmt.Errorf("load approver %q: %w", id, err)
	}
	if !manager.Active {
		return manager, nil
	}
	manager.Active = false
	saved, err := s.repo.Upsert(ctx, manager)
	if err != nil {
		return domain.Manager{}, fmt.Errorf("save approver %q: %w", id, err)
	}
	s.logger.Info("approver deactivated", zap.String("approver_id", saved.ID))
	return saved, nil
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func normaliseStoreIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
