package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
	pfirestore "github.com/hanko-field/markdown-authz/internal/platform/firestore"
	"github.com/hanko-field/markdown-authz/internal/repositories"
)

// ManagerRepository reads override approvers from a Firestore collection.
type ManagerRepository struct {
	base *pfirestore.BaseRepository[managerDocument]
}

var _ repositories.ManagerRepository = (*ManagerRepository)(nil)

type managerDocument struct {
	DisplayName string    `firestore:"displayName"`
	Tier        string    `firestore:"tier"`
	PINHash     string    `firestore:"pinHash"`
	Active      bool      `firestore:"active"`
	StoreIDs    []string  `firestore:"storeIds,omitempty"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

// NewManagerRepository constructs a Firestore-backed manager directory.
func NewManagerRepository(provider *pfirestore.Provider, collection string) (*ManagerRepository, error) {
	if provider == nil {
		return nil, errors.New("manager repository requires firestore provider")
	}
	if strings.TrimSpace(collection) == "" {
		return nil, errors.New("manager repository requires a collection name")
	}
	return &ManagerRepository{base: pfirestore.NewBaseRepository[managerDocument](provider, collection)}, nil
}

// FindByID loads the manager by directory ID.
func (r *ManagerRepository) FindByID(ctx context.Context, managerID string) (domain.Manager, error) {
	managerID = strings.TrimSpace(managerID)
	if managerID == "" {
		return domain.Manager{}, errors.New("manager id is required")
	}

	doc, err := r.base.Get(ctx, managerID)
	if err != nil {
		return domain.Manager{}, err
	}

	tier, err := domain.ParsePermissionTier(doc.Data.Tier)
	if err != nil {
		// An unreadable tier is treated as no authority.
		tier = domain.TierUnknown
	}
	updated := doc.Data.UpdatedAt
	if updated.IsZero() {
		updated = doc.UpdateTime
	}
	return domain.Manager{
		ID:          doc.ID,
		DisplayName: doc.Data.DisplayName,
		Tier:        tier,
		PINHash:     doc.Data.PINHash,
		Active:      doc.Data.Active,
		StoreIDs:    append([]string(nil), doc.Data.StoreIDs...),
		UpdatedAt:   updated,
	}, nil
}

// Upsert writes the manager document.
func (r *ManagerRepository) Upsert(ctx context.Context, manager domain.Manager) (domain.Manager, error) {
	manager.ID = strings.TrimSpace(manager.ID)
	if manager.ID == "" {
		return domain.Manager{}, errors.New("manager id is required")
	}
	if !manager.Tier.Valid() {
		return domain.Manager{}, errors.New("manager tier is required")
	}

	doc := managerDocument{
		DisplayName: strings.TrimSpace(manager.DisplayName),
		Tier:        manager.Tier.String(),
		PINHash:     manager.PINHash,
		Active:      manager.Active,
		StoreIDs:    manager.StoreIDs,
		UpdatedAt:   time.Now().UTC(),
	}
	updateTime, err := r.base.Set(ctx, manager.ID, doc)
	if err != nil {
		return domain.Manager{}, err
	}
	manager.UpdatedAt = updateTime
	return manager, nil
}
