package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
	"github.com/hanko-field/markdown-authz/internal/repositories"
)

// ManagerRepository is an in-memory manager directory for local development and tests.
type ManagerRepository struct {
	mu       sync.RWMutex
	managers map[string]domain.Manager
	clock    func() time.Time
}

var _ repositories.ManagerRepository = (*ManagerRepository)(nil)

// NewManagerRepository seeds the directory with managers.
func NewManagerRepository(managers ...domain.Manager) *ManagerRepository {
	repo := &ManagerRepository{
		managers: make(map[string]domain.Manager, len(managers)),
		clock:    time.Now,
	}
	for _, m := range managers {
		repo.managers[normaliseID(m.ID)] = cloneManager(m)
	}
	return repo
}

// FindByID implements repositories.ManagerRepository.
func (r *ManagerRepository) FindByID(_ context.Context, managerID string) (domain.Manager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.managers[normaliseID(managerID)]
	if !ok {
		return domain.Manager{}, &Error{op: "manager.find", err: fmt.Errorf("manager %q not found", managerID), notFound: true}
	}
	return cloneManager(m), nil
}

// Upsert implements repositories.ManagerRepository.
func (r *ManagerRepository) Upsert(_ context.Context, manager domain.Manager) (domain.Manager, error) {
	id := normaliseID(manager.ID)
	if id == "" {
		return domain.Manager{}, errors.New("manager id is required")
	}
	manager.ID = id
	manager.UpdatedAt = r.clock().UTC()

	r.mu.Lock()
	r.managers[id] = cloneManager(manager)
	r.mu.Unlock()
	return cloneManager(manager), nil
}

func normaliseID(id string) string {
	return strings.TrimSpace(id)
}

func cloneManager(m domain.Manager) domain.Manager {
	m.StoreIDs = slices.Clone(m.StoreIDs)
	return m
}

// Error implements repositories.RepositoryError for in-memory repositories.
type Error struct {
	op       string
	err      error
	notFound bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// IsNotFound reports whether the record was missing.
func (e *Error) IsNotFound() bool { return e.notFound }

// IsConflict is always false for the in-memory store.
func (e *Error) IsConflict() bool { return false }

// IsUnavailable is always false for the in-memory store.
func (e *Error) IsUnavailable() bool { return false }
