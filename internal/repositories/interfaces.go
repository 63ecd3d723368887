package repositories

import (
	"context"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ManagerRepository reads the directory of employees allowed to authorize markdown overrides.
type ManagerRepository interface {
	// FindByID returns a RepositoryError with IsNotFound when the manager is absent.
	FindByID(ctx context.Context, managerID string) (domain.Manager, error)
	Upsert(ctx context.Context, manager domain.Manager) (domain.Manager, error)
}

// HealthRepository reports on the dependencies the service needs to serve traffic.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
