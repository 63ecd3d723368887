package services

import (
	"context"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

// CredentialVerifier checks manager credentials typed at the terminal.
// Implementations return ErrInvalidCredentials for a rejected id or PIN and
// ErrVerifierUnavailable (possibly wrapped) when the check could not be performed.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, managerID, secret string) (domain.CredentialVerification, error)
}

// OverrideEventPublisher forwards override audit events to a downstream sink.
type OverrideEventPublisher interface {
	PublishOverrideEvent(ctx context.Context, event domain.OverrideEvent) (string, error)
}

// OverrideAuditor records override workflow events. Recording never fails the workflow.
type OverrideAuditor interface {
	Record(ctx context.Context, event domain.OverrideEvent)
}

// SessionActor identifies the employee operating a terminal session.
type SessionActor struct {
	ID      string
	Tier    domain.PermissionTier
	StoreID string
}

// MarkdownSessionService manages per-transaction authorization sessions.
type MarkdownSessionService interface {
	Open(ctx context.Context, actor SessionActor) (*AuthorizationSession, error)
	Get(ctx context.Context, sessionID string) (*AuthorizationSession, error)
	Close(ctx context.Context, sessionID string) error
}
