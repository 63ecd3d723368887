package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const defaultSessionIdleTTL = 30 * time.Minute

// SessionRegistryDeps bundles constructor inputs for the session registry.
type SessionRegistryDeps struct {
	Coordinator *OverrideCoordinator
	Auditor     OverrideAuditor
	IdleTTL     time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      *zap.Logger
}

// SessionRegistry keeps the authorization sessions of open transactions in memory.
type SessionRegistry struct {
	coordinator *OverrideCoordinator
	auditor     OverrideAuditor
	idleTTL     time.Duration
	clock       func() time.Time
	newID       func() string
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*AuthorizationSession
}

var _ MarkdownSessionService = (*SessionRegistry)(nil)

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry(deps SessionRegistryDeps) (*SessionRegistry, error) {
	if deps.Coordinator == nil {
		return nil, fmt.Errorf("%w: override coordinator is required", ErrMarkdownInvalidInput)
	}
	ttl := deps.IdleTTL
	if ttl <= 0 {
		ttl = defaultSessionIdleTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	auditor := deps.Auditor
	if auditor == nil {
		auditor = noopOverrideAuditor{}
	}

	return &SessionRegistry{
		coordinator: deps.Coordinator,
		auditor:     auditor,
		idleTTL:     ttl,
		clock:       clock,
		newID:       newID,
		logger:      logger,
		sessions:    make(map[string]*AuthorizationSession),
	}, nil
}

// Open starts a session for actor in the base state.
func (r *SessionRegistry) Open(_ context.Context, actor SessionActor) (*AuthorizationSession, error) {
	actor.ID = strings.TrimSpace(actor.ID)
	if actor.ID == "" {
		return nil, fmt.Errorf("%w: actor id is required", ErrMarkdownInvalidInput)
	}

	session, err := NewAuthorizationSession(SessionDeps{
		ID:          r.newID(),
		Actor:       actor,
		Coordinator: r.coordinator,
		Auditor:     r.auditor,
		Clock:       r.clock,
		IDGenerator: r.newID,
		Logger:      r.logger,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[session.ID()] = session
	r.mu.Unlock()
	return session, nil
}

// Get returns the open session with sessionID.
func (r *SessionRegistry) Get(_ context.Context, sessionID string) (*AuthorizationSession, error) {
	r.mu.Lock()
	session, ok := r.sessions[strings.TrimSpace(sessionID)]
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if r.expired(session, r.clock()) {
		r.remove(context.Background(), session)
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Close resets and forgets the session. Elevation never outlives its transaction.
func (r *SessionRegistry) Close(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	session, ok := r.sessions[strings.TrimSpace(sessionID)]
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	r.remove(ctx, session)
	return nil
}

// Len returns the number of open sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CleanupExpired closes sessions idle longer than the configured TTL, up to limit (all when limit <= 0).
func (r *SessionRegistry) CleanupExpired(ctx context.Context, now time.Time, limit int) int {
	r.mu.Lock()
	expired := make([]*AuthorizationSession, 0)
	for _, session := range r.sessions {
		if limit > 0 && len(expired) >= limit {
			break
		}
		if r.expired(session, now) {
			expired = append(expired, session)
		}
	}
	r.mu.Unlock()

	for _, session := range expired {
		r.remove(ctx, session)
	}
	if len(expired) > 0 {
		r.logger.Info("expired markdown sessions removed", zap.Int("count", len(expired)))
	}
	return len(expired)
}

func (r *SessionRegistry) expired(session *AuthorizationSession, now time.Time) bool {
	return !now.Before(session.LastActivity().Add(r.idleTTL))
}

func (r *SessionRegistry) remove(ctx context.Context, session *AuthorizationSession) {
	r.mu.Lock()
	current, ok := r.sessions[session.ID()]
	if ok && current == session {
		delete(r.sessions, session.ID())
	}
	r.mu.Unlock()
	if ok && current == session {
		session.Reset(ctx)
	}
}
