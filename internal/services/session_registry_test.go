package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, clock *manualClock, auditor OverrideAuditor) *SessionRegistry {
	t.Helper()
	coordinator, err := NewOverrideCoordinator(OverrideCoordinatorDeps{
		Verifier: directoryOf(map[string]domain.PermissionTier{"mgr-1": domain.TierManager}),
	})
	require.NoError(t, err)

	var mu sync.Mutex
	seq := 0
	registry, err := NewSessionRegistry(SessionRegistryDeps{
		Coordinator: coordinator,
		Auditor:     auditor,
		IdleTTL:     10 * time.Minute,
		Clock:       clock.Now,
		IDGenerator: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("sess-%03d", seq)
		},
	})
	require.NoError(t, err)
	return registry
}

func TestSessionRegistryOpenGetClose(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	registry := newTestRegistry(t, clock, nil)
	ctx := context.Background()

	session, err := registry.Open(ctx, SessionActor{ID: "emp-1", Tier: domain.TierSupervisor})
	require.NoError(t, err)
	require.Equal(t, SessionStateBase, session.State())

	got, err := registry.Get(ctx, session.ID())
	require.NoError(t, err)
	require.Same(t, session, got)

	require.NoError(t, registry.Close(ctx, session.ID()))
	_, err = registry.Get(ctx, session.ID())
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, registry.Close(ctx, session.ID()), ErrSessionNotFound)
}

func TestSessionRegistryOpenValidatesActor(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	registry := newTestRegistry(t, clock, nil)

	_, err := registry.Open(context.Background(), SessionActor{ID: " ", Tier: domain.TierManager})
	require.ErrorIs(t, err, ErrMarkdownInvalidInput)

	_, err = registry.Open(context.Background(), SessionActor{ID: "emp-1"})
	require.ErrorIs(t, err, ErrMarkdownInvalidInput)
	require.Zero(t, registry.Len())
}

func TestSessionRegistryCloseResetsElevation(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	auditor := &recordingAuditor{}
	registry := newTestRegistry(t, clock, auditor)
	ctx := context.Background()

	session, err := registry.Open(ctx, SessionActor{ID: "emp-1", Tier: domain.TierAssociate})
	require.NoError(t, err)

	input := domain.MarkdownInput{Type: domain.MarkdownTypePercentage, Value: domain.Float(40), Reason: domain.ReasonPriceMatch}
	_, err = session.RequestOverride(ctx, input, 20, "")
	require.NoError(t, err)
	result, err := session.AuthorizeOverride(ctx, domain.ManagerCredentials{ID: "mgr-1", Secret: "1234"})
	require.NoError(t, err)
	require.True(t, result.Success)

	require.NoError(t, registry.Close(ctx, session.ID()))
	require.Equal(t, SessionStateBase, session.State())
	require.Equal(t, domain.TierAssociate, session.EffectiveLimits().Tier)
	require.Contains(t, auditor.actions(), domain.OverrideActionCleared)
}

func TestSessionRegistryCleanupExpired(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	registry := newTestRegistry(t, clock, nil)
	ctx := context.Background()

	stale, err := registry.Open(ctx, SessionActor{ID: "emp-1", Tier: domain.TierAssociate})
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	fresh, err := registry.Open(ctx, SessionActor{ID: "emp-2", Tier: domain.TierManager})
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	removed := registry.CleanupExpired(ctx, clock.Now(), 0)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, registry.Len())

	_, err = registry.Get(ctx, stale.ID())
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = registry.Get(ctx, fresh.ID())
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	_, err = registry.Get(ctx, fresh.ID())
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.Zero(t, registry.Len())
}
