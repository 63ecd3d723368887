package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

// SessionState is the override workflow state of an authorization session.
type SessionState int

const (
	// SessionStateBase uses the limits of the session's own tier.
	SessionStateBase SessionState = iota
	// SessionStatePendingOverride holds an override request awaiting manager credentials.
	SessionStatePendingOverride
	// SessionStateElevated uses the limits granted by an approving manager.
	SessionStateElevated
)

func (s SessionState) String() string {
	switch s {
	case SessionStateBase:
		return "BASE"
	case SessionStatePendingOverride:
		return "PENDING_OVERRIDE"
	case SessionStateElevated:
		return "ELEVATED"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Approval identifies the manager who elevated a session.
type Approval struct {
	ApproverID   string                `json:"approverId"`
	ApproverName string                `json:"approverName,omitempty"`
	ApproverTier domain.PermissionTier `json:"approverTier"`
	ApprovedAt   time.Time             `json:"approvedAt"`
}

// SessionSnapshot is a consistent read of a session's state.
type SessionSnapshot struct {
	ID              string                  `json:"id"`
	ActorID         string                  `json:"actorId"`
	StoreID         string                  `json:"storeId,omitempty"`
	Tier            domain.PermissionTier   `json:"tier"`
	State           SessionState            `json:"state"`
	EffectiveLimits domain.MarkdownLimit    `json:"effectiveLimits"`
	Pending         *domain.OverrideRequest `json:"pendingOverride,omitempty"`
	Approval        *Approval               `json:"approval,omitempty"`
	Authorizing     bool                    `json:"authorizing"`
	LastActivity    time.Time               `json:"lastActivity"`
}

// SessionDeps bundles constructor inputs for an authorization session.
type SessionDeps struct {
	ID          string
	Actor       SessionActor
	Coordinator *OverrideCoordinator
	Auditor     OverrideAuditor
	Clock       func() time.Time
	IDGenerator func() string
	Logger      *zap.Logger
}

// AuthorizationSession tracks the effective markdown authority of one employee for one transaction.
// All methods are safe for concurrent use.
type AuthorizationSession struct {
	id          string
	actor       SessionActor
	coordinator *OverrideCoordinator
	auditor     OverrideAuditor
	clock       func() time.Time
	newID       func() string
	logger      *zap.Logger
	notesPolicy *bluemonday.Policy

	mu           sync.Mutex
	state        SessionState
	limits       domain.MarkdownLimit
	pending      *domain.OverrideRequest
	inflight     string
	approval     *Approval
	lastActivity time.Time
}

// NewAuthorizationSession constructs a session in the base state for the actor's tier.
func NewAuthorizationSession(deps SessionDeps) (*AuthorizationSession, error) {
	if !deps.Actor.Tier.Valid() {
		return nil, fmt.Errorf("%w: permission tier is required", ErrMarkdownInvalidInput)
	}
	if deps.Coordinator == nil {
		return nil, fmt.Errorf("%w: override coordinator is required", ErrMarkdownInvalidInput)
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	auditor := deps.Auditor
	if auditor == nil {
		auditor = noopOverrideAuditor{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	id := strings.TrimSpace(deps.ID)
	if id == "" {
		id = newID()
	}

	return &AuthorizationSession{
		id:           id,
		actor:        deps.Actor,
		coordinator:  deps.Coordinator,
		auditor:      auditor,
		clock:        func() time.Time { return clock().UTC() },
		newID:        newID,
		logger:       logger.With(zap.String("session_id", id), zap.String("tier", deps.Actor.Tier.String())),
		notesPolicy:  bluemonday.StrictPolicy(),
		state:        SessionStateBase,
		limits:       LimitsFor(deps.Actor.Tier),
		lastActivity: clock().UTC(),
	}, nil
}

// ID returns the session identifier.
func (s *AuthorizationSession) ID() string { return s.id }

// Tier returns the base tier the session was opened with.
func (s *AuthorizationSession) Tier() domain.PermissionTier { return s.actor.Tier }

// Actor returns the employee operating the session.
func (s *AuthorizationSession) Actor() SessionActor { return s.actor }

// State returns the current workflow state.
func (s *AuthorizationSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authorizing reports whether a credential check is outstanding.
func (s *AuthorizationSession) Authorizing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight != ""
}

// EffectiveLimits returns a copy of the limits currently in force.
func (s *AuthorizationSession) EffectiveLimits() domain.MarkdownLimit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits.Clone()
}

// PendingOverride returns a copy of the pending override request, if any.
func (s *AuthorizationSession) PendingOverride() (domain.OverrideRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return domain.OverrideRequest{}, false
	}
	return cloneOverrideRequest(*s.pending), true
}

// LastActivity returns the time of the last state-changing call.
func (s *AuthorizationSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Snapshot returns a consistent copy of the session state.
func (s *AuthorizationSession) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := SessionSnapshot{
		ID:              s.id,
		ActorID:         s.actor.ID,
		StoreID:         s.actor.StoreID,
		Tier:            s.actor.Tier,
		State:           s.state,
		EffectiveLimits: s.limits.Clone(),
		Authorizing:     s.inflight != "",
		LastActivity:    s.lastActivity,
	}
	if s.pending != nil {
		req := cloneOverrideRequest(*s.pending)
		snap.Pending = &req
	}
	if s.approval != nil {
		approval := *s.approval
		snap.Approval = &approval
	}
	return snap
}

// Validate checks input against the effective limits.
func (s *AuthorizationSession) Validate(input domain.MarkdownInput, itemPrice float64) domain.ValidationResult {
	return Validate(input, s.EffectiveLimits(), itemPrice)
}

// CalculateDiscount computes the discount for a markdown on an item priced at itemPrice.
func (s *AuthorizationSession) CalculateDiscount(markdownType domain.MarkdownType, value, itemPrice float64) domain.DiscountOutcome {
	return CalculateDiscount(markdownType, value, itemPrice)
}

// MaxDiscount returns the largest value allowed for markdownType under the effective limits.
func (s *AuthorizationSession) MaxDiscount(markdownType domain.MarkdownType, itemPrice float64) float64 {
	return MaxDiscount(markdownType, itemPrice, s.EffectiveLimits())
}

// IsWithinLimit reports whether value is inside the effective limits.
func (s *AuthorizationSession) IsWithinLimit(markdownType domain.MarkdownType, value, itemPrice float64) bool {
	return IsWithinLimit(markdownType, value, itemPrice, s.EffectiveLimits())
}

// CanApplyType reports whether the effective limits permit markdownType.
func (s *AuthorizationSession) CanApplyType(markdownType domain.MarkdownType) bool {
	return s.EffectiveLimits().AllowsType(markdownType)
}

// CanUseReason reports whether the effective limits permit reason.
func (s *AuthorizationSession) CanUseReason(reason domain.ReasonCode) bool {
	return s.EffectiveLimits().AllowsReason(reason)
}

// RequestOverride records the markdown that needs manager approval and moves the session to
// PendingOverride. A later request replaces an earlier one. Calling it on an elevated session
// panics with a *TransitionError.
func (s *AuthorizationSession) RequestOverride(ctx context.Context, input domain.MarkdownInput, itemPrice float64, itemName string) (domain.OverrideRequest, error) {
	s.mu.Lock()
	if s.state == SessionStateElevated {
		s.mu.Unlock()
		panic(&TransitionError{Op: "RequestOverride", State: s.state})
	}
	if s.inflight != "" {
		s.mu.Unlock()
		return domain.OverrideRequest{}, ErrAuthorizationInProgress
	}

	now := s.clock()
	request := domain.OverrideRequest{
		Token:       s.newID(),
		Input:       input.Clone(),
		ItemPrice:   itemPrice,
		ItemName:    strings.TrimSpace(itemName),
		RequestedBy: s.actor.ID,
		StoreID:     s.actor.StoreID,
		RequestedAt: now,
	}
	s.pending = &request
	s.state = SessionStatePendingOverride
	s.lastActivity = now
	s.mu.Unlock()

	s.logger.Info("markdown override requested",
		zap.String("markdown_type", string(input.Type)),
		zap.String("reason", string(input.Reason)),
	)
	s.record(ctx, domain.OverrideActionRequested, &request, nil, "")
	return cloneOverrideRequest(request), nil
}

// CancelOverride drops the pending request and returns to Base. An outstanding credential check
// is discarded when it completes. Calling it without a pending request panics.
func (s *AuthorizationSession) CancelOverride(ctx context.Context) {
	s.mu.Lock()
	if s.state != SessionStatePendingOverride {
		state := s.state
		s.mu.Unlock()
		panic(&TransitionError{Op: "CancelOverride", State: state})
	}
	request := s.pending
	s.pending = nil
	s.inflight = ""
	s.state = SessionStateBase
	s.lastActivity = s.clock()
	s.mu.Unlock()

	s.logger.Info("markdown override cancelled")
	s.record(ctx, domain.OverrideActionCancelled, request, nil, "")
}

// AuthorizeOverride checks manager credentials for the pending request. On success the session
// is elevated to the approver's tier limits; on failure it stays pending with its limits unchanged
// and the reason is reported in OverrideResult.Error. The returned error is non-nil only when
// another check is in flight or the request was cancelled or replaced while checking. Calling it
// without a pending request panics.
func (s *AuthorizationSession) AuthorizeOverride(ctx context.Context, creds domain.ManagerCredentials) (domain.OverrideResult, error) {
	s.mu.Lock()
	if s.state != SessionStatePendingOverride || s.pending == nil {
		state := s.state
		s.mu.Unlock()
		panic(&TransitionError{Op: "AuthorizeOverride", State: state})
	}
	if s.inflight != "" {
		s.mu.Unlock()
		return domain.OverrideResult{}, ErrAuthorizationInProgress
	}
	request := cloneOverrideRequest(*s.pending)
	s.inflight = request.Token
	s.mu.Unlock()

	result := s.coordinator.Authorize(ctx, request, s.actor.Tier, creds)

	s.mu.Lock()
	if s.inflight != request.Token || s.state != SessionStatePendingOverride || s.pending == nil || s.pending.Token != request.Token {
		s.mu.Unlock()
		s.logger.Info("discarding stale override authorization", zap.String("token", request.Token))
		return domain.OverrideResult{}, ErrOverrideSuperseded
	}
	s.inflight = ""
	now := s.clock()
	s.lastActivity = now

	if !result.Success {
		s.mu.Unlock()
		s.record(ctx, domain.OverrideActionDenied, &request, nil, result.Error)
		return result, nil
	}

	s.limits = result.ElevatedLimits.Clone()
	s.pending = nil
	s.state = SessionStateElevated
	s.approval = &Approval{
		ApproverID:   result.ApproverID,
		ApproverName: result.ApproverName,
		ApproverTier: result.ApproverTier,
		ApprovedAt:   now,
	}
	approval := *s.approval
	s.mu.Unlock()

	s.record(ctx, domain.OverrideActionApproved, &request, &approval, "")
	return result, nil
}

// ClearElevation restores the base tier limits. It is a no-op unless the session is elevated.
func (s *AuthorizationSession) ClearElevation(ctx context.Context) {
	s.mu.Lock()
	if s.state != SessionStateElevated {
		s.mu.Unlock()
		return
	}
	approval := s.approval
	s.limits = LimitsFor(s.actor.Tier)
	s.approval = nil
	s.state = SessionStateBase
	s.lastActivity = s.clock()
	s.mu.Unlock()

	s.logger.Info("markdown elevation cleared")
	s.record(ctx, domain.OverrideActionCleared, nil, approval, "")
}

// Reset returns the session to its initial state, dropping any pending request, outstanding
// check, or elevation. It is called when the transaction closes.
func (s *AuthorizationSession) Reset(ctx context.Context) {
	s.mu.Lock()
	elevated := s.approval
	s.state = SessionStateBase
	s.limits = LimitsFor(s.actor.Tier)
	s.pending = nil
	s.inflight = ""
	s.approval = nil
	s.lastActivity = s.clock()
	s.mu.Unlock()

	if elevated != nil {
		s.record(ctx, domain.OverrideActionCleared, nil, elevated, "transaction closed")
	}
}

// ApplyMarkdown validates input against the effective limits and returns the record to persist on
// the cart. A markdown that is invalid or needs an override returns a *MarkdownRejectedError.
func (s *AuthorizationSession) ApplyMarkdown(ctx context.Context, input domain.MarkdownInput, itemPrice float64) (domain.AppliedMarkdown, error) {
	s.mu.Lock()
	limits := s.limits.Clone()
	var authorizedBy string
	if s.state == SessionStateElevated && s.approval != nil {
		authorizedBy = s.approval.ApproverID
	}
	s.mu.Unlock()

	result := Validate(input, limits, itemPrice)
	if !result.IsValid {
		return domain.AppliedMarkdown{}, &MarkdownRejectedError{Result: result}
	}

	value := input.Amount()
	outcome := CalculateDiscount(input.Type, value, itemPrice)
	applied := domain.AppliedMarkdown{
		ID:             s.newID(),
		LineID:         strings.TrimSpace(input.LineID),
		Type:           input.Type,
		Value:          value,
		Reason:         input.Reason,
		OriginalPrice:  itemPrice,
		DiscountAmount: outcome.Amount,
		FinalPrice:     itemPrice - outcome.Amount,
		AppliedBy:      s.actor.ID,
		AppliedTier:    s.actor.Tier,
		AuthorizedBy:   authorizedBy,
		Notes:          strings.TrimSpace(s.notesPolicy.Sanitize(input.Notes)),
		AppliedAt:      s.clock(),
	}

	s.mu.Lock()
	s.lastActivity = applied.AppliedAt
	s.mu.Unlock()

	s.auditor.Record(ctx, domain.OverrideEvent{
		EventID:    s.newID(),
		Action:     domain.MarkdownActionApplied,
		SessionID:  s.id,
		ActorID:    s.actor.ID,
		ActorTier:  s.actor.Tier,
		ApproverID: authorizedBy,
		Metadata: map[string]string{
			"markdownId":     applied.ID,
			"type":           string(applied.Type),
			"reason":         string(applied.Reason),
			"discountAmount": fmt.Sprintf("%.2f", applied.DiscountAmount),
		},
		OccurredAt: applied.AppliedAt,
	})
	return applied, nil
}

func (s *AuthorizationSession) record(ctx context.Context, action string, request *domain.OverrideRequest, approval *Approval, outcome string) {
	event := domain.OverrideEvent{
		EventID:    s.newID(),
		Action:     action,
		SessionID:  s.id,
		ActorID:    s.actor.ID,
		ActorTier:  s.actor.Tier,
		Outcome:    outcome,
		OccurredAt: s.clock(),
	}
	if request != nil {
		req := cloneOverrideRequest(*request)
		event.Request = &req
	}
	if approval != nil {
		event.ApproverID = approval.ApproverID
		event.ApproverTier = approval.ApproverTier
	}
	if s.actor.StoreID != "" {
		event.Metadata = map[string]string{"storeId": s.actor.StoreID}
	}
	s.auditor.Record(ctx, event)
}

func cloneOverrideRequest(req domain.OverrideRequest) domain.OverrideRequest {
	req.Input = req.Input.Clone()
	return req
}

type noopOverrideAuditor struct{}

func (noopOverrideAuditor) Record(context.Context, domain.OverrideEvent) {}
