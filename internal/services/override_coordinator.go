package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

const (
	defaultCredentialCheckTimeout = 10 * time.Second
	coordinatorInstrumentation    = "github.com/hanko-field/markdown-authz/internal/services"
)

// Override failure messages returned in OverrideResult.Error.
const (
	overrideErrMissingCredentials = "manager ID and PIN are required"
	overrideErrInvalidCredentials = "invalid credentials"
	overrideErrTimeout            = "credential verification timed out"
	overrideErrUnavailable        = "credential verification is unavailable, try again"
	overrideErrNotApprover        = "approver is not permitted to authorize overrides"
	overrideErrTierTooLow         = "approver tier is below the session tier"
	overrideErrSelfApproval       = "approver cannot authorize their own override"
	overrideErrWrongStore         = "approver is not assigned to this store"
)

// OverrideCoordinatorDeps bundles constructor inputs for the override coordinator.
type OverrideCoordinatorDeps struct {
	Verifier CredentialVerifier
	Timeout  time.Duration
	Logger   *zap.Logger
	Tracer   trace.Tracer
	Meter    metric.Meter
	Clock    func() time.Time
}

// OverrideCoordinator runs the credential check for a pending override and derives the elevated limits.
type OverrideCoordinator struct {
	verifier CredentialVerifier
	timeout  time.Duration
	logger   *zap.Logger
	tracer   trace.Tracer
	clock    func() time.Time

	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewOverrideCoordinator constructs a coordinator around the supplied verifier.
func NewOverrideCoordinator(deps OverrideCoordinatorDeps) (*OverrideCoordinator, error) {
	if deps.Verifier == nil {
		return nil, fmt.Errorf("%w: credential verifier is required", ErrMarkdownInvalidInput)
	}

	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultCredentialCheckTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(coordinatorInstrumentation)
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(coordinatorInstrumentation)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	outcomes, err := meter.Int64Counter(
		"markdown.override.authorizations",
		metric.WithDescription("Count of override authorization attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create override outcome counter: %w", err)
	}
	latency, err := meter.Float64Histogram(
		"markdown.override.credential_check.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds of manager credential checks"),
	)
	if err != nil {
		return nil, fmt.Errorf("create credential check histogram: %w", err)
	}

	return &OverrideCoordinator{
		verifier: deps.Verifier,
		timeout:  timeout,
		logger:   logger,
		tracer:   tracer,
		clock:    clock,
		outcomes: outcomes,
		latency:  latency,
	}, nil
}

// Authorize verifies credentials for request raised in a session of sessionTier. A successful
// result carries the approver's own tier limits and a re-validation of the pending markdown
// against them. Failures are reported in OverrideResult.Error.
func (c *OverrideCoordinator) Authorize(ctx context.Context, request domain.OverrideRequest, sessionTier domain.PermissionTier, creds domain.ManagerCredentials) domain.OverrideResult {
	ctx, span := c.tracer.Start(ctx, "markdown.override.authorize", trace.WithAttributes(
		attribute.String("markdown.session_tier", sessionTier.String()),
		attribute.String("markdown.type", string(request.Input.Type)),
	))
	defer span.End()

	result := c.authorize(ctx, request, sessionTier, creds)

	outcome := "approved"
	if !result.Success {
		outcome = "denied"
		span.SetStatus(codes.Error, result.Error)
	} else {
		span.SetAttributes(attribute.String("markdown.approver_tier", result.ApproverTier.String()))
	}
	c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return result
}

func (c *OverrideCoordinator) authorize(ctx context.Context, request domain.OverrideRequest, sessionTier domain.PermissionTier, creds domain.ManagerCredentials) domain.OverrideResult {
	managerID := strings.TrimSpace(creds.ID)
	if managerID == "" || strings.TrimSpace(creds.Secret) == "" {
		return domain.OverrideResult{Error: overrideErrMissingCredentials}
	}

	verification, err := c.verify(ctx, managerID, creds.Secret)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			c.logger.Info("override credentials rejected", zap.String("approver_id", managerID))
			return domain.OverrideResult{Error: overrideErrInvalidCredentials}
		case errors.Is(err, context.DeadlineExceeded):
			c.logger.Warn("override credential check timed out", zap.String("approver_id", managerID), zap.Duration("timeout", c.timeout))
			return domain.OverrideResult{Error: overrideErrTimeout}
		default:
			c.logger.Error("override credential check failed", zap.String("approver_id", managerID), zap.Error(err))
			return domain.OverrideResult{Error: overrideErrUnavailable}
		}
	}
	if !verification.Valid || !verification.Tier.Valid() {
		return domain.OverrideResult{Error: overrideErrInvalidCredentials}
	}

	approverID := verification.ApproverID
	if approverID == "" {
		approverID = managerID
	}
	if request.RequestedBy != "" && request.RequestedBy == approverID {
		return domain.OverrideResult{Error: overrideErrSelfApproval}
	}
	if !verification.Tier.AtLeast(domain.TierSupervisor) {
		return domain.OverrideResult{Error: overrideErrNotApprover}
	}
	if !verification.Tier.AtLeast(sessionTier) {
		return domain.OverrideResult{Error: overrideErrTierTooLow}
	}
	if !approverCoversStore(verification.StoreIDs, request.StoreID) {
		c.logger.Info("override approver outside store scope",
			zap.String("approver_id", approverID),
			zap.String("store_id", request.StoreID),
		)
		return domain.OverrideResult{Error: overrideErrWrongStore}
	}

	elevated := LimitsFor(verification.Tier)
	revalidation := Validate(request.Input, elevated, request.ItemPrice)

	c.logger.Info("override authorized",
		zap.String("approver_id", approverID),
		zap.String("approver_tier", verification.Tier.String()),
		zap.Bool("still_exceeds_limits", !revalidation.IsValid),
	)

	return domain.OverrideResult{
		Success:        true,
		ApproverID:     approverID,
		ApproverName:   verification.ApproverName,
		ApproverTier:   verification.Tier,
		ElevatedLimits: &elevated,
		Revalidation:   &revalidation,
	}
}

func (c *OverrideCoordinator) verify(ctx context.Context, managerID, secret string) (domain.CredentialVerification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.clock()
	verification, err := c.verifier.VerifyCredentials(ctx, managerID, secret)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	elapsed := c.clock().Sub(start)
	c.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attribute.String("status", status)))
	return verification, err
}

// approverCoversStore reports whether an approver scoped to stores may act in storeID. Unscoped
// approvers cover every store; scoped approvers never cover a session without a store.
func approverCoversStore(stores []string, storeID string) bool {
	if len(stores) == 0 {
		return true
	}
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return false
	}
	for _, candidate := range stores {
		if strings.EqualFold(strings.TrimSpace(candidate), storeID) {
			return true
		}
	}
	return false
}
