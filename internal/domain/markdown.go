package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// PermissionTier is the ordered authority level of a point-of-sale employee.
type PermissionTier int

const (
	// TierUnknown is the zero value and never grants authority of its own.
	TierUnknown PermissionTier = iota
	// TierAssociate is the floor tier for sales associates.
	TierAssociate
	// TierSupervisor covers shift supervisors.
	TierSupervisor
	// TierManager covers store managers.
	TierManager
	// TierAdmin covers regional and system administrators.
	TierAdmin
)

var tierNames = map[PermissionTier]string{
	TierAssociate:  "ASSOCIATE",
	TierSupervisor: "SUPERVISOR",
	TierManager:    "MANAGER",
	TierAdmin:      "ADMIN",
}

// PermissionTiers lists every valid tier in ascending order.
func PermissionTiers() []PermissionTier {
	return []PermissionTier{TierAssociate, TierSupervisor, TierManager, TierAdmin}
}

func (t PermissionTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether the tier is one of the four known levels.
func (t PermissionTier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// AtLeast reports whether t carries at least the authority of other.
func (t PermissionTier) AtLeast(other PermissionTier) bool {
	return t >= other
}

// ParsePermissionTier accepts tier names and the employee roles carried in identity claims.
// Contact center and B2B sales roles hold associate authority.
func ParsePermissionTier(value string) (PermissionTier, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "ASSOCIATE", "CONTACT_CENTER", "B2B_SALES":
		return TierAssociate, nil
	case "SUPERVISOR":
		return TierSupervisor, nil
	case "MANAGER":
		return TierManager, nil
	case "ADMIN":
		return TierAdmin, nil
	default:
		return TierUnknown, fmt.Errorf("unknown permission tier %q", value)
	}
}

// MarshalText encodes the tier by name.
func (t PermissionTier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid permission tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *PermissionTier) UnmarshalText(data []byte) error {
	parsed, err := ParsePermissionTier(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarkdownType is the shape of a price reduction.
type MarkdownType string

const (
	// MarkdownTypePercentage reduces the price by a percentage of the item price.
	MarkdownTypePercentage MarkdownType = "PERCENTAGE"
	// MarkdownTypeFixedAmount reduces the price by a currency amount.
	MarkdownTypeFixedAmount MarkdownType = "FIXED_AMOUNT"
	// MarkdownTypeOverridePrice sets a new absolute price.
	MarkdownTypeOverridePrice MarkdownType = "OVERRIDE_PRICE"
)

var markdownTypeLabels = map[MarkdownType]string{
	MarkdownTypePercentage:    "Percentage Off",
	MarkdownTypeFixedAmount:   "Fixed Amount Off",
	MarkdownTypeOverridePrice: "Set Price",
}

// Valid reports whether the markdown type is known.
func (m MarkdownType) Valid() bool {
	_, ok := markdownTypeLabels[m]
	return ok
}

// Label returns the display label used on terminals.
func (m MarkdownType) Label() string {
	if label, ok := markdownTypeLabels[m]; ok {
		return label
	}
	return string(m)
}

// ReasonCode is the business justification attached to a markdown.
type ReasonCode string

const (
	ReasonPriceMatch        ReasonCode = "PRICE_MATCH"
	ReasonDamagedItem       ReasonCode = "DAMAGED_ITEM"
	ReasonCustomerService   ReasonCode = "CUSTOMER_SERVICE"
	ReasonBundleDeal        ReasonCode = "BUNDLE_DEAL"
	ReasonManagerDiscretion ReasonCode = "MANAGER_DISCRETION"
	ReasonLoyaltyException  ReasonCode = "LOYALTY_EXCEPTION"
	ReasonAdminOverride     ReasonCode = "OVERRIDE"
)

var reasonLabels = map[ReasonCode]string{
	ReasonPriceMatch:        "Price Match",
	ReasonDamagedItem:       "Damaged Item",
	ReasonCustomerService:   "Customer Service",
	ReasonBundleDeal:        "Bundle Deal",
	ReasonManagerDiscretion: "Manager Discretion",
	ReasonLoyaltyException:  "Loyalty Exception",
	ReasonAdminOverride:     "Admin Override",
}

// Valid reports whether the reason code is known.
func (r ReasonCode) Valid() bool {
	_, ok := reasonLabels[r]
	return ok
}

// Label returns the display label used on terminals.
func (r ReasonCode) Label() string {
	if label, ok := reasonLabels[r]; ok {
		return label
	}
	return string(r)
}

// MarkdownLimit is the authority granted to one tier.
type MarkdownLimit struct {
	Tier             PermissionTier `json:"tier"`
	MaxPercentage    float64        `json:"maxPercentage"`
	MaxFixedAmount   float64        `json:"maxFixedAmount"`
	CanOverridePrice bool           `json:"canOverridePrice"`
	AllowedTypes     []MarkdownType `json:"allowedTypes"`
	AllowedReasons   []ReasonCode   `json:"allowedReasons"`
}

// Clone returns a deep copy so callers never share the slices of a policy table.
func (l MarkdownLimit) Clone() MarkdownLimit {
	l.AllowedTypes = slices.Clone(l.AllowedTypes)
	l.AllowedReasons = slices.Clone(l.AllowedReasons)
	return l
}

// AllowsType reports whether the markdown type is permitted.
func (l MarkdownLimit) AllowsType(t MarkdownType) bool {
	return slices.Contains(l.AllowedTypes, t)
}

// AllowsReason reports whether the reason code is permitted.
func (l MarkdownLimit) AllowsReason(r ReasonCode) bool {
	return slices.Contains(l.AllowedReasons, r)
}

// MarkdownInput is a requested price reduction. A nil Value means the caller has not entered one.
type MarkdownInput struct {
	LineID string       `json:"lineId,omitempty"`
	Type   MarkdownType `json:"type"`
	Value  *float64     `json:"value"`
	Reason ReasonCode   `json:"reason"`
	Notes  string       `json:"notes,omitempty"`
}

// Amount returns the entered value or zero when absent.
func (in MarkdownInput) Amount() float64 {
	if in.Value == nil {
		return 0
	}
	return *in.Value
}

// CartLevel reports whether the markdown applies to the whole cart.
func (in MarkdownInput) CartLevel() bool {
	return strings.TrimSpace(in.LineID) == ""
}

// Clone copies the input including its value pointer.
func (in MarkdownInput) Clone() MarkdownInput {
	if in.Value != nil {
		v := *in.Value
		in.Value = &v
	}
	return in
}

// Float returns a pointer to v for building inputs.
func Float(v float64) *float64 {
	return &v
}

// ValidationResult aggregates field problems for a markdown input.
type ValidationResult struct {
	IsValid          bool     `json:"isValid"`
	Errors           []string `json:"errors"`
	Warnings         []string `json:"warnings"`
	RequiresOverride bool     `json:"requiresOverride"`
}

// DiscountOutcome is the computed reduction for a single markdown.
type DiscountOutcome struct {
	Amount  float64 `json:"amount"`
	Percent float64 `json:"percent"`
}

// OverrideRequest snapshots what the employee tried to apply when authority ran out.
type OverrideRequest struct {
	Token       string        `json:"token"`
	Input       MarkdownInput `json:"input"`
	ItemPrice   float64       `json:"itemPrice"`
	ItemName    string        `json:"itemName,omitempty"`
	RequestedBy string        `json:"requestedBy,omitempty"`
	StoreID     string        `json:"storeId,omitempty"`
	RequestedAt time.Time     `json:"requestedAt"`
}

// ManagerCredentials are the approver identifier and PIN typed at the terminal.
type ManagerCredentials struct {
	ID     string
	Secret string
}

// CredentialVerification is the outcome of checking manager credentials.
type CredentialVerification struct {
	Valid        bool
	ApproverID   string
	ApproverName string
	Tier         PermissionTier
	// StoreIDs limits where the approver may authorize overrides. Empty means every store.
	StoreIDs []string
}

// OverrideResult reports how an override authorization attempt ended.
type OverrideResult struct {
	Success        bool              `json:"success"`
	ApproverID     string            `json:"approverId,omitempty"`
	ApproverName   string            `json:"approverName,omitempty"`
	ApproverTier   PermissionTier    `json:"approverTier,omitempty"`
	ElevatedLimits *MarkdownLimit    `json:"elevatedLimits,omitempty"`
	Revalidation   *ValidationResult `json:"revalidation,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// NeedsRevalidation reports whether the pending markdown is still outside the elevated limits.
func (r OverrideResult) NeedsRevalidation() bool {
	return r.Success && r.Revalidation != nil && !r.Revalidation.IsValid
}

// AppliedMarkdown is the record handed back to the cart for persistence.
type AppliedMarkdown struct {
	ID             string         `json:"id"`
	LineID         string         `json:"lineId,omitempty"`
	Type           MarkdownType   `json:"type"`
	Value          float64        `json:"value"`
	Reason         ReasonCode     `json:"reason"`
	OriginalPrice  float64        `json:"originalPrice"`
	DiscountAmount float64        `json:"discountAmount"`
	FinalPrice     float64        `json:"finalPrice"`
	AppliedBy      string         `json:"appliedBy"`
	AppliedTier    PermissionTier `json:"appliedTier"`
	AuthorizedBy   string         `json:"authorizedBy,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	AppliedAt      time.Time      `json:"appliedAt"`
}

// Manager is a directory entry for an employee who can authorize overrides.
type Manager struct {
	ID          string
	DisplayName string
	Tier        PermissionTier
	PINHash     string
	Active      bool
	StoreIDs    []string
	UpdatedAt   time.Time
}

// OverrideEvent is an audit record emitted by the override workflow.
type OverrideEvent struct {
	EventID      string            `json:"eventId"`
	Action       string            `json:"action"`
	SessionID    string            `json:"sessionId"`
	ActorID      string            `json:"actorId,omitempty"`
	ActorTier    PermissionTier    `json:"actorTier"`
	ApproverID   string            `json:"approverId,omitempty"`
	ApproverTier PermissionTier    `json:"approverTier,omitempty"`
	Request      *OverrideRequest  `json:"request,omitempty"`
	Outcome      string            `json:"outcome,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	OccurredAt   time.Time         `json:"occurredAt"`
}

// Override event actions.
const (
	OverrideActionRequested = "markdown.override.requested"
	OverrideActionCancelled = "markdown.override.cancelled"
	OverrideActionApproved  = "markdown.override.approved"
	OverrideActionDenied    = "markdown.override.denied"
	OverrideActionCleared   = "markdown.override.cleared"
	MarkdownActionApplied   = "markdown.applied"
)

// Health status values reported by readiness probes.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// HealthCheck is the result of probing one dependency.
type HealthCheck struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency probes for the readiness endpoint.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]HealthCheck
	GeneratedAt time.Time
}
