package services

import (
	"slices"
	"testing"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

func TestLimitsForTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		tier        domain.PermissionTier
		maxPct      float64
		maxFixed    float64
		canOverride bool
		types       int
		reasons     int
	}{
		{domain.TierAssociate, 15, 50, false, 2, 2},
		{domain.TierSupervisor, 25, 100, false, 2, 4},
		{domain.TierManager, 50, 500, true, 3, 6},
		{domain.TierAdmin, 100, 10000, true, 3, 7},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.tier.String(), func(t *testing.T) {
			t.Parallel()
			limit := LimitsFor(tc.tier)
			if limit.Tier != tc.tier {
				t.Fatalf("expected tier %s, got %s", tc.tier, limit.Tier)
			}
			if limit.MaxPercentage != tc.maxPct || limit.MaxFixedAmount != tc.maxFixed || limit.CanOverridePrice != tc.canOverride {
				t.Fatalf("unexpected limits %+v", limit)
			}
			if len(limit.AllowedTypes) != tc.types || len(limit.AllowedReasons) != tc.reasons {
				t.Fatalf("unexpected allowed sets %+v", limit)
			}
			if limit.AllowsType(domain.MarkdownTypeOverridePrice) != tc.canOverride {
				t.Fatalf("override price type should match override capability for %s", tc.tier)
			}
		})
	}
}

func TestLimitsForUnknownTierIsLeastPrivilege(t *testing.T) {
	t.Parallel()

	limit := LimitsFor(domain.TierUnknown)
	if limit.Tier != domain.TierAssociate || limit.MaxPercentage != 15 {
		t.Fatalf("expected associate limits, got %+v", limit)
	}
}

func TestLimitsForReturnsCopies(t *testing.T) {
	t.Parallel()

	first := LimitsFor(domain.TierAssociate)
	first.AllowedReasons[0] = domain.ReasonAdminOverride
	first.AllowedTypes = append(first.AllowedTypes, domain.MarkdownTypeOverridePrice)

	second := LimitsFor(domain.TierAssociate)
	if second.AllowedReasons[0] != domain.ReasonPriceMatch {
		t.Fatalf("policy table was mutated: %v", second.AllowedReasons)
	}
	if second.AllowsType(domain.MarkdownTypeOverridePrice) {
		t.Fatalf("policy table types were mutated: %v", second.AllowedTypes)
	}
	if supervisor := LimitsFor(domain.TierSupervisor); supervisor.AllowsType(domain.MarkdownTypeOverridePrice) {
		t.Fatalf("shared type slice leaked into supervisor limits")
	}
}

func TestReasonMinimumTierMatchesAllowedReasons(t *testing.T) {
	t.Parallel()

	reasons := []domain.ReasonCode{
		domain.ReasonPriceMatch,
		domain.ReasonDamagedItem,
		domain.ReasonCustomerService,
		domain.ReasonBundleDeal,
		domain.ReasonManagerDiscretion,
		domain.ReasonLoyaltyException,
		domain.ReasonAdminOverride,
	}

	for _, reason := range reasons {
		minimum := ReasonMinimumTier(reason)
		for _, tier := range domain.PermissionTiers() {
			allowed := slices.Contains(LimitsFor(tier).AllowedReasons, reason)
			if allowed != tier.AtLeast(minimum) {
				t.Fatalf("reason %s tier %s: allowed=%v minimum=%s", reason, tier, allowed, minimum)
			}
		}
	}

	if got := ReasonMinimumTier("UNKNOWN"); got != domain.TierAdmin {
		t.Fatalf("expected unknown reason to require admin, got %s", got)
	}
}
