package services

import (
	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

var (
	associateReasons  = []domain.ReasonCode{domain.ReasonPriceMatch, domain.ReasonDamagedItem}
	supervisorReasons = append(append([]domain.ReasonCode{}, associateReasons...), domain.ReasonCustomerService, domain.ReasonBundleDeal)
	managerReasons    = append(append([]domain.ReasonCode{}, supervisorReasons...), domain.ReasonManagerDiscretion, domain.ReasonLoyaltyException)
	adminReasons      = append(append([]domain.ReasonCode{}, managerReasons...), domain.ReasonAdminOverride)

	discountTypes = []domain.MarkdownType{domain.MarkdownTypePercentage, domain.MarkdownTypeFixedAmount}
	allTypes      = []domain.MarkdownType{domain.MarkdownTypePercentage, domain.MarkdownTypeFixedAmount, domain.MarkdownTypeOverridePrice}
)

var tierLimits = map[domain.PermissionTier]domain.MarkdownLimit{
	domain.TierAssociate: {
		Tier:           domain.TierAssociate,
		MaxPercentage:  15,
		MaxFixedAmount: 50,
		AllowedTypes:   discountTypes,
		AllowedReasons: associateReasons,
	},
	domain.TierSupervisor: {
		Tier:           domain.TierSupervisor,
		MaxPercentage:  25,
		MaxFixedAmount: 100,
		AllowedTypes:   discountTypes,
		AllowedReasons: supervisorReasons,
	},
	domain.TierManager: {
		Tier:             domain.TierManager,
		MaxPercentage:    50,
		MaxFixedAmount:   500,
		CanOverridePrice: true,
		AllowedTypes:     allTypes,
		AllowedReasons:   managerReasons,
	},
	domain.TierAdmin: {
		Tier:             domain.TierAdmin,
		MaxPercentage:    100,
		MaxFixedAmount:   10000,
		CanOverridePrice: true,
		AllowedTypes:     allTypes,
		AllowedReasons:   adminReasons,
	},
}

var reasonMinimumTier = map[domain.ReasonCode]domain.PermissionTier{
	domain.ReasonPriceMatch:        domain.TierAssociate,
	domain.ReasonDamagedItem:       domain.TierAssociate,
	domain.ReasonCustomerService:   domain.TierSupervisor,
	domain.ReasonBundleDeal:        domain.TierSupervisor,
	domain.ReasonManagerDiscretion: domain.TierManager,
	domain.ReasonLoyaltyException:  domain.TierManager,
	domain.ReasonAdminOverride:     domain.TierAdmin,
}

// LimitsFor returns a copy of the limits granted to tier. Unknown tiers get associate limits.
func LimitsFor(tier domain.PermissionTier) domain.MarkdownLimit {
	limit, ok := tierLimits[tier]
	if !ok {
		limit = tierLimits[domain.TierAssociate]
	}
	return limit.Clone()
}

// ReasonMinimumTier returns the lowest tier allowed to select reason. Unknown reasons require admin.
func ReasonMinimumTier(reason domain.ReasonCode) domain.PermissionTier {
	if tier, ok := reasonMinimumTier[reason]; ok {
		return tier
	}
	return domain.TierAdmin
}
