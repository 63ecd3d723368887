package services

import (
	"math"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

// CalculateDiscount computes the currency amount and percentage removed from itemPrice.
// The amount is always within [0, itemPrice].
func CalculateDiscount(markdownType domain.MarkdownType, value, itemPrice float64) domain.DiscountOutcome {
	if itemPrice <= 0 || math.IsNaN(itemPrice) || math.IsNaN(value) {
		return domain.DiscountOutcome{}
	}

	var amount float64
	switch markdownType {
	case domain.MarkdownTypePercentage:
		amount = itemPrice * value / 100
	case domain.MarkdownTypeFixedAmount:
		amount = math.Min(value, itemPrice)
	case domain.MarkdownTypeOverridePrice:
		amount = math.Max(0, itemPrice-value)
	default:
		return domain.DiscountOutcome{}
	}

	amount = clamp(amount, 0, itemPrice)
	return domain.DiscountOutcome{
		Amount:  amount,
		Percent: amount / itemPrice * 100,
	}
}

// MaxDiscount returns the largest value the limits allow for markdownType. For OVERRIDE_PRICE it
// is the lowest price that may be set.
func MaxDiscount(markdownType domain.MarkdownType, itemPrice float64, limits domain.MarkdownLimit) float64 {
	switch markdownType {
	case domain.MarkdownTypePercentage:
		return limits.MaxPercentage
	case domain.MarkdownTypeFixedAmount:
		return limits.MaxFixedAmount
	case domain.MarkdownTypeOverridePrice:
		return itemPrice * (1 - limits.MaxPercentage/100)
	default:
		return 0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
