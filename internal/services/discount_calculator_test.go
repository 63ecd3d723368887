package services

import (
	"math"
	"testing"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

func TestCalculateDiscount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mdType  domain.MarkdownType
		value   float64
		price   float64
		amount  float64
		percent float64
	}{
		{"percentage", domain.MarkdownTypePercentage, 20, 100, 20, 20},
		{"fractional percentage", domain.MarkdownTypePercentage, 12.5, 80, 10, 12.5},
		{"fixed", domain.MarkdownTypeFixedAmount, 15, 60, 15, 25},
		{"fixed capped at price", domain.MarkdownTypeFixedAmount, 150, 100, 100, 100},
		{"override price", domain.MarkdownTypeOverridePrice, 60, 100, 40, 40},
		{"override above price", domain.MarkdownTypeOverridePrice, 120, 100, 0, 0},
		{"zero price", domain.MarkdownTypePercentage, 20, 0, 0, 0},
		{"unknown type", domain.MarkdownType("BOGO"), 20, 100, 0, 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := CalculateDiscount(tc.mdType, tc.value, tc.price)
			if !approxEqual(got.Amount, tc.amount) || !approxEqual(got.Percent, tc.percent) {
				t.Fatalf("expected {%v %v}, got %+v", tc.amount, tc.percent, got)
			}
		})
	}
}

func TestCalculateDiscountIsBounded(t *testing.T) {
	t.Parallel()

	types := []domain.MarkdownType{domain.MarkdownTypePercentage, domain.MarkdownTypeFixedAmount, domain.MarkdownTypeOverridePrice}
	values := []float64{-10, 0, 0.01, 1, 15, 50, 99.99, 100, 150, 10000}
	prices := []float64{0, 0.5, 1, 49.99, 100, 2500}

	for _, mdType := range types {
		for _, value := range values {
			for _, price := range prices {
				got := CalculateDiscount(mdType, value, price)
				if got.Amount < 0 || got.Amount > price {
					t.Fatalf("%s value=%v price=%v: amount %v out of range", mdType, value, price, got.Amount)
				}
				if got.Percent < 0 || got.Percent > 100 {
					t.Fatalf("%s value=%v price=%v: percent %v out of range", mdType, value, price, got.Percent)
				}
				if mdType == domain.MarkdownTypeOverridePrice && value >= price && got.Amount != 0 {
					t.Fatalf("override to %v on %v should not discount, got %v", value, price, got.Amount)
				}
			}
		}
	}
}

func TestMaxDiscount(t *testing.T) {
	t.Parallel()

	manager := LimitsFor(domain.TierManager)
	if got := MaxDiscount(domain.MarkdownTypePercentage, 200, manager); got != 50 {
		t.Fatalf("expected 50, got %v", got)
	}
	if got := MaxDiscount(domain.MarkdownTypeFixedAmount, 200, manager); got != 500 {
		t.Fatalf("expected 500, got %v", got)
	}
	if got := MaxDiscount(domain.MarkdownTypeOverridePrice, 200, manager); got != 100 {
		t.Fatalf("expected minimum override price 100, got %v", got)
	}
	if got := MaxDiscount(domain.MarkdownType("X"), 200, manager); got != 0 {
		t.Fatalf("expected 0 for unknown type, got %v", got)
	}
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
