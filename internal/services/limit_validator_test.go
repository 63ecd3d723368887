package services

import (
	"slices"
	"strings"
	"testing"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

func TestIsWithinLimitScenarios(t *testing.T) {
	t.Parallel()

	associate := LimitsFor(domain.TierAssociate)
	if !IsWithinLimit(domain.MarkdownTypePercentage, 15, 100, associate) {
		t.Fatal("15% should be within associate limits")
	}
	if IsWithinLimit(domain.MarkdownTypePercentage, 16, 100, associate) {
		t.Fatal("16% should exceed associate limits")
	}
	if !IsWithinLimit(domain.MarkdownTypeFixedAmount, 50, 100, associate) || IsWithinLimit(domain.MarkdownTypeFixedAmount, 50.01, 100, associate) {
		t.Fatal("fixed amount boundary mismatch")
	}
	if IsWithinLimit(domain.MarkdownTypeOverridePrice, 99, 100, associate) {
		t.Fatal("associate cannot override price even for a tiny discount")
	}

	manager := LimitsFor(domain.TierManager)
	if !IsWithinLimit(domain.MarkdownTypeOverridePrice, 60, 100, manager) {
		t.Fatal("40% implied discount should be within manager limits")
	}
	if IsWithinLimit(domain.MarkdownTypeOverridePrice, 40, 100, manager) {
		t.Fatal("60% implied discount should exceed manager limits")
	}
	if IsWithinLimit(domain.MarkdownTypeOverridePrice, 0, 0, manager) {
		t.Fatal("override on a zero price item should fail closed")
	}
	if IsWithinLimit(domain.MarkdownType(""), 1, 100, manager) {
		t.Fatal("unknown type should never be within limits")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	associate := LimitsFor(domain.TierAssociate)
	manager := LimitsFor(domain.TierManager)

	cases := []struct {
		name             string
		input            domain.MarkdownInput
		limits           domain.MarkdownLimit
		price            float64
		valid            bool
		requiresOverride bool
		errors           []string
		warnings         []string
	}{
		{
			name:   "valid associate markdown",
			input:  domain.MarkdownInput{Type: domain.MarkdownTypePercentage, Value: domain.Float(10), Reason: domain.ReasonPriceMatch},
			limits: associate,
			price:  50,
			valid:  true,
		},
		{
			name:   "missing everything",
			input:  domain.MarkdownInput{},
			limits: associate,
			price:  50,
			errors: []string{"Markdown type is required", "Value is required", "Reason is required"},
		},
		{
			name:   "zero value",
			input:  domain.MarkdownInput{Type: domain.MarkdownTypeFixedAmount, Value: domain.Float(0), Reason: domain.ReasonDamagedItem},
			limits: associate,
			price:  50,
			errors: []string{"Value must be greater than 0"},
		},
		{
			name:   "negative value",
			input:  domain.MarkdownInput{Type: domain.MarkdownTypeFixedAmount, Value: domain.Float(-5), Reason: domain.ReasonDamagedItem},
			limits: associate,
			price:  50,
			errors: []string{"Value must be greater than 0"},
		},
		{
			name:   "disallowed type",
			input:  domain.MarkdownInput{Type: domain.MarkdownTypeOverridePrice, Value: domain.Float(45), Reason: domain.ReasonPriceMatch},
			limits: associate,
			price:  50,
			errors: []string{"OVERRIDE_PRICE is not allowed for your permission level"},
			// Override price is also outside an associate's limits.
			requiresOverride: true,
			warnings:         []string{"Value exceeds your limit - manager override required"},
		},
		{
			name:     "disallowed reason",
			input:    domain.MarkdownInput{Type: domain.MarkdownTypePercentage, Value: domain.Float(5), Reason: domain.ReasonLoyaltyException},
			limits:   associate,
			price:    50,
			errors:   []string{"LOYALTY_EXCEPTION is not allowed for your permission level"},
			warnings: []string{"Loyalty Exception requires MANAGER or higher"},
		},
		{
			name:             "exceeds limit",
			input:            domain.MarkdownInput{Type: domain.MarkdownTypePercentage, Value: domain.Float(30), Reason: domain.ReasonPriceMatch},
			limits:           associate,
			price:            50,
			requiresOverride: true,
			warnings:         []string{"Value exceeds your limit - manager override required"},
		},
		{
			name:             "percentage over 100 is an error",
			input:            domain.MarkdownInput{Type: domain.MarkdownTypePercentage, Value: domain.Float(120), Reason: domain.ReasonPriceMatch},
			limits:           LimitsFor(domain.TierAdmin),
			price:            50,
			requiresOverride: true,
			errors:           []string{"Percentage cannot exceed 100%"},
			warnings:         []string{"Value exceeds your limit - manager override required"},
		},
		{
			name:     "override above original price",
			input:    domain.MarkdownInput{Type: domain.MarkdownTypeOverridePrice, Value: domain.Float(120), Reason: domain.ReasonManagerDiscretion},
			limits:   manager,
			price:    100,
			valid:    true,
			warnings: []string{"New price is higher than original price"},
		},
		{
			name:   "notes too long",
			input:  domain.MarkdownInput{Type: domain.MarkdownTypePercentage, Value: domain.Float(5), Reason: domain.ReasonPriceMatch, Notes: strings.Repeat("n", 501)},
			limits: associate,
			price:  50,
			errors: []string{"Notes cannot exceed 500 characters"},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Validate(tc.input, tc.limits, tc.price)
			if got.IsValid != tc.valid {
				t.Fatalf("expected valid=%v, got %+v", tc.valid, got)
			}
			if got.RequiresOverride != tc.requiresOverride {
				t.Fatalf("expected requiresOverride=%v, got %+v", tc.requiresOverride, got)
			}
			for _, msg := range tc.errors {
				if !slices.Contains(got.Errors, msg) {
					t.Fatalf("expected error %q in %v", msg, got.Errors)
				}
			}
			if len(tc.errors) == 0 && len(got.Errors) != 0 {
				t.Fatalf("expected no errors, got %v", got.Errors)
			}
			for _, msg := range tc.warnings {
				if !slices.Contains(got.Warnings, msg) {
					t.Fatalf("expected warning %q in %v", msg, got.Warnings)
				}
			}
		})
	}
}

func TestValidateNeverValidWhenOverrideRequired(t *testing.T) {
	t.Parallel()

	got := Validate(domain.MarkdownInput{Type: domain.MarkdownTypeFixedAmount, Value: domain.Float(75), Reason: domain.ReasonDamagedItem}, LimitsFor(domain.TierAssociate), 200)
	if got.IsValid || !got.RequiresOverride || len(got.Errors) != 0 {
		t.Fatalf("expected override-only result, got %+v", got)
	}
}
