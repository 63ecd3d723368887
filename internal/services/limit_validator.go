package services

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

const maxMarkdownNotesLength = 500

// Validation messages shown at the terminal.
const (
	msgTypeRequired       = "Markdown type is required"
	msgValueRequired      = "Value is required"
	msgValuePositive      = "Value must be greater than 0"
	msgPercentageTooLarge = "Percentage cannot exceed 100%"
	msgReasonRequired     = "Reason is required"
	msgExceedsLimit       = "Value exceeds your limit - manager override required"
	msgPriceIncrease      = "New price is higher than original price"
	msgNotesTooLong       = "Notes cannot exceed 500 characters"
)

// IsWithinLimit reports whether value stays inside limits for the given markdown type.
func IsWithinLimit(markdownType domain.MarkdownType, value, itemPrice float64, limits domain.MarkdownLimit) bool {
	switch markdownType {
	case domain.MarkdownTypePercentage:
		return value <= limits.MaxPercentage
	case domain.MarkdownTypeFixedAmount:
		return value <= limits.MaxFixedAmount
	case domain.MarkdownTypeOverridePrice:
		if !limits.CanOverridePrice || itemPrice <= 0 {
			return false
		}
		discountPercent := (itemPrice - value) / itemPrice * 100
		return discountPercent <= limits.MaxPercentage
	default:
		return false
	}
}

// Validate checks input against limits for an item priced at itemPrice. Problems are reported in
// the result and never as an error.
func Validate(input domain.MarkdownInput, limits domain.MarkdownLimit, itemPrice float64) domain.ValidationResult {
	result := domain.ValidationResult{
		Errors:   []string{},
		Warnings: []string{},
	}

	hasType := input.Type != ""
	if !hasType {
		result.Errors = append(result.Errors, msgTypeRequired)
	} else if !limits.AllowsType(input.Type) {
		result.Errors = append(result.Errors, fmt.Sprintf("%s is not allowed for your permission level", input.Type))
	}

	switch {
	case input.Value == nil || math.IsNaN(*input.Value):
		result.Errors = append(result.Errors, msgValueRequired)
	case *input.Value <= 0:
		result.Errors = append(result.Errors, msgValuePositive)
	case hasType:
		value := *input.Value
		if !IsWithinLimit(input.Type, value, itemPrice, limits) {
			result.RequiresOverride = true
			result.Warnings = append(result.Warnings, msgExceedsLimit)
		}
		if input.Type == domain.MarkdownTypePercentage && value > 100 {
			result.Errors = append(result.Errors, msgPercentageTooLarge)
		}
		if input.Type == domain.MarkdownTypeOverridePrice && value > itemPrice {
			result.Warnings = append(result.Warnings, msgPriceIncrease)
		}
	}

	if input.Reason == "" {
		result.Errors = append(result.Errors, msgReasonRequired)
	} else if !limits.AllowsReason(input.Reason) {
		result.Errors = append(result.Errors, fmt.Sprintf("%s is not allowed for your permission level", input.Reason))
		if input.Reason.Valid() {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s requires %s or higher", input.Reason.Label(), ReasonMinimumTier(input.Reason)))
		}
	}

	if utf8.RuneCountInString(strings.TrimSpace(input.Notes)) > maxMarkdownNotesLength {
		result.Errors = append(result.Errors, msgNotesTooLong)
	}

	result.IsValid = len(result.Errors) == 0 && !result.RequiresOverride
	return result
}
