package services

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

// MarkdownFormatter renders markdowns and override requests for terminal prompts.
type MarkdownFormatter struct {
	printer *message.Printer
	unit    currency.Unit
	symbol  string
	scale   int
}

// NewMarkdownFormatter builds a formatter for the ISO currency code and BCP 47 locale.
func NewMarkdownFormatter(currencyCode, locale string) (*MarkdownFormatter, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(currencyCode))
	if err != nil {
		return nil, fmt.Errorf("%w: currency %q: %v", ErrMarkdownInvalidInput, currencyCode, err)
	}
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return nil, fmt.Errorf("%w: locale %q: %v", ErrMarkdownInvalidInput, locale, err)
	}

	printer := message.NewPrinter(tag)
	scale, _ := currency.Cash.Rounding(unit)
	return &MarkdownFormatter{
		printer: printer,
		unit:    unit,
		symbol:  printer.Sprint(currency.NarrowSymbol(unit)),
		scale:   scale,
	}, nil
}

// Currency returns the ISO code the formatter renders.
func (f *MarkdownFormatter) Currency() string {
	return f.unit.String()
}

// Money renders amount with the currency symbol and cash precision.
func (f *MarkdownFormatter) Money(amount float64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return sign + f.symbol + f.printer.Sprintf(fmt.Sprintf("%%.%df", f.scale), amount)
}

// Summary describes a markdown value, e.g. "25% discount", "$15.00 off" or "Override to $60.00".
func (f *MarkdownFormatter) Summary(markdownType domain.MarkdownType, value float64) string {
	switch markdownType {
	case domain.MarkdownTypePercentage:
		return strconv.FormatFloat(value, 'f', -1, 64) + "% discount"
	case domain.MarkdownTypeFixedAmount:
		return f.Money(value) + " off"
	case domain.MarkdownTypeOverridePrice:
		return "Override to " + f.Money(value)
	default:
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
}

// DescribeOverride renders the prompt shown to the approving manager.
func (f *MarkdownFormatter) DescribeOverride(request domain.OverrideRequest) string {
	var b strings.Builder
	b.WriteString(f.Summary(request.Input.Type, request.Input.Amount()))
	if name := strings.TrimSpace(request.ItemName); name != "" {
		b.WriteString(" on ")
		b.WriteString(name)
	} else if request.Input.CartLevel() {
		b.WriteString(" on cart")
	}
	b.WriteString(" (")
	b.WriteString(f.Money(request.ItemPrice))
	b.WriteString(")")
	if request.Input.Reason != "" {
		b.WriteString(" for ")
		b.WriteString(request.Input.Reason.Label())
	}
	return b.String()
}
