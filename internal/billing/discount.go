package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DiscountKind identifies the discount variant.
type DiscountKind string

const (
	DiscountNone       DiscountKind = ""
	DiscountPercentage DiscountKind = "PERCENTAGE"
	DiscountAmount     DiscountKind = "AMOUNT"
)

var hundred = decimal.NewFromInt(100)

// Discount is either no discount, a percentage of the base, or a flat amount off.
// The zero value is no discount.
type Discount struct {
	Kind  DiscountKind
	Value decimal.Decimal
}

// NoDiscount returns the empty discount.
func NoDiscount() Discount { return Discount{} }

// PercentageDiscount takes value percent off the base.
func PercentageDiscount(value decimal.Decimal) Discount {
	return Discount{Kind: DiscountPercentage, Value: value}
}

// AmountDiscount takes a flat amount off the base.
func AmountDiscount(value decimal.Decimal) Discount {
	return Discount{Kind: DiscountAmount, Value: value}
}

// IsZero reports whether the discount has no effect.
func (d Discount) IsZero() bool {
	return d.Kind == DiscountNone
}

// ParseDiscount builds a Discount from nullable storage columns. A missing kind or
// value yields no discount.
func ParseDiscount(kind *string, value *decimal.Decimal) (Discount, error) {
	if kind == nil || strings.TrimSpace(*kind) == "" || value == nil {
		return NoDiscount(), nil
	}
	switch DiscountKind(strings.ToUpper(strings.TrimSpace(*kind))) {
	case DiscountPercentage:
		return PercentageDiscount(*value), nil
	case DiscountAmount:
		return AmountDiscount(*value), nil
	default:
		return NoDiscount(), fmt.Errorf("billing: unknown discount type %q", *kind)
	}
}

// ApplyDiscount reduces base by the discount. The result always lies in [0, base].
func ApplyDiscount(base decimal.Decimal, d Discount) decimal.Decimal {
	base = nonNegative(base)
	switch d.Kind {
	case DiscountPercentage:
		pct := clamp(d.Value, decimal.Zero, hundred)
		return clamp(base.Mul(hundred.Sub(pct)).Div(hundred), decimal.Zero, base)
	case DiscountAmount:
		return clamp(base.Sub(nonNegative(d.Value)), decimal.Zero, base)
	default:
		return base
	}
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
