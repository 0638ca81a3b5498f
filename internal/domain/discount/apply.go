package discount

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Apply calculates the discount produced by rule on subtotal. The amount is
// never negative and never exceeds subtotal.
func Apply(rule *Rule, subtotal decimal.Decimal) (Discount, error) {
	if rule.MinAmount.IsPositive() && subtotal.LessThan(rule.MinAmount) {
		return Discount{}, ErrMinimumNotMet
	}

	var amount decimal.Decimal
	switch rule.Type {
	case TypePercentage:
		amount = subtotal.Mul(rule.Value).Div(hundred)
		if rule.MaxDiscount.IsPositive() {
			amount = decimal.Min(amount, rule.MaxDiscount)
		}
	case TypeAmount:
		amount = rule.Value
		if rule.MaxDiscount.IsPositive() {
			amount = decimal.Min(amount, rule.MaxDiscount)
		}
	default:
		return Discount{}, errors.Errorf("unsupported discount type: %q", rule.Type)
	}

	amount = decimal.Min(floorAtZero(amount), floorAtZero(subtotal)).Round(0)

	return Discount{
		Code:        rule.Code,
		Type:        rule.Type,
		Amount:      amount,
		Description: rule.Description,
	}, nil
}

func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
