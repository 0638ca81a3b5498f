package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported discount code strategies.
type Type string

const (
	// TypePercentage takes Value percent off the subtotal, capped by MaxDiscount when set.
	TypePercentage Type = "percentage"
	// TypeAmount takes a fixed amount off the subtotal, capped at the subtotal.
	TypeAmount Type = "amount"
)

// Valid reports whether t is a known discount type.
func (t Type) Valid() bool {
	return t == TypePercentage || t == TypeAmount
}

var (
	// ErrInvalidCode is returned when a code is unknown or inactive.
	ErrInvalidCode = errors.New("invalid discount code")
	// ErrExpired is returned when a code is outside its validity window.
	ErrExpired = errors.New("discount code expired")
	// ErrUsageLimitReached is returned when a code has exhausted its allowed uses.
	ErrUsageLimitReached = errors.New("discount code usage limit reached")
	// ErrMinimumNotMet is returned when the subtotal is below the code's minimum amount.
	ErrMinimumNotMet = errors.New("discount code minimum amount not met")
)

// Rule defines a discount code's behaviour and eligibility constraints.
type Rule struct {
	Code        string
	Type        Type
	Value       decimal.Decimal
	MaxDiscount decimal.Decimal
	MinAmount   decimal.Decimal
	Description string
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	MaxUses     int
	Uses        int
	Active      bool
}

// Discount is the computed effect of a valid code on a subtotal.
type Discount struct {
	Code        string
	Type        Type
	Amount      decimal.Decimal
	Description string
}

// Repository provides lookup of discount rules.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Rule, error)
}
