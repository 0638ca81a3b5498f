package catalog

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrDeliveryMethodNotFound is returned when a delivery method does not exist.
	ErrDeliveryMethodNotFound = errors.New("delivery method not found")
)

// CampaignType enumerates how a campaign overrides the catalog price.
type CampaignType string

const (
	// CampaignPercentage takes Value percent off the catalog price.
	CampaignPercentage CampaignType = "percentage"
	// CampaignFixedPrice replaces the catalog price with Value.
	CampaignFixedPrice CampaignType = "fixed_price"
)

// Campaign is a time-bounded promotional price override for a product.
type Campaign struct {
	ID       string
	Type     CampaignType
	Value    decimal.Decimal
	StartsAt time.Time
	EndsAt   time.Time
}

// Covers reports whether now falls inside [StartsAt, EndsAt).
func (c *Campaign) Covers(now time.Time) bool {
	if c == nil {
		return false
	}
	return !now.Before(c.StartsAt) && now.Before(c.EndsAt)
}

// PriceFor returns the campaign price for the given catalog price. The
// result never exceeds the catalog price and is never negative.
func (c *Campaign) PriceFor(price decimal.Decimal) decimal.Decimal {
	var out decimal.Decimal
	switch c.Type {
	case CampaignPercentage:
		off := price.Mul(c.Value).Div(decimal.NewFromInt(100))
		out = price.Sub(off)
	case CampaignFixedPrice:
		out = c.Value
	default:
		return price
	}
	if out.IsNegative() {
		return decimal.Zero
	}
	if out.GreaterThan(price) {
		return price
	}
	return out.Round(0)
}

// Product represents a catalog item available for purchase together with the
// campaign attached to it, if any.
type Product struct {
	ID            string
	Name          string
	Price         decimal.Decimal
	RequiresColor bool
	RequiresSize  bool
	Active        bool
	Campaign      *Campaign
}

// EffectivePrice returns the unit price at now and the campaign that produced
// it, or nil when the catalog price applies.
func (p *Product) EffectivePrice(now time.Time) (decimal.Decimal, *Campaign) {
	if p.Campaign.Covers(now) {
		return p.Campaign.PriceFor(p.Price), p.Campaign
	}
	return p.Price, nil
}

// DeliveryMethod is a selectable shipping option.
type DeliveryMethod struct {
	ID     string
	Title  string
	Fee    decimal.Decimal
	Active bool
}

// Repository defines read operations for the product catalog. Each product is
// read together with its campaign so a call observes a single consistent price.
type Repository interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	GetProducts(ctx context.Context, ids []string) ([]Product, error)
}

// DeliveryMethods defines read operations for delivery methods.
type DeliveryMethods interface {
	ListDeliveryMethods(ctx context.Context) ([]DeliveryMethod, error)
	GetDeliveryMethod(ctx context.Context, id string) (*DeliveryMethod, error)
}
