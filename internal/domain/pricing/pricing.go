package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/catalog"
	"github.com/xenking/kart-checkout/internal/domain/discount"
)

// PayOnDeliveryLabel is shown instead of a zero delivery fee.
const PayOnDeliveryLabel = "pay on delivery"

// ErrDeliveryMethodUnavailable is returned for unknown or inactive delivery methods.
var ErrDeliveryMethodUnavailable = errors.New("delivery method unavailable")

// ProductUnavailableError indicates a cart line references a product that is
// missing or no longer active.
type ProductUnavailableError struct {
	ProductID string
}

func (e *ProductUnavailableError) Error() string {
	return fmt.Sprintf("product %s unavailable", e.ProductID)
}

// Request is a cart snapshot plus the customer's checkout selections.
type Request struct {
	Lines            []cart.Line
	DeliveryMethodID string
	DiscountCode     string
}

// PricedLine is a cart line with the prices in effect at pricing time.
type PricedLine struct {
	Key              string
	ProductID        string
	Variant          cart.Variant
	Name             string
	Quantity         int
	CatalogPrice     decimal.Decimal
	UnitPrice        decimal.Decimal
	CampaignID       string
	CampaignDiscount decimal.Decimal
	Total            decimal.Decimal
}

// PricedCart is the derived, never persisted, price breakdown of a cart.
type PricedCart struct {
	Lines                 []PricedLine
	OriginalSubtotal      decimal.Decimal
	CampaignDiscountTotal decimal.Decimal
	Subtotal              decimal.Decimal

	// Discount is set when the code was accepted. DiscountError carries the
	// rejection reason otherwise.
	Discount       *discount.Discount
	DiscountAmount decimal.Decimal
	DiscountError  error

	DeliveryMethod *catalog.DeliveryMethod
	DeliveryFee    decimal.Decimal
	DeliveryLabel  string

	FinalAmount decimal.Decimal
}

// Engine computes PricedCart values. It has no side effects.
type Engine struct {
	products  catalog.Repository
	delivery  catalog.DeliveryMethods
	discounts discount.Validator
	now       func() time.Time
}

// NewEngine creates a pricing Engine.
func NewEngine(products catalog.Repository, delivery catalog.DeliveryMethods, discounts discount.Validator) *Engine {
	return &Engine{
		products:  products,
		delivery:  delivery,
		discounts: discounts,
		now:       time.Now,
	}
}

// Price computes line totals, campaign discounts, the discount code effect,
// the delivery fee and the final payable amount.
//
// An invalid discount code does not fail pricing: its effect is dropped and
// the reason is reported in PricedCart.DiscountError.
func (e *Engine) Price(ctx context.Context, req Request) (*PricedCart, error) {
	now := e.now()

	var (
		products []catalog.Product
		method   *catalog.DeliveryMethod
	)
	g, gctx := errgroup.WithContext(ctx)
	if len(req.Lines) > 0 {
		g.Go(func() error {
			var err error
			products, err = e.products.GetProducts(gctx, productIDs(req.Lines))
			if err != nil {
				return errors.Wrap(err, "get products")
			}
			return nil
		})
	}
	if req.DeliveryMethodID != "" {
		g.Go(func() error {
			m, err := e.delivery.GetDeliveryMethod(gctx, req.DeliveryMethodID)
			switch {
			case errors.Is(err, catalog.ErrDeliveryMethodNotFound):
				return ErrDeliveryMethodUnavailable
			case err != nil:
				return errors.Wrap(err, "get delivery method")
			case !m.Active:
				return ErrDeliveryMethodUnavailable
			}
			method = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byID := make(map[string]catalog.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	out := &PricedCart{
		Lines:                 make([]PricedLine, 0, len(req.Lines)),
		OriginalSubtotal:      decimal.Zero,
		CampaignDiscountTotal: decimal.Zero,
		DiscountAmount:        decimal.Zero,
		DeliveryFee:           decimal.Zero,
	}
	for _, l := range req.Lines {
		p, ok := byID[l.ProductID]
		if !ok || !p.Active {
			return nil, &ProductUnavailableError{ProductID: l.ProductID}
		}

		qty := decimal.NewFromInt(int64(l.Quantity))
		unit, campaign := p.EffectivePrice(now)
		line := PricedLine{
			Key:              l.Key(),
			ProductID:        p.ID,
			Variant:          l.Variant,
			Name:             p.Name,
			Quantity:         l.Quantity,
			CatalogPrice:     p.Price,
			UnitPrice:        unit,
			CampaignDiscount: p.Price.Sub(unit).Mul(qty),
			Total:            unit.Mul(qty),
		}
		if campaign != nil {
			line.CampaignID = campaign.ID
		}

		out.Lines = append(out.Lines, line)
		out.OriginalSubtotal = out.OriginalSubtotal.Add(p.Price.Mul(qty))
		out.CampaignDiscountTotal = out.CampaignDiscountTotal.Add(line.CampaignDiscount)
	}
	out.Subtotal = out.OriginalSubtotal.Sub(out.CampaignDiscountTotal)

	if code := discount.Normalize(req.DiscountCode); code != "" {
		d, err := e.discounts.Validate(ctx, code, out.Subtotal)
		switch {
		case err == nil:
			out.Discount = d
			out.DiscountAmount = d.Amount
		case discount.IsRejection(err):
			out.DiscountError = err
		default:
			return nil, errors.Wrap(err, "validate discount code")
		}
	}

	if method != nil {
		out.DeliveryMethod = method
		out.DeliveryFee = method.Fee
	}
	out.DeliveryLabel = DeliveryLabel(out.DeliveryFee)

	out.FinalAmount = FinalAmount(out.OriginalSubtotal, out.DiscountAmount, out.CampaignDiscountTotal, out.DeliveryFee)
	return out, nil
}

// FinalAmount returns max(0, amount - discount - campaignDiscount) + deliveryFee.
func FinalAmount(amount, discountAmount, campaignDiscount, deliveryFee decimal.Decimal) decimal.Decimal {
	net := amount.Sub(discountAmount).Sub(campaignDiscount)
	if net.IsNegative() {
		net = decimal.Zero
	}
	return net.Add(deliveryFee)
}

// DeliveryLabel renders a delivery fee for the customer.
func DeliveryLabel(fee decimal.Decimal) string {
	if fee.IsZero() {
		return PayOnDeliveryLabel
	}
	if fee.IsInteger() {
		return fee.StringFixed(0)
	}
	return fee.StringFixed(2)
}

func productIDs(lines []cart.Line) []string {
	seen := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		if _, ok := seen[l.ProductID]; ok {
			continue
		}
		seen[l.ProductID] = struct{}{}
		ids = append(ids, l.ProductID)
	}
	return ids
}
