package order

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// CartReader returns the current lines of a subject's cart.
type CartReader interface {
	Read(ctx context.Context, subject string) ([]cart.Line, error)
}

// Pricer prices a cart snapshot.
type Pricer interface {
	Price(ctx context.Context, req pricing.Request) (*pricing.PricedCart, error)
}

// Gateways reports whether a payment gateway exists and needs a receipt.
type Gateways interface {
	RequiresEvidence(id string) (bool, error)
}

// CheckoutRequest is a checkout submission.
type CheckoutRequest struct {
	SubjectID        string
	CustomerName     string
	CustomerPhone    string
	CustomerAddress  string
	DeliveryMethodID string
	DiscountCode     string
	GatewayID        string
	HasReceipt       bool
}

// Result is the outcome of a successful assembly.
type Result struct {
	Order   *Order
	Invoice *Invoice
	Priced  *pricing.PricedCart
}

// Assembler turns a subject's cart into a persisted pending Order and its Invoice.
type Assembler struct {
	carts    CartReader
	pricer   Pricer
	gateways Gateways
	orders   Repository
	window   time.Duration
	now      func() time.Time
	newID    func() string
}

// NewAssembler creates an Assembler. window bounds how long a duplicate
// submission is treated as the same checkout attempt.
func NewAssembler(carts CartReader, pricer Pricer, gateways Gateways, orders Repository, window time.Duration) *Assembler {
	return &Assembler{
		carts:    carts,
		pricer:   pricer,
		gateways: gateways,
		orders:   orders,
		window:   window,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// Assemble validates the submission, prices the cart and persists a pending
// order with its invoice in one transaction. Every validation problem is
// returned as a *ValidationError before anything is written.
func (a *Assembler) Assemble(ctx context.Context, req CheckoutRequest) (*Result, error) {
	req = normalize(req)

	verr := &ValidationError{}
	validateContact(verr, req)
	if req.DeliveryMethodID == "" {
		verr.Add("delivery_method_id", "delivery method is required")
	}
	if req.GatewayID == "" {
		verr.Add("gateway_id", "payment method is required")
	} else {
		manual, err := a.gateways.RequiresEvidence(req.GatewayID)
		switch {
		case err != nil:
			verr.Add("gateway_id", "unknown payment method")
		case manual && !req.HasReceipt:
			verr.Add("receipt", "payment receipt is required for this payment method")
		}
	}

	lines, err := a.carts.Read(ctx, req.SubjectID)
	if err != nil {
		return nil, errors.Wrap(err, "read cart")
	}
	if len(lines) == 0 {
		verr.Add("cart", "cart is empty")
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}

	priced, err := a.pricer.Price(ctx, pricing.Request{
		Lines:            lines,
		DeliveryMethodID: req.DeliveryMethodID,
		DiscountCode:     req.DiscountCode,
	})
	if err != nil {
		var pu *pricing.ProductUnavailableError
		switch {
		case errors.As(err, &pu):
			verr.Add("cart", pu.Error())
		case errors.Is(err, pricing.ErrDeliveryMethodUnavailable):
			verr.Add("delivery_method_id", "delivery method is unavailable")
		default:
			return nil, errors.Wrap(err, "price cart")
		}
		return nil, verr
	}
	if priced.DiscountError != nil {
		verr.Add("discount_code", priced.DiscountError.Error())
		return nil, verr
	}

	now := a.now()
	o, inv := a.build(req, priced, now)

	err = a.orders.Create(ctx, CreateParams{
		Order:          o,
		Invoice:        inv,
		IdempotencyKey: IdempotencyKey(req, lines),
		ExpiresAt:      now.Add(a.window),
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		return nil, err
	case errors.Is(err, discount.ErrUsageLimitReached):
		verr.Add("discount_code", err.Error())
		return nil, verr
	default:
		return nil, errors.Wrap(err, "create order")
	}

	zctx.From(ctx).Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("invoice", inv.Number),
		zap.String("final_amount", o.FinalAmount.String()),
	)
	return &Result{Order: o, Invoice: inv, Priced: priced}, nil
}

func (a *Assembler) build(req CheckoutRequest, priced *pricing.PricedCart, now time.Time) (*Order, *Invoice) {
	o := &Order{
		ID:                     a.newID(),
		SubjectID:              req.SubjectID,
		CustomerName:           req.CustomerName,
		CustomerPhone:          req.CustomerPhone,
		CustomerAddress:        req.CustomerAddress,
		DeliveryMethodID:       req.DeliveryMethodID,
		GatewayID:              req.GatewayID,
		Amount:                 priced.OriginalSubtotal,
		DiscountAmount:         priced.DiscountAmount,
		CampaignDiscountAmount: priced.CampaignDiscountTotal,
		DeliveryFee:            priced.DeliveryFee,
		FinalAmount:            priced.FinalAmount,
		Status:                 StatusPending,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if priced.Discount != nil {
		o.DiscountCode = priced.Discount.Code
	}

	invID := a.newID()
	inv := &Invoice{
		ID:                     invID,
		OrderID:                o.ID,
		Number:                 InvoiceNumber(invID, now),
		Lines:                  make([]InvoiceLine, len(priced.Lines)),
		Amount:                 o.Amount,
		CampaignDiscountAmount: o.CampaignDiscountAmount,
		DiscountAmount:         o.DiscountAmount,
		DiscountCode:           o.DiscountCode,
		DeliveryFee:            o.DeliveryFee,
		FinalAmount:            o.FinalAmount,
		IssuedAt:               now,
	}
	if priced.DeliveryMethod != nil {
		inv.DeliveryTitle = priced.DeliveryMethod.Title
	}
	for i, l := range priced.Lines {
		inv.Lines[i] = InvoiceLine{
			ProductID:    l.ProductID,
			ColorID:      l.Variant.ColorID,
			SizeID:       l.Variant.SizeID,
			Name:         l.Name,
			Quantity:     l.Quantity,
			CatalogPrice: l.CatalogPrice.String(),
			UnitPrice:    l.UnitPrice.String(),
			CampaignID:   l.CampaignID,
			Total:        l.Total.String(),
		}
	}
	return o, inv
}

// InvoiceNumber renders a human readable invoice number such as
// INV-20250615-1A2B3C4D.
func InvoiceNumber(invoiceID string, issued time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(invoiceID, "-", ""))
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("INV-%s-%s", issued.UTC().Format("20060102"), suffix)
}

// IdempotencyKey derives the checkout attempt identity from the subject, the
// cart contents and the customer's selections.
func IdempotencyKey(req CheckoutRequest, lines []cart.Line) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(req.SubjectID)
	for _, l := range sortedLines(lines) {
		write(fmt.Sprintf("%s=%d", l.Key(), l.Quantity))
	}
	write(req.CustomerPhone)
	write(req.DeliveryMethodID)
	write(discount.Normalize(req.DiscountCode))
	write(req.GatewayID)
	return hex.EncodeToString(h.Sum(nil))
}

func sortedLines(lines []cart.Line) []cart.Line {
	out := make([]cart.Line, len(lines))
	copy(out, lines)
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func normalize(req CheckoutRequest) CheckoutRequest {
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerPhone = strings.Join(strings.Fields(req.CustomerPhone), "")
	req.CustomerAddress = strings.TrimSpace(req.CustomerAddress)
	req.DeliveryMethodID = strings.TrimSpace(req.DeliveryMethodID)
	req.GatewayID = strings.TrimSpace(req.GatewayID)
	req.DiscountCode = discount.Normalize(req.DiscountCode)
	return req
}

func validateContact(verr *ValidationError, req CheckoutRequest) {
	if req.CustomerName == "" {
		verr.Add("customer_name", "name is required")
	}
	switch {
	case req.CustomerPhone == "":
		verr.Add("customer_phone", "phone is required")
	case !phonePattern.MatchString(req.CustomerPhone):
		verr.Add("customer_phone", "phone is invalid")
	}
	if req.CustomerAddress == "" {
		verr.Add("customer_address", "address is required")
	}
}
