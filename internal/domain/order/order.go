package order

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when an order or invoice does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrConflict is returned when a checkout attempt with the same
	// idempotency key is still inside its window.
	ErrConflict = errors.New("checkout already processing")
	// ErrInvalidTransition is returned for status changes the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStaleStatus is returned when a conditional status update lost a race.
	ErrStaleStatus = errors.New("order status changed concurrently")
	// ErrFulfillmentBlocked is returned when an order cannot enter processing
	// because its payment evidence has not been approved.
	ErrFulfillmentBlocked = errors.New("payment evidence not approved")
)

// ConflictError carries the order created by the in-flight attempt.
type ConflictError struct {
	OrderID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("checkout already processing as order %s", e.OrderID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ValidationError is a set of user-correctable problems keyed by field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a problem for field if none is recorded yet.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

// Err returns e when it holds any field, nil otherwise.
func (e *ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Order is a priced, persisted checkout. Only Status and PaymentReference
// change after creation.
type Order struct {
	ID                     string
	SubjectID              string
	CustomerName           string
	CustomerPhone          string
	CustomerAddress        string
	DeliveryMethodID       string
	GatewayID              string
	DiscountCode           string
	Amount                 decimal.Decimal
	DiscountAmount         decimal.Decimal
	CampaignDiscountAmount decimal.Decimal
	DeliveryFee            decimal.Decimal
	FinalAmount            decimal.Decimal
	Status                 Status
	PaymentReference       string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Invoice is the immutable record of what was sold and at which prices.
type Invoice struct {
	ID                     string
	OrderID                string
	Number                 string
	Lines                  []InvoiceLine
	Amount                 decimal.Decimal
	CampaignDiscountAmount decimal.Decimal
	DiscountAmount         decimal.Decimal
	DiscountCode           string
	DeliveryTitle          string
	DeliveryFee            decimal.Decimal
	FinalAmount            decimal.Decimal
	IssuedAt               time.Time
}

// InvoiceLine is a snapshot of one priced cart line.
type InvoiceLine struct {
	ProductID    string `json:"product_id"`
	ColorID      string `json:"color_id,omitempty"`
	SizeID       string `json:"size_id,omitempty"`
	Name         string `json:"name"`
	Quantity     int    `json:"quantity"`
	CatalogPrice string `json:"catalog_price"`
	UnitPrice    string `json:"unit_price"`
	CampaignID   string `json:"campaign_id,omitempty"`
	Total        string `json:"total"`
}

// CreateParams is everything written in the order-creation transaction.
type CreateParams struct {
	Order          *Order
	Invoice        *Invoice
	IdempotencyKey string
	ExpiresAt      time.Time
}

// Repository defines persistence operations for orders and invoices.
type Repository interface {
	// Create claims the idempotency key and writes the order, its invoice and
	// the discount code usage atomically. An unexpired claim returns *ConflictError.
	Create(ctx context.Context, p CreateParams) error
	Get(ctx context.Context, id string) (*Order, error)
	// FindByReference resolves an order id, invoice id or invoice number.
	FindByReference(ctx context.Context, ref string) (*Order, error)
	GetInvoice(ctx context.Context, orderID string) (*Invoice, error)
	// UpdateStatus moves the order from one status to another and returns
	// ErrStaleStatus when the order is no longer in from.
	UpdateStatus(ctx context.Context, id string, from, to Status) error
}
