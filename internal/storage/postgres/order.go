package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

const (
	// claimAttemptSQL takes the idempotency key when it is free or its
	// previous claim has expired. No row is returned while a claim is live.
	claimAttemptSQL = `INSERT INTO checkout_attempts (idempotency_key, order_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) DO UPDATE
			SET order_id = EXCLUDED.order_id, expires_at = EXCLUDED.expires_at
			WHERE checkout_attempts.expires_at <= $4
		RETURNING order_id::text`

	getAttemptSQL = `SELECT order_id::text FROM checkout_attempts WHERE idempotency_key = $1`

	insertOrderSQL = `INSERT INTO orders (id, subject_id, customer_name, customer_phone,
		customer_address, delivery_method_id, gateway_id, discount_code, amount,
		discount_amount, campaign_discount_amount, delivery_fee, final_amount, status,
		payment_reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	insertInvoiceSQL = `INSERT INTO invoices (id, order_id, number, lines, amount,
		campaign_discount_amount, discount_amount, discount_code, delivery_title,
		delivery_fee, final_amount, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	orderColumns = `o.id::text, o.subject_id, o.customer_name, o.customer_phone,
		o.customer_address, o.delivery_method_id, o.gateway_id, o.discount_code, o.amount,
		o.discount_amount, o.campaign_discount_amount, o.delivery_fee, o.final_amount,
		o.status, o.payment_reference, o.created_at, o.updated_at`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders o WHERE o.id::text = $1`

	findOrderByReferenceSQL = `SELECT ` + orderColumns + `
		FROM orders o LEFT JOIN invoices i ON i.order_id = o.id
		WHERE o.id::text = $1 OR i.id::text = $1 OR i.number = $1
		LIMIT 1`

	getInvoiceSQL = `SELECT id::text, order_id::text, number, lines, amount,
		campaign_discount_amount, discount_amount, discount_code, delivery_title,
		delivery_fee, final_amount, issued_at
		FROM invoices WHERE order_id::text = $1`

	updateOrderStatusSQL = `UPDATE orders SET status = $3, updated_at = $4
		WHERE id::text = $1 AND status = $2`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	db  DB
	now func() time.Time
}

// NewOrderRepository returns an OrderRepository that uses the given connection.
func NewOrderRepository(db DB) *OrderRepository {
	return &OrderRepository{db: db, now: time.Now}
}

// Create writes the checkout attempt claim, the order, its invoice and the
// discount code usage in one transaction.
func (r *OrderRepository) Create(ctx context.Context, p order.CreateParams) error {
	o, inv := p.Order, p.Invoice

	lines, err := json.Marshal(inv.Lines)
	if err != nil {
		return fmt.Errorf("marshalling invoice lines: %w", err)
	}

	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		var claimed string
		err := tx.QueryRow(ctx, claimAttemptSQL, p.IdempotencyKey, o.ID, p.ExpiresAt, o.CreatedAt).Scan(&claimed)
		if errors.Is(err, pgx.ErrNoRows) {
			var existing string
			if err := tx.QueryRow(ctx, getAttemptSQL, p.IdempotencyKey).Scan(&existing); err != nil {
				return fmt.Errorf("reading checkout attempt: %w", err)
			}
			return &order.ConflictError{OrderID: existing}
		}
		if err != nil {
			return fmt.Errorf("claiming checkout attempt: %w", err)
		}

		_, err = tx.Exec(ctx, insertOrderSQL,
			o.ID, o.SubjectID, o.CustomerName, o.CustomerPhone, o.CustomerAddress,
			o.DeliveryMethodID, o.GatewayID, o.DiscountCode, o.Amount, o.DiscountAmount,
			o.CampaignDiscountAmount, o.DeliveryFee, o.FinalAmount, string(o.Status),
			o.PaymentReference, o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting order %s: %w", o.ID, err)
		}

		_, err = tx.Exec(ctx, insertInvoiceSQL,
			inv.ID, o.ID, inv.Number, lines, inv.Amount, inv.CampaignDiscountAmount,
			inv.DiscountAmount, inv.DiscountCode, inv.DeliveryTitle, inv.DeliveryFee,
			inv.FinalAmount, inv.IssuedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting invoice %s: %w", inv.Number, err)
		}

		if o.DiscountCode == "" {
			return nil
		}
		return claimDiscountUse(ctx, tx, o.DiscountCode)
	})
}

// Get returns an order by id.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.queryOrder(ctx, getOrderSQL, id)
}

// FindByReference resolves an order id, invoice id or invoice number.
func (r *OrderRepository) FindByReference(ctx context.Context, ref string) (*order.Order, error) {
	return r.queryOrder(ctx, findOrderByReferenceSQL, ref)
}

func (r *OrderRepository) queryOrder(ctx context.Context, sql, arg string) (*order.Order, error) {
	rows, err := r.db.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}
	return &o, nil
}

// GetInvoice returns the invoice issued for an order.
func (r *OrderRepository) GetInvoice(ctx context.Context, orderID string) (*order.Invoice, error) {
	var (
		inv   order.Invoice
		lines []byte
	)
	err := r.db.QueryRow(ctx, getInvoiceSQL, orderID).Scan(
		&inv.ID, &inv.OrderID, &inv.Number, &lines, &inv.Amount,
		&inv.CampaignDiscountAmount, &inv.DiscountAmount, &inv.DiscountCode,
		&inv.DeliveryTitle, &inv.DeliveryFee, &inv.FinalAmount, &inv.IssuedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting invoice for order %q: %w", orderID, err)
	}
	if err := json.Unmarshal(lines, &inv.Lines); err != nil {
		return nil, fmt.Errorf("decoding invoice lines: %w", err)
	}
	return &inv, nil
}

// UpdateStatus moves an order from one status to another.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to order.Status) error {
	tag, err := r.db.Exec(ctx, updateOrderStatusSQL, id, string(from), string(to), r.now())
	if err != nil {
		return fmt.Errorf("updating order %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return order.ErrStaleStatus
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(
		&o.ID, &o.SubjectID, &o.CustomerName, &o.CustomerPhone, &o.CustomerAddress,
		&o.DeliveryMethodID, &o.GatewayID, &o.DiscountCode, &o.Amount, &o.DiscountAmount,
		&o.CampaignDiscountAmount, &o.DeliveryFee, &o.FinalAmount, &status,
		&o.PaymentReference, &o.CreatedAt, &o.UpdatedAt,
	)
	o.Status = order.Status(status)
	return o, err
}
