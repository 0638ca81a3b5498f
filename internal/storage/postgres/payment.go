package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

const (
	txColumns = `id::text, order_id::text, invoice_id, gateway_id, gateway_type, status,
		amount, reference, receipt_reference, settlement_reference, review_status,
		failure_reason, created_at, updated_at, verified_at`

	insertTransactionSQL = `INSERT INTO payment_transactions (id, order_id, invoice_id,
		gateway_id, gateway_type, status, amount, reference, receipt_reference,
		settlement_reference, review_status, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	getTransactionSQL = `SELECT ` + txColumns + ` FROM payment_transactions WHERE id::text = $1`

	findTransactionByReferenceSQL = `SELECT ` + txColumns + `
		FROM payment_transactions WHERE gateway_id = $1 AND reference = $2`

	listTransactionsByOrderSQL = `SELECT ` + txColumns + `
		FROM payment_transactions WHERE order_id::text = $1 ORDER BY created_at, id`

	markTransactionFailedSQL = `UPDATE payment_transactions
		SET status = 'failed', failure_reason = $3, updated_at = $4
		WHERE id::text = $1 AND status = $2`

	lockTransactionSQL = `SELECT status FROM payment_transactions WHERE id::text = $1 FOR UPDATE`

	lockOrderSQL = `SELECT status FROM orders WHERE id::text = $1 FOR UPDATE`

	verifyTransactionSQL = `UPDATE payment_transactions
		SET status = 'verified', settlement_reference = $2,
			receipt_reference = CASE WHEN $3 = '' THEN receipt_reference ELSE $3 END,
			review_status = $4, verified_at = $5, updated_at = $5
		WHERE id::text = $1`

	confirmOrderSQL = `UPDATE orders SET status = 'confirmed', payment_reference = $2, updated_at = $3
		WHERE id::text = $1 AND status = 'pending'`

	setReviewSQL = `UPDATE payment_transactions SET review_status = $3, updated_at = $4
		WHERE id::text = $1 AND status = 'verified' AND review_status = $2`

	orderNotPendingReason = "order no longer pending"
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository backed by PostgreSQL.
type PaymentRepository struct {
	db  DB
	now func() time.Time
}

// NewPaymentRepository returns a PaymentRepository that uses the given connection.
func NewPaymentRepository(db DB) *PaymentRepository {
	return &PaymentRepository{db: db, now: time.Now}
}

// Create inserts a new transaction.
func (r *PaymentRepository) Create(ctx context.Context, t *payment.Transaction) error {
	_, err := r.db.Exec(ctx, insertTransactionSQL,
		t.ID, t.OrderID, t.InvoiceID, t.GatewayID, string(t.GatewayType), string(t.Status),
		t.Amount, t.Reference, t.ReceiptReference, t.SettlementReference,
		string(t.ReviewStatus), t.FailureReason, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting payment transaction %s: %w", t.ID, err)
	}
	return nil
}

// Get returns a transaction by id.
func (r *PaymentRepository) Get(ctx context.Context, id string) (*payment.Transaction, error) {
	return r.queryOne(ctx, getTransactionSQL, id)
}

// FindByReference returns the transaction a gateway knows under reference.
func (r *PaymentRepository) FindByReference(ctx context.Context, gatewayID, reference string) (*payment.Transaction, error) {
	return r.queryOne(ctx, findTransactionByReferenceSQL, gatewayID, reference)
}

func (r *PaymentRepository) queryOne(ctx context.Context, sql string, args ...any) (*payment.Transaction, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("getting payment transaction: %w", err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTransaction)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("getting payment transaction: %w", err)
	}
	return &t, nil
}

// ListByOrder returns every transaction of an order, oldest first.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]payment.Transaction, error) {
	rows, err := r.db.Query(ctx, listTransactionsByOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing payment transactions of order %s: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanTransaction)
}

// MarkFailed closes a transaction still in from.
func (r *PaymentRepository) MarkFailed(ctx context.Context, id string, from payment.Status, reason string) error {
	tag, err := r.db.Exec(ctx, markTransactionFailedSQL, id, string(from), reason, r.now())
	if err != nil {
		return fmt.Errorf("failing payment transaction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrStaleTransaction
	}
	return nil
}

// Confirm locks the transaction row and then the order row, so concurrent
// confirmations of the same transaction or order apply at most once.
func (r *PaymentRepository) Confirm(ctx context.Context, p payment.ConfirmParams) (payment.ConfirmOutcome, error) {
	var outcome payment.ConfirmOutcome
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		var txStatus string
		if err := tx.QueryRow(ctx, lockTransactionSQL, p.TransactionID).Scan(&txStatus); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return payment.ErrTransactionNotFound
			}
			return fmt.Errorf("locking payment transaction %s: %w", p.TransactionID, err)
		}
		switch payment.Status(txStatus) {
		case payment.StatusVerified:
			outcome = payment.ConfirmAlreadyApplied
			return nil
		case p.From:
		default:
			return payment.ErrStaleTransaction
		}

		var orderStatus string
		if err := tx.QueryRow(ctx, lockOrderSQL, p.OrderID).Scan(&orderStatus); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return order.ErrNotFound
			}
			return fmt.Errorf("locking order %s: %w", p.OrderID, err)
		}

		if order.Status(orderStatus) != order.StatusPending {
			if _, err := tx.Exec(ctx, markTransactionFailedSQL, p.TransactionID, txStatus, orderNotPendingReason, p.VerifiedAt); err != nil {
				return fmt.Errorf("failing payment transaction %s: %w", p.TransactionID, err)
			}
			outcome = payment.ConfirmOrderNotPending
			return nil
		}

		if _, err := tx.Exec(ctx, verifyTransactionSQL,
			p.TransactionID, p.SettlementReference, p.ReceiptReference, string(p.ReviewStatus), p.VerifiedAt,
		); err != nil {
			return fmt.Errorf("verifying payment transaction %s: %w", p.TransactionID, err)
		}
		if _, err := tx.Exec(ctx, confirmOrderSQL, p.OrderID, p.SettlementReference, p.VerifiedAt); err != nil {
			return fmt.Errorf("confirming order %s: %w", p.OrderID, err)
		}
		outcome = payment.ConfirmApplied
		return nil
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// Review updates the review status and, for a rejection, cancels the order.
// Both writes commit together or not at all.
func (r *PaymentRepository) Review(ctx context.Context, p payment.ReviewParams) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, setReviewSQL, p.TransactionID, string(p.From), string(p.To), p.ReviewedAt)
		if err != nil {
			return fmt.Errorf("reviewing payment transaction %s: %w", p.TransactionID, err)
		}
		if tag.RowsAffected() == 0 {
			return payment.ErrStaleTransaction
		}
		if !p.CancelOrder {
			return nil
		}

		var status string
		if err := tx.QueryRow(ctx, lockOrderSQL, p.OrderID).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return order.ErrNotFound
			}
			return fmt.Errorf("locking order %s: %w", p.OrderID, err)
		}
		if !order.Status(status).CanTransitionTo(order.StatusCancelled) {
			return nil
		}
		if _, err := tx.Exec(ctx, updateOrderStatusSQL,
			p.OrderID, status, string(order.StatusCancelled), p.ReviewedAt,
		); err != nil {
			return fmt.Errorf("cancelling order %s: %w", p.OrderID, err)
		}
		return nil
	})
}

func scanTransaction(row pgx.CollectableRow) (payment.Transaction, error) {
	var (
		t           payment.Transaction
		gatewayType string
		status      string
		review      string
	)
	err := row.Scan(
		&t.ID, &t.OrderID, &t.InvoiceID, &t.GatewayID, &gatewayType, &status,
		&t.Amount, &t.Reference, &t.ReceiptReference, &t.SettlementReference, &review,
		&t.FailureReason, &t.CreatedAt, &t.UpdatedAt, &t.VerifiedAt,
	)
	t.GatewayType = payment.Type(gatewayType)
	t.Status = payment.Status(status)
	t.ReviewStatus = payment.ReviewStatus(review)
	return t, err
}
