//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("kart"),
		tcpostgres.WithUsername("kart"),
		tcpostgres.WithPassword("kart"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))

	_, err = pool.Exec(ctx, `INSERT INTO delivery_methods (id, title, fee) VALUES ('post', 'Post', 20000)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO discount_codes (code, type, value, max_uses) VALUES ('ONCE', 'amount', 1000, 1)`)
	require.NoError(t, err)
	return pool
}

func newCreateParams(key, code string, now time.Time) order.CreateParams {
	id := uuid.NewString()
	return order.CreateParams{
		Order: &order.Order{
			ID: id, SubjectID: "s-1", CustomerName: "Ana", CustomerPhone: "+4912345678",
			CustomerAddress: "Street 1", DeliveryMethodID: "post", GatewayID: "zarinpal",
			DiscountCode: code, Amount: decimal.NewFromInt(100000), DeliveryFee: decimal.NewFromInt(20000),
			FinalAmount: decimal.NewFromInt(120000), Status: order.StatusPending,
			CreatedAt: now, UpdatedAt: now,
		},
		Invoice: &order.Invoice{
			ID: uuid.NewString(), Number: order.InvoiceNumber(id, now),
			Lines:    []order.InvoiceLine{{ProductID: "shirt", Name: "Shirt", Quantity: 1, Total: "100000"}},
			Amount:   decimal.NewFromInt(100000), DeliveryFee: decimal.NewFromInt(20000),
			FinalAmount: decimal.NewFromInt(120000), IssuedAt: now,
		},
		IdempotencyKey: key,
		ExpiresAt:      now.Add(time.Minute),
	}
}

func TestOrderRepository_ConcurrentCheckoutCreatesOneOrder(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewOrderRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Create(ctx, newCreateParams("same-key", "", now))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case assert.ErrorIs(t, err, order.ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, n-1, conflicts)
}

func TestOrderRepository_ExpiredClaimIsReplaced(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewOrderRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, repo.Create(ctx, newCreateParams("k", "", now)))

	later := newCreateParams("k", "", now.Add(2*time.Minute))
	require.NoError(t, repo.Create(ctx, later))

	got, err := repo.FindByReference(ctx, later.Invoice.Number)
	require.NoError(t, err)
	assert.Equal(t, later.Order.ID, got.ID)
}

func TestOrderRepository_DiscountUsedOnce(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewOrderRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, repo.Create(ctx, newCreateParams("a", "ONCE", now)))
	err := repo.Create(ctx, newCreateParams("b", "ONCE", now))
	assert.ErrorIs(t, err, discount.ErrUsageLimitReached)

	rule, err := NewDiscountRepository(pool).FindByCode(ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, 1, rule.Uses)
}

func TestPaymentRepository_ConcurrentConfirmAppliesOnce(t *testing.T) {
	pool := setupTestDB(t)
	orders := NewOrderRepository(pool)
	payments := NewPaymentRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	p := newCreateParams("pay", "", now)
	require.NoError(t, orders.Create(ctx, p))

	tx := &payment.Transaction{
		ID: uuid.NewString(), OrderID: p.Order.ID, InvoiceID: p.Invoice.ID, GatewayID: "zarinpal",
		GatewayType: payment.TypeHostedRedirect, Status: payment.StatusInitiated,
		Amount: p.Order.FinalAmount, Reference: "A0001", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, payments.Create(ctx, tx))

	const n = 6
	outcomes := make([]payment.ConfirmOutcome, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := payments.Confirm(ctx, payment.ConfirmParams{
				TransactionID: tx.ID, From: payment.StatusInitiated, OrderID: p.Order.ID,
				SettlementReference: "S1", VerifiedAt: now,
			})
			assert.NoError(t, err)
			outcomes[i] = out
		}()
	}
	wg.Wait()

	applied := 0
	for _, out := range outcomes {
		if out == payment.ConfirmApplied {
			applied++
		} else {
			assert.Equal(t, payment.ConfirmAlreadyApplied, out)
		}
	}
	assert.Equal(t, 1, applied)

	o, err := orders.Get(ctx, p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.Equal(t, "S1", o.PaymentReference)
}
