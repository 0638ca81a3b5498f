package order

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/catalog"
	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type mockCarts struct {
	lines []cart.Line
	err   error
}

func (m *mockCarts) Read(context.Context, string) ([]cart.Line, error) {
	return m.lines, m.err
}

type mockPricer struct {
	priced *pricing.PricedCart
	err    error
	calls  int
}

func (m *mockPricer) Price(context.Context, pricing.Request) (*pricing.PricedCart, error) {
	m.calls++
	return m.priced, m.err
}

type mockGateways map[string]bool

func (m mockGateways) RequiresEvidence(id string) (bool, error) {
	manual, ok := m[id]
	if !ok {
		return false, errors.New("unknown gateway")
	}
	return manual, nil
}

type claim struct {
	orderID   string
	expiresAt time.Time
}

// memRepo mimics the checkout_attempts claim of the postgres repository.
type memRepo struct {
	mu        sync.Mutex
	now       func() time.Time
	orders    map[string]*Order
	invoices  map[string]*Invoice
	claims    map[string]claim
	createErr error
	creates   int
}

func newMemRepo() *memRepo {
	return &memRepo{
		now:      func() time.Time { return fixedNow },
		orders:   make(map[string]*Order),
		invoices: make(map[string]*Invoice),
		claims:   make(map[string]claim),
	}
}

func (m *memRepo) Create(_ context.Context, p CreateParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.createErr != nil {
		return m.createErr
	}
	if c, ok := m.claims[p.IdempotencyKey]; ok && c.expiresAt.After(m.now()) {
		return &ConflictError{OrderID: c.orderID}
	}
	m.claims[p.IdempotencyKey] = claim{orderID: p.Order.ID, expiresAt: p.ExpiresAt}
	o := *p.Order
	m.orders[o.ID] = &o
	inv := *p.Invoice
	m.invoices[o.ID] = &inv
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memRepo) FindByReference(ctx context.Context, ref string) (*Order, error) {
	return m.Get(ctx, ref)
}

func (m *memRepo) GetInvoice(_ context.Context, orderID string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return inv, nil
}

func (m *memRepo) UpdateStatus(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != from {
		return ErrStaleStatus
	}
	o.Status = to
	return nil
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func pricedFixture() *pricing.PricedCart {
	return &pricing.PricedCart{
		Lines: []pricing.PricedLine{{
			Key: "A", ProductID: "A", Name: "Kart helmet", Quantity: 2,
			CatalogPrice: d("100000"), UnitPrice: d("90000"), CampaignID: "summer",
			CampaignDiscount: d("20000"), Total: d("180000"),
		}},
		OriginalSubtotal:      d("200000"),
		CampaignDiscountTotal: d("20000"),
		Subtotal:              d("180000"),
		Discount:              &discount.Discount{Code: "SAVE10000", Type: discount.TypeAmount, Amount: d("10000")},
		DiscountAmount:        d("10000"),
		DeliveryMethod:        &catalog.DeliveryMethod{ID: "pickup", Title: "Pickup", Active: true},
		DeliveryFee:           decimal.Zero,
		DeliveryLabel:         pricing.PayOnDeliveryLabel,
		FinalAmount:           d("170000"),
	}
}

func validRequest() CheckoutRequest {
	return CheckoutRequest{
		SubjectID:        "u1",
		CustomerName:     "Sara Karimi",
		CustomerPhone:    "09121234567",
		CustomerAddress:  "12 Vali Asr St",
		DeliveryMethodID: "pickup",
		DiscountCode:     "save10000",
		GatewayID:        "zarinpal",
	}
}

type fixture struct {
	carts  *mockCarts
	pricer *mockPricer
	repo   *memRepo
	asm    *Assembler
}

func newFixture() *fixture {
	f := &fixture{
		carts:  &mockCarts{lines: []cart.Line{{ProductID: "A", Quantity: 2}}},
		pricer: &mockPricer{priced: pricedFixture()},
		repo:   newMemRepo(),
	}
	f.asm = NewAssembler(f.carts, f.pricer, mockGateways{"zarinpal": false, "card": true}, f.repo, 30*time.Second)
	f.asm.now = func() time.Time { return fixedNow }
	seq := 0
	f.asm.newID = func() string {
		seq++
		return "0000000" + strconv.Itoa(seq) + "-aaaa-bbbb-cccc-dddddddddddd"
	}
	return f
}

func TestAssembler_Assemble(t *testing.T) {
	f := newFixture()

	res, err := f.asm.Assemble(context.Background(), validRequest())
	require.NoError(t, err)

	o := res.Order
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, "u1", o.SubjectID)
	assert.Equal(t, "SAVE10000", o.DiscountCode)
	assert.True(t, d("200000").Equal(o.Amount))
	assert.True(t, d("10000").Equal(o.DiscountAmount))
	assert.True(t, d("20000").Equal(o.CampaignDiscountAmount))
	assert.True(t, d("170000").Equal(o.FinalAmount))
	assert.True(t, pricing.FinalAmount(o.Amount, o.DiscountAmount, o.CampaignDiscountAmount, o.DeliveryFee).Equal(o.FinalAmount))

	inv := res.Invoice
	assert.Equal(t, o.ID, inv.OrderID)
	assert.Equal(t, "INV-20250615-00000002", inv.Number)
	assert.Equal(t, "Pickup", inv.DeliveryTitle)
	require.Len(t, inv.Lines, 1)
	assert.Equal(t, "90000", inv.Lines[0].UnitPrice)
	assert.Equal(t, "summer", inv.Lines[0].CampaignID)

	assert.Len(t, f.repo.orders, 1)
}

func TestAssembler_DuplicateSubmissionCreatesOneOrder(t *testing.T) {
	f := newFixture()

	first, err := f.asm.Assemble(context.Background(), validRequest())
	require.NoError(t, err)

	_, err = f.asm.Assemble(context.Background(), validRequest())
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, first.Order.ID, conflict.OrderID)
	assert.Len(t, f.repo.orders, 1)
}

func TestAssembler_DuplicateAfterWindowCreatesNewOrder(t *testing.T) {
	f := newFixture()

	_, err := f.asm.Assemble(context.Background(), validRequest())
	require.NoError(t, err)

	later := fixedNow.Add(time.Minute)
	f.asm.now = func() time.Time { return later }
	f.repo.now = func() time.Time { return later }

	_, err = f.asm.Assemble(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Len(t, f.repo.orders, 2)
}

func TestAssembler_ValidationBeforePersistence(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*CheckoutRequest, *fixture)
		wantFields []string
	}{
		{
			name:       "missing contact fields",
			mutate:     func(r *CheckoutRequest, _ *fixture) { r.CustomerName, r.CustomerPhone, r.CustomerAddress = " ", "", "" },
			wantFields: []string{"customer_name", "customer_phone", "customer_address"},
		},
		{
			name:       "invalid phone",
			mutate:     func(r *CheckoutRequest, _ *fixture) { r.CustomerPhone = "call me" },
			wantFields: []string{"customer_phone"},
		},
		{
			name:       "no delivery method",
			mutate:     func(r *CheckoutRequest, _ *fixture) { r.DeliveryMethodID = "" },
			wantFields: []string{"delivery_method_id"},
		},
		{
			name:       "no payment method",
			mutate:     func(r *CheckoutRequest, _ *fixture) { r.GatewayID = "" },
			wantFields: []string{"gateway_id"},
		},
		{
			name:       "unknown payment method",
			mutate:     func(r *CheckoutRequest, _ *fixture) { r.GatewayID = "paypal" },
			wantFields: []string{"gateway_id"},
		},
		{
			name:       "manual gateway without receipt",
			mutate:     func(r *CheckoutRequest, _ *fixture) { r.GatewayID = "card" },
			wantFields: []string{"receipt"},
		},
		{
			name:       "empty cart",
			mutate:     func(_ *CheckoutRequest, f *fixture) { f.carts.lines = nil },
			wantFields: []string{"cart"},
		},
		{
			name: "rejected discount code",
			mutate: func(_ *CheckoutRequest, f *fixture) {
				p := pricedFixture()
				p.Discount, p.DiscountAmount, p.DiscountError = nil, decimal.Zero, discount.ErrMinimumNotMet
				f.pricer.priced = p
			},
			wantFields: []string{"discount_code"},
		},
		{
			name:       "product gone",
			mutate:     func(_ *CheckoutRequest, f *fixture) { f.pricer.err = &pricing.ProductUnavailableError{ProductID: "A"} },
			wantFields: []string{"cart"},
		},
		{
			name:       "delivery method unavailable",
			mutate:     func(_ *CheckoutRequest, f *fixture) { f.pricer.err = pricing.ErrDeliveryMethodUnavailable },
			wantFields: []string{"delivery_method_id"},
		},
		{
			name:       "usage exhausted at commit",
			mutate:     func(_ *CheckoutRequest, f *fixture) { f.repo.createErr = errors.Wrap(discount.ErrUsageLimitReached, "SAVE10000") },
			wantFields: []string{"discount_code"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := validRequest()
			tt.mutate(&req, f)

			res, err := f.asm.Assemble(context.Background(), req)
			require.Nil(t, res)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			for _, field := range tt.wantFields {
				assert.Contains(t, verr.Fields, field)
			}
			assert.Len(t, verr.Fields, len(tt.wantFields))
			assert.Empty(t, f.repo.orders)
		})
	}
}

func TestAssembler_ManualGatewayWithReceipt(t *testing.T) {
	f := newFixture()
	req := validRequest()
	req.GatewayID = "card"
	req.HasReceipt = true

	res, err := f.asm.Assemble(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "card", res.Order.GatewayID)
}

func TestAssembler_InfrastructureErrors(t *testing.T) {
	t.Run("cart read", func(t *testing.T) {
		f := newFixture()
		f.carts.err = errors.New("redis down")
		_, err := f.asm.Assemble(context.Background(), validRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read cart")
	})
	t.Run("pricing", func(t *testing.T) {
		f := newFixture()
		f.pricer.err = errors.New("db down")
		_, err := f.asm.Assemble(context.Background(), validRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "price cart")
	})
	t.Run("persistence", func(t *testing.T) {
		f := newFixture()
		f.repo.createErr = errors.New("deadlock")
		_, err := f.asm.Assemble(context.Background(), validRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "create order")
	})
}

func TestIdempotencyKey(t *testing.T) {
	req := validRequest()
	a := []cart.Line{{ProductID: "A", Quantity: 2}, {ProductID: "B", Quantity: 1}}
	b := []cart.Line{{ProductID: "B", Quantity: 1}, {ProductID: "A", Quantity: 2}}

	assert.Equal(t, IdempotencyKey(req, a), IdempotencyKey(req, b))

	changed := []cart.Line{{ProductID: "A", Quantity: 3}, {ProductID: "B", Quantity: 1}}
	assert.NotEqual(t, IdempotencyKey(req, a), IdempotencyKey(req, changed))

	other := req
	other.GatewayID = "card"
	assert.NotEqual(t, IdempotencyKey(req, a), IdempotencyKey(other, a))
}

func TestInvoiceNumber(t *testing.T) {
	got := InvoiceNumber("1a2b3c4d-5e6f-7081-92a3-b4c5d6e7f809", fixedNow)
	assert.Equal(t, "INV-20250615-1A2B3C4D", got)
}
