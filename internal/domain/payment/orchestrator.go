package payment

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

// OrderStore is the subset of order persistence the orchestrator drives.
type OrderStore interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

// CartClearer empties a subject's cart once payment is confirmed.
type CartClearer interface {
	Clear(ctx context.Context, subject string) error
}

// Options configures an Orchestrator.
type Options struct {
	Gateways     *Registry
	Transactions Repository
	Orders       OrderStore
	Carts        CartClearer
	Receipts     ReceiptStore
	// PublicURL is the externally reachable base for gateway callbacks.
	PublicURL string

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Orchestrator drives orders through gateway initiation, verification and
// settlement.
type Orchestrator struct {
	gateways  *Registry
	txs       Repository
	orders    OrderStore
	carts     CartClearer
	receipts  ReceiptStore
	publicURL string

	tracer       trace.Tracer
	transactions metric.Int64Counter

	now   func() time.Time
	newID func() string
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.TracerProvider == nil {
		opts.TracerProvider = tracenoop.NewTracerProvider()
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = metricnoop.NewMeterProvider()
	}
	meter := opts.MeterProvider.Meter("kart-checkout/payment")
	transactions, err := meter.Int64Counter("payment.transactions",
		metric.WithDescription("Payment transactions by gateway and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create payment.transactions counter")
	}

	return &Orchestrator{
		gateways:     opts.Gateways,
		txs:          opts.Transactions,
		orders:       opts.Orders,
		carts:        opts.Carts,
		receipts:     opts.Receipts,
		publicURL:    strings.TrimRight(opts.PublicURL, "/"),
		tracer:       opts.TracerProvider.Tracer("kart-checkout/payment"),
		transactions: transactions,
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}, nil
}

// InitiateInput selects the order and gateway to pay with.
type InitiateInput struct {
	OrderID   string
	// GatewayID overrides the gateway chosen at checkout when set.
	GatewayID string
	InvoiceID string
	Evidence  *Evidence
}

// InitiateResult tells the client where to go next.
type InitiateResult struct {
	Transaction  *Transaction
	RedirectURL  string
	Instructions string
}

// Initiate opens a payment for a pending order. A failed gateway call
// persists nothing and may be retried freely.
func (o *Orchestrator) Initiate(ctx context.Context, in InitiateInput) (_ *InitiateResult, rerr error) {
	ctx, span := o.tracer.Start(ctx, "payment.Initiate",
		trace.WithAttributes(attribute.String("order.id", in.OrderID)),
	)
	defer func() { endSpan(span, rerr) }()

	ord, err := o.orders.Get(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	gatewayID := in.GatewayID
	if gatewayID == "" {
		gatewayID = ord.GatewayID
	}
	gw, err := o.gateways.Get(gatewayID)
	if err != nil {
		return nil, &order.ValidationError{Fields: map[string]string{"gateway_id": "unknown payment method"}}
	}
	span.SetAttributes(attribute.String("gateway.id", gw.ID()))

	if ord.Status != order.StatusPending {
		return nil, errors.Wrapf(ErrOrderNotPending, "order %s is %s", ord.ID, ord.Status)
	}
	if gw.RequiresEvidence() && in.Evidence == nil {
		return nil, &order.ValidationError{Fields: map[string]string{"receipt": "payment receipt is required for this payment method"}}
	}

	txID := o.newID()
	init, err := gw.Initiate(ctx, InitiateRequest{
		TransactionID: txID,
		OrderID:       ord.ID,
		Amount:        ord.FinalAmount,
		CallbackURL:   o.publicURL + "/api/payments/callback/" + url.PathEscape(gw.ID()),
		CustomerName:  ord.CustomerName,
		CustomerPhone: ord.CustomerPhone,
		Description:   "Order " + ord.ID,
	})
	if err != nil {
		o.record(ctx, gw.ID(), "initiate_failed")
		return nil, &GatewayError{Gateway: gw.ID(), Op: "initiate", Err: err}
	}

	now := o.now()
	tx := &Transaction{
		ID:          txID,
		OrderID:     ord.ID,
		InvoiceID:   in.InvoiceID,
		GatewayID:   gw.ID(),
		GatewayType: gw.Type(),
		Status:      StatusInitiated,
		Amount:      ord.FinalAmount,
		Reference:   init.Reference,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if init.AwaitingEvidence {
		tx.Status = StatusAwaitingEvidence
	}
	if tx.Reference == "" {
		tx.Reference = txID
	}
	if err := o.txs.Create(ctx, tx); err != nil {
		return nil, errors.Wrap(err, "create transaction")
	}
	o.record(ctx, gw.ID(), string(tx.Status))
	zctx.From(ctx).Info("Payment initiated",
		zap.String("order_id", ord.ID),
		zap.String("transaction_id", tx.ID),
		zap.String("gateway", gw.ID()),
		zap.String("status", string(tx.Status)),
	)

	res := &InitiateResult{
		Transaction:  tx,
		RedirectURL:  init.RedirectURL,
		Instructions: init.Instructions,
	}
	if in.Evidence != nil && tx.Status == StatusAwaitingEvidence {
		verified, err := o.SubmitEvidence(ctx, tx.ID, *in.Evidence)
		if err != nil {
			return nil, errors.Wrap(err, "submit evidence")
		}
		res.Transaction = verified
	}
	return res, nil
}

// CallbackResult is the outcome of a hosted gateway callback.
type CallbackResult struct {
	Transaction *Transaction
	// Applied is false when the callback repeated an already applied settlement.
	Applied bool
}

// HandleCallback reconciles a hosted gateway callback with its open
// transaction. Anything inconsistent fails closed and leaves the order pending.
func (o *Orchestrator) HandleCallback(ctx context.Context, gatewayID string, values url.Values) (_ *CallbackResult, rerr error) {
	ctx, span := o.tracer.Start(ctx, "payment.HandleCallback",
		trace.WithAttributes(attribute.String("gateway.id", gatewayID)),
	)
	defer func() { endSpan(span, rerr) }()
	lg := zctx.From(ctx).With(zap.String("gateway", gatewayID))

	gw, err := o.gateways.Get(gatewayID)
	if err != nil {
		return nil, err
	}
	parser, ok := gw.(CallbackParser)
	if !ok {
		return nil, ErrCallbackUnsupported
	}
	cb, err := parser.ParseCallback(values)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidCallback, err.Error())
	}

	tx, err := o.txs.FindByReference(ctx, gw.ID(), cb.Reference)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			lg.Warn("Callback for unknown reference", zap.String("reference", cb.Reference))
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("transaction.id", tx.ID), attribute.String("order.id", tx.OrderID))
	lg = lg.With(zap.String("transaction_id", tx.ID), zap.String("order_id", tx.OrderID))

	switch tx.Status {
	case StatusVerified:
		lg.Info("Duplicate callback ignored")
		return &CallbackResult{Transaction: tx}, nil
	case StatusInitiated:
	default:
		return nil, errors.Wrapf(ErrTransactionClosed, "transaction %s is %s", tx.ID, tx.Status)
	}

	if !cb.Success {
		reason := cb.Reason
		if reason == "" {
			reason = "payment cancelled at gateway"
		}
		if err := o.fail(ctx, tx, reason); err != nil {
			return nil, err
		}
		return &CallbackResult{Transaction: tx, Applied: true}, nil
	}

	ord, err := o.orders.Get(ctx, tx.OrderID)
	if err != nil {
		return nil, err
	}
	if ord.Status != order.StatusPending {
		err := o.fail(ctx, tx, "order no longer pending")
		if errors.Is(err, ErrStaleTransaction) {
			// A concurrent callback settled this transaction first.
			if cur, gerr := o.txs.Get(ctx, tx.ID); gerr == nil && cur.Status == StatusVerified {
				return &CallbackResult{Transaction: cur}, nil
			}
		}
		if err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(ErrOrderNotPending, "order %s is %s", ord.ID, ord.Status)
	}

	v, err := o.verify(ctx, gw, VerifyRequest{TransactionID: tx.ID, Reference: tx.Reference, Amount: tx.Amount})
	if err != nil {
		if ferr := o.fail(ctx, tx, err.Error()); ferr != nil {
			lg.Error("Mark transaction failed", zap.Error(ferr))
		}
		return nil, err
	}
	if !v.Amount.IsZero() && !settles(v.Amount, tx.Amount) {
		if err := o.fail(ctx, tx, "amount mismatch"); err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(ErrAmountMismatch, "expected %s, settled %s", tx.Amount, v.Amount)
	}

	applied, err := o.confirm(ctx, tx, ord, ConfirmParams{
		TransactionID:       tx.ID,
		From:                StatusInitiated,
		OrderID:             ord.ID,
		SettlementReference: v.SettlementReference,
	})
	if err != nil {
		return nil, err
	}
	return &CallbackResult{Transaction: tx, Applied: applied}, nil
}

// SubmitEvidence stores a receipt for a manual-evidence transaction, marks
// it verified pending review and confirms the order optimistically.
func (o *Orchestrator) SubmitEvidence(ctx context.Context, txID string, ev Evidence) (_ *Transaction, rerr error) {
	ctx, span := o.tracer.Start(ctx, "payment.SubmitEvidence",
		trace.WithAttributes(attribute.String("transaction.id", txID)),
	)
	defer func() { endSpan(span, rerr) }()

	tx, err := o.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.GatewayType != TypeManualEvidence {
		return nil, ErrEvidenceNotAccepted
	}
	switch tx.Status {
	case StatusVerified:
		return tx, nil
	case StatusAwaitingEvidence:
	default:
		return nil, errors.Wrapf(ErrTransactionClosed, "transaction %s is %s", tx.ID, tx.Status)
	}
	gw, err := o.gateways.Get(tx.GatewayID)
	if err != nil {
		return nil, err
	}

	ord, err := o.orders.Get(ctx, tx.OrderID)
	if err != nil {
		return nil, err
	}
	if ord.Status != order.StatusPending {
		if err := o.fail(ctx, tx, "order no longer pending"); err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(ErrOrderNotPending, "order %s is %s", ord.ID, ord.Status)
	}

	ref, err := o.receipts.Save(ctx, tx.ID, ev)
	if err != nil {
		return nil, errors.Wrap(err, "store receipt")
	}

	v, err := o.verify(ctx, gw, VerifyRequest{
		TransactionID:    tx.ID,
		Reference:        tx.Reference,
		Amount:           tx.Amount,
		ReceiptReference: ref,
	})
	if err != nil {
		if ferr := o.fail(ctx, tx, err.Error()); ferr != nil {
			zctx.From(ctx).Error("Mark transaction failed", zap.Error(ferr))
		}
		return nil, err
	}

	if _, err := o.confirm(ctx, tx, ord, ConfirmParams{
		TransactionID:       tx.ID,
		From:                StatusAwaitingEvidence,
		OrderID:             ord.ID,
		SettlementReference: v.SettlementReference,
		ReceiptReference:    ref,
		ReviewStatus:        ReviewPending,
	}); err != nil {
		return nil, err
	}
	tx.ReceiptReference = ref
	tx.ReviewStatus = ReviewPending
	return tx, nil
}

// Review records the operator verdict on manual evidence. Rejection cancels
// the order.
func (o *Orchestrator) Review(ctx context.Context, txID string, approved bool) (*Transaction, error) {
	tx, err := o.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusVerified || tx.ReviewStatus != ReviewPending {
		return nil, ErrReviewNotPending
	}

	verdict := ReviewApproved
	if !approved {
		verdict = ReviewRejected
	}
	err = o.txs.Review(ctx, ReviewParams{
		TransactionID: tx.ID,
		OrderID:       tx.OrderID,
		From:          ReviewPending,
		To:            verdict,
		CancelOrder:   !approved,
		ReviewedAt:    o.now(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "review")
	}
	tx.ReviewStatus = verdict

	lg := zctx.From(ctx).With(zap.String("transaction_id", tx.ID), zap.String("order_id", tx.OrderID))
	if approved {
		lg.Info("Payment evidence approved")
	} else {
		lg.Warn("Payment evidence rejected, order cancelled")
	}
	return tx, nil
}

// settles reports whether a gateway settlement covers amount. Gateways
// charge whole units, so the rounded amount also matches.
func settles(settled, amount decimal.Decimal) bool {
	return settled.Equal(amount) || settled.Equal(amount.Round(0))
}

// ReadyForFulfillment reports whether the order has a verified payment that
// does not await review.
func (o *Orchestrator) ReadyForFulfillment(ctx context.Context, orderID string) (bool, error) {
	txs, err := o.txs.ListByOrder(ctx, orderID)
	if err != nil {
		return false, errors.Wrap(err, "list transactions")
	}
	for _, tx := range txs {
		if tx.Status != StatusVerified {
			continue
		}
		if tx.GatewayType != TypeManualEvidence || tx.ReviewStatus == ReviewApproved {
			return true, nil
		}
	}
	return false, nil
}

// Transaction returns a payment attempt by id.
func (o *Orchestrator) Transaction(ctx context.Context, id string) (*Transaction, error) {
	return o.txs.Get(ctx, id)
}

// Transactions lists the payment attempts of an order.
func (o *Orchestrator) Transactions(ctx context.Context, orderID string) ([]Transaction, error) {
	return o.txs.ListByOrder(ctx, orderID)
}

func (o *Orchestrator) verify(ctx context.Context, gw Gateway, req VerifyRequest) (*Verification, error) {
	ctx, span := o.tracer.Start(ctx, "payment.Verify",
		trace.WithAttributes(attribute.String("gateway.id", gw.ID())),
	)
	defer span.End()

	v, err := gw.Verify(ctx, req)
	if err != nil {
		span.RecordError(err)
		o.record(ctx, gw.ID(), "verify_failed")
		return nil, &GatewayError{Gateway: gw.ID(), Op: "verify", Err: err}
	}
	if !v.Verified {
		o.record(ctx, gw.ID(), "verify_rejected")
		reason := v.Reason
		if reason == "" {
			reason = "not verified"
		}
		return nil, &GatewayError{Gateway: gw.ID(), Op: "verify", Err: errors.Wrap(ErrVerificationFailed, reason)}
	}
	return v, nil
}

func (o *Orchestrator) confirm(ctx context.Context, tx *Transaction, ord *order.Order, p ConfirmParams) (bool, error) {
	now := o.now()
	p.VerifiedAt = now
	outcome, err := o.txs.Confirm(ctx, p)
	if err != nil {
		return false, errors.Wrap(err, "confirm payment")
	}
	lg := zctx.From(ctx).With(zap.String("transaction_id", tx.ID), zap.String("order_id", ord.ID))

	switch outcome {
	case ConfirmAlreadyApplied:
		lg.Info("Payment already confirmed")
		tx.Status = StatusVerified
		return false, nil
	case ConfirmOrderNotPending:
		tx.Status = StatusFailed
		tx.FailureReason = "order no longer pending"
		o.record(ctx, tx.GatewayID, string(StatusFailed))
		return false, errors.Wrapf(ErrOrderNotPending, "order %s", ord.ID)
	}

	tx.Status = StatusVerified
	tx.SettlementReference = p.SettlementReference
	tx.VerifiedAt = &now
	o.record(ctx, tx.GatewayID, string(StatusVerified))
	lg.Info("Payment verified, order confirmed")

	if err := o.carts.Clear(ctx, ord.SubjectID); err != nil {
		lg.Warn("Clear cart after payment", zap.Error(err))
	}
	return true, nil
}

func (o *Orchestrator) fail(ctx context.Context, tx *Transaction, reason string) error {
	if err := o.txs.MarkFailed(ctx, tx.ID, tx.Status, reason); err != nil {
		return errors.Wrap(err, "mark transaction failed")
	}
	tx.Status = StatusFailed
	tx.FailureReason = reason
	o.record(ctx, tx.GatewayID, string(StatusFailed))
	zctx.From(ctx).Warn("Payment failed",
		zap.String("transaction_id", tx.ID),
		zap.String("order_id", tx.OrderID),
		zap.String("reason", reason),
	)
	return nil
}

func (o *Orchestrator) record(ctx context.Context, gatewayID, outcome string) {
	o.transactions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gatewayID),
		attribute.String("outcome", outcome),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
