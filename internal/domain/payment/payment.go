package payment

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type is the completion semantics of a gateway.
type Type string

const (
	// TypeHostedRedirect gateways take over the browser and report back via callback.
	TypeHostedRedirect Type = "hosted_redirect"
	// TypeManualEvidence gateways are settled by a customer-submitted receipt.
	TypeManualEvidence Type = "manual_evidence"
)

// Status is the PaymentTransaction lifecycle state.
type Status string

const (
	StatusInitiated        Status = "initiated"
	StatusAwaitingEvidence Status = "awaiting_evidence"
	StatusVerified         Status = "verified"
	StatusFailed           Status = "failed"
)

// ReviewStatus tracks the operator check of manual evidence.
type ReviewStatus string

const (
	ReviewNone     ReviewStatus = ""
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

var (
	// ErrUnknownGateway is returned when no gateway is registered under an id.
	ErrUnknownGateway = errors.New("unknown payment gateway")
	// ErrTransactionNotFound is returned when a transaction does not exist.
	ErrTransactionNotFound = errors.New("payment transaction not found")
	// ErrTransactionClosed is returned when acting on a failed transaction.
	ErrTransactionClosed = errors.New("payment transaction is closed")
	// ErrStaleTransaction is returned when a conditional update lost a race.
	ErrStaleTransaction = errors.New("payment transaction changed concurrently")
	// ErrOrderNotPending is returned when the order can no longer accept payment.
	ErrOrderNotPending = errors.New("order is not awaiting payment")
	// ErrAmountMismatch is returned when the settled amount differs from the transaction.
	ErrAmountMismatch = errors.New("payment amount mismatch")
	// ErrVerificationFailed is returned when the gateway refuses to verify a payment.
	ErrVerificationFailed = errors.New("payment verification failed")
	// ErrInvalidCallback is returned for callbacks that cannot be parsed.
	ErrInvalidCallback = errors.New("invalid payment callback")
	// ErrCallbackUnsupported is returned for callbacks to gateways without one.
	ErrCallbackUnsupported = errors.New("gateway does not accept callbacks")
	// ErrEvidenceNotAccepted is returned when evidence is sent to a hosted transaction.
	ErrEvidenceNotAccepted = errors.New("transaction does not accept evidence")
	// ErrReviewNotPending is returned when reviewing evidence that is not awaiting review.
	ErrReviewNotPending = errors.New("evidence is not awaiting review")
)

// GatewayError is a failed or inconsistent call to a payment backend.
type GatewayError struct {
	Gateway string
	Op      string
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Transaction is one attempt to pay an order through one gateway.
type Transaction struct {
	ID                  string
	OrderID             string
	InvoiceID           string
	GatewayID           string
	GatewayType         Type
	Status              Status
	Amount              decimal.Decimal
	Reference           string
	ReceiptReference    string
	SettlementReference string
	ReviewStatus        ReviewStatus
	FailureReason       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	VerifiedAt          *time.Time
}

// Evidence is an uploaded payment receipt.
type Evidence struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// InitiateRequest is what a gateway needs to open a payment.
type InitiateRequest struct {
	TransactionID string
	OrderID       string
	Amount        decimal.Decimal
	CallbackURL   string
	CustomerName  string
	CustomerPhone string
	Description   string
}

// Initiation is the gateway's answer to InitiateRequest. Exactly one of
// RedirectURL or AwaitingEvidence is set.
type Initiation struct {
	Reference        string
	RedirectURL      string
	AwaitingEvidence bool
	Instructions     string
}

// VerifyRequest asks a gateway to confirm a payment.
type VerifyRequest struct {
	TransactionID    string
	Reference        string
	Amount           decimal.Decimal
	ReceiptReference string
}

// Verification is the gateway's verdict. Amount is zero when the backend
// does not report one.
type Verification struct {
	Verified            bool
	Amount              decimal.Decimal
	SettlementReference string
	Reason              string
}

// Callback is a parsed gateway callback.
type Callback struct {
	Reference string
	Success   bool
	Reason    string
}

// Gateway is the uniform capability interface over payment backends.
type Gateway interface {
	ID() string
	Type() Type
	RequiresEvidence() bool
	Initiate(ctx context.Context, req InitiateRequest) (*Initiation, error)
	Verify(ctx context.Context, req VerifyRequest) (*Verification, error)
}

// CallbackParser is implemented by hosted gateways.
type CallbackParser interface {
	ParseCallback(values url.Values) (*Callback, error)
}

// ConfirmOutcome reports what Repository.Confirm did.
type ConfirmOutcome int

const (
	// ConfirmApplied verified the transaction and confirmed the order.
	ConfirmApplied ConfirmOutcome = iota + 1
	// ConfirmAlreadyApplied found the transaction already verified.
	ConfirmAlreadyApplied
	// ConfirmOrderNotPending found the order no longer pending and failed the transaction.
	ConfirmOrderNotPending
)

// ConfirmParams is the settlement written by Repository.Confirm.
type ConfirmParams struct {
	TransactionID       string
	From                Status
	OrderID             string
	SettlementReference string
	ReceiptReference    string
	ReviewStatus        ReviewStatus
	VerifiedAt          time.Time
}

// ReviewParams describes an operator verdict on a verified manual payment.
// CancelOrder also cancels the order when its status still allows it.
type ReviewParams struct {
	TransactionID string
	OrderID       string
	From          ReviewStatus
	To            ReviewStatus
	CancelOrder   bool
	ReviewedAt    time.Time
}

// Repository defines persistence operations for payment transactions.
type Repository interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	FindByReference(ctx context.Context, gatewayID, reference string) (*Transaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]Transaction, error)
	// MarkFailed closes a transaction still in from.
	MarkFailed(ctx context.Context, id string, from Status, reason string) error
	// Confirm serializes on the transaction row, marks it verified and moves
	// the order from pending to confirmed in one database transaction.
	Confirm(ctx context.Context, p ConfirmParams) (ConfirmOutcome, error)
	// Review moves the review status of a verified transaction and applies
	// the order cancellation of a rejection in the same database transaction.
	Review(ctx context.Context, p ReviewParams) error
}

// ReceiptStore persists uploaded evidence and returns a stable reference.
type ReceiptStore interface {
	Save(ctx context.Context, name string, ev Evidence) (string, error)
}
