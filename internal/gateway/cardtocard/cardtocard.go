// Package cardtocard is the manual bank transfer gateway. The payer moves
// money card to card and uploads the receipt as proof.
package cardtocard

import (
	"context"
	"fmt"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// ID is the registry key of the gateway.
const ID = "cardtocard"

// Config is the destination card shown to the payer.
type Config struct {
	CardNumber string
	CardHolder string
}

var _ payment.Gateway = (*Gateway)(nil)

type Gateway struct {
	cfg Config
}

func New(cfg Config) *Gateway {
	return &Gateway{cfg: cfg}
}

func (g *Gateway) ID() string             { return ID }
func (g *Gateway) Type() payment.Type     { return payment.TypeManualEvidence }
func (g *Gateway) RequiresEvidence() bool { return true }

// Initiate makes no remote call. The transaction id doubles as the reference.
func (g *Gateway) Initiate(_ context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
	return &payment.Initiation{
		Reference:        req.TransactionID,
		AwaitingEvidence: true,
		Instructions: fmt.Sprintf("Transfer %s to card %s (%s) and upload the receipt.",
			req.Amount.StringFixed(0), g.cfg.CardNumber, g.cfg.CardHolder),
	}, nil
}

// Verify accepts any stored receipt. The operator review decides whether
// the order may be fulfilled.
func (g *Gateway) Verify(_ context.Context, req payment.VerifyRequest) (*payment.Verification, error) {
	if req.ReceiptReference == "" {
		return &payment.Verification{Reason: "receipt required"}, nil
	}
	return &payment.Verification{
		Verified:            true,
		SettlementReference: req.ReceiptReference,
	}, nil
}
