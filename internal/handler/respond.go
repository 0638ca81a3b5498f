package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/internal/storage/files"
)

type errorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	OrderID   string            `json:"order_id,omitempty"`
	ProductID string            `json:"product_id,omitempty"`
	Missing   []string          `json:"missing,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// mapError is the single translation of domain errors to HTTP responses.
func (h *Handler) mapError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, errorResponse) {
	var (
		verr     *order.ValidationError
		variant  *cart.VariantRequiredError
		conflict *order.ConflictError
		gwErr    *payment.GatewayError
		missing  *pricing.ProductUnavailableError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, errorResponse{
			Code: "validation_failed", Message: "request is invalid", Fields: verr.Fields,
		}
	case errors.As(err, &variant):
		return http.StatusConflict, errorResponse{
			Code: "variant_required", Message: err.Error(), ProductID: variant.ProductID, Missing: variant.Missing,
		}
	case errors.As(err, &conflict):
		return http.StatusConflict, errorResponse{
			Code: "already_processing", Message: "checkout already processing", OrderID: conflict.OrderID,
		}
	case errors.As(err, &gwErr):
		if gwErr.Op == "initiate" {
			return http.StatusBadGateway, errorResponse{Code: "gateway_unavailable", Message: "payment gateway unavailable"}
		}
		return http.StatusPaymentRequired, errorResponse{Code: "payment_not_verified", Message: err.Error()}
	case errors.As(err, &missing):
		return http.StatusUnprocessableEntity, errorResponse{Code: "product_unavailable", Message: err.Error(), ProductID: missing.ProductID}
	}

	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.status, errorResponse{Code: m.code, Message: err.Error()}
		}
	}
	return http.StatusInternalServerError, errorResponse{Code: "internal", Message: "internal server error"}
}

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{order.ErrNotFound, http.StatusNotFound, "not_found"},
	{payment.ErrTransactionNotFound, http.StatusNotFound, "not_found"},
	{cart.ErrLineNotFound, http.StatusNotFound, "not_found"},
	{payment.ErrUnknownGateway, http.StatusNotFound, "unknown_gateway"},
	{cart.ErrInvalidQuantity, http.StatusUnprocessableEntity, "invalid_quantity"},
	{cart.ErrInvalidKey, http.StatusBadRequest, "invalid_key"},
	{cart.ErrProductUnavailable, http.StatusUnprocessableEntity, "product_unavailable"},
	{pricing.ErrDeliveryMethodUnavailable, http.StatusUnprocessableEntity, "delivery_method_unavailable"},
	{discount.ErrInvalidCode, http.StatusUnprocessableEntity, "invalid_discount_code"},
	{discount.ErrExpired, http.StatusUnprocessableEntity, "discount_code_expired"},
	{discount.ErrUsageLimitReached, http.StatusUnprocessableEntity, "discount_code_exhausted"},
	{discount.ErrMinimumNotMet, http.StatusUnprocessableEntity, "discount_minimum_not_met"},
	{payment.ErrInvalidCallback, http.StatusBadRequest, "invalid_callback"},
	{payment.ErrCallbackUnsupported, http.StatusBadRequest, "callback_unsupported"},
	{payment.ErrEvidenceNotAccepted, http.StatusConflict, "evidence_not_accepted"},
	{payment.ErrTransactionClosed, http.StatusConflict, "transaction_closed"},
	{payment.ErrOrderNotPending, http.StatusConflict, "order_not_pending"},
	{payment.ErrStaleTransaction, http.StatusConflict, "conflict"},
	{payment.ErrReviewNotPending, http.StatusConflict, "review_not_pending"},
	{payment.ErrAmountMismatch, http.StatusPaymentRequired, "amount_mismatch"},
	{payment.ErrVerificationFailed, http.StatusPaymentRequired, "payment_not_verified"},
	{order.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{order.ErrStaleStatus, http.StatusConflict, "conflict"},
	{order.ErrFulfillmentBlocked, http.StatusConflict, "fulfillment_blocked"},
	{files.ErrTooLarge, http.StatusRequestEntityTooLarge, "receipt_too_large"},
	{files.ErrUnsupportedType, http.StatusUnsupportedMediaType, "receipt_unsupported"},
	{errBadRequest, http.StatusBadRequest, "bad_request"},
}

var errBadRequest = errors.New("bad request")

func badRequest(msg string) error {
	return errors.Wrap(errBadRequest, msg)
}
