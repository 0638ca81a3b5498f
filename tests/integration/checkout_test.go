//go:build integration

package integration

import (
	"net/http"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// pngReceipt starts with the PNG signature so content sniffing accepts it.
var pngReceipt = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

func checkoutFields(delivery string) map[string]string {
	return map[string]string{
		"customer_name":      "Sara Ahmadi",
		"customer_phone":     "+989121234567",
		"customer_address":   "12 Valiasr St, Tehran",
		"delivery_method_id": delivery,
		"gateway_id":         "cardtocard",
	}
}

func fillCart(t *testing.T, s shopper) {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/cart/items", map[string]any{"product_id": "tote", "quantity": 2})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func placeOrder(t *testing.T, s shopper) checkoutResponse {
	t.Helper()
	fillCart(t, s)

	resp := s.checkoutWithReceipt(t, checkoutFields("post"), pngReceipt)
	defer resp.Body.Close()
	requireStatus(t, resp, http.StatusCreated)
	return decodeJSON[checkoutResponse](t, resp)
}

func setStatus(t *testing.T, orderID, status string) *http.Response {
	t.Helper()
	return doAdmin(t, http.MethodPatch, "/api/admin/orders/"+orderID+"/status",
		map[string]string{"status": status}, testAPIKey)
}

func review(t *testing.T, txID string, approved bool) *http.Response {
	t.Helper()
	return doAdmin(t, http.MethodPost, "/api/admin/transactions/"+txID+"/review",
		map[string]bool{"approved": approved}, testAPIKey)
}

func TestCheckout_CardToCard(t *testing.T) {
	s := newShopper(t)
	res := placeOrder(t, s)

	require.Regexp(t, uuidPattern, res.Order.ID)
	require.Equal(t, "confirmed", res.Order.Status)
	require.Equal(t, "cardtocard", res.Order.GatewayID)
	requireDecimal(t, "90000", res.Order.DeliveryFee, "delivery fee")
	requireDecimal(t, "510000", res.Order.FinalAmount, "final amount")
	requireDecimal(t, "510000", res.Invoice.FinalAmount, "invoice amount")
	require.NotEmpty(t, res.Invoice.Number)
	require.NotNil(t, res.Payment)
	require.Equal(t, "verified", res.Payment.Status)
	require.Contains(t, res.Payment.Instructions, "6037-9911-2233-4455")

	t.Run("cart cleared", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/api/cart", nil)
		defer resp.Body.Close()
		require.Empty(t, decodeJSON[cartResponse](t, resp).Lines)
	})

	t.Run("order visible to owner only", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/api/orders/"+res.Order.ID, nil)
		defer resp.Body.Close()
		requireStatus(t, resp, http.StatusOK)

		got := decodeJSON[orderResponse](t, resp)
		require.Equal(t, res.Order.ID, got.Order.ID)
		require.NotNil(t, got.Invoice)
		require.Len(t, got.Transactions, 1)
		require.Equal(t, "verified", got.Transactions[0].Status)
		require.Equal(t, "pending", got.Transactions[0].ReviewStatus)

		other := newShopper(t)
		resp2 := other.do(t, http.MethodGet, "/api/orders/"+res.Order.ID, nil)
		defer resp2.Body.Close()
		requireStatus(t, resp2, http.StatusNotFound)
	})
}

func TestCheckout_ReviewGatesFulfillment(t *testing.T) {
	s := newShopper(t)
	res := placeOrder(t, s)
	orderID := res.Order.ID

	resp := setStatus(t, orderID, "processing")
	requireStatus(t, resp, http.StatusConflict)
	require.Equal(t, "fulfillment_blocked", decodeJSON[errorResponse](t, resp).Code)
	resp.Body.Close()

	resp = review(t, res.Payment.TransactionID, true)
	requireStatus(t, resp, http.StatusOK)
	require.Equal(t, "approved", decodeJSON[transactionView](t, resp).ReviewStatus)
	resp.Body.Close()

	for _, status := range []string{"processing", "shipped", "delivered"} {
		resp := setStatus(t, orderID, status)
		requireStatus(t, resp, http.StatusOK)
		require.Equal(t, status, decodeJSON[orderView](t, resp).Status)
		resp.Body.Close()
	}

	resp = setStatus(t, orderID, "cancelled")
	defer resp.Body.Close()
	requireStatus(t, resp, http.StatusConflict)
	require.Equal(t, "invalid_transition", decodeJSON[errorResponse](t, resp).Code)
}

func TestCheckout_RejectedReviewCancels(t *testing.T) {
	s := newShopper(t)
	res := placeOrder(t, s)

	resp := review(t, res.Payment.TransactionID, false)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = s.do(t, http.MethodGet, "/api/orders/"+res.Order.ID, nil)
	defer resp.Body.Close()
	requireStatus(t, resp, http.StatusOK)
	require.Equal(t, "cancelled", decodeJSON[orderResponse](t, resp).Order.Status)

	again := review(t, res.Payment.TransactionID, true)
	defer again.Body.Close()
	requireStatus(t, again, http.StatusConflict)
}

func TestCheckout_ReceiptRequired(t *testing.T) {
	s := newShopper(t)
	fillCart(t, s)

	resp := s.checkoutWithReceipt(t, checkoutFields("pickup"), nil)
	defer resp.Body.Close()
	requireStatus(t, resp, http.StatusUnprocessableEntity)

	body := decodeJSON[errorResponse](t, resp)
	require.Equal(t, "validation_failed", body.Code)
	require.Contains(t, body.Fields, "receipt")
}

func TestCheckout_Validation(t *testing.T) {
	s := newShopper(t)
	fillCart(t, s)

	fields := checkoutFields("post")
	fields["customer_phone"] = "call me"
	resp := s.checkoutWithReceipt(t, fields, pngReceipt)
	defer resp.Body.Close()

	requireStatus(t, resp, http.StatusUnprocessableEntity)
	body := decodeJSON[errorResponse](t, resp)
	require.Equal(t, "validation_failed", body.Code)
	require.Contains(t, body.Fields, "customer_phone")
}

func TestCheckout_EmptyCart(t *testing.T) {
	s := newShopper(t)

	resp := s.checkoutWithReceipt(t, checkoutFields("post"), pngReceipt)
	defer resp.Body.Close()

	requireStatus(t, resp, http.StatusUnprocessableEntity)
}

func TestCheckout_UnsupportedReceiptCreatesNoOrder(t *testing.T) {
	s := newShopper(t)
	fillCart(t, s)

	resp := s.checkoutWithReceipt(t, checkoutFields("post"), []byte("plain text is not a receipt"))
	defer resp.Body.Close()
	requireStatus(t, resp, http.StatusUnsupportedMediaType)

	body := decodeJSON[errorResponse](t, resp)
	require.Equal(t, "receipt_unsupported", body.Code)
	require.Empty(t, body.OrderID)

	cart := s.do(t, http.MethodGet, "/api/cart", nil)
	defer cart.Body.Close()
	require.NotEmpty(t, decodeJSON[cartResponse](t, cart).Lines)

	// No attempt was claimed, so a corrected upload goes through at once.
	retry := s.checkoutWithReceipt(t, checkoutFields("post"), pngReceipt)
	defer retry.Body.Close()
	requireStatus(t, retry, http.StatusCreated)
	require.Equal(t, "confirmed", decodeJSON[checkoutResponse](t, retry).Order.Status)
}

func TestNotifyOrder_Accepted(t *testing.T) {
	s := newShopper(t)
	res := placeOrder(t, s)

	resp := doJSON(t, http.MethodPost, "/api/orders/"+res.Order.ID+"/notify", nil, nil)
	defer resp.Body.Close()
	requireStatus(t, resp, http.StatusAccepted)
}
