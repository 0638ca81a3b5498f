package handler

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/storage/files"
)

const receiptField = "receipt"

type checkoutRequest struct {
	CustomerName     string `json:"customer_name"`
	CustomerPhone    string `json:"customer_phone"`
	CustomerAddress  string `json:"customer_address"`
	DeliveryMethodID string `json:"delivery_method_id"`
	DiscountCode     string `json:"discount_code"`
	GatewayID        string `json:"gateway_id"`
}

type orderView struct {
	ID               string          `json:"id"`
	Status           order.Status    `json:"status"`
	GatewayID        string          `json:"gateway_id"`
	DeliveryMethodID string          `json:"delivery_method_id"`
	DiscountCode     string          `json:"discount_code,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	CampaignDiscount decimal.Decimal `json:"campaign_discount"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	DeliveryFee      decimal.Decimal `json:"delivery_fee"`
	FinalAmount      decimal.Decimal `json:"final_amount"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type invoiceView struct {
	ID            string              `json:"id"`
	Number        string              `json:"number"`
	Lines         []order.InvoiceLine `json:"lines"`
	DeliveryTitle string              `json:"delivery_title"`
	FinalAmount   decimal.Decimal     `json:"final_amount"`
	IssuedAt      time.Time           `json:"issued_at"`
}

type transactionView struct {
	ID            string               `json:"id"`
	GatewayID     string               `json:"gateway_id"`
	Status        payment.Status       `json:"status"`
	Amount        decimal.Decimal      `json:"amount"`
	ReviewStatus  payment.ReviewStatus `json:"review_status,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	VerifiedAt    *time.Time           `json:"verified_at,omitempty"`
}

type paymentView struct {
	TransactionID string `json:"transaction_id"`
	RedirectURL   string `json:"redirect_url,omitempty"`
	Instructions  string `json:"instructions,omitempty"`
	Status        string `json:"status"`
}

type checkoutResponse struct {
	Order   orderView    `json:"order"`
	Invoice invoiceView  `json:"invoice"`
	Payment *paymentView `json:"payment,omitempty"`
}

type orderResponse struct {
	Order        orderView         `json:"order"`
	Invoice      *invoiceView      `json:"invoice,omitempty"`
	Transactions []transactionView `json:"transactions"`
}

func (h *Handler) placeCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		req     checkoutRequest
		receipt *payment.Evidence
	)
	if isMultipart(r) {
		if err := h.parseMultipart(w, r); err != nil {
			h.mapError(w, r, err)
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()
		req = checkoutRequest{
			CustomerName:     r.FormValue("customer_name"),
			CustomerPhone:    r.FormValue("customer_phone"),
			CustomerAddress:  r.FormValue("customer_address"),
			DeliveryMethodID: r.FormValue("delivery_method_id"),
			DiscountCode:     r.FormValue("discount_code"),
			GatewayID:        r.FormValue("gateway_id"),
		}
		ev, closeFn, err := h.formEvidence(r)
		if err != nil {
			h.mapError(w, r, err)
			return
		}
		defer closeFn()
		receipt = ev
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.mapError(w, r, badRequest("invalid JSON body"))
		return
	}

	res, err := h.checkout.Assemble(ctx, order.CheckoutRequest{
		SubjectID:        subjectFrom(ctx),
		CustomerName:     req.CustomerName,
		CustomerPhone:    req.CustomerPhone,
		CustomerAddress:  req.CustomerAddress,
		DeliveryMethodID: req.DeliveryMethodID,
		DiscountCode:     req.DiscountCode,
		GatewayID:        req.GatewayID,
		HasReceipt:       receipt != nil,
	})
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	h.ordersCreated.Add(ctx, 1)

	out := checkoutResponse{Order: toOrderView(res.Order), Invoice: toInvoiceView(res.Invoice)}
	pay, err := h.payments.Initiate(ctx, payment.InitiateInput{
		OrderID:   res.Order.ID,
		InvoiceID: res.Invoice.ID,
		Evidence:  receipt,
	})
	if err != nil {
		// The order stays pending and payment can be retried on it.
		status, body := classify(err)
		if status >= http.StatusInternalServerError {
			zctx.From(ctx).Error("Initiate payment", zap.String("order_id", res.Order.ID), zap.Error(err))
		}
		body.OrderID = res.Order.ID
		writeJSON(w, status, body)
		return
	}
	out.Payment = toPaymentView(pay)
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ord, err := h.ownedOrder(r)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	out := orderResponse{Order: toOrderView(ord), Transactions: []transactionView{}}

	inv, err := h.orders.GetInvoice(ctx, ord.ID)
	switch {
	case err == nil:
		v := toInvoiceView(inv)
		out.Invoice = &v
	case !errors.Is(err, order.ErrNotFound):
		h.mapError(w, r, err)
		return
	}

	txs, err := h.payments.Transactions(ctx, ord.ID)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	for _, tx := range txs {
		out.Transactions = append(out.Transactions, toTransactionView(tx))
	}
	writeJSON(w, http.StatusOK, out)
}

type retryPaymentRequest struct {
	GatewayID string `json:"gateway_id"`
}

func (h *Handler) retryPayment(w http.ResponseWriter, r *http.Request) {
	ord, err := h.ownedOrder(r)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	// An empty body retries with the gateway chosen at checkout.
	var req retryPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.mapError(w, r, badRequest("invalid JSON body"))
		return
	}
	pay, err := h.payments.Initiate(r.Context(), payment.InitiateInput{
		OrderID:   ord.ID,
		GatewayID: req.GatewayID,
	})
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentView(pay))
}

func (h *Handler) submitEvidence(w http.ResponseWriter, r *http.Request) {
	owned, err := h.ownedTransaction(r)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	if !isMultipart(r) {
		h.mapError(w, r, badRequest("multipart body required"))
		return
	}
	if err := h.parseMultipart(w, r); err != nil {
		h.mapError(w, r, err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	ev, closeFn, err := h.formEvidence(r)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	if ev == nil {
		h.mapError(w, r, badRequest("receipt file is required"))
		return
	}
	defer closeFn()

	tx, err := h.payments.SubmitEvidence(r.Context(), owned.ID, *ev)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionView(*tx))
}

type callbackResponse struct {
	OrderID string         `json:"order_id"`
	Status  payment.Status `json:"status"`
	Applied bool           `json:"applied"`
}

func (h *Handler) paymentCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.mapError(w, r, badRequest("invalid callback parameters"))
		return
	}
	res, err := h.payments.HandleCallback(r.Context(), chi.URLParam(r, "gateway"), r.Form)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	tx := res.Transaction
	if h.resultURL != "" {
		q := url.Values{}
		q.Set("order_id", tx.OrderID)
		q.Set("status", string(tx.Status))
		http.Redirect(w, r, h.resultURL+"?"+q.Encode(), http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, callbackResponse{OrderID: tx.OrderID, Status: tx.Status, Applied: res.Applied})
}

func (h *Handler) notifyOrder(w http.ResponseWriter, r *http.Request) {
	h.notifier.Dispatch(r.Context(), chi.URLParam(r, "reference"))
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) ownedOrder(r *http.Request) (*order.Order, error) {
	ord, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if ord.SubjectID != subjectFrom(r.Context()) {
		return nil, order.ErrNotFound
	}
	return ord, nil
}

// ownedTransaction resolves the transaction in the path and hides it unless
// its order belongs to the caller.
func (h *Handler) ownedTransaction(r *http.Request) (*payment.Transaction, error) {
	ctx := r.Context()
	tx, err := h.payments.Transaction(ctx, chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	ord, err := h.orders.Get(ctx, tx.OrderID)
	if err != nil {
		return nil, err
	}
	if ord.SubjectID != subjectFrom(ctx) {
		return nil, payment.ErrTransactionNotFound
	}
	return tx, nil
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

// parseMultipart bounds the body by the receipt limit plus room for the
// plain form fields.
func (h *Handler) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxReceipt+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return files.ErrTooLarge
		}
		return badRequest("invalid multipart body")
	}
	return nil
}

// formEvidence returns the uploaded receipt, or nil when none was attached.
// A receipt that is too large or of the wrong type is rejected here, before
// any order or transaction is written.
func (h *Handler) formEvidence(r *http.Request) (*payment.Evidence, func(), error) {
	f, fh, err := r.FormFile(receiptField)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, nil, badRequest("invalid receipt upload")
	}
	ev := &payment.Evidence{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Body:        f,
	}
	if err := files.Inspect(ev, h.maxReceipt); err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return ev, func() { _ = f.Close() }, nil
}

func toOrderView(o *order.Order) orderView {
	return orderView{
		ID:               o.ID,
		Status:           o.Status,
		GatewayID:        o.GatewayID,
		DeliveryMethodID: o.DeliveryMethodID,
		DiscountCode:     o.DiscountCode,
		Amount:           o.Amount,
		CampaignDiscount: o.CampaignDiscountAmount,
		DiscountAmount:   o.DiscountAmount,
		DeliveryFee:      o.DeliveryFee,
		FinalAmount:      o.FinalAmount,
		PaymentReference: o.PaymentReference,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func toInvoiceView(inv *order.Invoice) invoiceView {
	return invoiceView{
		ID:            inv.ID,
		Number:        inv.Number,
		Lines:         inv.Lines,
		DeliveryTitle: inv.DeliveryTitle,
		FinalAmount:   inv.FinalAmount,
		IssuedAt:      inv.IssuedAt,
	}
}

func toTransactionView(tx payment.Transaction) transactionView {
	return transactionView{
		ID:            tx.ID,
		GatewayID:     tx.GatewayID,
		Status:        tx.Status,
		Amount:        tx.Amount,
		ReviewStatus:  tx.ReviewStatus,
		FailureReason: tx.FailureReason,
		CreatedAt:     tx.CreatedAt,
		VerifiedAt:    tx.VerifiedAt,
	}
}

func toPaymentView(res *payment.InitiateResult) *paymentView {
	return &paymentView{
		TransactionID: res.Transaction.ID,
		RedirectURL:   res.RedirectURL,
		Instructions:  res.Instructions,
		Status:        string(res.Transaction.Status),
	}
}
