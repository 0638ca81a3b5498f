// Package handler exposes the checkout domain over REST.
package handler

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/catalog"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// Carts mutates and reads the subject's cart.
type Carts interface {
	Add(ctx context.Context, subject string, l cart.Line) (int, error)
	Remove(ctx context.Context, subject, key string) error
	SetQuantity(ctx context.Context, subject, key string, qty int) error
	Decrement(ctx context.Context, subject, key string) (int, error)
	Read(ctx context.Context, subject string) ([]cart.Line, error)
	Clear(ctx context.Context, subject string) error
}

// Pricer previews cart totals.
type Pricer interface {
	Price(ctx context.Context, req pricing.Request) (*pricing.PricedCart, error)
}

// Checkout turns a cart into a pending order.
type Checkout interface {
	Assemble(ctx context.Context, req order.CheckoutRequest) (*order.Result, error)
}

// Orders reads persisted orders.
type Orders interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	GetInvoice(ctx context.Context, orderID string) (*order.Invoice, error)
}

// Lifecycle applies operator status changes.
type Lifecycle interface {
	Transition(ctx context.Context, id string, to order.Status) (*order.Order, error)
}

// Payments drives gateway flows.
type Payments interface {
	Initiate(ctx context.Context, in payment.InitiateInput) (*payment.InitiateResult, error)
	HandleCallback(ctx context.Context, gatewayID string, values url.Values) (*payment.CallbackResult, error)
	SubmitEvidence(ctx context.Context, txID string, ev payment.Evidence) (*payment.Transaction, error)
	Review(ctx context.Context, txID string, approved bool) (*payment.Transaction, error)
	Transaction(ctx context.Context, id string) (*payment.Transaction, error)
	Transactions(ctx context.Context, orderID string) ([]payment.Transaction, error)
}

// Notifier schedules a detached order notification.
type Notifier interface {
	Dispatch(ctx context.Context, ref string)
}

// Deps are the domain services behind the routes.
type Deps struct {
	Carts     Carts
	Pricer    Pricer
	Delivery  catalog.DeliveryMethods
	Checkout  Checkout
	Orders    Orders
	Lifecycle Lifecycle
	Payments  Payments
	Notifier  Notifier
	Security  *SecurityHandler

	MeterProvider metric.MeterProvider
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// MaxReceiptBytes bounds multipart uploads.
	MaxReceiptBytes int64
	// ResultURL, when set, is where payment callbacks redirect the browser.
	ResultURL string
}

// Handler serves the REST API.
type Handler struct {
	carts     Carts
	pricer    Pricer
	delivery  catalog.DeliveryMethods
	checkout  Checkout
	orders    Orders
	lifecycle Lifecycle
	payments  Payments
	notifier  Notifier
	security  *SecurityHandler

	maxReceipt int64
	resultURL  string

	ordersCreated metric.Int64Counter
}

// New constructs a Handler.
func New(cfg Config, deps Deps) (*Handler, error) {
	if deps.MeterProvider == nil {
		deps.MeterProvider = noop.NewMeterProvider()
	}
	created, err := deps.MeterProvider.Meter("kart-checkout/handler").Int64Counter("checkout.orders.created")
	if err != nil {
		return nil, err
	}
	if cfg.MaxReceiptBytes <= 0 {
		cfg.MaxReceiptBytes = 5 << 20
	}
	return &Handler{
		carts:         deps.Carts,
		pricer:        deps.Pricer,
		delivery:      deps.Delivery,
		checkout:      deps.Checkout,
		orders:        deps.Orders,
		lifecycle:     deps.Lifecycle,
		payments:      deps.Payments,
		notifier:      deps.Notifier,
		security:      deps.Security,
		maxReceipt:    cfg.MaxReceiptBytes,
		resultURL:     cfg.ResultURL,
		ordersCreated: created,
	}, nil
}

// Routes returns the /api router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/delivery-methods", h.listDeliveryMethods)
	r.Get("/payments/callback/{gateway}", h.paymentCallback)
	r.Post("/payments/callback/{gateway}", h.paymentCallback)
	r.Post("/orders/{reference}/notify", h.notifyOrder)

	r.Group(func(r chi.Router) {
		r.Use(requireSubject)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.getCart)
			r.Delete("/", h.clearCart)
			r.Get("/price", h.priceCart)
			r.Post("/items", h.addItem)
			r.Put("/items/{key}", h.setItem)
			r.Delete("/items/{key}", h.removeItem)
			r.Post("/items/{key}/decrement", h.decrementItem)
		})

		r.Post("/checkout", h.placeCheckout)
		r.Get("/orders/{id}", h.getOrder)
		r.Post("/orders/{id}/payments", h.retryPayment)
		r.Post("/payments/{id}/evidence", h.submitEvidence)
	})

	r.Route("/admin", func(r chi.Router) {
		r.With(h.security.Middleware(auth.ScopeAdmin)).Patch("/orders/{id}/status", h.updateOrderStatus)
		r.With(h.security.Middleware(auth.ScopeReview)).Post("/transactions/{id}/review", h.reviewTransaction)
	})

	return r
}

type subjectKey struct{}

// SubjectHeader carries the caller identity set by the upstream session service.
const SubjectHeader = "X-Subject-ID"

func requireSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := r.Header.Get(SubjectHeader)
		if subject == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+SubjectHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, subject)))
	})
}

func subjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}
