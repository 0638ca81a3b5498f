package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/domain/notify"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/internal/gateway"
	"github.com/xenking/kart-checkout/internal/gateway/cardtocard"
	"github.com/xenking/kart-checkout/internal/gateway/idpay"
	"github.com/xenking/kart-checkout/internal/gateway/zarinpal"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/messaging/rabbitmq"
	"github.com/xenking/kart-checkout/internal/storage/files"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
	"github.com/xenking/kart-checkout/internal/storage/redis"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	rdb, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return errors.Wrap(err, "connect redis")
	}
	defer func() { _ = rdb.Close() }()

	mq, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return errors.Wrap(err, "connect rabbitmq")
	}
	defer func() { _ = mq.Close() }()

	channel, err := rabbitmq.NewChannel(mq, cfg.Notify.Queue)
	if err != nil {
		return errors.Wrap(err, "open notification channel")
	}
	defer func() { _ = channel.Close() }()

	// Health check service.
	healthSvc := health.New()
	healthSvc.Register("postgres", health.Readiness, health.Ping(pool), health.WithTimeout(5*time.Second))
	healthSvc.Register("redis", health.Readiness, health.Redis(rdb), health.WithTimeout(2*time.Second))
	healthSvc.Register("rabbitmq", health.Readiness, health.Connection(mq))
	healthSvc.Register("goroutines", health.Liveness, health.GoroutineCount(10000))

	// Repositories.
	catalogRepo := postgres.NewCatalogRepository(pool)
	discountRepo := postgres.NewDiscountRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	paymentRepo := postgres.NewPaymentRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)
	cartStore := redis.NewCartStore(rdb, cfg.Cart.TTL)

	receipts, err := files.NewReceiptStore(cfg.ReceiptDir, cfg.Upload.MaxReceiptBytes)
	if err != nil {
		return errors.Wrap(err, "create receipt store")
	}
	registry := payment.NewRegistry(newGateways(cfg, m)...)
	lg.Info("Payment gateways enabled", zap.Strings("gateways", registry.IDs()))

	// Domain services.
	carts := cart.NewService(cartStore, catalogRepo)
	engine := pricing.NewEngine(catalogRepo, catalogRepo, discount.NewRepoValidator(discountRepo))
	assembler := order.NewAssembler(carts, engine, registry, orderRepo, cfg.Checkout.IdempotencyWindow)
	orchestrator, err := payment.NewOrchestrator(payment.Options{
		Gateways:       registry,
		Transactions:   paymentRepo,
		Orders:         orderRepo,
		Carts:          carts,
		Receipts:       receipts,
		PublicURL:      cfg.PublicURL,
		TracerProvider: m.TracerProvider(),
		MeterProvider:  m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create orchestrator")
	}
	lifecycle := order.NewLifecycle(orderRepo, orchestrator)
	dispatcher, err := notify.NewDispatcher(orderRepo, channel, notify.Config{
		Attempts: cfg.Notify.Attempts,
		Delay:    cfg.Notify.Delay,
	}, m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create dispatcher")
	}

	// HTTP handlers.
	h, err := handler.New(
		handler.Config{MaxReceiptBytes: cfg.Upload.MaxReceiptBytes, ResultURL: cfg.ResultURL},
		handler.Deps{
			Carts:         carts,
			Pricer:        engine,
			Delivery:      catalogRepo,
			Checkout:      assembler,
			Orders:        orderRepo,
			Lifecycle:     lifecycle,
			Payments:      orchestrator,
			Notifier:      dispatcher,
			Security:      handler.NewSecurityHandler(apikeyRepo, []byte(cfg.APIKeyPepper)),
			MeterProvider: m.MeterProvider(),
		},
	)
	if err != nil {
		return errors.Wrap(err, "create handler")
	}

	router := chi.NewRouter()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	router.Group(func(r chi.Router) {
		r.Use(httpmiddleware.RateLimit(rdb, httpmiddleware.RateLimitConfig{
			Max:     cfg.RateLimit.Max,
			Window:  cfg.RateLimit.Window,
			KeyFunc: httpmiddleware.HeaderOrIP(handler.SubjectHeader),
		}))
		r.Mount("/api", h.Routes())
	})

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.RequestID(),
			httpmiddleware.Instrument("kart-checkout", m),
			httpmiddleware.LogRequests(),
		),
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		// Graceful shutdown: wait for cancellation, drain, then stop.
		<-gctx.Done()
		healthSvc.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()

		// Notifications scheduled by the last requests still hold the channel.
		dispatcher.Wait()
		return nil
	})
	return g.Wait()
}

// newGateways builds the enabled payment backends.
func newGateways(cfg *Config, m *app.Telemetry) []payment.Gateway {
	client := gateway.NewHTTPClient(cfg.Gateways.Timeout, m.TracerProvider())

	var gateways []payment.Gateway
	if c := cfg.Gateways.Zarinpal; c.Enabled {
		gateways = append(gateways, zarinpal.New(zarinpal.Config{
			MerchantID:  c.MerchantID,
			BaseURL:     c.BaseURL,
			StartPayURL: c.StartPayURL,
		}, client))
	}
	if c := cfg.Gateways.IDPay; c.Enabled {
		gateways = append(gateways, idpay.New(idpay.Config{
			APIKey:  c.APIKey,
			BaseURL: c.BaseURL,
			Sandbox: c.Sandbox,
		}, client))
	}
	if c := cfg.Gateways.CardToCard; c.Enabled {
		gateways = append(gateways, cardtocard.New(cardtocard.Config{
			CardNumber: c.CardNumber,
			CardHolder: c.CardHolder,
		}))
	}
	return gateways
}
