package notify

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

// ErrNotReady is returned by an attempt whose order is missing or not yet confirmed.
var ErrNotReady = errors.New("order not ready for notification")

// Notification is the downstream heads-up about a confirmed purchase.
type Notification struct {
	OrderReference string
	OrderID        string
	FinalAmount    decimal.Decimal
	Status         order.Status
	OccurredAt     time.Time
}

// OrderFinder resolves an order id, invoice id or invoice number.
type OrderFinder interface {
	FindByReference(ctx context.Context, ref string) (*order.Order, error)
}

// Channel delivers a notification. It is called at most once per
// successful lookup.
type Channel interface {
	Notify(ctx context.Context, n Notification) error
}

// Config bounds the retry loop.
type Config struct {
	Attempts int
	Delay    time.Duration
}

// Dispatcher sends one notification per confirmed order, retrying the order
// lookup a bounded number of times to absorb settlement lag.
type Dispatcher struct {
	orders   OrderFinder
	channel  Channel
	attempts int
	delay    time.Duration
	now      func() time.Time

	counter metric.Int64Counter
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. A nil MeterProvider disables metrics.
func NewDispatcher(orders OrderFinder, channel Channel, cfg Config, mp metric.MeterProvider) (*Dispatcher, error) {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	counter, err := mp.Meter("kart-checkout/notify").Int64Counter("notify.attempts",
		metric.WithDescription("Notification lookup attempts by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create notify.attempts counter")
	}
	return &Dispatcher{
		orders:   orders,
		channel:  channel,
		attempts: cfg.Attempts,
		delay:    cfg.Delay,
		now:      time.Now,
		counter:  counter,
	}, nil
}

// Dispatch runs Notify in the background and returns immediately. The
// request context only contributes its logger.
func (d *Dispatcher) Dispatch(ctx context.Context, ref string) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// Bounds the whole loop, including a stuck channel.
		ctx, cancel := context.WithTimeout(ctx, d.budget())
		defer cancel()
		if err := d.Notify(ctx, ref); err != nil {
			zctx.From(ctx).Error("Notification dropped",
				zap.String("reference", ref),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every dispatched notification has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Notify looks the order up, retrying up to the configured number of
// attempts with a fixed delay while it is missing or unconfirmed, then
// publishes it once.
func (d *Dispatcher) Notify(ctx context.Context, ref string) error {
	lg := zctx.From(ctx).With(zap.String("reference", ref))

	attempt := 0
	op := func() error {
		attempt++
		o, err := d.orders.FindByReference(ctx, ref)
		switch {
		case errors.Is(err, order.ErrNotFound):
			d.record(ctx, "not_found")
			return ErrNotReady
		case err != nil:
			d.record(ctx, "error")
			return errors.Wrap(err, "find order")
		case !o.Status.IsConfirmed():
			d.record(ctx, "not_confirmed")
			return ErrNotReady
		}

		d.record(ctx, "found")
		n := Notification{
			OrderReference: ref,
			OrderID:        o.ID,
			FinalAmount:    o.FinalAmount,
			Status:         o.Status,
			OccurredAt:     d.now(),
		}
		if err := d.channel.Notify(ctx, n); err != nil {
			return backoff.Permanent(errors.Wrap(err, "publish notification"))
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.delay), uint64(d.attempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		lg.Debug("Notification attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	})
	if err != nil {
		return errors.Wrapf(err, "after %d attempts", attempt)
	}
	lg.Info("Notification sent", zap.Int("attempt", attempt))
	return nil
}

func (d *Dispatcher) budget() time.Duration {
	return time.Duration(d.attempts)*d.delay + 30*time.Second
}

func (d *Dispatcher) record(ctx context.Context, result string) {
	d.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
