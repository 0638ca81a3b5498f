package order

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// FulfillmentGuard reports whether an order's payment is authoritative
// enough to start fulfillment.
type FulfillmentGuard interface {
	ReadyForFulfillment(ctx context.Context, orderID string) (bool, error)
}

// Lifecycle applies operator status changes. Confirmation is reserved for
// payment verification and is never accepted here.
type Lifecycle struct {
	orders Repository
	guard  FulfillmentGuard
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(orders Repository, guard FulfillmentGuard) *Lifecycle {
	return &Lifecycle{orders: orders, guard: guard}
}

// Transition moves order id to status to.
func (l *Lifecycle) Transition(ctx context.Context, id string, to Status) (*Order, error) {
	o, err := l.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if to == StatusConfirmed || !o.Status.CanTransitionTo(to) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s to %s", o.Status, to)
	}
	if o.Status == StatusConfirmed && to == StatusProcessing {
		ok, err := l.guard.ReadyForFulfillment(ctx, o.ID)
		if err != nil {
			return nil, errors.Wrap(err, "check fulfillment")
		}
		if !ok {
			return nil, ErrFulfillmentBlocked
		}
	}

	if err := l.orders.UpdateStatus(ctx, o.ID, o.Status, to); err != nil {
		return nil, errors.Wrap(err, "update status")
	}
	zctx.From(ctx).Info("Order status changed",
		zap.String("order_id", o.ID),
		zap.String("from", string(o.Status)),
		zap.String("to", string(to)),
	)
	o.Status = to
	return o, nil
}
