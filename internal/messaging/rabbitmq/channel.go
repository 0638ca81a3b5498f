// Package rabbitmq publishes order notifications to a RabbitMQ queue.
package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xenking/kart-checkout/internal/domain/notify"
)

const publishTimeout = 3 * time.Second

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

var _ notify.Channel = (*Channel)(nil)

// Channel is a notify.Channel over a single AMQP channel. amqp channels are
// not safe for concurrent publishing, so publishes are serialized.
type Channel struct {
	mu    sync.Mutex
	pub   publisher
	close func() error
	queue string
}

// NewChannel opens an AMQP channel on conn and declares queue as durable.
func NewChannel(conn *amqp.Connection, queue string) (*Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, errors.Wrapf(err, "declare %s", queue)
	}
	return &Channel{pub: ch, close: ch.Close, queue: queue}, nil
}

// Notify publishes n as a persistent JSON message on the default exchange.
func (c *Channel) Notify(ctx context.Context, n notify.Notification) error {
	body := Encode(n)

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.pub.PublishWithContext(ctx, "", c.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.OrderID,
		Timestamp:    n.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return errors.Wrapf(err, "publish to %s", c.queue)
	}
	return nil
}

// Close closes the underlying AMQP channel.
func (c *Channel) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// Encode renders the message body.
func Encode(n notify.Notification) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("order_reference")
	e.Str(n.OrderReference)
	e.FieldStart("order_id")
	e.Str(n.OrderID)
	e.FieldStart("final_amount")
	e.Str(n.FinalAmount.String())
	e.FieldStart("status")
	e.Str(string(n.Status))
	e.FieldStart("occurred_at")
	e.Str(n.OccurredAt.UTC().Format(time.RFC3339))
	e.ObjEnd()
	return e.Bytes()
}
