package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// Pinger is implemented by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks a connection pool.
func Ping(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// Redis checks a Redis client with PING.
func Redis(rdb redis.Cmdable) CheckFunc {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// Closer reports whether a long-lived connection was closed, as
// *amqp091.Connection does.
type Closer interface {
	IsClosed() bool
}

// Connection fails once c is closed.
func Connection(c Closer) CheckFunc {
	return func(context.Context) error {
		if c.IsClosed() {
			return errors.New("connection closed")
		}
		return nil
	}
}

// GoroutineCount fails when more than threshold goroutines are running.
func GoroutineCount(threshold int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}
