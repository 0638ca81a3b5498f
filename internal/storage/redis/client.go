package redis

import (
	"context"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
)

// NewClient parses a redis:// URL and verifies the connection.
func NewClient(ctx context.Context, rawURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}
