package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/kart-checkout/internal/domain/cart"
)

// incrementScript adjusts one line and removes it once it reaches zero, so
// the read-modify-delete is a single atomic step.
//
// KEYS[1] cart hash, ARGV[1] line key, ARGV[2] delta, ARGV[3] ttl ms.
var incrementScript = goredis.NewScript(`
local delta = tonumber(ARGV[2])
if delta < 0 and redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return -1
end
local qty = redis.call('HINCRBY', KEYS[1], ARGV[1], delta)
if qty <= 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
	qty = 0
end
if redis.call('HLEN', KEYS[1]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return qty
`)

// CartStore keeps each cart in a Redis hash cart:{subject} mapping line keys
// to quantities. Every mutation refreshes the TTL.
type CartStore struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

var _ cart.Store = (*CartStore)(nil)

// NewCartStore creates a CartStore.
func NewCartStore(client goredis.UniversalClient, ttl time.Duration) *CartStore {
	return &CartStore{client: client, ttl: ttl}
}

func (s *CartStore) Increment(ctx context.Context, subject, key string, delta int) (int, error) {
	qty, err := incrementScript.Run(ctx, s.client,
		[]string{cartKey(subject)},
		key, delta, s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis increment failed: %w", err)
	}
	if qty < 0 {
		return 0, cart.ErrLineNotFound
	}
	return qty, nil
}

func (s *CartStore) Set(ctx context.Context, subject, key string, qty int) error {
	k := cartKey(subject)
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, k, key, qty)
		p.PExpire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *CartStore) Remove(ctx context.Context, subject, key string) (bool, error) {
	k := cartKey(subject)
	var removed *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		removed = p.HDel(ctx, k, key)
		p.PExpire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis remove failed: %w", err)
	}
	return removed.Val() > 0, nil
}

func (s *CartStore) Lines(ctx context.Context, subject string) (map[string]int, error) {
	raw, err := s.client.HGetAll(ctx, cartKey(subject)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read failed: %w", err)
	}
	lines := make(map[string]int, len(raw))
	for key, v := range raw {
		qty, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		lines[key] = qty
	}
	return lines, nil
}

func (s *CartStore) Clear(ctx context.Context, subject string) error {
	if err := s.client.Del(ctx, cartKey(subject)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cartKey(subject string) string {
	return fmt.Sprintf("cart:%s", subject)
}
