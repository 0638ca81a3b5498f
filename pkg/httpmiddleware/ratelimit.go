package httpmiddleware

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig configures the fixed window rate limiter.
type RateLimitConfig struct {
	// Max is the number of requests allowed per key and window.
	Max int
	// Window is the length of each counting window.
	Window time.Duration
	// Prefix namespaces the counter keys in Redis.
	Prefix string
	// KeyFunc extracts the rate limit key. ClientIP is used when nil.
	KeyFunc func(*http.Request) string
}

// rateLimiter counts requests per key in Redis so every replica shares one
// budget. Counters live in keys named after the window they count.
type rateLimiter struct {
	cfg RateLimitConfig
	rdb redis.Cmdable
	now func() time.Time
}

func newRateLimiter(rdb redis.Cmdable, cfg RateLimitConfig) *rateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "ratelimit:"
	}
	return &rateLimiter{cfg: cfg, rdb: rdb, now: time.Now}
}

// allow counts one request for key and reports the remaining budget and the
// end of the current window.
func (rl *rateLimiter) allow(ctx context.Context, key string) (remaining int, resetAt time.Time, allowed bool, _ error) {
	now := rl.now()
	start := now.Truncate(rl.cfg.Window)
	resetAt = start.Add(rl.cfg.Window)
	counter := rl.cfg.Prefix + key + ":" + strconv.FormatInt(start.Unix(), 10)

	var incr *redis.IntCmd
	if _, err := rl.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, counter)
		pipe.PExpire(ctx, counter, rl.cfg.Window)
		return nil
	}); err != nil {
		return 0, resetAt, false, errors.Wrap(err, "count request")
	}

	count := int(incr.Val())
	if count > rl.cfg.Max {
		return 0, resetAt, false, nil
	}
	return rl.cfg.Max - count, resetAt, true, nil
}

// RateLimit rejects requests over the per-key budget with 429. Every
// response carries X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset. Requests pass when Redis is unreachable.
func RateLimit(rdb redis.Cmdable, cfg RateLimitConfig) Middleware {
	return rateLimitMiddleware(newRateLimiter(rdb, cfg))
}

func rateLimitMiddleware(rl *rateLimiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remaining, resetAt, allowed, err := rl.allow(r.Context(), rl.cfg.KeyFunc(r))
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.Max))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !allowed {
				retryAfter := max(resetAt.Sub(rl.now()), 0)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HeaderOrIP keys requests by header, falling back to the client IP.
func HeaderOrIP(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if v := r.Header.Get(header); v != "" {
			return "h:" + v
		}
		return "ip:" + ClientIP(r)
	}
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// remote address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": msg,
	})
}
