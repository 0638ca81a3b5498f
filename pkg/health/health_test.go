package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passing(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func runN(h *Health, name string, n int) {
	for _, c := range h.checks {
		if c.name == name {
			for range n {
				c.run(context.Background())
			}
		}
	}
}

func probe(t *testing.T, endpoint http.HandlerFunc) (int, Report) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))

	var rep Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rep))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	return w.Code, rep
}

func TestLiveEndpoint(t *testing.T) {
	h := New()
	h.Register("goroutines", Liveness, passing)
	h.Register("db", Liveness, failing("connection refused"))

	code, rep := probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code, "checks start healthy")
	assert.Equal(t, "ok", rep.Status)

	runN(h, "db", 2)
	code, _ = probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code, "below failure threshold")

	runN(h, "db", 1)
	code, rep = probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", rep.Status)
	assert.Equal(t, map[string]string{"db": "connection refused"}, rep.Checks)
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.Register("postgres", Readiness, failing("timeout"), WithThresholds(1, 1))
	h.Register("goroutines", Liveness, failing("leak"), WithThresholds(1, 1))

	code, rep := probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, rep.Checks, "_readiness")

	h.SetReady(true)
	code, _ = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, h.IsReady())

	runN(h, "postgres", 1)
	runN(h, "goroutines", 1)
	code, rep = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"postgres": "timeout"}, rep.Checks, "liveness failures do not affect readiness")
	assert.False(t, h.IsReady())

	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestCheckRecovery(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	h := New()
	h.Register("redis", Readiness, func(context.Context) error {
		if fail.Load() {
			return errors.New("down")
		}
		return nil
	}, WithThresholds(2, 2))
	h.SetReady(true)

	runN(h, "redis", 2)
	require.False(t, h.IsReady())

	fail.Store(false)
	runN(h, "redis", 1)
	assert.False(t, h.IsReady(), "one pass is below the success threshold")
	runN(h, "redis", 1)
	assert.True(t, h.IsReady())
}

func TestCheckTimeout(t *testing.T) {
	h := New()
	h.Register("slow", Readiness, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(10*time.Millisecond), WithThresholds(1, 1))
	h.SetReady(true)

	runN(h, "slow", 1)
	_, rep := probe(t, h.ReadyEndpoint)
	assert.Equal(t, context.DeadlineExceeded.Error(), rep.Checks["slow"])
}

func TestStartStop(t *testing.T) {
	var calls atomic.Int32
	h := New()
	h.Register("count", Liveness, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	h.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	h.Stop()
	h.Stop()

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no runs after Stop")
}

func TestConcurrentProbes(t *testing.T) {
	h := New()
	h.Register("db", Readiness, failing("flaky"))
	h.SetReady(true)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				w := httptest.NewRecorder()
				h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
				_ = h.IsReady()
			}
		}()
	}
	wg.Wait()
}

func TestRedisCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	check := Redis(rdb)
	require.NoError(t, check(context.Background()))

	mr.Close()
	assert.Error(t, check(context.Background()))
}

type closer bool

func (c closer) IsClosed() bool { return bool(c) }

func TestConnectionCheck(t *testing.T) {
	assert.NoError(t, Connection(closer(false))(context.Background()))
	assert.Error(t, Connection(closer(true))(context.Background()))
}

func TestGoroutineCount(t *testing.T) {
	assert.NoError(t, GoroutineCount(1_000_000)(context.Background()))
	assert.Error(t, GoroutineCount(0)(context.Background()))
}
