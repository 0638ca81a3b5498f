package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

var fixedNow = time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)

func newTestLimiter(t *testing.T, cfg RateLimitConfig) (http.Handler, *rateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rl := newRateLimiter(rdb, cfg)
	rl.now = func() time.Time { return fixedNow }
	return rateLimitMiddleware(rl)(okHandler()), rl, mr
}

func request(remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	return req
}

func TestRateLimit_UnderLimit(t *testing.T) {
	handler, _, _ := newTestLimiter(t, RateLimitConfig{Max: 5, Window: time.Minute})

	for i := range 5 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, request("192.168.1.1:12345"))

		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(4-i), w.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	handler, _, _ := newTestLimiter(t, RateLimitConfig{Max: 2, Window: time.Minute})

	for range 2 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, request("10.0.0.1:9999"))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request("10.0.0.1:9999"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "30", w.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "rate_limited", body["code"])
}

func TestRateLimit_NextWindow(t *testing.T) {
	handler, rl, _ := newTestLimiter(t, RateLimitConfig{Max: 1, Window: time.Minute})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request("10.0.0.1:1"))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, request("10.0.0.1:1"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	rl.now = func() time.Time { return fixedNow.Add(time.Minute) }
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, request("10.0.0.1:1"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_DifferentIPs(t *testing.T) {
	handler, _, _ := newTestLimiter(t, RateLimitConfig{Max: 1, Window: time.Minute})

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, request("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, request("10.0.0.2:1234"))
	assert.Equal(t, http.StatusOK, w2.Code)

	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, request("10.0.0.1:5678"))
	assert.Equal(t, http.StatusTooManyRequests, w3.Code)
}

func TestRateLimit_HeaderOrIP(t *testing.T) {
	handler, _, _ := newTestLimiter(t, RateLimitConfig{
		Max:     1,
		Window:  time.Minute,
		KeyFunc: HeaderOrIP("X-Subject-ID"),
	})

	req := func(subject string) *http.Request {
		r := request("10.0.0.1:1")
		if subject != "" {
			r.Header.Set("X-Subject-ID", subject)
		}
		return r
	}

	for _, tt := range []struct {
		subject string
		want    int
	}{
		{"alice", http.StatusOK},
		{"alice", http.StatusTooManyRequests},
		{"bob", http.StatusOK},
		{"", http.StatusOK},
		{"", http.StatusTooManyRequests},
	} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req(tt.subject))
		assert.Equal(t, tt.want, w.Code, "subject %q", tt.subject)
	}
}

func TestRateLimit_KeysExpire(t *testing.T) {
	handler, _, mr := newTestLimiter(t, RateLimitConfig{Max: 3, Window: time.Minute, Prefix: "rl:"})

	handler.ServeHTTP(httptest.NewRecorder(), request("10.0.0.9:1"))

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, time.Minute, mr.TTL(keys[0]))
}

func TestRateLimit_FailOpen(t *testing.T) {
	handler, _, mr := newTestLimiter(t, RateLimitConfig{Max: 1, Window: time.Minute})
	mr.Close()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, request("10.0.0.1:1"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{name: "forwarded", header: map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2"}, remote: "3.3.3.3:1", want: "1.1.1.1"},
		{name: "real ip", header: map[string]string{"X-Real-IP": "4.4.4.4"}, remote: "3.3.3.3:1", want: "4.4.4.4"},
		{name: "remote", remote: "3.3.3.3:1", want: "3.3.3.3"},
		{name: "no port", remote: "3.3.3.3", want: "3.3.3.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := request(tt.remote)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}
