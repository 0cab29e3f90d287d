package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securebridge/dicom-bridge/pkg/audit"
)

func newLimiter(t *testing.T, store WindowStore, clock func() time.Time, failOpen bool) (*RateLimiter, *audit.Recorder) {
	t.Helper()
	rec := audit.NewRecorder()
	l, err := NewRateLimiter(RateLimiterOptions{
		Store:       store,
		Window:      time.Minute,
		MaxRequests: 3,
		FailOpen:    failOpen,
		AuditLog:    rec,
		Clock:       clock,
	})
	require.NoError(t, err)
	return l, rec
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stores := map[string]WindowStore{
		"memory": NewMemoryWindowStore(),
		"redis":  NewRedisWindowStore(client, "test"),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			now := time.Unix(1_700_000_000, 0)
			l, _ := newLimiter(t, store, func() time.Time { return now }, true)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				d := l.Allow(ctx, "10.0.0.1")
				require.True(t, d.Allowed, "request %d", i)
				assert.Equal(t, 2-i, d.Remaining)
				now = now.Add(10 * time.Second)
			}

			d := l.Allow(ctx, "10.0.0.1")
			assert.False(t, d.Allowed)
			// Oldest hit was 30s ago, so it leaves the window in 30s
			assert.Equal(t, 30*time.Second, d.RetryAfter)

			// Other sources are unaffected
			assert.True(t, l.Allow(ctx, "10.0.0.2").Allowed)

			// Once the first hits age out the source recovers
			now = now.Add(61 * time.Second)
			assert.True(t, l.Allow(ctx, "10.0.0.1").Allowed)
		})
	}
}

func TestRateLimiter_RedisKeysExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisWindowStore(client, "bridge")
	_, _, err := store.Hit(context.Background(), "10.0.0.9", time.Now(), time.Minute)
	require.NoError(t, err)

	assert.True(t, mr.Exists("bridge:ratelimit:10.0.0.9"))
	assert.Equal(t, time.Minute, mr.TTL("bridge:ratelimit:10.0.0.9"))
}

func TestRateLimiter_StoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	t.Run("fail open", func(t *testing.T) {
		l, rec := newLimiter(t, NewRedisWindowStore(client, "x"), time.Now, true)
		d := l.Allow(context.Background(), "10.0.0.1")
		assert.True(t, d.Allowed)
		assert.True(t, d.Degraded)
		assert.Len(t, rec.OfType("webhook.security.rate_limit_degraded"), 1)
	})

	t.Run("fail closed", func(t *testing.T) {
		l, rec := newLimiter(t, NewRedisWindowStore(client, "x"), time.Now, false)
		d := l.Allow(context.Background(), "10.0.0.1")
		assert.False(t, d.Allowed)
		assert.True(t, d.Degraded)
		assert.Len(t, rec.OfType("webhook.security.rate_limit_degraded"), 1)
	})
}

func TestRateLimiter_Middleware(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l, rec := newLimiter(t, NewMemoryWindowStore(), func() time.Time { return now }, true)

	handler := l.Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook/store-event", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusAccepted, send().Code)
	}

	w := send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.JSONEq(t, `{"error":"rate_limit_exceeded"}`, w.Body.String())

	events := rec.OfType("webhook.security.rate_limit_exceeded")
	require.Len(t, events, 1)
	assert.Equal(t, "203.0.113.7", events[0].Details["source_ip"])
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		realIP     string
		trust      bool
		want       string
	}{
		{"remote addr", "192.0.2.1:5555", "", "", false, "192.0.2.1"},
		{"xff ignored when untrusted", "192.0.2.1:5555", "203.0.113.7", "", false, "192.0.2.1"},
		{"first xff entry", "192.0.2.1:5555", "203.0.113.7, 198.51.100.2", "", true, "203.0.113.7"},
		{"x-real-ip", "192.0.2.1:5555", "", "198.51.100.9", true, "198.51.100.9"},
		{"no port", "192.0.2.1", "", "", false, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, ClientIP(req, tt.trust))
		})
	}
}

func TestNonceStores(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	stores := map[string]NonceStore{
		"memory": NewMemoryNonceStore(),
		"redis":  NewRedisNonceStore(client, "bridge"),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := store.Claim(ctx, "abc", 10*time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.Claim(ctx, "abc", 10*time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = store.Claim(ctx, "def", 10*time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}

	assert.Equal(t, 10*time.Minute, mr.TTL("bridge:nonce:abc"))
}

func TestMemoryNonceStore_Expiry(t *testing.T) {
	s := NewMemoryNonceStore()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	ok, _ := s.Claim(context.Background(), "n", time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = s.Claim(context.Background(), "n", time.Minute)
	assert.True(t, ok)
}

func TestMemoryWindowStore_ForgetsIdleSources(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryWindowStore()
	window := time.Minute
	start := time.Now()

	for i := 0; i < 256; i++ {
		_, _, err := store.Hit(ctx, fmt.Sprintf("10.0.%d.%d", i/250, i%250), start, window)
		require.NoError(t, err)
	}
	assert.Len(t, store.hits, 256)

	later := start.Add(window + time.Second)
	for i := 0; i < 256; i++ {
		_, _, err := store.Hit(ctx, "10.9.9.9", later, window)
		require.NoError(t, err)
	}

	assert.Len(t, store.hits, 1)
	count, _, err := store.Hit(ctx, "10.9.9.9", later, window)
	require.NoError(t, err)
	assert.Equal(t, int64(257), count)
}
