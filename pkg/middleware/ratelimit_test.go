package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orgplane/pkg/contextkeys"
	"github.com/platinummonkey/orgplane/pkg/identity"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRateLimiter_Allow(t *testing.T) {
	client, mr := setupRedis(t)
	limiter := NewRateLimiter(client, RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}, "test")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 3, d.Limit)
	assert.Equal(t, time.Minute, d.Reset)

	t.Run("other keys are independent", func(t *testing.T) {
		d, err := limiter.Allow(ctx, "other")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("window expires", func(t *testing.T) {
		mr.FastForward(time.Minute + time.Second)
		d, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2, d.Remaining)
	})

	t.Run("later requests do not extend the window", func(t *testing.T) {
		mr.FastForward(30 * time.Second)
		_, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, mr.TTL("test:k"))
	})

	t.Run("reset", func(t *testing.T) {
		require.NoError(t, limiter.Reset(ctx, "k"))
		assert.False(t, mr.Exists("test:k"))
	})
}

func TestRateLimiter_RestoresMissingExpiry(t *testing.T) {
	client, mr := setupRedis(t)
	limiter := NewRateLimiter(client, RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Minute}, "test")

	require.NoError(t, mr.Set("test:k", "2"))

	d, err := limiter.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, time.Minute, mr.TTL("test:k"))
}

func TestRateLimitMiddleware(t *testing.T) {
	client, mr := setupRedis(t)
	m := NewRateLimitMiddleware(client,
		RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute},
		RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute},
	)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(r *http.Request) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		return rec
	}
	anonymous := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:5555"
		return r
	}
	authenticated := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		return r.WithContext(contextkeys.WithIdentity(r.Context(), &identity.Identity{ID: 42}))
	}

	t.Run("anonymous by IP", func(t *testing.T) {
		rec := serve(anonymous())
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
		assert.True(t, mr.Exists("ratelimit:anon:ip:10.0.0.1"))

		rec = serve(anonymous())
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), "rate limit exceeded")
	})

	t.Run("identity has its own budget", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, serve(authenticated()).Code)
		assert.Equal(t, http.StatusNoContent, serve(authenticated()).Code)
		assert.Equal(t, http.StatusTooManyRequests, serve(authenticated()).Code)
		assert.True(t, mr.Exists("ratelimit:identity:id:42"))
	})

	t.Run("fails open without redis", func(t *testing.T) {
		mr.Close()
		assert.Equal(t, http.StatusNoContent, serve(anonymous()).Code)
	})
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"}, "10.0.0.3:1", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.3:1", "198.51.100.4"},
		{"remote addr", nil, "192.0.2.9:4444", "192.0.2.9"},
		{"remote without port", nil, "192.0.2.9", "192.0.2.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}
