package observability

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestShutdownManager_Shutdown(t *testing.T) {
	t.Run("runs steps in order", func(t *testing.T) {
		var mu sync.Mutex
		var order []string
		sm := NewShutdownManager(quietLogger(), time.Second)
		for _, name := range []string{"grpc", "services", "otel"} {
			name := name
			sm.Register(name, func(ctx context.Context) error {
				mu.Lock()
				defer mu.Unlock()
				order = append(order, name)
				return nil
			})
		}

		require.NoError(t, sm.Shutdown())
		assert.Equal(t, []string{"grpc", "services", "otel"}, order)
	})

	t.Run("keeps going after a failed step", func(t *testing.T) {
		var ranLast bool
		sm := NewShutdownManager(quietLogger(), time.Second)
		sm.Register("redis", func(ctx context.Context) error { return errors.New("redis close failed") })
		sm.Register("otel", func(ctx context.Context) error { ranLast = true; return nil })

		err := sm.Shutdown()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis: redis close failed")
		assert.True(t, ranLast)
	})

	t.Run("deadline skips remaining steps", func(t *testing.T) {
		var ranLast bool
		sm := NewShutdownManager(quietLogger(), 20*time.Millisecond)
		sm.Register("slow", func(ctx context.Context) error {
			time.Sleep(200 * time.Millisecond)
			return nil
		})
		sm.Register("otel", func(ctx context.Context) error { ranLast = true; return nil })

		err := sm.Shutdown()
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Contains(t, err.Error(), "[otel]")
		assert.False(t, ranLast)
	})

	t.Run("drains servers", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		srv := &http.Server{Handler: http.NotFoundHandler()}
		served := make(chan error, 1)
		go func() { served <- srv.Serve(listener) }()

		sm := NewShutdownManager(quietLogger(), time.Second, srv)
		require.NoError(t, sm.Shutdown())
		assert.ErrorIs(t, <-served, http.ErrServerClosed)
	})
}

func TestShutdownManager_WaitForShutdown(t *testing.T) {
	var stopped bool
	sm := NewShutdownManager(quietLogger(), time.Second)
	sm.Register("services", func(ctx context.Context) error { stopped = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sm.WaitForShutdown(ctx))
	assert.True(t, stopped)
}
