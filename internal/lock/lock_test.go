package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orderflow/internal/config"
)

func TestLocal_TryLockBusy(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	release, err := l.TryLock(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, l.Held("order-1"))

	_, err = l.TryLock(ctx, "order-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBusy))

	other, err := l.TryLock(ctx, "order-2")
	require.NoError(t, err)
	other()

	release()
	release()
	assert.False(t, l.Held("order-1"))

	again, err := l.TryLock(ctx, "order-1")
	require.NoError(t, err)
	again()
}

func TestLocal_LockWaits(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	release, err := l.TryLock(ctx, "order-1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := l.Lock(ctx, "order-1")
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("Lock returned while the key was held")
	case <-time.After(30 * time.Millisecond):
	}
	release()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("Lock did not return after release")
	}
}

func TestLocal_LockContextDone(t *testing.T) {
	l := NewLocal()
	release, err := l.TryLock(context.Background(), "order-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "order-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestLocal_ConcurrentTryLock(t *testing.T) {
	l := NewLocal()
	var wins, busy atomic.Int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := l.TryLock(context.Background(), "order-1")
			if err == nil {
				wins.Add(1)
				return
			}
			if errors.Is(err, ErrBusy) {
				busy.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), busy.Load())
}

func TestNew(t *testing.T) {
	l, err := New(config.LockConfig{Backend: "local"})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, l)

	r, err := New(config.LockConfig{Backend: "redis", RedisAddr: "localhost:6379", TTLSecs: 60})
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, r)

	_, err = New(config.LockConfig{Backend: "zookeeper"})
	require.Error(t, err)
}

// TestRedis_Integration requires a running Redis and is skipped otherwise.
func TestRedis_Integration(t *testing.T) {
	r := NewRedis(RedisOptions{Addr: "localhost:6379", TTL: 5 * time.Second, Prefix: "orderflow:test:"})
	ctx := context.Background()
	if err := r.Ping(ctx); err != nil {
		t.Skip("redis not available")
	}

	release, err := r.TryLock(ctx, "order-1")
	require.NoError(t, err)

	_, err = r.TryLock(ctx, "order-1")
	assert.True(t, errors.Is(err, ErrBusy))

	release()
	release2, err := r.Lock(ctx, "order-1")
	require.NoError(t, err)
	release2()
}
