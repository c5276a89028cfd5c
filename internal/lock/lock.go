// Package lock provides order-scoped mutual exclusion so at most one run
// mutates an order at a time.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/config"
)

// ErrBusy is returned by TryLock when the key is already held.
var ErrBusy = eris.New("lock: busy")

// Locker hands out exclusive holds on keys. The returned release function
// is safe to call more than once.
type Locker interface {
	// TryLock acquires key or fails immediately with ErrBusy.
	TryLock(ctx context.Context, key string) (release func(), err error)
	// Lock waits until key is free or ctx is done.
	Lock(ctx context.Context, key string) (release func(), err error)
}

// New returns the Locker selected by cfg.
func New(cfg config.LockConfig) (Locker, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(), nil
	case "redis":
		return NewRedis(RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
			TTL:      time.Duration(cfg.TTLSecs) * time.Second,
		}), nil
	}
	return nil, eris.Errorf("lock: unknown backend %q", cfg.Backend)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewLocal creates a Local locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]chan struct{})}
}

// TryLock implements Locker.
func (l *Local) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, eris.Wrapf(ErrBusy, "key %s", key)
	}
	ch := make(chan struct{})
	l.held[key] = ch
	return l.release(key, ch), nil
}

// Lock implements Locker.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		ch, ok := l.held[key]
		if !ok {
			ch = make(chan struct{})
			l.held[key] = ch
			l.mu.Unlock()
			return l.release(key, ch), nil
		}
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "lock: wait for %s", key)
		}
	}
}

// Held reports whether key is currently held.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

func (l *Local) release(key string, ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.held[key] == ch {
				delete(l.held, key)
			}
			l.mu.Unlock()
			close(ch)
		})
	}
}
