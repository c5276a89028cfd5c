package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// releaseScript deletes KEYS[1] only while it still holds this owner's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions configures a Redis locker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a crashed holder keeps a key. It must exceed the
	// longest run the lock protects.
	TTL time.Duration
	// Prefix is prepended to every key.
	Prefix string
}

// Redis is a Locker shared by every process using the same Redis.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	poll   time.Duration
}

// NewRedis creates a Redis locker.
func NewRedis(opts RedisOptions) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisWithClient(rdb, opts)
}

// NewRedisWithClient creates a Redis locker over an existing client.
func NewRedisWithClient(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.Prefix == "" {
		opts.Prefix = "orderflow:lock:"
	}
	return &Redis{client: client, ttl: opts.TTL, prefix: opts.Prefix, poll: 50 * time.Millisecond}
}

// TryLock implements Locker.
func (r *Redis) TryLock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, r.ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "lock: redis set %s", key)
	}
	if !ok {
		return nil, eris.Wrapf(ErrBusy, "key %s", key)
	}
	return r.release(key, token), nil
}

// Lock implements Locker by polling TryLock with a capped backoff.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	wait := r.poll
	for {
		release, err := r.TryLock(ctx, key)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrBusy) {
			return nil, err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, eris.Wrapf(ctx.Err(), "lock: wait for %s", key)
		case <-timer.C:
		}
		wait = min(wait*2, time.Second)
	}
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return eris.Wrap(r.client.Ping(ctx).Err(), "lock: redis ping")
}

func (r *Redis) release(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The holder's context may already be done.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, token).Err(); err != nil {
				zap.L().Warn("lock: redis release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}
}
