// Package lock provides a Redis lease used to keep reconciliation runs
// exclusive across reconciler replicas.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

const keyPrefix = "auditlog:lock:"

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type Config struct {
	URL string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	TTL time.Duration `envconfig:"LOCK_TTL" default:"30s"`
}

// NewClient parses cfg.URL and pings the server.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", core.ErrStoreUnavailable, err)
	}
	return client, nil
}

// Redis holds named leases. A held lease is renewed every TTL/3 until
// released, so it outlives its TTL only while the holder is alive.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, log *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, ttl: ttl, log: log}
}

// Acquire takes the lease or fails with core.ErrLockHeld.
func (l *Redis) Acquire(ctx context.Context, name string) (func(), error) {
	key := keyPrefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: acquire lock %s: %v", core.ErrStoreUnavailable, name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrLockHeld, name)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				l.log.Warn("release lock", zap.String("lock", name), zap.Error(err))
			}
		})
	}, nil
}

func (l *Redis) renew(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.log.Warn("renew lock", zap.String("key", key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.log.Error("lock lost", zap.String("key", key))
				return
			}
		}
	}
}
