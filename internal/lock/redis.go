package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces lock keys in redis.
const DefaultKeyPrefix = "taskplane:lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX.
type Redis struct {
	Client  redis.UniversalClient
	Prefix  string
	MaxWait time.Duration
	Logger  *slog.Logger
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr string, maxWait time.Duration, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Redis{Client: client, MaxWait: maxWait, Logger: logger}, nil
}

func (r *Redis) key(key string) string {
	if r.Prefix == "" {
		return DefaultKeyPrefix + key
	}
	return r.Prefix + key
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	k := r.key(key)
	token, err := acquire(ctx, r.MaxWait, func(token string) error {
		ok, err := r.Client.SetNX(ctx, k, token, ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to set lock %s: %w", k, err)
		}
		if !ok {
			return errHeld
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.Client, []string{k}, token).Err(); err != nil {
				logger := r.Logger
				if logger == nil {
					logger = slog.Default()
				}
				logger.Warn("failed to release lock", "key", k, "err", err)
			}
		})
	}, nil
}

// Close closes the redis client.
func (r *Redis) Close() error {
	return r.Client.Close()
}
