package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "reportcron:trigger-lock:"

// acquireScript takes a free key, or refreshes the lease when the caller
// already holds it.
var acquireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
return 0
`)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX behind a holder check.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLocker accepts a *redis.Client, *redis.ClusterClient or ring.
func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client, prefix: defaultRedisPrefix}
}

// WithPrefix namespaces lock keys, e.g. per environment.
func (l *RedisLocker) WithPrefix(prefix string) *RedisLocker {
	l.prefix = prefix
	return l
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	n, err := acquireScript.Run(ctx, l.client, []string{l.prefix + key}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lock: redis acquire %s: %w", key, err)
	}
	return n == 1, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, holder).Err(); err != nil {
		return fmt.Errorf("lock: redis release %s: %w", key, err)
	}
	return nil
}

var _ Locker = (*RedisLocker)(nil)
