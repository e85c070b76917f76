package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockKey is the key engines lock under unless configured otherwise.
const DefaultLockKey = "revctl:migrate"

// Locker is an optional outer single-writer guard taken before the
// applied-state lock. Implementations never block: a held lock fails with
// *LockHeldError.
type Locker interface {
	// TryAcquire takes the lock for key. The returned release function
	// must be called to release it.
	TryAcquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// NewToken returns a fresh lock token.
func NewToken() string { return uuid.NewString() }

// LockID produces a stable int64 from a string key for use with
// pg_try_advisory_lock. Uses FNV-1a.
func LockID(key string) int64 {
	var h uint64 = 14695981039346656037 // FNV offset basis
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211 // FNV prime
	}
	return int64(h & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // intentional truncation for advisory lock key
}

// RedisClient is the subset of go-redis client methods used by RedisLock.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	redis.Scripter
}

// releaseScript deletes the key only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock implements Locker with Redis SET NX PX. The TTL bounds how long
// a crashed holder can block others; it should exceed the longest expected
// run.
type RedisLock struct {
	client RedisClient
	ttl    time.Duration
}

// NewRedisLock creates a RedisLock. A non-positive ttl defaults to one hour.
func NewRedisLock(client RedisClient, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisLock{client: client, ttl: ttl}
}

// TryAcquire sets key to a fresh token if it is unset.
func (l *RedisLock) TryAcquire(ctx context.Context, key string) (func(context.Context) error, error) {
	token := NewToken()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		held := &LockHeldError{}
		if holder, err := l.client.Get(ctx, key).Result(); err == nil {
			held.Holder = holder
		} else if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		return nil, held
	}
	return l.buildRelease(key, token), nil
}

func (l *RedisLock) buildRelease(key, token string) func(context.Context) error {
	var once sync.Once
	var err error
	return func(ctx context.Context) error {
		once.Do(func() {
			if e := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); e != nil && !errors.Is(e, redis.Nil) {
				err = fmt.Errorf("release redis lock %s: %w", key, e)
			}
		})
		return err
	}
}
