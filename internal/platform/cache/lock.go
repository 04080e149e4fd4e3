package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates the lock is owned by another process.
var ErrLockHeld = errors.New("platform/cache: lock held")

// SweepLockKey builds the redis key guarding a named batch sweep.
func SweepLockKey(name string) string {
	return fmt.Sprintf("credit:sweep:%s:lock", name)
}

// Lock is a single-holder lock backed by redis SET NX with expiry. It guards
// the cron sweeps against concurrent scheduler triggers.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewLock constructs a lock for the given key.
func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{client: client, key: key, token: uuid.NewString(), ttl: ttl}
}

// Acquire attempts to take the lock, returning ErrLockHeld when another
// holder owns it.
func (l *Lock) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("platform/cache: acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release drops the lock if this instance still holds it. Releasing a lock
// that expired and was re-acquired elsewhere is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("platform/cache: release lock %s: %w", l.key, err)
	}
	return nil
}
