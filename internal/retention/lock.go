package retention

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const DefaultLockKey = "tutor:retention:lock"

var ErrAlreadyRunning = errors.New("retention sweep already running")

// Locker keeps two sweeps from overlapping across instances. The lock holds a
// random token and is only released by the holder.
type Locker struct {
	client *redis.Client
	script *redis.Script
	key    string
}

func NewLocker(client *redis.Client, key string) *Locker {
	if client == nil {
		return nil
	}
	if key == "" {
		key = DefaultLockKey
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		key:    key,
	}
}

// Acquire returns a release func, or ErrAlreadyRunning when another holder
// owns the lock.
func (l *Locker) Acquire(ctx context.Context, ttl time.Duration) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return func(context.Context) error { return nil }, nil
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return func(ctx context.Context) error {
		return l.script.Run(ctx, l.client, []string{l.key}, token).Err()
	}, nil
}
