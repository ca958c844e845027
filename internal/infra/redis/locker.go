package redis

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock could not be taken before the wait limit.
var ErrLockTimeout = errors.New("lock wait timed out")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a cross-instance lock (SET NX PX) satisfying app.Locker. The lease expires on its
// own if the holder dies.
type Locker struct {
	client *redis.Client
	lease  time.Duration
	wait   time.Duration
}

func NewLocker(client *redis.Client, lease, wait time.Duration) *Locker {
	return &Locker{client: client, lease: lease, wait: wait}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	redisKey := "lock:" + key

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = l.wait

	acquire := func() error {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.lease).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrLockTimeout
		}
		return nil
	}
	if err := backoff.Retry(acquire, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return func() {
		_ = releaseScript.Run(context.Background(), l.client, []string{redisKey}, token).Err()
	}, nil
}
