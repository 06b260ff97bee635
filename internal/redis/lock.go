package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Lock key pattern:
// - lock:job:{name} - holder token, TTL bounds a crashed holder

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// JobLocker hands out cluster-wide job locks so a scheduled job runs on one worker at a time.
type JobLocker struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewJobLocker(client *goredis.Client, ttl time.Duration) *JobLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &JobLocker{client: client, ttl: ttl}
}

// TryLock acquires the lock for name. The returned release func is nil when the lock is held elsewhere.
func (l *JobLocker) TryLock(ctx context.Context, name string) (func(context.Context) error, error) {
	key := "lock:job:" + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
