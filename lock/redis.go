package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultTTL           = 10 * time.Second
	DefaultRetryInterval = 25 * time.Millisecond
	DefaultPrefix        = "closetrack:lock:"
)

// releaseScript deletes the key only while it still carries our token, so
// a holder whose lease expired cannot release the next holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisOptions struct {
	TTL           time.Duration
	RetryInterval time.Duration
	Prefix        string
}

// RedisLocker implements Locker with SET NX PX and a token-checked release.
// The lease bounds how long a crashed holder can block others.
type RedisLocker struct {
	client   redis.UniversalClient
	opts     RedisOptions
	log      *zap.Logger
	newToken func() string
}

func NewRedisLocker(client redis.UniversalClient, opts RedisOptions, log *zap.Logger) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLocker{client: client, opts: opts, log: log, newToken: uuid.NewString}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.opts.Prefix + key
	token := l.newToken()

	ticker := time.NewTicker(l.opts.RetryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: redis set %s: %w", redisKey, err)
		}
		if ok {
			var once sync.Once
			return func() { once.Do(func() { l.release(redisKey, token) }) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock: acquire %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// release runs on its own context so a cancelled request still frees the lock.
func (l *RedisLocker) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	deleted, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int()
	if err != nil {
		l.log.Warn("failed to release lock", zap.String("key", redisKey), zap.Error(err))
		return
	}
	if deleted == 0 {
		l.log.Warn("lock lease expired before release", zap.String("key", redisKey))
	}
}
