package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisLockPrefix   = "lock:"
	redisPollInterval = 20 * time.Millisecond
)

// удаляем ключ только если он всё ещё принадлежит нашему токену
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, log: log}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, wait time.Duration) (Handle, error) {
	redisKey := redisLockPrefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return &redisHandle{locker: l, key: redisKey, token: token}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrLockUnavailable
		}

		timer := time.NewTimer(min(redisPollInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

type redisHandle struct {
	locker *RedisLocker
	key    string
	token  string
}

func (h *redisHandle) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, h.locker.client, []string{h.key}, h.token).Int64()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", h.key, err)
	}
	if n == 0 {
		// TTL истёк раньше, чем мы закончили: ключ мог перехватить другой владелец
		h.locker.log.Warn("lock expired before release", zap.String("key", h.key))
		return ErrLockNotHeld
	}
	return nil
}
