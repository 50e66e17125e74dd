package lock

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	BackendRedis     = "redis"
	BackendZookeeper = "zookeeper"
	BackendLocal     = "local"
)

type Options struct {
	Backend   string
	TTL       time.Duration
	Redis     *redis.Client
	ZKServers []string
}

// New выбирает реализацию по имени бэкенда. Возвращаемая функция закрывает соединения бэкенда.
func New(opt Options, log *zap.Logger) (Locker, func(), error) {
	switch opt.Backend {
	case BackendRedis, "":
		if opt.Redis == nil {
			return nil, nil, fmt.Errorf("redis lock backend requires a redis client")
		}
		return NewRedisLocker(opt.Redis, opt.TTL, log), func() {}, nil
	case BackendZookeeper:
		if len(opt.ZKServers) == 0 {
			return nil, nil, fmt.Errorf("zookeeper lock backend requires ZK_SERVERS")
		}
		zl, err := NewZookeeperLocker(opt.ZKServers, opt.TTL, log)
		if err != nil {
			return nil, nil, err
		}
		return zl, zl.Close, nil
	case BackendLocal:
		log.Warn("Using in-process lock, safe only for a single instance")
		return NewLocalLocker(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown lock backend %q", opt.Backend)
}
