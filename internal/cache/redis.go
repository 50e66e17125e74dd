package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"stock-service/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	holdKeyPrefix = "stock:hold:"
	indexPrefix   = "stock:hold:idx:"
	journalKey    = "stock:hold:journal"
	deadlinesKey  = "stock:hold:deadlines"
)

type RedisClient struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisClient(addr, password string, db int, log *zap.Logger) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("Redis connected successfully", zap.String("addr", addr))

	return &RedisClient{
		client: rdb,
		log:    log,
	}, nil
}

// NewFromClient оборачивает уже созданный клиент (тесты, общий пул с локером).
func NewFromClient(rdb *redis.Client, log *zap.Logger) *RedisClient {
	return &RedisClient{client: rdb, log: log}
}

func (r *RedisClient) Client() *redis.Client { return r.client }

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func holdKey(businessKey string) string { return holdKeyPrefix + businessKey }

func indexKey(skuID, warehouseID string) string {
	return indexPrefix + skuID + ":" + warehouseID
}

// KEYS: hold, index, journal, deadlines
// ARGV: business key, payload, ttl ms, deadline ms
var putHoldScript = redis.NewScript(`
if not redis.call("set", KEYS[1], ARGV[2], "NX", "PX", ARGV[3]) then
    return 0
end
redis.call("sadd", KEYS[2], ARGV[1])
if redis.call("pttl", KEYS[2]) < tonumber(ARGV[3]) then
    redis.call("pexpire", KEYS[2], ARGV[3])
end
redis.call("hset", KEYS[3], ARGV[1], ARGV[2])
redis.call("zadd", KEYS[4], ARGV[4], ARGV[1])
return 1
`)

// KEYS: hold, index, journal, deadlines
// ARGV: business key
var deleteHoldScript = redis.NewScript(`
redis.call("del", KEYS[1])
redis.call("srem", KEYS[2], ARGV[1])
redis.call("hdel", KEYS[3], ARGV[1])
redis.call("zrem", KEYS[4], ARGV[1])
return 1
`)

// Put атомарно записывает резерв и индекс (sku, warehouse). false: резерв с таким ключом уже есть.
func (r *RedisClient) Put(ctx context.Context, hold *models.ReservationHold, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(hold)
	if err != nil {
		return false, err
	}
	keys := []string{holdKey(hold.BusinessKey), indexKey(hold.SkuID, hold.WarehouseID), journalKey, deadlinesKey}
	n, err := putHoldScript.Run(ctx, r.client, keys,
		hold.BusinessKey, payload, ttl.Milliseconds(), hold.ExpiresAt.UnixMilli(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("put hold %s: %w", hold.BusinessKey, err)
	}
	return n == 1, nil
}

func (r *RedisClient) Get(ctx context.Context, businessKey string) (*models.ReservationHold, error) {
	raw, err := r.client.Get(ctx, holdKey(businessKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var h models.ReservationHold
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode hold %s: %w", businessKey, err)
	}
	return &h, nil
}

func (r *RedisClient) Delete(ctx context.Context, hold *models.ReservationHold) error {
	keys := []string{holdKey(hold.BusinessKey), indexKey(hold.SkuID, hold.WarehouseID), journalKey, deadlinesKey}
	return deleteHoldScript.Run(ctx, r.client, keys, hold.BusinessKey).Err()
}

// ListBySku возвращает активные резервы по индексу, попутно вычищая из него истёкшие ключи.
func (r *RedisClient) ListBySku(ctx context.Context, skuID, warehouseID string) ([]models.ReservationHold, error) {
	idx := indexKey(skuID, warehouseID)
	members, err := r.client.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = holdKey(m)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	holds := make([]models.ReservationHold, 0, len(values))
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		var h models.ReservationHold
		if err := json.Unmarshal([]byte(s), &h); err != nil {
			r.log.Warn("skip undecodable hold", zap.String("business_key", members[i]), zap.Error(err))
			continue
		}
		holds = append(holds, h)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, idx, stale...).Err(); err != nil {
			r.log.Warn("prune hold index", zap.String("index", idx), zap.Error(err))
		}
	}
	return holds, nil
}

// DueForSweep отдаёт записи журнала с истёкшим дедлайном, у которых резерв уже исчез по TTL.
func (r *RedisClient) DueForSweep(ctx context.Context, now time.Time, limit int) ([]models.ReservationHold, error) {
	keys, err := r.client.ZRangeByScore(ctx, deadlinesKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	payloads, err := r.client.HMGet(ctx, journalKey, keys...).Result()
	if err != nil {
		return nil, err
	}

	due := make([]models.ReservationHold, 0, len(keys))
	for i, p := range payloads {
		s, ok := p.(string)
		if !ok {
			// журнал уже вычищен, остался только дедлайн
			_ = r.client.ZRem(ctx, deadlinesKey, keys[i]).Err()
			continue
		}
		alive, err := r.client.Exists(ctx, holdKey(keys[i])).Result()
		if err != nil {
			return nil, err
		}
		if alive > 0 {
			continue
		}
		var h models.ReservationHold
		if err := json.Unmarshal([]byte(s), &h); err != nil {
			r.log.Warn("skip undecodable journal entry", zap.String("business_key", keys[i]), zap.Error(err))
			continue
		}
		due = append(due, h)
	}
	return due, nil
}

func (r *RedisClient) Journaled(ctx context.Context, businessKey string) (bool, error) {
	return r.client.HExists(ctx, journalKey, businessKey).Result()
}

func (r *RedisClient) Forget(ctx context.Context, businessKey string) error {
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, journalKey, businessKey)
	pipe.ZRem(ctx, deadlinesKey, businessKey)
	_, err := pipe.Exec(ctx)
	return err
}
