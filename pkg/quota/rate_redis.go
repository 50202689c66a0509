package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRate keeps the sliding action window in a Redis sorted set per
// tenant, scored by timestamp, so the window is shared across nodes.
type RedisRate struct {
	client *redis.Client
	prefix string
}

func NewRedisRate(addr, password string, db int) *RedisRate {
	return &RedisRate{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: "predator:action_rate:",
	}
}

// NewRedisRateWithClient wraps an existing client.
func NewRedisRateWithClient(client *redis.Client) *RedisRate {
	return &RedisRate{client: client, prefix: "predator:action_rate:"}
}

func (r *RedisRate) key(tenantID string) string {
	return r.prefix + tenantID
}

func (r *RedisRate) Register(ctx context.Context, tenantID string, ts float64) error {
	key := r.key(tenantID)
	// Members must be distinct even at identical timestamps or ZADD
	// collapses them and the window undercounts.
	member := strconv.FormatFloat(ts, 'f', 6, 64) + ":" + uuid.NewString()
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: ts, Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatFloat(ts-3600.0, 'f', 6, 64))
	pipe.Expire(ctx, key, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quota: redis register: %w", err)
	}
	return nil
}

func (r *RedisRate) CountSince(ctx context.Context, tenantID string, sinceTS float64) (int, error) {
	count, err := r.client.ZCount(ctx, r.key(tenantID),
		strconv.FormatFloat(sinceTS, 'f', 6, 64), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("quota: redis count: %w", err)
	}
	return int(count), nil
}

// Close releases the underlying client.
func (r *RedisRate) Close() error {
	return r.client.Close()
}
