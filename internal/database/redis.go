package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/config"
)

// RedisClient wraps redis.Client
type RedisClient struct {
	*redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{Client: rdb}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// RedisGuard claims occurrence keys with SETNX so that several processes
// share one idempotence boundary
type RedisGuard struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ automation.OccurrenceGuard = (*RedisGuard)(nil)

// NewRedisGuard creates a guard whose claims expire after ttl.
// The ttl must outlive the scheduling horizon.
func NewRedisGuard(client redis.Cmdable, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisGuard{client: client, ttl: ttl}
}

func occurrenceKey(key string) string {
	return fmt.Sprintf("occurrence:%s", key)
}

// Claim reserves an occurrence key. It reports false if the key was already taken.
func (g *RedisGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, occurrenceKey(key), time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim occurrence: %w", err)
	}
	return ok, nil
}

// Release gives an occurrence key back
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, occurrenceKey(key)).Err()
}

// RedisIntentQueue keeps deferred intents in a sorted set scored by firing time
type RedisIntentQueue struct {
	client redis.Cmdable
	key    string
	logger *zap.Logger
}

var _ automation.IntentQueue = (*RedisIntentQueue)(nil)

// NewRedisIntentQueue creates a queue stored under key
func NewRedisIntentQueue(client redis.Cmdable, key string, logger *zap.Logger) *RedisIntentQueue {
	if key == "" {
		key = "automation:deferred_intents"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisIntentQueue{client: client, key: key, logger: logger}
}

// Push adds an intent
func (q *RedisIntentQueue) Push(ctx context.Context, intent *automation.Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to encode intent: %w", err)
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(intent.FiredAt.UnixMilli()),
		Member: string(data),
	}).Err()
}

// PopDue removes and returns up to limit intents whose firing time is not after now.
// A member removed by a concurrent poller is skipped and an undecodable one is
// logged and removed. A removal failure after some intents were popped ends
// the batch early without an error; the rest stays queued.
func (q *RedisIntentQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]*automation.Intent, error) {
	count := int64(limit)
	if count <= 0 {
		count = 0
	}
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read deferred intents: %w", err)
	}

	due := make([]*automation.Intent, 0, len(members))
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			if len(due) > 0 {
				q.logger.Warn("Stopped popping deferred intents", zap.Int("popped", len(due)), zap.Error(err))
				return due, nil
			}
			return nil, fmt.Errorf("failed to pop deferred intent: %w", err)
		}
		if removed == 0 {
			continue
		}
		var intent automation.Intent
		if err := json.Unmarshal([]byte(member), &intent); err != nil {
			q.logger.Error("Discarding undecodable deferred intent", zap.String("member", member), zap.Error(err))
			continue
		}
		due = append(due, &intent)
	}
	return due, nil
}

// Len returns the number of waiting intents
func (q *RedisIntentQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
