package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/banditlabs/bandgate/internal/middleware"
	"github.com/banditlabs/bandgate/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore shares idempotency state across replicas: SETNX
// claims the processing lock, the finished response replaces it under the
// same TTL.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

type redisIdemPayload struct {
	Status     int    `json:"status"`
	Body       []byte `json:"body"`
	CreatedAt  int64  `json:"created_at"`
	Processing bool   `json:"processing"`
}

func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{client: client, ttl: ttl, prefix: "idem:"}
}

func (s *RedisIdempotencyStore) GetOrLock(key string) (*middleware.IdempotencyRecord, bool) {
	ctx := context.Background()
	full := s.prefix + key

	lock := redisIdemPayload{Processing: true, CreatedAt: time.Now().Unix()}
	payload, _ := json.Marshal(lock)
	ok, err := s.client.SetNX(ctx, full, payload, s.ttl).Result()
	if err != nil {
		logger.Warn("idempotency store unavailable, letting request through", "error", err)
		return nil, false
	}
	if ok {
		return nil, false
	}

	raw, err := s.client.Get(ctx, full).Bytes()
	if err != nil {
		return nil, false
	}
	var stored redisIdemPayload
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false
	}
	return &middleware.IdempotencyRecord{
		Status:     stored.Status,
		Body:       stored.Body,
		CreatedAt:  time.Unix(stored.CreatedAt, 0),
		Processing: stored.Processing,
	}, true
}

func (s *RedisIdempotencyStore) Save(key string, status int, body []byte) {
	payload, _ := json.Marshal(redisIdemPayload{
		Status:    status,
		Body:      body,
		CreatedAt: time.Now().Unix(),
	})
	if err := s.client.Set(context.Background(), s.prefix+key, payload, s.ttl).Err(); err != nil {
		logger.Warn("failed to save idempotency record", "error", err)
	}
}

func (s *RedisIdempotencyStore) Unlock(key string) {
	if err := s.client.Del(context.Background(), s.prefix+key).Err(); err != nil {
		logger.Warn("failed to unlock idempotency key", "error", err)
	}
}
