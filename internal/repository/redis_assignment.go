package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/banditlabs/bandgate/internal/model"
	"github.com/banditlabs/bandgate/internal/service"
	"github.com/redis/go-redis/v9"
)

// RedisAssignmentCache is a read-through stickiness cache in front of a
// durable AssignmentStore. The hot path of every repeat visitor is the
// (experiment, visitor) lookup; serving it from Redis keeps the database out
// of the sticky path entirely. The inner store stays the source of truth for
// writes and uniqueness.
type RedisAssignmentCache struct {
	client *redis.Client
	inner  service.AssignmentStore
	ttl    time.Duration
}

func NewRedisAssignmentCache(client *redis.Client, inner service.AssignmentStore, ttl time.Duration) *RedisAssignmentCache {
	return &RedisAssignmentCache{client: client, inner: inner, ttl: ttl}
}

func (c *RedisAssignmentCache) pairKey(experimentID, visitorID string) string {
	return "assign:pair:" + experimentID + ":" + visitorID
}

func (c *RedisAssignmentCache) idKey(assignmentID string) string {
	return "assign:id:" + assignmentID
}

func (c *RedisAssignmentCache) cache(ctx context.Context, a *model.Assignment) {
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.pairKey(a.ExperimentID, a.VisitorID), payload, c.ttl)
	pipe.Set(ctx, c.idKey(a.ID), payload, c.ttl)
	_, _ = pipe.Exec(ctx)
}

func (c *RedisAssignmentCache) lookup(ctx context.Context, key string) *model.Assignment {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil
	}
	var a model.Assignment
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil
	}
	return &a
}

func (c *RedisAssignmentCache) Put(ctx context.Context, a *model.Assignment) (*model.Assignment, bool, error) {
	winner, created, err := c.inner.Put(ctx, a)
	if err != nil {
		return nil, false, err
	}
	c.cache(ctx, winner)
	return winner, created, nil
}

func (c *RedisAssignmentCache) Replace(ctx context.Context, a *model.Assignment) error {
	if err := c.inner.Replace(ctx, a); err != nil {
		return err
	}
	c.cache(ctx, a)
	return nil
}

func (c *RedisAssignmentCache) Get(ctx context.Context, experimentID, visitorID string) (*model.Assignment, error) {
	if a := c.lookup(ctx, c.pairKey(experimentID, visitorID)); a != nil {
		return a, nil
	}
	a, err := c.inner.Get(ctx, experimentID, visitorID)
	if err != nil {
		return nil, err
	}
	if a != nil {
		c.cache(ctx, a)
	}
	return a, nil
}

func (c *RedisAssignmentCache) GetByID(ctx context.Context, assignmentID string) (*model.Assignment, error) {
	if a := c.lookup(ctx, c.idKey(assignmentID)); a != nil {
		return a, nil
	}
	a, err := c.inner.GetByID(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a != nil {
		c.cache(ctx, a)
	}
	return a, nil
}

func (c *RedisAssignmentCache) MarkConverted(ctx context.Context, assignmentID string, at time.Time) (*model.Assignment, bool, error) {
	a, ok, err := c.inner.MarkConverted(ctx, assignmentID, at)
	if err != nil || !ok {
		return a, ok, err
	}
	c.cache(ctx, a)
	return a, true, nil
}

func (c *RedisAssignmentCache) Expire(ctx context.Context, before time.Time) ([]*model.Assignment, error) {
	expired, err := c.inner.Expire(ctx, before)
	if err != nil {
		return nil, err
	}
	// refresh cached copies so late conversions see the EXPIRED status
	for _, a := range expired {
		c.cache(ctx, a)
	}
	return expired, nil
}
