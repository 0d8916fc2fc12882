package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/banditlabs/bandgate/internal/engine"
	"github.com/redis/go-redis/v9"
)

// RedisStateRepo implements engine.StateStore on one hash per
// (variant, segment) key. HINCRBYFLOAT/HINCRBY make each update atomic on the
// server; different keys never contend.
type RedisStateRepo struct {
	client       *redis.Client
	warmStartMin int64
	prefix       string
}

func NewRedisStateRepo(client *redis.Client, warmStartMin int64) *RedisStateRepo {
	return &RedisStateRepo{client: client, warmStartMin: warmStartMin, prefix: "state"}
}

func (r *RedisStateRepo) key(variantID, segmentKey string) string {
	return r.prefix + ":" + variantID + ":" + segmentKey
}

func (r *RedisStateRepo) read(ctx context.Context, variantID, segmentKey string) (*engine.VariantState, bool, error) {
	vals, err := r.client.HGetAll(ctx, r.key(variantID, segmentKey)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(vals) == 0 {
		return nil, false, nil
	}
	st := &engine.VariantState{VariantID: variantID, SegmentKey: segmentKey, Alpha: 1, Beta: 1}
	if s, ok := vals["alpha"]; ok {
		st.Alpha, _ = strconv.ParseFloat(s, 64)
	}
	if s, ok := vals["beta"]; ok {
		st.Beta, _ = strconv.ParseFloat(s, 64)
	}
	if s, ok := vals["visits"]; ok {
		st.Visits, _ = strconv.ParseInt(s, 10, 64)
	}
	if s, ok := vals["conversions"]; ok {
		st.Conversions, _ = strconv.ParseInt(s, 10, 64)
	}
	if s, ok := vals["updated_at"]; ok {
		if micros, err := strconv.ParseInt(s, 10, 64); err == nil {
			st.UpdatedAt = time.UnixMicro(micros).UTC()
		}
	}
	return st, true, nil
}

func (r *RedisStateRepo) GetOrCreate(ctx context.Context, variantID, segmentKey string) (*engine.VariantState, error) {
	if st, ok, err := r.read(ctx, variantID, segmentKey); err != nil {
		return nil, err
	} else if ok {
		return st, nil
	}

	alpha, beta := 1.0, 1.0
	if segmentKey != engine.GlobalSegment {
		if g, ok, err := r.read(ctx, variantID, engine.GlobalSegment); err == nil && ok && g.Visits >= r.warmStartMin {
			alpha, beta = g.Alpha, g.Beta
		}
	}

	// HSETNX per field keeps a concurrent creator's values
	key := r.key(variantID, segmentKey)
	pipe := r.client.TxPipeline()
	pipe.HSetNX(ctx, key, "alpha", strconv.FormatFloat(alpha, 'f', -1, 64))
	pipe.HSetNX(ctx, key, "beta", strconv.FormatFloat(beta, 'f', -1, 64))
	pipe.HSetNX(ctx, key, "visits", "0")
	pipe.HSetNX(ctx, key, "conversions", "0")
	pipe.HSetNX(ctx, key, "updated_at", strconv.FormatInt(time.Now().UTC().UnixMicro(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	st, _, err := r.read(ctx, variantID, segmentKey)
	return st, err
}

func (r *RedisStateRepo) Eligible(ctx context.Context, variantIDs []string, segmentKey string) ([]*engine.VariantState, error) {
	out := make([]*engine.VariantState, 0, len(variantIDs))
	for _, id := range variantIDs {
		st, err := r.GetOrCreate(ctx, id, segmentKey)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (r *RedisStateRepo) Update(ctx context.Context, variantID, segmentKey string, converted bool) (*engine.VariantState, error) {
	if _, err := r.GetOrCreate(ctx, variantID, segmentKey); err != nil {
		return nil, err
	}
	key := r.key(variantID, segmentKey)
	pipe := r.client.TxPipeline()
	if converted {
		pipe.HIncrByFloat(ctx, key, "alpha", 1)
		pipe.HIncrBy(ctx, key, "conversions", 1)
	} else {
		pipe.HIncrByFloat(ctx, key, "beta", 1)
		pipe.HIncrBy(ctx, key, "visits", 1)
	}
	pipe.HSet(ctx, key, "updated_at", strconv.FormatInt(time.Now().UTC().UnixMicro(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	st, _, err := r.read(ctx, variantID, segmentKey)
	return st, err
}

func (r *RedisStateRepo) Reset(ctx context.Context, variantIDs []string, segmentKey string) error {
	pipe := r.client.TxPipeline()
	now := strconv.FormatInt(time.Now().UTC().UnixMicro(), 10)
	for _, id := range variantIDs {
		key := r.key(id, segmentKey)
		pipe.HSet(ctx, key, "alpha", "1", "beta", "1", "visits", "0", "conversions", "0", "updated_at", now)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStateRepo) Aggregate(ctx context.Context, variantIDs []string) (*engine.AggregateCounts, error) {
	agg := &engine.AggregateCounts{}
	for _, id := range variantIDs {
		st, ok, err := r.read(ctx, id, engine.GlobalSegment)
		if err != nil {
			return nil, err
		}
		if ok {
			agg.Visits += st.Visits
			agg.Conversions += st.Conversions
		}
	}
	return agg, nil
}
