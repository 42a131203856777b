package tracker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"model_optimizer/internal/models"
)

// applyScript adds every field increment to both the hourly bucket and the
// all-time hash, indexes the bucket and prunes expired bucket ids in one
// atomic step.
//
// KEYS[1] bucket hash, KEYS[2] total hash, KEYS[3] bucket index (zset),
// KEYS[4] key set. ARGV[1] retention seconds, ARGV[2] bucket start,
// ARGV[3] stats key, ARGV[4..] field/increment pairs.
var applyScript = redis.NewScript(`
local ttl = tonumber(ARGV[1])
local bucket = tonumber(ARGV[2])

for i = 4, #ARGV, 2 do
	redis.call('HINCRBYFLOAT', KEYS[1], ARGV[i], ARGV[i + 1])
	redis.call('HINCRBYFLOAT', KEYS[2], ARGV[i], ARGV[i + 1])
end

redis.call('ZADD', KEYS[3], bucket, ARGV[2])
redis.call('SADD', KEYS[4], ARGV[3])

if ttl > 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
	redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', '(' .. (bucket - ttl))
end
return 1
`)

// RedisStatsStore keeps counters in Redis so several optimizer instances
// share one view of model performance.
type RedisStatsStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisStatsStore creates a store. Hourly buckets expire after retention;
// all-time totals are kept.
func NewRedisStatsStore(client *redis.Client, prefix string, retention time.Duration) *RedisStatsStore {
	if prefix == "" {
		prefix = "optimizer:stats"
	}
	return &RedisStatsStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStatsStore) keySet() string {
	return s.prefix + ":keys"
}

func (s *RedisStatsStore) totalKey(key models.StatsKey) string {
	return fmt.Sprintf("%s:%s:total", s.prefix, key)
}

func (s *RedisStatsStore) indexKey(key models.StatsKey) string {
	return fmt.Sprintf("%s:%s:buckets", s.prefix, key)
}

func (s *RedisStatsStore) bucketKey(key models.StatsKey, bucket int64) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, key, bucket)
}

func (s *RedisStatsStore) Apply(ctx context.Context, key models.StatsKey, at time.Time, d Delta) error {
	bucket := bucketOf(at)
	args := []interface{}{
		int64(s.retention / time.Second),
		bucket,
		key.String(),
	}
	for _, f := range deltaFields(d) {
		args = append(args, f.name, strconv.FormatFloat(f.value, 'g', -1, 64))
	}

	keys := []string{s.bucketKey(key, bucket), s.totalKey(key), s.indexKey(key), s.keySet()}
	if err := applyScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("apply stats delta for %s: %w", key, err)
	}
	return nil
}

func (s *RedisStatsStore) Sum(ctx context.Context, key models.StatsKey, since time.Time) (Delta, error) {
	if since.IsZero() {
		fields, err := s.client.HGetAll(ctx, s.totalKey(key)).Result()
		if err != nil {
			return Delta{}, fmt.Errorf("read stats totals for %s: %w", key, err)
		}
		return parseDelta(fields)
	}

	buckets, err := s.client.ZRangeByScore(ctx, s.indexKey(key), &redis.ZRangeBy{
		Min: strconv.FormatInt(bucketOf(since), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return Delta{}, fmt.Errorf("list stats buckets for %s: %w", key, err)
	}
	if len(buckets) == 0 {
		return Delta{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(buckets))
	for _, b := range buckets {
		cmds = append(cmds, pipe.HGetAll(ctx, fmt.Sprintf("%s:%s:%s", s.prefix, key, b)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Delta{}, fmt.Errorf("read stats buckets for %s: %w", key, err)
	}

	var out Delta
	for _, cmd := range cmds {
		d, err := parseDelta(cmd.Val())
		if err != nil {
			return Delta{}, err
		}
		out.Merge(d)
	}
	return out, nil
}

func (s *RedisStatsStore) Keys(ctx context.Context) ([]models.StatsKey, error) {
	members, err := s.client.SMembers(ctx, s.keySet()).Result()
	if err != nil {
		return nil, fmt.Errorf("list stats keys: %w", err)
	}
	keys := make([]models.StatsKey, 0, len(members))
	for _, m := range members {
		modelID, task, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		keys = append(keys, models.StatsKey{ModelID: modelID, TaskType: models.TaskType(task)})
	}
	sortKeys(keys)
	return keys, nil
}

type deltaField struct {
	name  string
	value float64
}

func deltaFields(d Delta) []deltaField {
	fields := []deltaField{
		{"count", d.Count},
		{"in", d.InputUnits},
		{"out", d.OutputUnits},
	}
	for _, m := range []struct {
		prefix string
		m      models.Moments
	}{{"cost", d.Cost}, {"lat", d.Latency}, {"q", d.Quality}} {
		fields = append(fields,
			deltaField{m.prefix + "_n", m.m.N},
			deltaField{m.prefix + "_s", m.m.Sum},
			deltaField{m.prefix + "_ss", m.m.SumSq},
		)
	}

	// zero increments are skipped so correction deltas stay small
	out := fields[:0]
	for _, f := range fields {
		if f.value != 0 {
			out = append(out, f)
		}
	}
	return out
}

func parseDelta(fields map[string]string) (Delta, error) {
	var d Delta
	targets := map[string]*float64{
		"count":   &d.Count,
		"in":      &d.InputUnits,
		"out":     &d.OutputUnits,
		"cost_n":  &d.Cost.N,
		"cost_s":  &d.Cost.Sum,
		"cost_ss": &d.Cost.SumSq,
		"lat_n":   &d.Latency.N,
		"lat_s":   &d.Latency.Sum,
		"lat_ss":  &d.Latency.SumSq,
		"q_n":     &d.Quality.N,
		"q_s":     &d.Quality.Sum,
		"q_ss":    &d.Quality.SumSq,
	}
	for name, raw := range fields {
		target, ok := targets[name]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Delta{}, fmt.Errorf("parse stats field %s=%q: %w", name, raw, err)
		}
		*target = v
	}
	return d, nil
}
