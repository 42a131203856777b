package abtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"model_optimizer/internal/models"
)

// assignScript stores the assignment only if absent and counts it for the
// variant in the same step.
//
// KEYS[1] assignment key, KEYS[2] counts hash. ARGV[1] assignment JSON,
// ARGV[2] model id.
var assignScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
return 1
`)

// outcomeScript folds an outcome into the variant moments once per request.
// The marker keeps the counted quality; a later outcome for the same request
// swaps it in without changing the count.
//
// KEYS[1] outcome marker, KEYS[2] moments hash. ARGV[1] model id,
// ARGV[2] quality, ARGV[3] cost, ARGV[4] latency.
var outcomeScript = redis.NewScript(`
local m = ARGV[1]
local q = tonumber(ARGV[2])
local prev = redis.call('GET', KEYS[1])
if prev then
	prev = tonumber(prev)
	if prev == q then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[2])
	redis.call('HINCRBYFLOAT', KEYS[2], m .. ':q_s', q - prev)
	redis.call('HINCRBYFLOAT', KEYS[2], m .. ':q_ss', q * q - prev * prev)
	return 1
end
redis.call('SET', KEYS[1], ARGV[2])
local metrics = {'q', 'cost', 'lat'}
for i, name in ipairs(metrics) do
	local x = tonumber(ARGV[i + 1])
	redis.call('HINCRBYFLOAT', KEYS[2], m .. ':' .. name .. '_n', 1)
	redis.call('HINCRBYFLOAT', KEYS[2], m .. ':' .. name .. '_s', x)
	redis.call('HINCRBYFLOAT', KEYS[2], m .. ':' .. name .. '_ss', x * x)
end
return 1
`)

// RedisStore shares tests and assignments between optimizer instances.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store under the given key prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "optimizer:abtest"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) testsKey() string { return s.prefix + ":tests" }

func (s *RedisStore) assignmentKey(testID, requestID string) string {
	return fmt.Sprintf("%s:assign:%s:%s", s.prefix, testID, requestID)
}

func (s *RedisStore) countsKey(testID string) string {
	return fmt.Sprintf("%s:counts:%s", s.prefix, testID)
}

func (s *RedisStore) outcomeKey(testID, requestID string) string {
	return fmt.Sprintf("%s:outcome:%s:%s", s.prefix, testID, requestID)
}

func (s *RedisStore) momentsKey(testID string) string {
	return fmt.Sprintf("%s:moments:%s", s.prefix, testID)
}

func (s *RedisStore) CreateTest(ctx context.Context, t *models.ABTest) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ab test: %w", err)
	}
	ok, err := s.client.HSetNX(ctx, s.testsKey(), t.ID, data).Result()
	if err != nil {
		return fmt.Errorf("create ab test: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidTest, t.ID)
	}
	return nil
}

func (s *RedisStore) UpdateTest(ctx context.Context, t *models.ABTest) error {
	exists, err := s.client.HExists(ctx, s.testsKey(), t.ID).Result()
	if err != nil {
		return fmt.Errorf("update ab test: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrTestNotFound, t.ID)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ab test: %w", err)
	}
	if err := s.client.HSet(ctx, s.testsKey(), t.ID, data).Err(); err != nil {
		return fmt.Errorf("update ab test: %w", err)
	}
	return nil
}

func (s *RedisStore) GetTest(ctx context.Context, id string) (*models.ABTest, error) {
	data, err := s.client.HGet(ctx, s.testsKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrTestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get ab test: %w", err)
	}
	var t models.ABTest
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode ab test %s: %w", id, err)
	}
	return &t, nil
}

func (s *RedisStore) ListTests(ctx context.Context) ([]*models.ABTest, error) {
	values, err := s.client.HVals(ctx, s.testsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list ab tests: %w", err)
	}
	out := make([]*models.ABTest, 0, len(values))
	for _, v := range values {
		var t models.ABTest
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("decode ab test: %w", err)
		}
		out = append(out, &t)
	}
	sortTests(out)
	return out, nil
}

func (s *RedisStore) InsertAssignment(ctx context.Context, a *models.ABTestAssignment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}
	keys := []string{s.assignmentKey(a.TestID, a.RequestID), s.countsKey(a.TestID)}
	inserted, err := assignScript.Run(ctx, s.client, keys, string(data), a.ModelID).Int()
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	if inserted == 0 {
		return ErrDuplicateAssignment
	}
	return nil
}

func (s *RedisStore) GetAssignment(ctx context.Context, testID, requestID string) (*models.ABTestAssignment, error) {
	data, err := s.client.Get(ctx, s.assignmentKey(testID, requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s/%s", ErrAssignmentNotFound, testID, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	var a models.ABTestAssignment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode assignment: %w", err)
	}
	return &a, nil
}

func (s *RedisStore) RecordOutcome(ctx context.Context, a *models.ABTestAssignment, o models.ABTestOutcome) (bool, error) {
	keys := []string{s.outcomeKey(a.TestID, a.RequestID), s.momentsKey(a.TestID)}
	args := []interface{}{
		a.ModelID,
		strconv.FormatFloat(o.Quality, 'g', -1, 64),
		strconv.FormatFloat(o.CostUSD, 'g', -1, 64),
		strconv.FormatFloat(o.LatencyMs, 'g', -1, 64),
	}
	recorded, err := outcomeScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("record outcome: %w", err)
	}
	return recorded == 1, nil
}

func (s *RedisStore) VariantMoments(ctx context.Context, testID string) (map[string]models.VariantMoments, error) {
	pipe := s.client.Pipeline()
	countsCmd := pipe.HGetAll(ctx, s.countsKey(testID))
	momentsCmd := pipe.HGetAll(ctx, s.momentsKey(testID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read variant moments: %w", err)
	}

	out := make(map[string]models.VariantMoments)
	get := func(modelID string) models.VariantMoments {
		v, ok := out[modelID]
		if !ok {
			v = models.VariantMoments{ModelID: modelID}
		}
		return v
	}

	for modelID, raw := range countsCmd.Val() {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse assignment count %s: %w", modelID, err)
		}
		v := get(modelID)
		v.Assignments = n
		out[modelID] = v
	}

	for field, raw := range momentsCmd.Val() {
		// field is "<model>:<metric>_<part>"; model ids may contain ':'
		sep := strings.LastIndexByte(field, ':')
		if sep < 0 {
			continue
		}
		modelID, name := field[:sep], field[sep+1:]
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse moment %s: %w", field, err)
		}

		v := get(modelID)
		metric, part, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		var m *models.Moments
		switch metric {
		case "q":
			m = &v.Quality
		case "cost":
			m = &v.Cost
		case "lat":
			m = &v.Latency
		default:
			continue
		}
		switch part {
		case "n":
			m.N = x
		case "s":
			m.Sum = x
		case "ss":
			m.SumSq = x
		}
		out[modelID] = v
	}
	return out, nil
}
