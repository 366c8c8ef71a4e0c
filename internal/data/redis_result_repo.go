package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/taskqueue/internal/domain/model"
)

// DefaultResultTTL bounds how long a result stays readable after the worker writes it.
const DefaultResultTTL = 10 * time.Minute

// RedisResultRepoOptions configures a RedisResultRepo.
type RedisResultRepoOptions struct {
	Keys Keyspace
	// TTL applied to every result. Zero falls back to DefaultResultTTL.
	TTL time.Duration
}

// RedisResultRepo stores write-once task results as JSON strings with a TTL.
type RedisResultRepo struct {
	client redis.UniversalClient
	keys   Keyspace
	ttl    time.Duration
}

// NewRedisResultRepo creates a new RedisResultRepo.
func NewRedisResultRepo(client redis.UniversalClient, opts RedisResultRepoOptions) *RedisResultRepo {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &RedisResultRepo{client: client, keys: opts.Keys, ttl: ttl}
}

// TTL returns the retention applied to new results.
func (r *RedisResultRepo) TTL() time.Duration { return r.ttl }

// Save writes the result unless one already exists for the task.
func (r *RedisResultRepo) Save(ctx context.Context, res *model.Result) (bool, error) {
	if res == nil || res.TaskID == "" {
		return false, errors.New("result task id is required")
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}

	status, err := r.client.SetArgs(ctx, r.keys.Result(res.TaskID), raw, redis.SetArgs{Mode: "NX", TTL: r.ttl}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis SET NX result: %w", err)
	}
	return status == "OK", nil
}

// Get reads the result of a task or returns model.ErrResultNotFound.
func (r *RedisResultRepo) Get(ctx context.Context, taskID string) (*model.Result, error) {
	raw, err := r.client.Get(ctx, r.keys.Result(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrResultNotFound
		}
		return nil, fmt.Errorf("redis get result: %w", err)
	}
	var res model.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", taskID, err)
	}
	if res.TaskID == "" {
		res.TaskID = taskID
	}
	return &res, nil
}

// Delete drops the result of a task. Missing results are not an error.
func (r *RedisResultRepo) Delete(ctx context.Context, taskID string) error {
	if err := r.client.Del(ctx, r.keys.Result(taskID)).Err(); err != nil {
		return fmt.Errorf("redis del result: %w", err)
	}
	return nil
}

// Statuses returns the terminal status of every stored result keyed by task id.
// Records that expire between SCAN and MGET are skipped.
func (r *RedisResultRepo) Statuses(ctx context.Context) (map[string]model.TaskStatus, error) {
	keys, err := scanKeys(ctx, r.client, r.keys.resultPattern())
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.TaskStatus, len(keys))
	for start := 0; start < len(keys); start += scanBatchSize {
		batch := keys[start:min(start+scanBatchSize, len(keys))]
		vals, err := r.mget(ctx, batch)
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			id, ok := r.keys.resultID(batch[i])
			if !ok {
				continue
			}
			out[id] = decodeResultStatus(s)
		}
	}
	return out, nil
}

// mget is safe on cluster clients because every result key shares the namespace hash tag.
func (r *RedisResultRepo) mget(ctx context.Context, keys []string) ([]any, error) {
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget results: %w", err)
	}
	return vals, nil
}

func decodeResultStatus(raw string) model.TaskStatus {
	var head struct {
		Status model.TaskStatus `json:"status"`
	}
	if err := json.Unmarshal([]byte(raw), &head); err != nil || head.Status != model.TaskStatusCompleted {
		return model.TaskStatusError
	}
	return model.TaskStatusCompleted
}

// DeleteAll removes every stored result and reports how many were deleted.
func (r *RedisResultRepo) DeleteAll(ctx context.Context) (int, error) {
	keys, err := scanKeys(ctx, r.client, r.keys.resultPattern())
	if err != nil {
		return 0, err
	}
	return deleteKeys(ctx, r.client, keys)
}
