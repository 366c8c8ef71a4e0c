package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/taskqueue/internal/core"
	"github.com/target/taskqueue/internal/domain/model"
)

// DefaultBlockWindow is the server-side BLMOVE window used when no block timeout is configured.
// The dequeue keeps re-issuing the move, so callers still block until work or cancellation.
const DefaultBlockWindow = 5 * time.Second

// minBlockWindow is the smallest blocking window go-redis can express.
const minBlockWindow = time.Second

// RedisQueueRepoOptions configures a RedisQueueRepo.
type RedisQueueRepoOptions struct {
	Keys Keyspace
	// Results is consulted for status reconciliation and cleared by Remove and ClearAll.
	Results core.ResultStore
	// BlockTimeout is the server-side window of each BLMOVE. Zero uses DefaultBlockWindow.
	BlockTimeout time.Duration
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// RedisQueueRepo implements core.QueueStore on two Redis lists plus per-task records.
//
// Producers LPUSH ids onto pending; workers BLMOVE from the pending tail onto the
// processing head. Both lists and every record share one hash tag so the multi-key
// transactions below also work against Redis Cluster.
type RedisQueueRepo struct {
	client       redis.UniversalClient
	keys         Keyspace
	results      core.ResultStore
	blockWindow  time.Duration
	logger       *slog.Logger
	timeProvider TimeProvider
}

var _ core.QueueStore = (*RedisQueueRepo)(nil)

// NewRedisQueueRepo creates a new RedisQueueRepo.
func NewRedisQueueRepo(client redis.UniversalClient, opts RedisQueueRepoOptions) *RedisQueueRepo {
	window := opts.BlockTimeout
	if window <= 0 {
		window = DefaultBlockWindow
	}
	if window < minBlockWindow {
		window = minBlockWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &RedisQueueRepo{
		client:       client,
		keys:         opts.Keys,
		results:      opts.Results,
		blockWindow:  window,
		logger:       logger.With("component", "queue_store"),
		timeProvider: tp,
	}
}

// Enqueue persists the task record and pushes its id onto pending in one transaction.
func (r *RedisQueueRepo) Enqueue(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error) {
	if req == nil {
		return nil, errors.New("create task request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	task := model.NewTask(req, r.timeProvider.Now())
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keys.Task(task.ID), raw, 0)
		pipe.LPush(ctx, r.keys.Pending(), task.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	return task, nil
}

// Dequeue moves the oldest pending id onto processing and returns it.
// It blocks until an id is available or ctx is done.
func (r *RedisQueueRepo) Dequeue(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id, err := r.client.BLMove(ctx, r.keys.Pending(), r.keys.Processing(), "RIGHT", "LEFT", r.blockWindow).Result()
		if err == nil {
			return id, nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("dequeue task: %w", err)
	}
}

// Load reads the record of a claimed task.
func (r *RedisQueueRepo) Load(ctx context.Context, id string) (*model.Task, error) {
	raw, err := r.client.Get(ctx, r.keys.Task(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrTaskNotFound
		}
		return nil, fmt.Errorf("load task: %w", err)
	}
	return decodeTask(id, raw)
}

func decodeTask(id string, raw []byte) (*model.Task, error) {
	var task model.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedTask, err)
	}
	if strings.TrimSpace(task.JobType) == "" {
		return nil, fmt.Errorf("%w: missing job_type", model.ErrMalformedTask)
	}
	if task.ID == "" {
		task.ID = id
	}
	return &task, nil
}

// Acknowledge removes id from processing and drops its record. Acknowledging twice is a no-op.
func (r *RedisQueueRepo) Acknowledge(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, r.keys.Processing(), 0, id)
		pipe.Del(ctx, r.keys.Task(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("acknowledge task: %w", err)
	}
	return nil
}

// recoverScript moves the whole processing list onto the dequeue end of pending
// in one step. LRANGE yields newest first, so RPUSH leaves the oldest claim at
// the tail where it is dequeued next.
var recoverScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for i = 1, #ids do
	redis.call('RPUSH', KEYS[2], ids[i])
end
redis.call('DEL', KEYS[1])
return #ids
`)

// RecoverStranded moves every processing entry back to the dequeue end of pending.
// The sweep runs as a single script, so a claim made concurrently lands either
// before it (and is moved) or after it (and stays in processing).
func (r *RedisQueueRepo) RecoverStranded(ctx context.Context) (int, error) {
	moved, err := recoverScript.Run(ctx, r.client, []string{r.keys.Processing(), r.keys.Pending()}).Int()
	if err != nil {
		return 0, fmt.Errorf("recover stranded tasks: %w", err)
	}
	if moved > 0 {
		r.logger.InfoContext(ctx, "recovered stranded tasks", "count", moved)
	}
	return moved, nil
}

// State reports the reconciled status of one id: a result beats processing, processing beats pending.
// Ids without a task record are not_found, which skips the list lookups for unknown ids.
func (r *RedisQueueRepo) State(ctx context.Context, id string) (model.TaskStatus, error) {
	if r.results != nil {
		res, err := r.results.Get(ctx, id)
		switch {
		case err == nil:
			return res.Status, nil
		case !errors.Is(err, model.ErrResultNotFound):
			return "", fmt.Errorf("read result: %w", err)
		}
	}

	exists, err := r.client.Exists(ctx, r.keys.Task(id)).Result()
	if err != nil {
		return "", fmt.Errorf("check task record: %w", err)
	}
	if exists == 0 {
		return model.TaskStatusNotFound, nil
	}

	for _, l := range []struct {
		key    string
		status model.TaskStatus
	}{
		{r.keys.Processing(), model.TaskStatusProcessing},
		{r.keys.Pending(), model.TaskStatusPending},
	} {
		_, err := r.client.LPos(ctx, l.key, id, redis.LPosArgs{}).Result()
		if err == nil {
			return l.status, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("locate task: %w", err)
		}
	}
	return model.TaskStatusNotFound, nil
}

// ListStatus reports every id found in pending, processing or the result store.
// Pending ids come first in dequeue order, then processing ids, then ids known only by result.
func (r *RedisQueueRepo) ListStatus(ctx context.Context) ([]model.TaskSummary, error) {
	pending, processing, err := r.lists(ctx)
	if err != nil {
		return nil, err
	}

	var resultStatuses map[string]model.TaskStatus
	if r.results != nil {
		resultStatuses, err = r.results.Statuses(ctx)
		if err != nil {
			return nil, fmt.Errorf("list results: %w", err)
		}
	}

	statuses := make(map[string]model.TaskStatus, len(pending)+len(processing)+len(resultStatuses))
	order := make([]string, 0, len(pending)+len(processing))
	observe := func(id string, status model.TaskStatus) {
		current, seen := statuses[id]
		if !seen {
			order = append(order, id)
		}
		if !seen || status.Rank() > current.Rank() {
			statuses[id] = status
		}
	}

	for i := len(pending) - 1; i >= 0; i-- {
		observe(pending[i], model.TaskStatusPending)
	}
	for _, id := range processing {
		observe(id, model.TaskStatusProcessing)
	}

	resultIDs := make([]string, 0, len(resultStatuses))
	for id := range resultStatuses {
		resultIDs = append(resultIDs, id)
	}
	slices.Sort(resultIDs)
	for _, id := range resultIDs {
		observe(id, resultStatuses[id])
	}

	out := make([]model.TaskSummary, 0, len(order))
	for _, id := range order {
		out = append(out, model.TaskSummary{ID: id, Status: statuses[id]})
	}
	return out, nil
}

// Depth reports the length of both collections in one round trip.
func (r *RedisQueueRepo) Depth(ctx context.Context) (model.QueueDepth, error) {
	var pendingCmd, processingCmd *redis.IntCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pendingCmd = pipe.LLen(ctx, r.keys.Pending())
		processingCmd = pipe.LLen(ctx, r.keys.Processing())
		return nil
	})
	if err != nil {
		return model.QueueDepth{}, fmt.Errorf("read queue depth: %w", err)
	}
	return model.QueueDepth{Pending: pendingCmd.Val(), Processing: processingCmd.Val()}, nil
}

// lists snapshots both collections in one round trip.
func (r *RedisQueueRepo) lists(ctx context.Context) (pending, processing []string, err error) {
	var pendingCmd, processingCmd *redis.StringSliceCmd
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pendingCmd = pipe.LRange(ctx, r.keys.Pending(), 0, -1)
		processingCmd = pipe.LRange(ctx, r.keys.Processing(), 0, -1)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("read queue lists: %w", err)
	}
	return pendingCmd.Val(), processingCmd.Val(), nil
}

// Remove deletes every trace of id. Unknown ids are a no-op.
func (r *RedisQueueRepo) Remove(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, r.keys.Pending(), 0, id)
		pipe.LRem(ctx, r.keys.Processing(), 0, id)
		pipe.Del(ctx, r.keys.Task(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove task: %w", err)
	}
	if r.results != nil {
		if err := r.results.Delete(ctx, id); err != nil {
			return fmt.Errorf("remove result: %w", err)
		}
	}
	return nil
}

// ClearAll empties both collections and deletes every task record and result.
func (r *RedisQueueRepo) ClearAll(ctx context.Context) error {
	var errs []error
	if err := r.client.Del(ctx, r.keys.Pending(), r.keys.Processing()).Err(); err != nil {
		errs = append(errs, fmt.Errorf("clear queue lists: %w", err))
	}

	keys, err := scanKeys(ctx, r.client, r.keys.taskPattern())
	if err != nil {
		errs = append(errs, err)
	} else if _, err := deleteKeys(ctx, r.client, keys); err != nil {
		errs = append(errs, fmt.Errorf("clear task records: %w", err))
	}

	if r.results != nil {
		if _, err := r.results.DeleteAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear results: %w", err))
		}
	}
	return errors.Join(errs...)
}
