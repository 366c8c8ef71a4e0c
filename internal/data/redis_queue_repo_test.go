package data

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/taskqueue/internal/domain/model"
	"github.com/target/taskqueue/internal/testutil"
)

type queueFixture struct {
	client  *redis.Client
	keys    Keyspace
	results *RedisResultRepo
	queue   *RedisQueueRepo
}

func setupQueue(t *testing.T) *queueFixture {
	t.Helper()
	client := testutil.SetupTestRedis(t)
	keys := NewKeyspace("queue-test")
	results := NewRedisResultRepo(client, RedisResultRepoOptions{Keys: keys})
	queue := NewRedisQueueRepo(client, RedisQueueRepoOptions{
		Keys:         keys,
		Results:      results,
		BlockTimeout: time.Second,
		TimeProvider: NewFixedTimeProvider(testutil.TestTime()),
	})
	return &queueFixture{client: client, keys: keys, results: results, queue: queue}
}

func (f *queueFixture) enqueue(t *testing.T, jobType string) *model.Task {
	t.Helper()
	task, err := f.queue.Enqueue(context.Background(), testutil.NewTaskRequest().WithJobType(jobType).Build())
	require.NoError(t, err)
	return task
}

func dequeueCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRedisQueueRepo_EnqueuePersistsRecordAndPending(t *testing.T) {
	f := setupQueue(t)
	ctx := context.Background()

	req := testutil.NewTaskRequest().WithCorrelationString(`{"chat_id":1}`).Build()
	task, err := f.queue.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestTime().Unix(), task.EnqueuedAt)

	pending := f.client.LRange(ctx, f.keys.Pending(), 0, -1).Val()
	assert.Equal(t, []string{task.ID}, pending)

	loaded, err := f.queue.Load(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.JobType, loaded.JobType)
	assert.JSONEq(t, string(req.Params), string(loaded.Params))
	assert.JSONEq(t, `{"chat_id":1}`, string(loaded.Correlation))

	status, err := f.queue.State(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, status)
}

func TestRedisQueueRepo_EnqueueRejectsInvalid(t *testing.T) {
	f := setupQueue(t)

	_, err := f.queue.Enqueue(context.Background(), &model.CreateTaskRequest{})
	require.Error(t, err)
	assert.Zero(t, f.client.LLen(context.Background(), f.keys.Pending()).Val())
}

func TestRedisQueueRepo_DequeueIsFIFO(t *testing.T) {
	f := setupQueue(t)
	ctx := dequeueCtx(t)

	var want []string
	for range 3 {
		want = append(want, f.enqueue(t, "echo").ID)
	}

	var got []string
	for range 3 {
		id, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		got = append(got, id)

		status, err := f.queue.State(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusProcessing, status)
	}
	assert.Equal(t, want, got)
}

func TestRedisQueueRepo_ConcurrentDequeueIsDistinct(t *testing.T) {
	f := setupQueue(t)
	ctx := dequeueCtx(t)

	const n = 10
	for range n {
		f.enqueue(t, "echo")
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.queue.Dequeue(ctx)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "id %s delivered more than once", id)
	}
	assert.Zero(t, f.client.LLen(ctx, f.keys.Pending()).Val())
	assert.EqualValues(t, n, f.client.LLen(ctx, f.keys.Processing()).Val())
}

func TestRedisQueueRepo_DequeueHonorsContext(t *testing.T) {
	f := setupQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := f.queue.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisQueueRepo_DequeueWaitsForWork(t *testing.T) {
	f := setupQueue(t)
	ctx := dequeueCtx(t)

	done := make(chan string, 1)
	go func() {
		id, err := f.queue.Dequeue(ctx)
		if err == nil {
			done <- id
		}
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	task := f.enqueue(t, "echo")

	select {
	case id := <-done:
		assert.Equal(t, task.ID, id)
	case <-ctx.Done():
		t.Fatal("dequeue did not pick up late work")
	}
}

func TestRedisQueueRepo_AcknowledgeIsIdempotent(t *testing.T) {
	f := setupQueue(t)
	ctx := dequeueCtx(t)

	task := f.enqueue(t, "echo")
	id, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, f.queue.Acknowledge(ctx, id))
	require.NoError(t, f.queue.Acknowledge(ctx, id))

	assert.Zero(t, f.client.LLen(ctx, f.keys.Processing()).Val())
	_, err = f.queue.Load(ctx, task.ID)
	assert.ErrorIs(t, err, model.ErrTaskNotFound)

	status, err := f.queue.State(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusNotFound, status)
}

func TestRedisQueueRepo_LoadMalformed(t *testing.T) {
	f := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, f.client.Set(ctx, f.keys.Task("bad-json"), "{not json", 0).Err())
	_, err := f.queue.Load(ctx, "bad-json")
	assert.ErrorIs(t, err, model.ErrMalformedTask)

	require.NoError(t, f.client.Set(ctx, f.keys.Task("no-type"), `{"id":"no-type","params":{}}`, 0).Err())
	_, err = f.queue.Load(ctx, "no-type")
	assert.ErrorIs(t, err, model.ErrMalformedTask)
}

func TestRedisQueueRepo_RecoverStrandedRestoresOrder(t *testing.T) {
	f := setupQueue(t)
	ctx := dequeueCtx(t)

	first := f.enqueue(t, "echo")
	second := f.enqueue(t, "echo")
	third := f.enqueue(t, "echo")

	// Claim the two oldest, then simulate a crash by never acknowledging.
	for range 2 {
		_, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
	}

	moved, err := f.queue.RecoverStranded(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Zero(t, f.client.LLen(ctx, f.keys.Processing()).Val())

	var got []string
	for range 3 {
		id, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, got)

	moved, err = f.queue.RecoverStranded(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, moved)

	moved, err = f.queue.RecoverStranded(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

// sweepHook runs inject once, right before the first script command reaches the server.
type sweepHook struct {
	once   sync.Once
	inject func(ctx context.Context)
}

func (h *sweepHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *sweepHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if name := cmd.Name(); name == "evalsha" || name == "eval" {
			h.once.Do(func() { h.inject(ctx) })
		}
		return next(ctx, cmd)
	}
}

func (h *sweepHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisQueueRepo_RecoverStrandedWithConcurrentClaim(t *testing.T) {
	f := setupQueue(t)
	ctx := dequeueCtx(t)

	stranded := f.enqueue(t, "echo")
	id, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, stranded.ID, id)

	// Another worker claims a task while the sweep is being issued.
	f.client.AddHook(&sweepHook{inject: func(ctx context.Context) {
		require.NoError(t, f.client.LPush(ctx, f.keys.Processing(), "live-claim").Err())
	}})

	moved, err := f.queue.RecoverStranded(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Empty(t, f.client.LRange(ctx, f.keys.Processing(), 0, -1).Val())
	// The stranded claim is older, so it sits at the dequeue end.
	assert.Equal(t, []string{"live-claim", stranded.ID}, f.client.LRange(ctx, f.keys.Pending(), 0, -1).Val())

	id, err = f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, stranded.ID, id)
}

func TestRedisQueueRepo_StateWithoutRecord(t *testing.T) {
	f := setupQueue(t)
	ctx := dequeueCtx(t)

	status, err := f.queue.State(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusNotFound, status)

	// A bare id in a list with no task record is not a task.
	require.NoError(t, f.client.LPush(ctx, f.keys.Pending(), "bare").Err())
	status, err = f.queue.State(ctx, "bare")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusNotFound, status)

	task := f.enqueue(t, "echo")
	status, err = f.queue.State(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, status)

	// Drain the bare id first; it was pushed before the task.
	for range 2 {
		_, err = f.queue.Dequeue(ctx)
		require.NoError(t, err)
	}
	status, err = f.queue.State(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusProcessing, status)

	require.NoError(t, f.queue.Acknowledge(ctx, task.ID))
	status, err = f.queue.State(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusNotFound, status)
}

func TestRedisQueueRepo_EnqueueStampsProviderTime(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	clock := NewFixedTimeProvider(testutil.TestTime())
	queue := NewRedisQueueRepo(client, RedisQueueRepoOptions{
		Keys:         NewKeyspace("clock-test"),
		TimeProvider: clock,
	})
	req := testutil.NewTaskRequest().Build()

	first, err := queue.Enqueue(context.Background(), req)
	require.NoError(t, err)
	clock.AddTime(90 * time.Second)
	second, err := queue.Enqueue(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, testutil.TestTime().Unix(), first.EnqueuedAt)
	assert.Equal(t, testutil.TestTime().Add(90*time.Second).Unix(), second.EnqueuedAt)
}

func TestRedisQueueRepo_StatusPrecedence(t *testing.T) {
	f := setupQueue(t)
	ctx := dequeueCtx(t)

	done := f.enqueue(t, "echo")
	running := f.enqueue(t, "echo")
	waiting := f.enqueue(t, "echo")

	id, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, done.ID, id)
	id, err = f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, running.ID, id)

	// A result beats a processing entry that has not been acknowledged yet.
	_, err = f.results.Save(ctx, model.NewResult(done.ID, done, model.Completed("ok"), time.Now()))
	require.NoError(t, err)
	// A result only id, e.g. a task whose queue entry is already gone.
	_, err = f.results.Save(ctx, model.NewResult("orphan", nil, model.Failedf("boom"), time.Now()))
	require.NoError(t, err)

	status, err := f.queue.State(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, status)

	list, err := f.queue.ListStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.TaskSummary{
		{ID: waiting.ID, Status: model.TaskStatusPending},
		{ID: running.ID, Status: model.TaskStatusProcessing},
		{ID: done.ID, Status: model.TaskStatusCompleted},
		{ID: "orphan", Status: model.TaskStatusError},
	}, list)
}

func TestRedisQueueRepo_Remove(t *testing.T) {
	f := setupQueue(t)
	ctx := dequeueCtx(t)

	claimed := f.enqueue(t, "echo")
	waiting := f.enqueue(t, "echo")
	_, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	_, err = f.results.Save(ctx, model.NewResult(claimed.ID, claimed, model.Completed(1), time.Now()))
	require.NoError(t, err)

	require.NoError(t, f.queue.Remove(ctx, claimed.ID))
	require.NoError(t, f.queue.Remove(ctx, waiting.ID))
	require.NoError(t, f.queue.Remove(ctx, "unknown"))

	for _, id := range []string{claimed.ID, waiting.ID} {
		status, err := f.queue.State(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusNotFound, status)
	}
	list, err := f.queue.ListStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRedisQueueRepo_ClearAll(t *testing.T) {
	f := setupQueue(t)
	ctx := dequeueCtx(t)

	for range 3 {
		f.enqueue(t, "echo")
	}
	id, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	_, err = f.results.Save(ctx, &model.Result{TaskID: id, Status: model.TaskStatusCompleted, Value: json.RawMessage(`1`)})
	require.NoError(t, err)

	require.NoError(t, f.queue.ClearAll(ctx))

	list, err := f.queue.ListStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	keys, err := scanKeys(ctx, f.client, "{queue-test}:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedisQueueRepo_Depth(t *testing.T) {
	f := setupQueue(t)
	ctx := dequeueCtx(t)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.QueueDepth{}, depth)

	f.enqueue(t, "echo")
	f.enqueue(t, "echo")
	_, err = f.queue.Dequeue(ctx)
	require.NoError(t, err)

	depth, err = f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.QueueDepth{Pending: 1, Processing: 1}, depth)
}
