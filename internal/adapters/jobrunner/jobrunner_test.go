package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/taskqueue/internal/core"
	"github.com/target/taskqueue/internal/data"
	"github.com/target/taskqueue/internal/domain/job"
	"github.com/target/taskqueue/internal/domain/model"
	"github.com/target/taskqueue/internal/observability/statsd"
	"github.com/target/taskqueue/internal/testutil"
)

type runnerFixture struct {
	client   *redis.Client
	keys     data.Keyspace
	queue    *data.RedisQueueRepo
	results  *data.RedisResultRepo
	registry *Registry
	metrics  *statsd.Recorder
}

func setupRunner(t *testing.T) *runnerFixture {
	t.Helper()
	client := testutil.SetupTestRedis(t)
	keys := data.NewKeyspace("runner-test")
	results := data.NewRedisResultRepo(client, data.RedisResultRepoOptions{Keys: keys})
	queue := data.NewRedisQueueRepo(client, data.RedisQueueRepoOptions{
		Keys:         keys,
		Results:      results,
		BlockTimeout: time.Second,
	})
	return &runnerFixture{
		client:   client,
		keys:     keys,
		queue:    queue,
		results:  results,
		registry: NewRegistry(),
		metrics:  &statsd.Recorder{},
	}
}

func fastBackoff(t *testing.T) *job.BackoffPolicy {
	t.Helper()
	p, err := job.NewBackoffPolicy(time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	return p
}

func (f *runnerFixture) runner(t *testing.T, results core.ResultStore) *Runner {
	t.Helper()
	if results == nil {
		results = f.results
	}
	r, err := NewRunner(RunnerOptions{
		Queue:    f.queue,
		Results:  results,
		Registry: f.registry,
		Backoff:  fastBackoff(t),
		Metrics:  f.metrics,
		Now:      testutil.FixedTimeFunc(testutil.TestTime()),
	})
	require.NoError(t, err)
	return r
}

func (f *runnerFixture) enqueue(t *testing.T, jobType, params string) *model.Task {
	t.Helper()
	task, err := f.queue.Enqueue(context.Background(), &model.CreateTaskRequest{
		JobType:     jobType,
		Params:      json.RawMessage(params),
		Correlation: json.RawMessage(`{"chat_id":42}`),
	})
	require.NoError(t, err)
	return task
}

func (f *runnerFixture) processingLen(t *testing.T) int64 {
	t.Helper()
	return f.client.LLen(context.Background(), f.keys.Processing()).Val()
}

// startRunner runs r in the background and returns a stop function that waits for exit.
func startRunner(t *testing.T, r *Runner) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("runner did not stop")
		}
	}
}

func TestNewRunner_Validation(t *testing.T) {
	f := setupRunner(t)

	_, err := NewRunner(RunnerOptions{Results: f.results, Registry: f.registry})
	assert.Error(t, err)
	_, err = NewRunner(RunnerOptions{Queue: f.queue, Registry: f.registry})
	assert.Error(t, err)
	_, err = NewRunner(RunnerOptions{Queue: f.queue, Results: f.results})
	assert.Error(t, err)

	r, err := NewRunner(RunnerOptions{Queue: f.queue, Results: f.results, Registry: f.registry})
	require.NoError(t, err)
	assert.Equal(t, 1, r.workers)
}

func TestRunner_ProcessesInFIFOOrder(t *testing.T) {
	f := setupRunner(t)

	var (
		mu    sync.Mutex
		order []string
	)
	f.registry.MustRegister("echo", HandlerFunc(func(_ context.Context, taskID string, params json.RawMessage) model.Outcome {
		mu.Lock()
		order = append(order, taskID)
		mu.Unlock()
		return model.Completed(json.RawMessage(params))
	}))

	var want []string
	for _, p := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		want = append(want, f.enqueue(t, "echo", p).ID)
	}

	stop := startRunner(t, f.runner(t, nil))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 10*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, want, order)
	for i, id := range want {
		res, err := f.results.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCompleted, res.Status)
		assert.JSONEq(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}[i], string(res.Value))
		assert.JSONEq(t, `{"chat_id":42}`, string(res.Correlation))
	}
	assert.Zero(t, f.processingLen(t))
	assert.Len(t, f.metrics.Find("task.transition"), 3)
}

func TestRunner_UnknownJobTypeResolvesInOneIteration(t *testing.T) {
	f := setupRunner(t)
	task := f.enqueue(t, "nope", `{}`)
	r := f.runner(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.processNext(ctx))

	res, err := f.results.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusError, res.Status)
	assert.Equal(t, `unknown job type "nope"`, res.Error)
	assert.Zero(t, f.processingLen(t))

	status, err := f.queue.State(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusError, status)
}

func TestRunner_MalformedRecordIsPoison(t *testing.T) {
	f := setupRunner(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.client.Set(ctx, f.keys.Task("poison"), "{not json", 0).Err())
	require.NoError(t, f.client.LPush(ctx, f.keys.Pending(), "poison").Err())

	require.NoError(t, f.runner(t, nil).processNext(ctx))

	res, err := f.results.Get(ctx, "poison")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusError, res.Status)
	assert.Contains(t, res.Error, "malformed task record")
	assert.Zero(t, f.processingLen(t))

	poisoned := f.metrics.Find("task.transition")
	require.Len(t, poisoned, 1)
	assert.Equal(t, "poisoned", poisoned[0].Tags["transition"])
}

func TestRunner_MissingRecordIsDropped(t *testing.T) {
	f := setupRunner(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.client.LPush(ctx, f.keys.Pending(), "ghost").Err())
	require.NoError(t, f.runner(t, nil).processNext(ctx))

	_, err := f.results.Get(ctx, "ghost")
	assert.ErrorIs(t, err, model.ErrResultNotFound)
	assert.Zero(t, f.processingLen(t))
}

func TestRunner_HandlerErrorIsStoredAndAcked(t *testing.T) {
	f := setupRunner(t)
	f.registry.MustRegister("fails", HandlerFunc(func(context.Context, string, json.RawMessage) model.Outcome {
		return model.Failedf("exit status 2: bad prompt")
	}))
	task := f.enqueue(t, "fails", `{}`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.runner(t, nil).processNext(ctx))

	res, err := f.results.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusError, res.Status)
	assert.Equal(t, "exit status 2: bad prompt", res.Error)
	assert.True(t, testutil.TestTime().Equal(res.CompletedAt))
	assert.Zero(t, f.processingLen(t))
}

func TestRunner_ShutdownLeavesTaskInProcessing(t *testing.T) {
	f := setupRunner(t)
	started := make(chan struct{})
	f.registry.MustRegister("slow", HandlerFunc(func(ctx context.Context, _ string, _ json.RawMessage) model.Outcome {
		close(started)
		<-ctx.Done()
		return model.Failedf("interrupted: %v", ctx.Err())
	}))
	task := f.enqueue(t, "slow", `{}`)

	stop := startRunner(t, f.runner(t, nil))
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("handler never started")
	}
	stop()

	_, err := f.results.Get(context.Background(), task.ID)
	assert.ErrorIs(t, err, model.ErrResultNotFound)
	assert.EqualValues(t, 1, f.processingLen(t))
	assert.Empty(t, f.metrics.Find("task.transition"))

	status, err := f.queue.State(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusProcessing, status)
}

func TestRunner_ExistingResultIsKept(t *testing.T) {
	f := setupRunner(t)
	f.registry.MustRegister("echo", echoHandler())
	task := f.enqueue(t, "echo", `{}`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A previous run already recorded a result before crashing ahead of the ack.
	_, err := f.results.Save(ctx, model.NewResult(task.ID, task, model.Completed("first"), time.Now()))
	require.NoError(t, err)

	require.NoError(t, f.runner(t, nil).processNext(ctx))

	res, err := f.results.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(res.Value))
	assert.Zero(t, f.processingLen(t))
}

func TestRunner_RecoversStrandedTasksOnStartup(t *testing.T) {
	f := setupRunner(t)
	var handled atomic.Int32
	f.registry.MustRegister("echo", HandlerFunc(func(context.Context, string, json.RawMessage) model.Outcome {
		handled.Add(1)
		return model.Completed("ok")
	}))
	task := f.enqueue(t, "echo", `{}`)

	// Simulate a worker that claimed the task and died.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, task.ID, id)
	require.EqualValues(t, 1, f.processingLen(t))

	stop := startRunner(t, f.runner(t, nil))
	require.Eventually(t, func() bool { return handled.Load() == 1 }, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		status, err := f.queue.State(context.Background(), task.ID)
		return err == nil && status == model.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	recovered := f.metrics.Find("queue.recovered")
	require.Len(t, recovered, 1)
	assert.InDelta(t, 1.0, recovered[0].Value, 0.001)
}

// flakyResults fails the first n Save calls.
type flakyResults struct {
	core.ResultStore
	remaining atomic.Int32
	calls     atomic.Int32
}

func (f *flakyResults) Save(ctx context.Context, res *model.Result) (bool, error) {
	f.calls.Add(1)
	if f.remaining.Add(-1) >= 0 {
		return false, errors.New("connection refused")
	}
	return f.ResultStore.Save(ctx, res)
}

func TestRunner_StoreErrorSkipsAckAndBacksOff(t *testing.T) {
	f := setupRunner(t)
	f.registry.MustRegister("echo", echoHandler())
	flaky := &flakyResults{ResultStore: f.results}
	flaky.remaining.Store(1)

	first := f.enqueue(t, "echo", `{}`)
	second := f.enqueue(t, "echo", `{}`)
	r := f.runner(t, flaky)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.processNext(ctx)
	var se *storeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "save_result", se.op)

	// Not acknowledged: the entry is still claimed and no result exists.
	status, err := f.queue.State(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusProcessing, status)

	// The loop keeps going once the store is back.
	require.NoError(t, r.processNext(ctx))
	status, err = f.queue.State(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, status)
	assert.EqualValues(t, 2, flaky.calls.Load())
}

func TestRunner_WorkerLoopBacksOffOnStoreError(t *testing.T) {
	f := setupRunner(t)
	f.registry.MustRegister("echo", echoHandler())
	flaky := &flakyResults{ResultStore: f.results}
	flaky.remaining.Store(2)

	f.enqueue(t, "echo", `{}`)
	f.enqueue(t, "echo", `{}`)
	third := f.enqueue(t, "echo", `{}`)

	stop := startRunner(t, f.runner(t, flaky))
	require.Eventually(t, func() bool {
		status, err := f.queue.State(context.Background(), third.ID)
		return err == nil && status == model.TaskStatusCompleted
	}, 10*time.Second, 10*time.Millisecond)
	stop()

	failures := f.metrics.Find("queue.store_error")
	require.Len(t, failures, 2)
	assert.Equal(t, "save_result", failures[0].Tags["op"])
}
