package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/target/taskqueue/internal/core"
	"github.com/target/taskqueue/internal/domain/model"
	apperrors "github.com/target/taskqueue/internal/errors"
)

// TaskServiceOptions groups dependencies for TaskService.
type TaskServiceOptions struct {
	Queue   core.QueueStore  // Required: pending/processing collections and task records
	Results core.ResultStore // Required: terminal results
	Logger  *slog.Logger     // Optional: structured logger
	// JobTypes optionally restricts Enqueue to tags some worker can run.
	// Empty accepts every tag; unknown tags then fail at the worker.
	JobTypes []string
}

// TaskService is the producer-facing side of the queue: submit, inspect and delete tasks.
type TaskService struct {
	queue   core.QueueStore
	results core.ResultStore
	logger  *slog.Logger
	known   map[string]struct{}
}

// NewTaskService constructs a new TaskService.
func NewTaskService(opts TaskServiceOptions) (*TaskService, error) {
	if opts.Queue == nil {
		return nil, errors.New("QueueStore is required")
	}
	if opts.Results == nil {
		return nil, errors.New("ResultStore is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var known map[string]struct{}
	if len(opts.JobTypes) > 0 {
		known = make(map[string]struct{}, len(opts.JobTypes))
		for _, jt := range opts.JobTypes {
			known[jt] = struct{}{}
		}
	}
	return &TaskService{
		queue:   opts.Queue,
		results: opts.Results,
		logger:  logger.With("component", "task_service"),
		known:   known,
	}, nil
}

// MustNewTaskService constructs a new TaskService and panics on error.
func MustNewTaskService(opts TaskServiceOptions) *TaskService {
	svc, err := NewTaskService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create TaskService: %v", err))
	}
	return svc
}

// Enqueue validates the request and appends a new task to the queue.
func (s *TaskService) Enqueue(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error) {
	if req == nil {
		return nil, apperrors.Validation("request body is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid task")
	}
	if s.known != nil {
		if _, ok := s.known[strings.TrimSpace(req.JobType)]; !ok {
			return nil, apperrors.NotFoundf("unknown job type %q", req.JobType)
		}
	}

	task, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		return nil, apperrors.Store(err, "enqueue task")
	}
	s.logger.InfoContext(ctx, "task enqueued", "task_id", task.ID, "job_type", task.JobType)
	return task, nil
}

// GetStatus returns the producer view of one task. A stored result is returned in full;
// otherwise the queue position decides. Unknown, deleted and expired ids are NotFound.
func (s *TaskService) GetStatus(ctx context.Context, id string) (*model.TaskStatusView, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperrors.ValidationField("id", "task id is required")
	}

	view, err := s.resultView(ctx, id)
	if err != nil || view != nil {
		return view, err
	}

	status, err := s.queue.State(ctx, id)
	if err != nil {
		return nil, apperrors.Store(err, "read task state")
	}

	switch {
	case status == model.TaskStatusNotFound:
		return nil, apperrors.NotFoundf("task %s not found", id)
	case status.Terminal():
		// The worker resolved the task between the two reads.
		view, err := s.resultView(ctx, id)
		if err != nil {
			return nil, err
		}
		if view != nil {
			return view, nil
		}
		return &model.TaskStatusView{ID: id, Status: status}, nil
	}

	view = &model.TaskStatusView{ID: id, Status: status}
	if task, err := s.queue.Load(ctx, id); err == nil {
		view.Correlation = task.Correlation
	}
	return view, nil
}

func (s *TaskService) resultView(ctx context.Context, id string) (*model.TaskStatusView, error) {
	res, err := s.results.Get(ctx, id)
	switch {
	case err == nil:
		return res.View(), nil
	case errors.Is(err, model.ErrResultNotFound):
		return nil, nil
	default:
		return nil, apperrors.Store(err, "read task result")
	}
}

// List reports every known task with its reconciled status.
func (s *TaskService) List(ctx context.Context) ([]model.TaskSummary, error) {
	tasks, err := s.queue.ListStatus(ctx)
	if err != nil {
		return nil, apperrors.Store(err, "list tasks")
	}
	return tasks, nil
}

// Delete removes every trace of one task. Unknown ids succeed.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperrors.ValidationField("id", "task id is required")
	}
	if err := s.queue.Remove(ctx, id); err != nil {
		return apperrors.Store(err, "delete task")
	}
	s.logger.InfoContext(ctx, "task deleted", "task_id", id)
	return nil
}

// DeleteAll clears the queue, every task record and every result.
func (s *TaskService) DeleteAll(ctx context.Context) error {
	if err := s.queue.ClearAll(ctx); err != nil {
		return apperrors.Store(err, "clear tasks")
	}
	s.logger.WarnContext(ctx, "all tasks cleared")
	return nil
}

// Recover moves every processing entry back to pending. Running it while workers are
// busy re-runs their tasks; the first stored result wins.
func (s *TaskService) Recover(ctx context.Context) (int, error) {
	n, err := s.queue.RecoverStranded(ctx)
	if err != nil {
		return n, apperrors.Store(err, "recover stranded tasks")
	}
	s.logger.InfoContext(ctx, "recovery sweep finished", "requeued", n)
	return n, nil
}
