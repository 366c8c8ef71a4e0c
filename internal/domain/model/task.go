// Package model defines the core data types shared by the task queue, the worker and the HTTP surface.
package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the coarse state of a task as seen by producers.
type TaskStatus string

const (
	// TaskStatusPending indicates the task id sits in the pending collection.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusProcessing indicates a worker has claimed the task.
	TaskStatusProcessing TaskStatus = "processing"
	// TaskStatusCompleted indicates the handler produced a successful result.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusError indicates the task was resolved with an error result.
	TaskStatusError TaskStatus = "error"
	// TaskStatusNotFound indicates the id is unknown, deleted, or its result expired.
	TaskStatusNotFound TaskStatus = "not_found"
)

// Terminal reports whether the status is backed by a result record.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError
}

// Rank orders statuses by reconciliation precedence: a result beats processing, processing beats pending.
func (s TaskStatus) Rank() int {
	switch s {
	case TaskStatusCompleted, TaskStatusError:
		return 3
	case TaskStatusProcessing:
		return 2
	case TaskStatusPending:
		return 1
	default:
		return 0
	}
}

var (
	// ErrTaskNotFound is returned when a task record does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrMalformedTask is returned when a stored task record cannot be decoded.
	ErrMalformedTask = errors.New("malformed task record")
	// ErrResultNotFound is returned when no result record exists for a task.
	ErrResultNotFound = errors.New("result not found")
	// ErrBlobNotFound is returned when a blob key does not exist.
	ErrBlobNotFound = errors.New("blob not found")
)

// Task is a unit of requested work. It is immutable once created.
type Task struct {
	ID          string          `json:"id"`
	EnqueuedAt  int64           `json:"enqueued_at"`
	JobType     string          `json:"job_type"`
	Params      json.RawMessage `json:"params"`
	Correlation json.RawMessage `json:"correlation,omitempty"`
}

// EnqueuedTime returns EnqueuedAt as a time.Time.
func (t *Task) EnqueuedTime() time.Time {
	return time.Unix(t.EnqueuedAt, 0).UTC()
}

// CreateTaskRequest is what a producer submits to enqueue work.
type CreateTaskRequest struct {
	JobType     string          `json:"job_type"`
	Params      json.RawMessage `json:"params,omitempty"`
	Correlation json.RawMessage `json:"correlation,omitempty"`
}

// Validate checks the request fields.
func (r *CreateTaskRequest) Validate() error {
	if strings.TrimSpace(r.JobType) == "" {
		return errors.New("job_type is required")
	}
	if len(r.Params) > 0 && !json.Valid(r.Params) {
		return errors.New("params must be valid JSON")
	}
	if len(r.Correlation) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(r.Correlation, &obj); err != nil {
			return errors.New("correlation must be a JSON object")
		}
	}
	return nil
}

// NewTask builds a Task with a fresh id from a validated request.
func NewTask(req *CreateTaskRequest, now time.Time) *Task {
	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return &Task{
		ID:          uuid.NewString(),
		EnqueuedAt:  now.Unix(),
		JobType:     strings.TrimSpace(req.JobType),
		Params:      params,
		Correlation: req.Correlation,
	}
}

// TaskSummary is a single row of the task listing.
type TaskSummary struct {
	ID     string     `json:"id"`
	Status TaskStatus `json:"status"`
}

// TaskStatusView is the producer-facing view of a single task.
type TaskStatusView struct {
	ID          string          `json:"id"`
	Status      TaskStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Correlation json.RawMessage `json:"correlation,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// QueueDepth is a point-in-time size of the two queue collections.
type QueueDepth struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
}
