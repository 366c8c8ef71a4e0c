package core

import (
	"context"
	"time"

	"github.com/target/taskqueue/internal/domain/model"
)

// This file contains the ports between the queue services and the storage adapters.
// Queue state is only reachable through the atomic primitives below; callers never
// issue raw read-modify-write sequences against the backing store.

// QueueStore holds the pending and processing collections plus the task records.
type QueueStore interface {
	// Enqueue persists the task record and appends its id to pending in one transaction.
	Enqueue(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error)
	// Dequeue atomically moves one id from the tail of pending to the head of processing.
	// It blocks until an entry is available or ctx is done.
	Dequeue(ctx context.Context) (string, error)
	// Load reads a claimed task record. Returns model.ErrTaskNotFound or a wrapped
	// model.ErrMalformedTask for unusable records; other errors are store errors.
	Load(ctx context.Context, id string) (*model.Task, error)
	// Acknowledge removes id from processing and drops its record. Idempotent.
	Acknowledge(ctx context.Context, id string) error
	// RecoverStranded moves every processing entry back to pending and reports how many moved.
	RecoverStranded(ctx context.Context) (int, error)
	// State reports the reconciled status of one id.
	State(ctx context.Context, id string) (model.TaskStatus, error)
	// ListStatus reports the reconciled status of every visible id.
	ListStatus(ctx context.Context) ([]model.TaskSummary, error)
	// Remove deletes every trace of id. Unknown ids are a no-op.
	Remove(ctx context.Context, id string) error
	// ClearAll empties both collections and deletes all records and results.
	ClearAll(ctx context.Context) error
}

// ResultStore holds write-once, TTL-bounded task results.
type ResultStore interface {
	// Save writes the result unless one already exists; stored reports whether this call wrote it.
	Save(ctx context.Context, res *model.Result) (stored bool, err error)
	Get(ctx context.Context, taskID string) (*model.Result, error)
	Delete(ctx context.Context, taskID string) error
	// Statuses returns the terminal status of every stored result keyed by task id.
	Statuses(ctx context.Context) (map[string]model.TaskStatus, error)
	DeleteAll(ctx context.Context) (int, error)
}

// BlobStore exchanges large artifacts by reference.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// BlobPresigner is implemented by blob stores able to hand out time-limited download URLs.
type BlobPresigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}
