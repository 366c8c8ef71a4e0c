package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/target/taskqueue/internal/domain/model"
)

// Handler executes one job type. It always returns an Outcome; failures are
// reported as an error outcome rather than a Go error.
type Handler interface {
	Handle(ctx context.Context, taskID string, params json.RawMessage) model.Outcome
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, taskID string, params json.RawMessage) model.Outcome

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, taskID string, params json.RawMessage) model.Outcome {
	return f(ctx, taskID, params)
}

// UnknownJobTypeError is returned by Dispatch when no handler is registered for the tag.
type UnknownJobTypeError struct {
	JobType string
}

func (e *UnknownJobTypeError) Error() string {
	return fmt.Sprintf("unknown job type %q", e.JobType)
}

// Registry maps job type tags to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds jobType to h. Empty tags, nil handlers and duplicates are rejected.
func (r *Registry) Register(jobType string, h Handler) error {
	tag := strings.TrimSpace(jobType)
	if tag == "" {
		return errors.New("job type is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[tag]; exists {
		return fmt.Errorf("handler for %q already registered", tag)
	}
	r.handlers[tag] = h
	return nil
}

// MustRegister is Register that panics on error, for wiring at startup.
func (r *Registry) MustRegister(jobType string, h Handler) {
	if err := r.Register(jobType, h); err != nil {
		panic(err)
	}
}

// JobTypes returns the registered tags in sorted order.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for tag := range r.handlers {
		out = append(out, tag)
	}
	slices.Sort(out)
	return out
}

// Dispatch runs the handler registered for task.JobType. The only error returned is
// *UnknownJobTypeError; a panicking handler yields an error outcome.
func (r *Registry) Dispatch(ctx context.Context, task *model.Task) (out model.Outcome, err error) {
	r.mu.RLock()
	h, ok := r.handlers[task.JobType]
	r.mu.RUnlock()
	if !ok {
		return model.Outcome{}, &UnknownJobTypeError{JobType: task.JobType}
	}

	defer func() {
		if rec := recover(); rec != nil {
			out = model.Failedf("handler panic: %v", rec)
			err = nil
		}
	}()

	out = h.Handle(ctx, task.ID, task.Params)
	if out.Status != model.TaskStatusCompleted && out.Status != model.TaskStatusError {
		// Handlers that forget to set a status are treated as failures.
		if out.Error == "" {
			out.Error = "handler returned no status"
		}
		out.Status = model.TaskStatusError
	}
	return out, nil
}
