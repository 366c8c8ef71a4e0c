package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outcome is what a job handler hands back to the worker. Handlers always produce one;
// internal failures are encoded as an error outcome instead of being returned.
type Outcome struct {
	Status TaskStatus      `json:"status"`
	Value  json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Failed reports whether the outcome carries an error.
func (o Outcome) Failed() bool {
	return o.Status == TaskStatusError
}

// Completed builds a success outcome from any JSON-encodable value.
func Completed(v any) Outcome {
	raw, err := json.Marshal(v)
	if err != nil {
		return Failedf("encode result: %v", err)
	}
	return Outcome{Status: TaskStatusCompleted, Value: raw}
}

// Failedf builds an error outcome with a formatted message.
func Failedf(format string, args ...any) Outcome {
	return Outcome{Status: TaskStatusError, Error: fmt.Sprintf(format, args...)}
}

// Result is the durable, write-once record of a terminal task outcome.
type Result struct {
	TaskID      string          `json:"id"`
	JobType     string          `json:"job_type,omitempty"`
	Status      TaskStatus      `json:"status"`
	Value       json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Correlation json.RawMessage `json:"correlation,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// NewResult binds an outcome to its task. The task may be nil for poison entries.
func NewResult(taskID string, task *Task, out Outcome, now time.Time) *Result {
	r := &Result{
		TaskID:      taskID,
		Status:      out.Status,
		Value:       out.Value,
		Error:       out.Error,
		CompletedAt: now.UTC(),
	}
	if r.Status != TaskStatusCompleted {
		r.Status = TaskStatusError
	}
	if task != nil {
		r.JobType = task.JobType
		r.Correlation = task.Correlation
	}
	return r
}

// View converts the result into the producer-facing status view.
func (r *Result) View() *TaskStatusView {
	completed := r.CompletedAt
	return &TaskStatusView{
		ID:          r.TaskID,
		Status:      r.Status,
		Result:      r.Value,
		Error:       r.Error,
		Correlation: r.Correlation,
		CompletedAt: &completed,
	}
}
