package testutil

import (
	"encoding/json"

	"github.com/target/taskqueue/internal/domain/model"
)

// TaskRequestBuilder provides a fluent interface for building CreateTaskRequest objects for testing.
type TaskRequestBuilder struct {
	req *model.CreateTaskRequest
}

// NewTaskRequest creates a new TaskRequestBuilder with sensible defaults.
func NewTaskRequest() *TaskRequestBuilder {
	return &TaskRequestBuilder{
		req: &model.CreateTaskRequest{
			JobType: "echo",
			Params:  json.RawMessage(`{"prompt":"hello"}`),
		},
	}
}

// WithJobType sets the job type tag.
func (b *TaskRequestBuilder) WithJobType(jobType string) *TaskRequestBuilder {
	b.req.JobType = jobType
	return b
}

// WithParams sets the params payload.
func (b *TaskRequestBuilder) WithParams(params json.RawMessage) *TaskRequestBuilder {
	b.req.Params = params
	return b
}

// WithParamsString sets the params payload from a string.
func (b *TaskRequestBuilder) WithParamsString(params string) *TaskRequestBuilder {
	b.req.Params = json.RawMessage(params)
	return b
}

// WithCorrelationString sets the correlation object from a string.
func (b *TaskRequestBuilder) WithCorrelationString(correlation string) *TaskRequestBuilder {
	b.req.Correlation = json.RawMessage(correlation)
	return b
}

// Build returns the constructed CreateTaskRequest.
func (b *TaskRequestBuilder) Build() *model.CreateTaskRequest {
	return b.req
}
