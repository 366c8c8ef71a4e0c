// Package metrics turns task queue events into StatsD metrics.
package metrics

import (
	"maps"
	"time"

	obserrors "github.com/target/taskqueue/internal/observability/errors"
	"github.com/target/taskqueue/internal/observability/statsd"
)

// Result tag values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Transition tag values.
const (
	TransitionResolved = "resolved"
	TransitionPoisoned = "poisoned"
	TransitionDropped  = "dropped"
)

// TaskMetric describes one task leaving the processing collection.
type TaskMetric struct {
	JobType    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitTaskLifecycle emits task.transition and, when a duration is known, task.duration.
func EmitTaskLifecycle(sink statsd.Sink, in TaskMetric) {
	if sink == nil {
		return
	}
	jobType := in.JobType
	if jobType == "" {
		jobType = "unknown"
	}
	tags := map[string]string{
		"job_type":   jobType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("task.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("task.duration", in.Duration, maps.Clone(tags))
	}
}

// EmitQueueRecovery reports how many stranded entries a recovery sweep moved back to pending.
func EmitQueueRecovery(sink statsd.Sink, recovered int) {
	if sink == nil {
		return
	}
	sink.Count("queue.recovered", int64(recovered), nil)
}

// EmitQueueDepth gauges the size of both queue collections.
func EmitQueueDepth(sink statsd.Sink, pending, processing int64) {
	if sink == nil {
		return
	}
	sink.Gauge("queue.depth", float64(pending), map[string]string{"list": "pending"})
	sink.Gauge("queue.depth", float64(processing), map[string]string{"list": "processing"})
}

// EmitStoreFailure counts a worker iteration aborted by a store error.
func EmitStoreFailure(sink statsd.Sink, op string, err error) {
	if sink == nil {
		return
	}
	sink.Count("queue.store_error", 1, map[string]string{
		"op":          op,
		"error_class": obserrors.Classify(err),
	})
}
