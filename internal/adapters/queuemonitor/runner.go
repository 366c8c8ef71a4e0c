// Package queuemonitor periodically samples queue depth into metrics.
package queuemonitor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/target/taskqueue/internal/domain/model"
	"github.com/target/taskqueue/internal/observability/metrics"
	"github.com/target/taskqueue/internal/observability/statsd"
)

// DefaultInterval is the sampling cadence used when none is configured.
const DefaultInterval = 15 * time.Second

// DepthReader reports the current size of the queue collections.
type DepthReader interface {
	Depth(ctx context.Context) (model.QueueDepth, error)
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Queue    DepthReader
	Metrics  statsd.Sink
	Interval time.Duration
	Logger   *slog.Logger
}

// Runner samples queue depth on a fixed interval until its context ends.
type Runner struct {
	queue    DepthReader
	metrics  statsd.Sink
	interval time.Duration
	logger   *slog.Logger
}

// NewRunner creates a new monitor runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Metrics == nil {
		return nil, errors.New("metrics sink is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		queue:    opts.Queue,
		metrics:  opts.Metrics,
		interval: interval,
		logger:   logger.With("component", "queue_monitor"),
	}, nil
}

// Run samples once after a short jitter and then on every tick. Cancellation returns nil.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting queue monitor", "interval", r.interval)

	// Spread samples from replicas started together.
	r.waitWithJitter(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			r.logger.InfoContext(ctx, "queue monitor stopping")
			return nil
		}
		r.Sample(ctx)

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// Sample reads the depth once and emits it. Store errors are logged and skipped.
func (r *Runner) Sample(ctx context.Context) {
	depth, err := r.queue.Depth(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.WarnContext(ctx, "sample queue depth", "error", err)
		}
		return
	}
	metrics.EmitQueueDepth(r.metrics, depth.Pending, depth.Processing)
	r.logger.DebugContext(ctx, "queue depth", "pending", depth.Pending, "processing", depth.Processing)
}

// waitWithJitter delays up to 10% of the interval.
func (r *Runner) waitWithJitter(ctx context.Context) {
	maxJitter := int64(r.interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter))) // #nosec G115 - bounded by maxJitter

	t := time.NewTimer(jitter)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
