// Package job holds worker-side policies that are independent of any storage backend.
package job

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// ErrInvalidBackoff indicates the backoff bounds are not usable.
var ErrInvalidBackoff = errors.New("backoff initial must be positive and not exceed max")

const (
	// DefaultBackoffInitial is the first retry window after a store failure.
	DefaultBackoffInitial = time.Second
	// DefaultBackoffMax caps the retry window.
	DefaultBackoffMax = 30 * time.Second
)

// BackoffPolicy computes retry delays after consecutive store failures using
// exponential growth with full jitter: delay is uniform in [0, min(initial*2^(n-1), max)].
// It is stateless and safe for concurrent use; callers track the failure count.
type BackoffPolicy struct {
	initial time.Duration
	max     time.Duration
	rand    func() float64
}

// NewBackoffPolicy constructs a BackoffPolicy. Zero values fall back to the defaults.
func NewBackoffPolicy(initial, maxDelay time.Duration) (*BackoffPolicy, error) {
	if initial == 0 {
		initial = DefaultBackoffInitial
	}
	if maxDelay == 0 {
		maxDelay = DefaultBackoffMax
	}
	if initial < 0 || maxDelay < initial {
		return nil, ErrInvalidBackoff
	}
	return &BackoffPolicy{initial: initial, max: maxDelay, rand: rand.Float64}, nil
}

// Ceiling returns the upper bound of the delay for the given failure count (1-indexed).
func (p *BackoffPolicy) Ceiling(failures int) time.Duration {
	if p == nil || failures <= 0 {
		return 0
	}
	base := float64(p.initial) * math.Pow(2, float64(failures-1))
	if base > float64(p.max) || math.IsInf(base, 1) {
		return p.max
	}
	return time.Duration(base)
}

// Delay returns a jittered delay for the given failure count (1-indexed).
func (p *BackoffPolicy) Delay(failures int) time.Duration {
	ceiling := p.Ceiling(failures)
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(p.rand() * float64(ceiling)) //nolint:gosec // jitter does not need crypto rand
}
