package resource

import (
	"errors"
	"sync"

	"github.com/menta2k/imagepipe/internal/metrics"
)

// ErrAIDisabled is returned once the breaker has tripped
var ErrAIDisabled = errors.New("accelerated inference disabled after repeated failures")

// Breaker counts inference failures. Once the count reaches the threshold it
// trips and stays tripped for the life of the Breaker; successes before that
// only walk the count back down, one step at a time.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
	tripped   bool
	metrics   *metrics.Recorder
}

// NewBreaker creates a breaker that trips after threshold failures. A
// threshold below 1 is treated as 1.
func NewBreaker(threshold int, m *metrics.Recorder) *Breaker {
	return &Breaker{threshold: max(threshold, 1), metrics: m}
}

// RecordFailure counts one failure and reports whether the breaker is tripped
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.tripped = true
	}
	b.metrics.SetBreaker(b.failures, b.tripped)
	return b.tripped
}

// RecordSuccess decrements the failure count, never below zero
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
	}
	b.metrics.SetBreaker(b.failures, b.tripped)
}

// Tripped reports whether accelerated paths are disabled
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Allow returns ErrAIDisabled when tripped
func (b *Breaker) Allow() error {
	if b.Tripped() {
		return ErrAIDisabled
	}
	return nil
}

// Failures returns the current failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Threshold returns the trip threshold
func (b *Breaker) Threshold() int {
	return b.threshold
}
