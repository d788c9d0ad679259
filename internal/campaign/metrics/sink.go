// Package metrics records per-segment check results and iteration outcomes.
package metrics

import (
	"time"

	"github.com/wesleyorama2/surge/internal/campaign/segment"
)

// Outcome is what happened to a scheduled iteration.
type Outcome string

const (
	// OutcomeStarted is recorded when an iteration acquires a slot.
	OutcomeStarted Outcome = "started"
	// OutcomeDropped is recorded when no slot was available.
	OutcomeDropped Outcome = "dropped"
	// OutcomeCompleted is recorded when a started iteration finishes.
	OutcomeCompleted Outcome = "completed"
	// OutcomeCancelled is recorded when a started iteration is abandoned
	// past the hard timeout.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeAborted is recorded when a started iteration could not run,
	// e.g. because sampling failed.
	OutcomeAborted Outcome = "aborted"
)

// Check is the outcome of one request step within an iteration.
type Check struct {
	Name    string        `json:"name"`
	Status  int           `json:"status,omitempty"`
	Err     error         `json:"-"`
	Latency time.Duration `json:"latency"`
	Bytes   int64         `json:"bytes,omitempty"`
	Passed  bool          `json:"passed"`
}

// Sink receives observations. Implementations must be safe for concurrent
// use.
type Sink interface {
	RecordCheck(key segment.Key, check Check)
	RecordIteration(key segment.Key, outcome Outcome, duration time.Duration)
}

// Multi fans observations out to several sinks.
type Multi []Sink

// RecordCheck implements Sink.
func (m Multi) RecordCheck(key segment.Key, check Check) {
	for _, s := range m {
		s.RecordCheck(key, check)
	}
}

// RecordIteration implements Sink.
func (m Multi) RecordIteration(key segment.Key, outcome Outcome, duration time.Duration) {
	for _, s := range m {
		s.RecordIteration(key, outcome, duration)
	}
}

// Discard drops every observation.
var Discard Sink = discard{}

type discard struct{}

func (discard) RecordCheck(segment.Key, Check)                      {}
func (discard) RecordIteration(segment.Key, Outcome, time.Duration) {}
