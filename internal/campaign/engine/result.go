package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/wesleyorama2/surge/internal/campaign/metrics"
	"github.com/wesleyorama2/surge/internal/campaign/scheduler"
	"github.com/wesleyorama2/surge/internal/campaign/segment"
	"github.com/wesleyorama2/surge/internal/campaign/threshold"
)

// SegmentResult contains the results of a single segment.
type SegmentResult struct {
	Key       segment.Key             `json:"key"`
	Scheduler scheduler.Stats         `json:"scheduler"`
	Metrics   metrics.SegmentSnapshot `json:"metrics"`
	Error     string                  `json:"error,omitempty"`
}

// Result contains the complete campaign results.
type Result struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	Segments []SegmentResult   `json:"segments"`
	Metrics  *metrics.Snapshot `json:"metrics"`

	Passed     bool               `json:"passed"`
	Thresholds []threshold.Result `json:"thresholds,omitempty"`

	// Errors lists segments that did not run or aborted.
	Errors []string `json:"errors,omitempty"`
}

// Segment returns the result of key, if present.
func (r *Result) Segment(key segment.Key) (SegmentResult, bool) {
	for _, s := range r.Segments {
		if s.Key == key {
			return s, true
		}
	}
	return SegmentResult{}, false
}

// WriteJSON writes the result as indented JSON to path.
func (r *Result) WriteJSON(path string) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}
