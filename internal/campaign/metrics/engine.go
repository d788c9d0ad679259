package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/wesleyorama2/surge/internal/campaign/segment"
)

// Engine aggregates observations per segment using HDR histograms.
//
// Counters are atomic. Histograms are not safe for concurrent use and are
// guarded by a mutex per segment, so segments never contend with each
// other on the hot path.
type Engine struct {
	config    EngineConfig
	startTime time.Time

	mu       sync.RWMutex
	segments map[segment.Key]*segmentStats

	latencyHist   *hdrhistogram.Histogram
	latencyHistMu sync.Mutex
}

// EngineConfig contains configuration for the metrics engine.
type EngineConfig struct {
	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultEngineConfig returns the default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}

type segmentStats struct {
	started   atomic.Int64
	dropped   atomic.Int64
	completed atomic.Int64
	cancelled atomic.Int64
	aborted   atomic.Int64
	passed    atomic.Int64
	failed    atomic.Int64
	bytes     atomic.Int64

	mu       sync.Mutex
	latency  *hdrhistogram.Histogram
	duration *hdrhistogram.Histogram
	checks   map[string]*checkStats
}

type checkStats struct {
	passed  int64
	failed  int64
	latency *hdrhistogram.Histogram
}

// NewEngine creates a new metrics engine with default configuration.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig())
}

// NewEngineWithConfig creates a new metrics engine with custom configuration.
func NewEngineWithConfig(config EngineConfig) *Engine {
	return &Engine{
		config:      config,
		startTime:   time.Now(),
		segments:    make(map[segment.Key]*segmentStats),
		latencyHist: config.newHistogram(),
	}
}

func (c EngineConfig) newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(c.HistogramMin, c.HistogramMax, c.HistogramSigFigs)
}

func (c EngineConfig) clamp(d time.Duration) int64 {
	v := d.Microseconds()
	if v < c.HistogramMin {
		v = c.HistogramMin
	}
	if v > c.HistogramMax {
		v = c.HistogramMax
	}
	return v
}

// Register makes a segment visible in snapshots before it records anything.
func (e *Engine) Register(key segment.Key) {
	e.stats(key)
}

func (e *Engine) stats(key segment.Key) *segmentStats {
	e.mu.RLock()
	s, ok := e.segments[key]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.segments[key]; ok {
		return s
	}
	s = &segmentStats{
		latency:  e.config.newHistogram(),
		duration: e.config.newHistogram(),
		checks:   make(map[string]*checkStats),
	}
	e.segments[key] = s
	return s
}

// RecordCheck implements Sink.
func (e *Engine) RecordCheck(key segment.Key, check Check) {
	s := e.stats(key)
	v := e.config.clamp(check.Latency)

	if check.Passed {
		s.passed.Add(1)
	} else {
		s.failed.Add(1)
	}
	s.bytes.Add(check.Bytes)

	s.mu.Lock()
	s.latency.RecordValue(v)
	cs, ok := s.checks[check.Name]
	if !ok {
		cs = &checkStats{latency: e.config.newHistogram()}
		s.checks[check.Name] = cs
	}
	if check.Passed {
		cs.passed++
	} else {
		cs.failed++
	}
	cs.latency.RecordValue(v)
	s.mu.Unlock()

	e.latencyHistMu.Lock()
	e.latencyHist.RecordValue(v)
	e.latencyHistMu.Unlock()
}

// RecordIteration implements Sink.
func (e *Engine) RecordIteration(key segment.Key, outcome Outcome, duration time.Duration) {
	s := e.stats(key)
	switch outcome {
	case OutcomeStarted:
		s.started.Add(1)
	case OutcomeDropped:
		s.dropped.Add(1)
	case OutcomeCompleted:
		s.completed.Add(1)
		s.mu.Lock()
		s.duration.RecordValue(e.config.clamp(duration))
		s.mu.Unlock()
	case OutcomeCancelled:
		s.cancelled.Add(1)
	case OutcomeAborted:
		s.aborted.Add(1)
	}
}

// Counters holds iteration and check totals.
type Counters struct {
	Scheduled    int64 `json:"scheduled"`
	Started      int64 `json:"started"`
	Dropped      int64 `json:"dropped"`
	Completed    int64 `json:"completed"`
	Cancelled    int64 `json:"cancelled"`
	Aborted      int64 `json:"aborted"`
	ChecksPassed int64 `json:"checksPassed"`
	ChecksFailed int64 `json:"checksFailed"`
	Bytes        int64 `json:"bytes"`
}

// Checks returns the number of checks recorded.
func (c Counters) Checks() int64 {
	return c.ChecksPassed + c.ChecksFailed
}

// CheckRate returns the fraction of passed checks (1 when none ran).
func (c Counters) CheckRate() float64 {
	if c.Checks() == 0 {
		return 1
	}
	return float64(c.ChecksPassed) / float64(c.Checks())
}

// DropRate returns dropped / scheduled (0 when nothing was scheduled).
func (c Counters) DropRate() float64 {
	if c.Scheduled == 0 {
		return 0
	}
	return float64(c.Dropped) / float64(c.Scheduled)
}

func (c *Counters) add(o Counters) {
	c.Scheduled += o.Scheduled
	c.Started += o.Started
	c.Dropped += o.Dropped
	c.Completed += o.Completed
	c.Cancelled += o.Cancelled
	c.Aborted += o.Aborted
	c.ChecksPassed += o.ChecksPassed
	c.ChecksFailed += o.ChecksFailed
	c.Bytes += o.Bytes
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}

func latencyStats(h *hdrhistogram.Histogram) LatencyStats {
	return LatencyStats{
		Min:    time.Duration(h.Min()) * time.Microsecond,
		Max:    time.Duration(h.Max()) * time.Microsecond,
		Mean:   time.Duration(h.Mean()) * time.Microsecond,
		StdDev: time.Duration(h.StdDev()) * time.Microsecond,
		P50:    time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P90:    time.Duration(h.ValueAtQuantile(90)) * time.Microsecond,
		P95:    time.Duration(h.ValueAtQuantile(95)) * time.Microsecond,
		P99:    time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
		Count:  h.TotalCount(),
	}
}

// CheckSnapshot summarises one named check within a segment.
type CheckSnapshot struct {
	Name    string       `json:"name"`
	Passed  int64        `json:"passed"`
	Failed  int64        `json:"failed"`
	Latency LatencyStats `json:"latency"`
}

// SegmentSnapshot summarises one segment.
type SegmentSnapshot struct {
	Key               segment.Key     `json:"key"`
	Counters          Counters        `json:"counters"`
	Latency           LatencyStats    `json:"latency"`
	IterationDuration LatencyStats    `json:"iterationDuration"`
	Checks            []CheckSnapshot `json:"checks"`
}

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	StartTime time.Time         `json:"startTime"`
	Elapsed   time.Duration     `json:"elapsed"`
	Totals    Counters          `json:"totals"`
	Latency   LatencyStats      `json:"latency"`
	Segments  []SegmentSnapshot `json:"segments"`
}

// Segment returns the snapshot of key, if present.
func (s *Snapshot) Segment(key segment.Key) (SegmentSnapshot, bool) {
	for _, seg := range s.Segments {
		if seg.Key == key {
			return seg, true
		}
	}
	return SegmentSnapshot{}, false
}

// IterationRate returns started iterations per second over the run.
func (s *Snapshot) IterationRate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Totals.Started) / s.Elapsed.Seconds()
}

// GetSnapshot returns a point-in-time snapshot. Segments are sorted by key.
func (e *Engine) GetSnapshot() *Snapshot {
	e.mu.RLock()
	start := e.startTime
	keys := make([]segment.Key, 0, len(e.segments))
	for k := range e.segments {
		keys = append(keys, k)
	}
	e.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].City != keys[j].City {
			return keys[i].City < keys[j].City
		}
		return keys[i].Class < keys[j].Class
	})

	snap := &Snapshot{
		StartTime: start,
		Elapsed:   time.Since(start),
		Segments:  make([]SegmentSnapshot, 0, len(keys)),
	}
	for _, k := range keys {
		seg := e.segmentSnapshot(k, e.stats(k))
		snap.Totals.add(seg.Counters)
		snap.Segments = append(snap.Segments, seg)
	}

	e.latencyHistMu.Lock()
	snap.Latency = latencyStats(e.latencyHist)
	e.latencyHistMu.Unlock()
	return snap
}

func (e *Engine) segmentSnapshot(key segment.Key, s *segmentStats) SegmentSnapshot {
	c := Counters{
		Started:      s.started.Load(),
		Dropped:      s.dropped.Load(),
		Completed:    s.completed.Load(),
		Cancelled:    s.cancelled.Load(),
		Aborted:      s.aborted.Load(),
		ChecksPassed: s.passed.Load(),
		ChecksFailed: s.failed.Load(),
		Bytes:        s.bytes.Load(),
	}
	c.Scheduled = c.Started + c.Dropped

	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.checks))
	for n := range s.checks {
		names = append(names, n)
	}
	sort.Strings(names)

	checks := make([]CheckSnapshot, 0, len(names))
	for _, n := range names {
		cs := s.checks[n]
		checks = append(checks, CheckSnapshot{
			Name:    n,
			Passed:  cs.passed,
			Failed:  cs.failed,
			Latency: latencyStats(cs.latency),
		})
	}

	return SegmentSnapshot{
		Key:               key,
		Counters:          c,
		Latency:           latencyStats(s.latency),
		IterationDuration: latencyStats(s.duration),
		Checks:            checks,
	}
}

// Reset clears every segment and restarts the clock.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.segments = make(map[segment.Key]*segmentStats)
	e.startTime = time.Now()
	e.mu.Unlock()

	e.latencyHistMu.Lock()
	e.latencyHist.Reset()
	e.latencyHistMu.Unlock()
}

var _ Sink = (*Engine)(nil)
