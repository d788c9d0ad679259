// Package engine orchestrates a campaign: one arrival-rate scheduler per
// (city, activity class) segment, shared metrics and threshold evaluation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/surge/internal/campaign/config"
	"github.com/wesleyorama2/surge/internal/campaign/data"
	"github.com/wesleyorama2/surge/internal/campaign/metrics"
	"github.com/wesleyorama2/surge/internal/campaign/rate"
	"github.com/wesleyorama2/surge/internal/campaign/scheduler"
	"github.com/wesleyorama2/surge/internal/campaign/segment"
	"github.com/wesleyorama2/surge/internal/campaign/threshold"
	"github.com/wesleyorama2/surge/internal/campaign/transport"
	"github.com/wesleyorama2/surge/internal/campaign/workflow"
)

// SegmentError reports a segment that could not be scheduled or had to
// abort. Other segments are unaffected.
type SegmentError struct {
	Key segment.Key
	Err error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %s: %v", e.Key, e.Err)
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}

// Engine runs every segment of a campaign concurrently.
//
// Example usage:
//
//	cfg, _ := config.Load("campaign.yaml")
//	eng, _ := engine.NewEngine(cfg, engine.WithLogger(logger))
//	result, err := eng.Run(ctx)
//	fmt.Printf("passed: %v\n", result.Passed)
type Engine struct {
	config   *config.CampaignConfig
	log      *zap.Logger
	client   *transport.Client
	registry *data.Registry
	metrics  *metrics.Engine
	sinks    []metrics.Sink
	sink     metrics.Sink

	// Runners in segment order; setupErrs holds segments that never start.
	runners   []*scheduler.Arrival
	setupErrs []error

	mu        sync.RWMutex
	running   bool
	started   bool
	startTime time.Time

	// deadline cancels the run at startTime + HardTimeout(). A profile
	// swap re-arms it.
	deadline *time.Timer
}

// errHardTimeout is the cancellation cause when the global deadline fires.
var errHardTimeout = fmt.Errorf("hard timeout: %w", context.DeadlineExceeded)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClient sets the HTTP client shared by all workflows.
func WithClient(c *transport.Client) Option {
	return func(e *Engine) {
		e.client = c
	}
}

// WithRegistry sets the dataset registry, e.g. one preloaded with
// in-memory pools.
func WithRegistry(r *data.Registry) Option {
	return func(e *Engine) {
		e.registry = r
	}
}

// WithSinks adds metrics sinks next to the built-in aggregator.
func WithSinks(sinks ...metrics.Sink) Option {
	return func(e *Engine) {
		e.sinks = append(e.sinks, sinks...)
	}
}

// NewEngine validates cfg and prepares one scheduler per segment.
//
// Datasets load once, before anything runs. A segment whose dataset is
// missing, unreadable or empty is not scheduled; it is logged and reported
// as a SegmentError by Run.
func NewEngine(cfg *config.CampaignConfig, opts ...Option) (*Engine, error) {
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	segments, err := cfg.BuildSegments()
	if err != nil {
		return nil, fmt.Errorf("failed to build segments: %w", err)
	}

	e := &Engine{
		config:  cfg,
		log:     zap.NewNop(),
		metrics: metrics.NewEngine(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sink = append(metrics.Multi{e.metrics}, e.sinks...)
	if e.client == nil {
		e.client = transport.NewClient(cfg.TransportConfig())
	}
	if e.registry == nil {
		var dataOpts []data.Option
		if cfg.Settings.Seed != 0 {
			dataOpts = append(dataOpts, data.WithSeed(cfg.Settings.Seed))
		}
		e.registry = data.NewRegistry(dataOpts...)
	}

	for _, seg := range segments {
		if err := e.addSegment(seg); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) addSegment(seg segment.Descriptor) error {
	log := e.log.With(zap.String("city", seg.Key.City), zap.String("activity_class", seg.Key.Class))

	pool, err := e.registry.ForSegment(seg.Dataset)
	if err != nil {
		log.Error("dataset unavailable, segment will not run",
			zap.String("dataset", seg.Dataset),
			zap.Error(err),
		)
		e.setupErrs = append(e.setupErrs, &SegmentError{Key: seg.Key, Err: err})
		return nil
	}

	wf, err := workflow.New(seg.Workflow, workflow.Options{
		Client:  e.client,
		Sink:    e.sink,
		BaseURL: e.config.Settings.BaseURL,
		Headers: e.config.Settings.Headers,
	})
	if err != nil {
		return fmt.Errorf("segment %s: %w", seg.Key, err)
	}

	arrival, err := scheduler.NewArrival(scheduler.Config{
		Key:          seg.Key,
		Profile:      seg.Profile,
		Bounds:       seg.Bounds,
		Data:         pool,
		Workflow:     wf,
		Sink:         e.sink,
		Logger:       e.log,
		GracefulStop: e.config.Settings.GracefulStop.GetDuration(scheduler.DefaultGracefulStop),
	})
	if err != nil {
		return err
	}
	e.runners = append(e.runners, arrival)
	return nil
}

// HardTimeout returns the global deadline of a run: settings.hardTimeout,
// or the longest profile plus the graceful stop period.
func (e *Engine) HardTimeout() time.Duration {
	if d := time.Duration(e.config.Settings.HardTimeout); d > 0 {
		return d
	}
	var longest time.Duration
	for _, r := range e.runners {
		if d := r.Stats().Duration; d > longest {
			longest = d
		}
	}
	return longest + e.config.Settings.GracefulStop.GetDuration(scheduler.DefaultGracefulStop)
}

// Run executes all segments concurrently and returns the campaign result.
//
// The context can be used for cancellation. Iterations still running when
// ctx is done, or when the hard timeout expires, are reported as cancelled.
// The returned error joins every SegmentError; the result is valid either
// way.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine has already run")
	}
	e.started = true
	e.running = true
	e.startTime = time.Now()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.metrics.Reset()
	for _, r := range e.runners {
		e.metrics.Register(r.Key())
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	e.mu.Lock()
	hard := e.HardTimeout()
	e.deadline = time.AfterFunc(hard, func() { cancel(errHardTimeout) })
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.deadline.Stop()
		e.mu.Unlock()
	}()

	e.log.Info("campaign started",
		zap.String("name", e.config.Name),
		zap.Int("segments", len(e.runners)),
		zap.Int("skipped", len(e.setupErrs)),
		zap.Duration("hardTimeout", hard),
	)

	var (
		errMu   sync.Mutex
		runErrs = append([]error(nil), e.setupErrs...)
	)
	var g errgroup.Group
	for _, r := range e.runners {
		g.Go(func() error {
			if err := r.Run(runCtx); err != nil {
				errMu.Lock()
				runErrs = append(runErrs, &SegmentError{Key: r.Key(), Err: err})
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if cause := context.Cause(runCtx); errors.Is(cause, errHardTimeout) {
		e.log.Warn("hard timeout reached, in-flight iterations were cancelled",
			zap.Duration("hardTimeout", e.HardTimeout()))
	}

	result := e.buildResult(runErrs)

	e.log.Info("campaign finished",
		zap.Duration("duration", result.Duration),
		zap.Int64("started", result.Metrics.Totals.Started),
		zap.Int64("dropped", result.Metrics.Totals.Dropped),
		zap.Bool("passed", result.Passed),
	)

	return result, errors.Join(runErrs...)
}

func (e *Engine) buildResult(runErrs []error) *Result {
	snap := e.metrics.GetSnapshot()
	thresholds := threshold.EvaluateAll(e.config.Thresholds.Set(), snap)

	segments := make([]SegmentResult, 0, len(e.runners)+len(e.setupErrs))
	for _, r := range e.runners {
		sr := SegmentResult{Key: r.Key(), Scheduler: r.Stats()}
		if m, ok := snap.Segment(r.Key()); ok {
			sr.Metrics = m
		}
		segments = append(segments, sr)
	}

	errStrings := make([]string, 0, len(runErrs))
	for _, err := range runErrs {
		errStrings = append(errStrings, err.Error())
		var segErr *SegmentError
		if !errors.As(err, &segErr) {
			continue
		}
		found := false
		for i := range segments {
			if segments[i].Key == segErr.Key {
				segments[i].Error = segErr.Err.Error()
				found = true
			}
		}
		if !found {
			segments = append(segments, SegmentResult{Key: segErr.Key, Error: segErr.Err.Error()})
		}
	}

	e.mu.RLock()
	start := e.startTime
	e.mu.RUnlock()

	return &Result{
		Name:        e.config.Name,
		Description: e.config.Description,
		StartTime:   start,
		EndTime:     time.Now(),
		Duration:    time.Since(start),
		Segments:    segments,
		Metrics:     snap,
		Passed:      threshold.Passed(thresholds),
		Thresholds:  thresholds,
		Errors:      errStrings,
	}
}

// Stop ends scheduling in every segment; in-flight iterations drain.
func (e *Engine) Stop() {
	for _, r := range e.runners {
		r.Stop()
	}
}

// ApplyProfiles hot-swaps the ramp profile of running segments. Keys
// without a running segment are ignored. Every profile is validated
// before any is applied.
func (e *Engine) ApplyProfiles(profiles map[segment.Key]rate.Profile) error {
	for key, p := range profiles {
		if err := p.Validate(); err != nil {
			return &SegmentError{Key: key, Err: err}
		}
	}

	applied := 0
	for _, r := range e.runners {
		p, ok := profiles[r.Key()]
		if !ok {
			continue
		}
		if err := r.SwapProfile(p); err != nil {
			return &SegmentError{Key: r.Key(), Err: err}
		}
		applied++
	}
	e.log.Info("profiles applied", zap.Int("segments", applied))
	e.rearmDeadline()
	return nil
}

// rearmDeadline moves the deadline of a running campaign to
// startTime + HardTimeout(), so a swap that lengthens a profile is not cut
// off at the old deadline. An explicit settings.hardTimeout stays fixed.
func (e *Engine) rearmDeadline() {
	hard := e.HardTimeout()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.deadline == nil {
		return
	}
	if !e.deadline.Stop() {
		// Already fired.
		return
	}
	remaining := time.Until(e.startTime.Add(hard))
	if remaining < 0 {
		remaining = 0
	}
	e.deadline.Reset(remaining)

	if fixed := time.Duration(e.config.Settings.HardTimeout); fixed > 0 {
		for _, r := range e.runners {
			if d := r.Stats().Duration; d > fixed {
				e.log.Warn("swapped profile runs past hardTimeout and will be cut off",
					zap.String("segment", r.Key().String()),
					zap.Duration("profile", d),
					zap.Duration("hardTimeout", fixed))
			}
		}
		return
	}
	e.log.Info("hard timeout moved", zap.Duration("hardTimeout", hard))
}

// Reload applies the ramp profiles of a reloaded campaign. The campaign
// is defaulted and validated like the one the engine was built from.
func (e *Engine) Reload(cfg *config.CampaignConfig) error {
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	profiles, err := cfg.Profiles()
	if err != nil {
		return err
	}
	return e.ApplyProfiles(profiles)
}

// Segments returns the keys of the scheduled segments in order.
func (e *Engine) Segments() []segment.Key {
	keys := make([]segment.Key, len(e.runners))
	for i, r := range e.runners {
		keys[i] = r.Key()
	}
	return keys
}

// SetupErrors returns the segments that will not run.
func (e *Engine) SetupErrors() []error {
	return append([]error(nil), e.setupErrs...)
}

// Stats returns current scheduler stats for every segment.
func (e *Engine) Stats() []scheduler.Stats {
	out := make([]scheduler.Stats, len(e.runners))
	for i, r := range e.runners {
		out[i] = r.Stats()
	}
	return out
}

// GetMetrics returns the current metrics snapshot.
func (e *Engine) GetMetrics() *metrics.Snapshot {
	return e.metrics.GetSnapshot()
}

// GetProgress returns the overall campaign progress (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	if len(e.runners) == 0 {
		return 0
	}
	var total float64
	for _, r := range e.runners {
		total += r.Stats().Progress()
	}
	return total / float64(len(e.runners))
}

// IsRunning returns true if the engine is currently running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// GetConfig returns the campaign configuration.
func (e *Engine) GetConfig() *config.CampaignConfig {
	return e.config
}
