// Package scheduler drives iterations for a segment: open-loop arrivals
// following a rate profile, or a single ordered pass over a dataset.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/surge/internal/campaign/data"
	"github.com/wesleyorama2/surge/internal/campaign/metrics"
	"github.com/wesleyorama2/surge/internal/campaign/rate"
	"github.com/wesleyorama2/surge/internal/campaign/segment"
	"github.com/wesleyorama2/surge/internal/campaign/worker"
	"github.com/wesleyorama2/surge/internal/campaign/workflow"
)

// DefaultGracefulStop is how long in-flight iterations may run once
// scheduling has stopped.
const DefaultGracefulStop = 30 * time.Second

// Config configures an Arrival scheduler.
type Config struct {
	Key      segment.Key
	Profile  rate.Profile
	Bounds   segment.Bounds
	Data     *data.Pool
	Workflow workflow.Workflow
	Sink     metrics.Sink
	Logger   *zap.Logger

	// GracefulStop bounds the drain after scheduling stops. Iterations
	// still running afterwards are cancelled.
	GracefulStop time.Duration
}

// Arrival starts iterations at the rate given by a profile regardless of
// how long they take. When every slot is busy and the pool is at its
// bound, the iteration is dropped instead of queued.
//
// The n-th start happens at Profile.ArrivalOffset(n), so the schedule is
// exact and never bursts to catch up.
type Arrival struct {
	key      segment.Key
	bounds   segment.Bounds
	data     *data.Pool
	workflow workflow.Workflow
	sink     metrics.Sink
	log      *zap.Logger
	graceful time.Duration

	pool *worker.Pool

	// Schedule state, guarded by mu.
	mu      sync.Mutex
	profile rate.Profile
	next    int64
	version uint64
	start   time.Time

	swapCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	running atomic.Bool
	done    atomic.Bool
	wg      sync.WaitGroup

	scheduled atomic.Int64
	started   atomic.Int64
	dropped   atomic.Int64
	completed atomic.Int64
	cancelled atomic.Int64
	aborted   atomic.Int64
}

// NewArrival validates cfg and creates a scheduler. A missing or empty
// dataset fails here, so such a segment never emits a start.
func NewArrival(cfg Config) (*Arrival, error) {
	if err := cfg.Profile.Validate(); err != nil {
		return nil, fmt.Errorf("segment %s: %w", cfg.Key, err)
	}
	if err := cfg.Bounds.Validate(); err != nil {
		return nil, fmt.Errorf("segment %s: %w", cfg.Key, err)
	}
	if cfg.Data == nil || cfg.Data.Len() == 0 {
		return nil, fmt.Errorf("segment %s: %w", cfg.Key, data.ErrEmptyDataset)
	}
	if cfg.Workflow == nil {
		return nil, fmt.Errorf("segment %s: workflow is required", cfg.Key)
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.GracefulStop <= 0 {
		cfg.GracefulStop = DefaultGracefulStop
	}

	return &Arrival{
		key:      cfg.Key,
		bounds:   cfg.Bounds,
		data:     cfg.Data,
		workflow: cfg.Workflow,
		sink:     cfg.Sink,
		log:      cfg.Logger.With(zap.String("city", cfg.Key.City), zap.String("activity_class", cfg.Key.Class)),
		graceful: cfg.GracefulStop,
		pool:     worker.New(cfg.Bounds.PreAllocated, cfg.Bounds.Max),
		profile:  cfg.Profile,
		swapCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}, nil
}

// Key returns the segment key.
func (a *Arrival) Key() segment.Key {
	return a.key
}

// Run schedules iterations until the profile is exhausted, Stop is called
// or ctx is done, then drains in-flight iterations. ctx is the hard
// deadline: iterations still running when it is done are cancelled.
//
// Run returns an error only when the segment had to abort. The error does
// not carry the segment key.
func (a *Arrival) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("segment %s: scheduler already started", a.key)
	}
	defer a.done.Store(true)

	a.mu.Lock()
	a.start = time.Now()
	total := a.profile.Duration()
	a.mu.Unlock()

	a.log.Info("segment started",
		zap.Duration("duration", total),
		zap.Int("preAllocated", a.bounds.PreAllocated),
		zap.Int("max", a.bounds.Max),
		zap.Int("records", a.data.Len()),
	)

	iterCtx, cancelIterations := context.WithCancel(ctx)
	defer cancelIterations()

	err := a.schedule(ctx, iterCtx)
	a.drain(cancelIterations)

	stats := a.Stats()
	fields := []zap.Field{
		zap.Int64("scheduled", stats.Scheduled),
		zap.Int64("started", stats.Started),
		zap.Int64("dropped", stats.Dropped),
		zap.Int64("completed", stats.Completed),
		zap.Int64("cancelled", stats.Cancelled),
		zap.Int("peakSlots", stats.Pool.Peak),
	}
	if err != nil {
		a.log.Error("segment aborted", append(fields, zap.Error(err))...)
		return fmt.Errorf("aborted: %w", err)
	}
	a.log.Info("segment finished", fields...)
	return nil
}

// schedule is the single timing loop of the segment.
func (a *Arrival) schedule(ctx, iterCtx context.Context) error {
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()

	for {
		a.mu.Lock()
		version := a.version
		offset, ok := a.profile.ArrivalOffset(a.next)
		if !ok {
			// Nothing left to start; wait out the profile so a swap can
			// still extend it.
			offset = a.profile.Duration()
		}
		due := a.start.Add(offset)
		a.mu.Unlock()

		if wait := time.Until(due); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				stopTimer(timer)
				return nil
			case <-a.stopCh:
				stopTimer(timer)
				return nil
			case <-a.swapCh:
				stopTimer(timer)
				continue
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return nil
			case <-a.stopCh:
				return nil
			default:
			}
		}

		a.mu.Lock()
		if a.version != version {
			a.mu.Unlock()
			continue
		}
		if !ok {
			a.mu.Unlock()
			return nil
		}
		a.next++
		a.mu.Unlock()

		if err := a.emit(iterCtx); err != nil {
			return err
		}
	}
}

// emit handles one scheduled start.
func (a *Arrival) emit(ctx context.Context) error {
	slot, ok := a.pool.Acquire()
	if !ok {
		a.scheduled.Add(1)
		a.dropped.Add(1)
		a.sink.RecordIteration(a.key, metrics.OutcomeDropped, 0)
		return nil
	}

	record, err := a.data.Sample()
	if err != nil {
		a.pool.Release(slot)
		a.aborted.Add(1)
		a.sink.RecordIteration(a.key, metrics.OutcomeAborted, 0)
		return err
	}

	a.scheduled.Add(1)
	a.started.Add(1)
	a.sink.RecordIteration(a.key, metrics.OutcomeStarted, 0)

	a.wg.Add(1)
	go a.runIteration(ctx, slot, record)
	return nil
}

// runIteration runs a single iteration on a slot.
func (a *Arrival) runIteration(ctx context.Context, slot *worker.Slot, record data.Record) {
	defer a.wg.Done()
	defer a.pool.Release(slot)

	it := workflow.NewIteration(a.key, record)
	a.workflow.Run(ctx, it)

	if ctx.Err() != nil {
		a.cancelled.Add(1)
		a.sink.RecordIteration(a.key, metrics.OutcomeCancelled, time.Since(it.Start))
		return
	}
	a.completed.Add(1)
	a.sink.RecordIteration(a.key, metrics.OutcomeCompleted, time.Since(it.Start))
}

// drain waits for in-flight iterations, cancelling them after the
// graceful period.
func (a *Arrival) drain(cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(a.graceful):
	}

	a.log.Warn("graceful stop expired, cancelling in-flight iterations",
		zap.Int("inFlight", a.pool.Active()),
		zap.Duration("gracefulStop", a.graceful),
	)
	cancel()
	<-done
}

// Stop ends scheduling. In-flight iterations drain as usual.
func (a *Arrival) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
}

// SwapProfile replaces the profile of a running (or not yet started)
// scheduler. The swap takes effect from the current elapsed time: starts
// already emitted are kept and the new profile continues from its own
// cumulative count at that point, so nothing bursts.
func (a *Arrival) SwapProfile(p rate.Profile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("segment %s: %w", a.key, err)
	}

	a.mu.Lock()
	var elapsed time.Duration
	if !a.start.IsZero() {
		elapsed = time.Since(a.start)
	}
	a.profile = p
	a.next = nextIndex(p, elapsed)
	a.version++
	a.mu.Unlock()

	select {
	case a.swapCh <- struct{}{}:
	default:
	}

	a.log.Info("profile swapped",
		zap.Duration("elapsed", elapsed),
		zap.Duration("duration", p.Duration()),
		zap.Int("stages", len(p.Stages)),
	)
	return nil
}

// nextIndex returns the first arrival index of p due at or after elapsed.
func nextIndex(p rate.Profile, elapsed time.Duration) int64 {
	if elapsed <= 0 {
		return 0
	}
	n := int64(math.Ceil(p.Cumulative(elapsed) - 0.5))
	if n < 0 {
		return 0
	}
	return n
}

// Stats is a snapshot of scheduler progress.
type Stats struct {
	Key       segment.Key   `json:"key"`
	Scheduled int64         `json:"scheduled"`
	Started   int64         `json:"started"`
	Dropped   int64         `json:"dropped"`
	Completed int64         `json:"completed"`
	Cancelled int64         `json:"cancelled"`
	Aborted   int64         `json:"aborted"`
	Stage     int           `json:"stage"`
	Rate      float64       `json:"rate"`
	Elapsed   time.Duration `json:"elapsed"`
	Duration  time.Duration `json:"duration"`
	Running   bool          `json:"running"`
	Pool      worker.Stats  `json:"pool"`
}

// Progress returns elapsed / duration clamped to [0, 1].
func (s Stats) Progress() float64 {
	if s.Duration <= 0 {
		return 1
	}
	p := float64(s.Elapsed) / float64(s.Duration)
	if p > 1 {
		return 1
	}
	return p
}

// Stats returns a snapshot of scheduler progress.
func (a *Arrival) Stats() Stats {
	a.mu.Lock()
	profile := a.profile
	start := a.start
	a.mu.Unlock()

	var elapsed time.Duration
	if !start.IsZero() {
		elapsed = time.Since(start)
	}

	return Stats{
		Key:       a.key,
		Scheduled: a.scheduled.Load(),
		Started:   a.started.Load(),
		Dropped:   a.dropped.Load(),
		Completed: a.completed.Load(),
		Cancelled: a.cancelled.Load(),
		Aborted:   a.aborted.Load(),
		Stage:     profile.StageAt(elapsed),
		Rate:      profile.RateAt(elapsed),
		Elapsed:   elapsed,
		Duration:  profile.Duration(),
		Running:   a.running.Load() && !a.done.Load(),
		Pool:      a.pool.Stats(),
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
