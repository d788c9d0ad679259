package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wesleyorama2/surge/internal/campaign/data"
	"github.com/wesleyorama2/surge/internal/campaign/metrics"
	"github.com/wesleyorama2/surge/internal/campaign/segment"
	"github.com/wesleyorama2/surge/internal/campaign/workflow"
)

// ReplayConfig configures a Replay.
type ReplayConfig struct {
	Key      segment.Key
	Data     *data.Pool
	Workflow workflow.Workflow
	Sink     metrics.Sink
	Logger   *zap.Logger

	// Concurrency bounds in-flight iterations (default 1, strictly
	// sequential).
	Concurrency int

	// Rate caps iteration starts per second. Zero means unlimited.
	Rate float64
}

// ReplayStats summarises a replay pass.
type ReplayStats struct {
	Total     int           `json:"total"`
	Completed int64         `json:"completed"`
	Passed    int64         `json:"passed"`
	Failed    int64         `json:"failed"`
	Cancelled int64         `json:"cancelled"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Replay runs exactly one iteration per dataset record, in index order,
// with no resampling. It ends when the index reaches the dataset length.
type Replay struct {
	key         segment.Key
	data        *data.Pool
	workflow    workflow.Workflow
	sink        metrics.Sink
	log         *zap.Logger
	concurrency int
	limiter     *rate.Limiter

	completed atomic.Int64
	passed    atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// NewReplay validates cfg and creates a replay runner.
func NewReplay(cfg ReplayConfig) (*Replay, error) {
	if cfg.Data == nil || cfg.Data.Len() == 0 {
		return nil, fmt.Errorf("replay: %w", data.ErrEmptyDataset)
	}
	if cfg.Workflow == nil {
		return nil, fmt.Errorf("replay: workflow is required")
	}
	if cfg.Rate < 0 {
		return nil, fmt.Errorf("replay: rate must be >= 0, got %v", cfg.Rate)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := &Replay{
		key:         cfg.Key,
		data:        cfg.Data,
		workflow:    cfg.Workflow,
		sink:        cfg.Sink,
		log:         cfg.Logger.With(zap.String("dataset", cfg.Data.Name())),
		concurrency: cfg.Concurrency,
	}
	if cfg.Rate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}
	return r, nil
}

// Run performs the pass. It returns ctx's error if the pass was cut short.
func (r *Replay) Run(ctx context.Context) (ReplayStats, error) {
	start := time.Now()
	total := r.data.Len()
	r.log.Info("replay started", zap.Int("records", total), zap.Int("concurrency", r.concurrency))

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	var runErr error
	for i := 0; i < total; i++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				runErr = err
				break
			}
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		record, err := r.data.At(i)
		if err != nil {
			runErr = err
			break
		}
		index := i
		g.Go(func() error {
			r.runIndex(ctx, index, record)
			return nil
		})
	}
	_ = g.Wait()

	stats := ReplayStats{
		Total:     total,
		Completed: r.completed.Load(),
		Passed:    r.passed.Load(),
		Failed:    r.failed.Load(),
		Cancelled: r.cancelled.Load(),
		Elapsed:   time.Since(start),
	}
	r.log.Info("replay finished",
		zap.Int64("completed", stats.Completed),
		zap.Int64("passed", stats.Passed),
		zap.Int64("failed", stats.Failed),
		zap.Duration("elapsed", stats.Elapsed),
	)
	return stats, runErr
}

func (r *Replay) runIndex(ctx context.Context, index int, record data.Record) {
	r.sink.RecordIteration(r.key, metrics.OutcomeStarted, 0)

	it := workflow.NewIteration(r.key, record)
	res := r.workflow.Run(ctx, it)

	if ctx.Err() != nil {
		r.cancelled.Add(1)
		r.sink.RecordIteration(r.key, metrics.OutcomeCancelled, time.Since(it.Start))
		return
	}

	r.completed.Add(1)
	r.sink.RecordIteration(r.key, metrics.OutcomeCompleted, time.Since(it.Start))
	if res.Passed() {
		r.passed.Add(1)
		return
	}
	r.failed.Add(1)
	for _, s := range res.Steps {
		if s.Passed {
			continue
		}
		r.log.Warn("record update failed",
			zap.Int("index", index),
			zap.String("record", string(record)),
			zap.Int("status", s.Status),
			zap.Error(s.Err),
		)
	}
}
