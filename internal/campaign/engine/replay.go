package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wesleyorama2/surge/internal/campaign/config"
	"github.com/wesleyorama2/surge/internal/campaign/data"
	"github.com/wesleyorama2/surge/internal/campaign/metrics"
	"github.com/wesleyorama2/surge/internal/campaign/scheduler"
	"github.com/wesleyorama2/surge/internal/campaign/segment"
	"github.com/wesleyorama2/surge/internal/campaign/transport"
	"github.com/wesleyorama2/surge/internal/campaign/workflow"
)

// ReplayKey tags replay observations.
var ReplayKey = segment.Key{City: "replay", Class: "update"}

// RunReplay performs the replay pass described by cfg.Replay: one request
// per dataset record, in order. Only the replay block and settings are
// used; the segment matrix may be empty.
func RunReplay(ctx context.Context, cfg *config.CampaignConfig, opts ...Option) (scheduler.ReplayStats, *metrics.Snapshot, error) {
	if cfg.Replay == nil {
		return scheduler.ReplayStats{}, nil, fmt.Errorf("no replay section configured")
	}
	config.ApplyDefaults(cfg)

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
		e.registry = data.NewRegistry()
	}

	spec, err := cfg.ReplayWorkflow()
	if err != nil {
		return scheduler.ReplayStats{}, nil, err
	}
	wf, err := workflow.New(spec, workflow.Options{
		Client:  e.client,
		Sink:    e.sink,
		BaseURL: cfg.Settings.BaseURL,
		Headers: cfg.Settings.Headers,
	})
	if err != nil {
		return scheduler.ReplayStats{}, nil, fmt.Errorf("replay: %w", err)
	}

	path := cfg.ResolvePath(cfg.Replay.Dataset)
	pool, err := e.registry.Get(path)
	if err != nil {
		e.log.Error("replay dataset unavailable", zap.String("dataset", path), zap.Error(err))
		return scheduler.ReplayStats{}, nil, fmt.Errorf("replay: %w", err)
	}

	runner, err := scheduler.NewReplay(scheduler.ReplayConfig{
		Key:         ReplayKey,
		Data:        pool,
		Workflow:    wf,
		Sink:        e.sink,
		Logger:      e.log,
		Concurrency: cfg.Replay.Concurrency,
		Rate:        cfg.Replay.Rate,
	})
	if err != nil {
		return scheduler.ReplayStats{}, nil, err
	}

	e.metrics.Register(ReplayKey)
	stats, err := runner.Run(ctx)
	return stats, e.metrics.GetSnapshot(), err
}
