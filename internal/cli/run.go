package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/surge/internal/campaign/config"
	"github.com/wesleyorama2/surge/internal/campaign/engine"
	"github.com/wesleyorama2/surge/internal/campaign/metrics"
	"github.com/wesleyorama2/surge/internal/campaign/output"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a campaign",
		Long: `Run every (city, activity class) segment of a campaign file concurrently.

  surge run --config campaign.yaml
  surge run --config campaign.yaml --watch --out summary.json

The first interrupt stops scheduling and lets in-flight iterations drain;
a second interrupt cancels them. The exit code is 1 when a threshold fails
or a segment could not run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCampaign(cmd)
		},
	}

	cmd.Flags().StringP("config", "c", "", "Campaign file (YAML or JSON)")
	cmd.Flags().Bool("watch", false, "Reload ramp profiles when the campaign file changes")
	cmd.Flags().StringP("out", "o", "", "Write the run summary as JSON to this file")
	cmd.Flags().BoolP("quiet", "q", false, "Only print PASSED or FAILED")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().Int64("seed", 0, "Seed dataset sampling for a reproducible run")
	cmd.Flags().Duration("update-interval", time.Second, "Live progress refresh interval")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runCampaign(cmd *cobra.Command) error {
	configFile, _ := cmd.Flags().GetString("config")
	watch, _ := cmd.Flags().GetBool("watch")
	outPath, _ := cmd.Flags().GetString("out")
	quiet, _ := cmd.Flags().GetBool("quiet")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	seed, _ := cmd.Flags().GetInt64("seed")
	interval, _ := cmd.Flags().GetDuration("update-interval")

	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading campaign: %w", err)
	}
	if seed != 0 {
		cfg.Settings.Seed = seed
	}

	engOpts := []engine.Option{engine.WithLogger(logger)}
	if metricsAddr != "" {
		prom := metrics.NewPrometheus()
		engOpts = append(engOpts, engine.WithSinks(prom))
		srv := serveMetrics(metricsAddr, prom, logger)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	eng, err := engine.NewEngine(cfg, engOpts...)
	if err != nil {
		return err
	}

	var longest time.Duration
	for _, s := range eng.Stats() {
		if s.Duration > longest {
			longest = s.Duration
		}
	}
	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		Name:           cfg.Name,
		TotalDuration:  longest,
		UpdateInterval: interval,
		Writer:         cmd.OutOrStdout(),
		Quiet:          quiet,
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go handleSignals(ctx, eng, cancel, logger)

	if watch {
		w, err := config.NewWatcher(configFile, func(next *config.CampaignConfig) {
			if err := eng.Reload(next); err != nil {
				logger.Warn("profile swap rejected", zap.Error(err))
			}
		}, config.WithWatchLogger(logger))
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Warn("campaign watcher stopped", zap.Error(err))
			}
		}()
	}

	console.PrintHeader(len(eng.Segments()))

	var (
		result *engine.Result
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = eng.Run(ctx)
	}()

	ticker := time.NewTicker(console.UpdateInterval())
	defer ticker.Stop()

progressLoop:
	for {
		select {
		case <-done:
			break progressLoop
		case <-ticker.C:
			console.Update(output.StatsFromEngine(eng.GetMetrics(), eng.Stats()))
		}
	}

	if result == nil {
		return runErr
	}
	console.PrintSummary(result)

	if outPath != "" {
		if err := result.WriteJSON(outPath); err != nil {
			return err
		}
	}

	if runErr != nil {
		return runErr
	}
	if !result.Passed {
		return errThresholdsFailed
	}
	return nil
}

// handleSignals stops scheduling on the first interrupt and cancels
// in-flight iterations on the second.
func handleSignals(ctx context.Context, eng *engine.Engine, cancel context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stopping := false
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if !stopping {
				logger.Warn("stopping campaign, in-flight iterations will drain (interrupt again to abort)",
					zap.String("signal", sig.String()))
				eng.Stop()
				stopping = true
				continue
			}
			logger.Warn("aborting campaign", zap.String("signal", sig.String()))
			cancel()
			return
		}
	}
}

func serveMetrics(addr string, prom *metrics.Prometheus, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

// cancelOnSignal cancels on the first interrupt.
func cancelOnSignal(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case <-sigCh:
		cancel()
	}
}
