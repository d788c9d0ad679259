package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/surge/internal/campaign/config"
	"github.com/wesleyorama2/surge/internal/campaign/engine"
	"github.com/wesleyorama2/surge/internal/campaign/output"
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Send one request per dataset record, in order",
		Long: `Replay walks a dataset once, in file order, issuing one request per record.
Settings come from the replay section of a campaign file; flags override them.

  surge replay --config campaign.yaml
  surge replay --dataset shoppers.csv --url 'https://api.example.com/shoppers/{{id}}' \
      --method PATCH --body '{"status":"active"}' --concurrency 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd)
		},
	}

	cmd.Flags().StringP("config", "c", "", "Campaign file with a replay section")
	cmd.Flags().String("dataset", "", "CSV dataset of record identifiers")
	cmd.Flags().String("url", "", "Request URL template ({{id}} expands to the record)")
	cmd.Flags().StringP("method", "X", "", "HTTP method (default PATCH)")
	cmd.Flags().StringP("body", "d", "", "Request body template")
	cmd.Flags().StringArrayP("header", "H", nil, "Request header (e.g. 'Content-Type: application/json')")
	cmd.Flags().String("base-url", "", "Base URL for relative request URLs")
	cmd.Flags().Int("concurrency", 0, "Requests in flight at once (default 1)")
	cmd.Flags().Float64("rate", 0, "Maximum requests per second (0 means unlimited)")
	cmd.Flags().BoolP("quiet", "q", false, "Only print PASSED or FAILED")
	return cmd
}

func runReplay(cmd *cobra.Command) error {
	cfg, err := replayConfig(cmd)
	if err != nil {
		return err
	}
	quiet, _ := cmd.Flags().GetBool("quiet")

	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go cancelOnSignal(ctx, cancel)

	stats, _, err := engine.RunReplay(ctx, cfg, engine.WithLogger(logger))
	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		Name:   "replay",
		Writer: cmd.OutOrStdout(),
		Quiet:  quiet,
	})
	if stats.Total > 0 {
		console.PrintReplaySummary(stats)
	}
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return errThresholdsFailed
	}
	return nil
}

// replayConfig merges the replay section of --config with the flags.
func replayConfig(cmd *cobra.Command) (*config.CampaignConfig, error) {
	configFile, _ := cmd.Flags().GetString("config")

	cfg := &config.CampaignConfig{Name: "replay"}
	if configFile != "" {
		loaded, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("loading campaign: %w", err)
		}
		cfg = loaded
	}
	if cfg.Replay == nil {
		cfg.Replay = &config.ReplayConfig{}
	}
	r := cfg.Replay

	flags := cmd.Flags()
	if flags.Changed("dataset") {
		r.Dataset, _ = flags.GetString("dataset")
	}
	if flags.Changed("url") {
		r.Request.URL, _ = flags.GetString("url")
	}
	if flags.Changed("method") {
		method, _ := flags.GetString("method")
		r.Request.Method = strings.ToUpper(method)
	}
	if flags.Changed("body") {
		r.Request.Body, _ = flags.GetString("body")
	}
	if flags.Changed("base-url") {
		cfg.Settings.BaseURL, _ = flags.GetString("base-url")
	}
	if flags.Changed("concurrency") {
		r.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("rate") {
		r.Rate, _ = flags.GetFloat64("rate")
	}
	headers, _ := flags.GetStringArray("header")
	for _, h := range headers {
		name, value, err := parseHeader(h)
		if err != nil {
			return nil, err
		}
		if r.Request.Headers == nil {
			r.Request.Headers = make(map[string]string)
		}
		r.Request.Headers[name] = value
	}

	if r.Dataset == "" {
		return nil, fmt.Errorf("a dataset is required (--dataset or replay.dataset)")
	}
	if r.Request.URL == "" {
		return nil, fmt.Errorf("a request url is required (--url or replay.request.url)")
	}
	if r.Concurrency < 0 {
		return nil, fmt.Errorf("concurrency must be >= 0, got %d", r.Concurrency)
	}
	if r.Rate < 0 {
		return nil, fmt.Errorf("rate must be >= 0, got %v", r.Rate)
	}
	return cfg, nil
}

func parseHeader(h string) (string, string, error) {
	name, value, ok := strings.Cut(h, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid header format: %s (expected 'Name: value')", h)
	}
	return name, strings.TrimSpace(value), nil
}
