package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wesleyorama2/surge/internal/campaign/config"
	"github.com/wesleyorama2/surge/internal/campaign/metrics"
	"github.com/wesleyorama2/surge/internal/campaign/rate"
	"github.com/wesleyorama2/surge/internal/campaign/segment"
)

func writeDataset(t *testing.T, dir, name string, ids ...string) {
	t.Helper()
	content := "id\n" + strings.Join(ids, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func stage(target float64, d string) config.StageConfig {
	return config.StageConfig{Target: target, Duration: d}
}

func testCampaign(dir, baseURL string) *config.CampaignConfig {
	return &config.CampaignConfig{
		Name: "test",
		Dir:  dir,
		Settings: config.Settings{
			BaseURL:      baseURL,
			Dataset:      "{{city}}_{{class}}.csv",
			GracefulStop: config.Duration(time.Second),
		},
		Cities: []string{"detroit", "atlanta"},
		Classes: map[string]*config.ClassConfig{
			"active": {
				StartRate:    20,
				PreAllocated: 2,
				Max:          5,
				Stages:       []config.StageConfig{stage(20, "500ms")},
				Workflow: config.WorkflowConfig{
					URL: "{{baseUrl}}/v3/drivers/{{id}}/offers",
				},
			},
		},
	}
}

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.paths = append(r.paths, req.URL.Path)
		r.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"offers":[]}`))
	}
}

func (r *recorder) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.paths {
		if strings.HasPrefix(p, prefix) {
			n++
		}
	}
	return n
}

func TestEngine_RunsEverySegment(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler(http.StatusOK))
	defer server.Close()

	dir := t.TempDir()
	writeDataset(t, dir, "detroit_active.csv", "d1", "d2")
	writeDataset(t, dir, "atlanta_active.csv", "a1")

	cfg := testCampaign(dir, server.URL)
	cfg.Thresholds = &config.ThresholdsConfig{
		Checks:            []string{"rate > 0.99"},
		DroppedIterations: []string{"count < 1000"},
	}

	eng, err := NewEngine(cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	assert.Equal(t, []segment.Key{
		{City: "atlanta", Class: "active"},
		{City: "detroit", Class: "active"},
	}, eng.Segments())

	result, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Passed)
	require.Len(t, result.Thresholds, 2)
	require.Len(t, result.Segments, 2)
	for _, seg := range result.Segments {
		s := seg.Scheduler
		assert.Equal(t, s.Scheduled, s.Started+s.Dropped, seg.Key.String())
		assert.InDelta(t, 10, s.Scheduled, 2, seg.Key.String())
		assert.Equal(t, s.Started, seg.Metrics.Counters.Started)
		assert.Empty(t, seg.Error)
	}

	assert.Greater(t, rec.count("/v3/drivers/d"), 0)
	assert.Greater(t, rec.count("/v3/drivers/a1/"), 0)
	assert.False(t, eng.IsRunning())

	_, err = eng.Run(context.Background())
	assert.Error(t, err)
}

func TestEngine_MissingDatasetSkipsOnlyThatSegment(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler(http.StatusOK))
	defer server.Close()

	dir := t.TempDir()
	writeDataset(t, dir, "atlanta_active.csv", "a1")
	// detroit has no dataset; an empty one counts as missing too
	writeDataset(t, dir, "detroit_active.csv")

	eng, err := NewEngine(testCampaign(dir, server.URL))
	require.NoError(t, err)
	assert.Equal(t, []segment.Key{{City: "atlanta", Class: "active"}}, eng.Segments())
	require.Len(t, eng.SetupErrors(), 1)

	result, err := eng.Run(context.Background())
	require.Error(t, err)

	var segErr *SegmentError
	require.True(t, errors.As(err, &segErr))
	assert.Equal(t, segment.Key{City: "detroit", Class: "active"}, segErr.Key)
	assert.Contains(t, err.Error(), "segment detroit_active")

	detroit, ok := result.Segment(segment.Key{City: "detroit", Class: "active"})
	require.True(t, ok)
	assert.NotEmpty(t, detroit.Error)
	assert.Zero(t, detroit.Scheduler.Started)

	atlanta, ok := result.Segment(segment.Key{City: "atlanta", Class: "active"})
	require.True(t, ok)
	assert.Greater(t, atlanta.Scheduler.Started, int64(0))
	assert.Zero(t, rec.count("/v3/drivers/d"))
}

func TestEngine_UnreadableDataset(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "atlanta_active.csv", "a1")

	cfg := testCampaign(dir, "http://127.0.0.1:1")
	cfg.Classes["active"].Stages = []config.StageConfig{stage(1, "10ms")}

	eng, err := NewEngine(cfg)
	require.NoError(t, err)
	errs := eng.SetupErrors()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], fs.ErrNotExist))
}

func TestEngine_FailingChecksFailThresholds(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler(http.StatusServiceUnavailable))
	defer server.Close()

	dir := t.TempDir()
	writeDataset(t, dir, "detroit_active.csv", "d1")
	writeDataset(t, dir, "atlanta_active.csv", "a1")

	cfg := testCampaign(dir, server.URL)
	cfg.Thresholds = &config.ThresholdsConfig{Checks: []string{"rate > 0.99"}}

	eng, err := NewEngine(cfg)
	require.NoError(t, err)

	result, err := eng.Run(context.Background())
	require.NoError(t, err, "check failures are not segment errors")
	assert.False(t, result.Passed)
	require.Len(t, result.Thresholds, 1)
	assert.False(t, result.Thresholds[0].Passed)
	assert.Greater(t, result.Metrics.Totals.ChecksFailed, int64(0))
}

func TestEngine_StopEndsEarly(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler(http.StatusOK))
	defer server.Close()

	dir := t.TempDir()
	writeDataset(t, dir, "detroit_active.csv", "d1")
	writeDataset(t, dir, "atlanta_active.csv", "a1")

	cfg := testCampaign(dir, server.URL)
	cfg.Classes["active"].Stages = []config.StageConfig{stage(20, "1m")}

	eng, err := NewEngine(cfg)
	require.NoError(t, err)

	go func() {
		time.Sleep(200 * time.Millisecond)
		eng.Stop()
	}()

	start := time.Now()
	_, err = eng.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEngine_HardTimeout(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "detroit_active.csv", "d1")
	writeDataset(t, dir, "atlanta_active.csv", "a1")

	cfg := testCampaign(dir, "http://localhost")
	cfg.Classes["active"].Stages = []config.StageConfig{stage(1, "1m")}

	eng, err := NewEngine(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Minute+time.Second, eng.HardTimeout())

	cfg.Settings.HardTimeout = config.Duration(5 * time.Second)
	assert.Equal(t, 5*time.Second, eng.HardTimeout())
}

func TestEngine_ApplyProfiles(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "detroit_active.csv", "d1")
	writeDataset(t, dir, "atlanta_active.csv", "a1")

	eng, err := NewEngine(testCampaign(dir, "http://localhost"))
	require.NoError(t, err)

	key := segment.Key{City: "detroit", Class: "active"}
	err = eng.ApplyProfiles(map[segment.Key]rate.Profile{
		key: {StartRate: 1, Stages: []rate.Stage{{Target: 1, Duration: time.Hour}}},
	})
	require.NoError(t, err)

	for _, s := range eng.Stats() {
		if s.Key == key {
			assert.Equal(t, time.Hour, s.Duration)
		} else {
			assert.Equal(t, 500*time.Millisecond, s.Duration)
		}
	}

	err = eng.ApplyProfiles(map[segment.Key]rate.Profile{key: {}})
	var segErr *SegmentError
	require.ErrorAs(t, err, &segErr)
	assert.Equal(t, key, segErr.Key)
}

func TestEngine_Reload(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "detroit_active.csv", "d1")
	writeDataset(t, dir, "atlanta_active.csv", "a1")

	eng, err := NewEngine(testCampaign(dir, "http://localhost"))
	require.NoError(t, err)

	next := testCampaign(dir, "http://localhost")
	next.Classes["active"].Stages = []config.StageConfig{stage(5, "2m")}
	require.NoError(t, eng.Reload(next))

	for _, s := range eng.Stats() {
		assert.Equal(t, 2*time.Minute, s.Duration)
	}
}

func TestEngine_ReloadRejectsInvalidCampaign(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "detroit_active.csv", "d1")
	writeDataset(t, dir, "atlanta_active.csv", "a1")

	eng, err := NewEngine(testCampaign(dir, "http://localhost"))
	require.NoError(t, err)

	next := testCampaign(dir, "http://localhost")
	next.Classes["active"].Stages = nil
	require.Error(t, eng.Reload(next))

	for _, s := range eng.Stats() {
		assert.Equal(t, 500*time.Millisecond, s.Duration)
	}
}

func TestEngine_SwapDuringRunExtendsDeadline(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler(http.StatusOK))
	defer server.Close()

	dir := t.TempDir()
	writeDataset(t, dir, "detroit_active.csv", "d1")
	writeDataset(t, dir, "atlanta_active.csv", "a1")

	eng, err := NewEngine(testCampaign(dir, server.URL))
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, eng.HardTimeout())

	key := segment.Key{City: "detroit", Class: "active"}
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = eng.ApplyProfiles(map[segment.Key]rate.Profile{
			key: {StartRate: 20, Stages: []rate.Stage{{Target: 20, Duration: 3 * time.Second}}},
		})
	}()

	start := time.Now()
	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Second)

	seg, ok := result.Segment(key)
	require.True(t, ok)
	assert.InDelta(t, 60, seg.Scheduler.Scheduled, 6)
	assert.Zero(t, seg.Scheduler.Cancelled)
}

func TestEngine_SwapKeepsExplicitHardTimeout(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler(http.StatusOK))
	defer server.Close()

	dir := t.TempDir()
	writeDataset(t, dir, "detroit_active.csv", "d1")
	writeDataset(t, dir, "atlanta_active.csv", "a1")

	cfg := testCampaign(dir, server.URL)
	cfg.Settings.HardTimeout = config.Duration(time.Second)
	eng, err := NewEngine(cfg)
	require.NoError(t, err)

	key := segment.Key{City: "detroit", Class: "active"}
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = eng.ApplyProfiles(map[segment.Key]rate.Profile{
			key: {StartRate: 20, Stages: []rate.Stage{{Target: 20, Duration: time.Minute}}},
		})
	}()

	start := time.Now()
	_, err = eng.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	cfg := testCampaign(t.TempDir(), "http://localhost")
	cfg.Cities = nil
	_, err := NewEngine(cfg)
	assert.Error(t, err)
}

type countingSink struct {
	checks atomic.Int64
}

func (c *countingSink) RecordCheck(segment.Key, metrics.Check)                      { c.checks.Add(1) }
func (c *countingSink) RecordIteration(segment.Key, metrics.Outcome, time.Duration) {}

func TestEngine_ExtraSinks(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler(http.StatusOK))
	defer server.Close()

	dir := t.TempDir()
	writeDataset(t, dir, "detroit_active.csv", "d1")
	writeDataset(t, dir, "atlanta_active.csv", "a1")

	sink := &countingSink{}
	eng, err := NewEngine(testCampaign(dir, server.URL), WithSinks(sink))
	require.NoError(t, err)

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, result.Metrics.Totals.Checks(), sink.checks.Load())
}

func TestResult_WriteJSON(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler(http.StatusOK))
	defer server.Close()

	dir := t.TempDir()
	writeDataset(t, dir, "detroit_active.csv", "d1")
	writeDataset(t, dir, "atlanta_active.csv", "a1")

	eng, err := NewEngine(testCampaign(dir, server.URL))
	require.NoError(t, err)
	result, err := eng.Run(context.Background())
	require.NoError(t, err)

	out := filepath.Join(dir, "summary.json")
	require.NoError(t, result.WriteJSON(out))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "test", decoded["name"])
	assert.Len(t, decoded["segments"], 2)
}

func TestRunReplay(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if strings.HasSuffix(r.URL.Path, "/s2") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	dir := t.TempDir()
	writeDataset(t, dir, "shoppers.csv", "s0", "s1", "s2")

	cfg := &config.CampaignConfig{
		Dir:      dir,
		Settings: config.Settings{BaseURL: server.URL},
		Replay: &config.ReplayConfig{
			Dataset: "shoppers.csv",
			Request: config.WorkflowConfig{
				URL:  "{{baseUrl}}/v1/shoppers/{{id}}",
				Body: `{"metro_id":"116"}`,
			},
		},
	}

	stats, snap, err := RunReplay(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, int64(2), stats.Passed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, []string{
		"PATCH /v1/shoppers/s0",
		"PATCH /v1/shoppers/s1",
		"PATCH /v1/shoppers/s2",
	}, seen)

	seg, ok := snap.Segment(ReplayKey)
	require.True(t, ok)
	assert.Equal(t, int64(1), seg.Counters.ChecksFailed)
}

func TestRunReplay_Errors(t *testing.T) {
	_, _, err := RunReplay(context.Background(), &config.CampaignConfig{})
	assert.Error(t, err)

	cfg := &config.CampaignConfig{
		Dir: t.TempDir(),
		Replay: &config.ReplayConfig{
			Dataset: "missing.csv",
			Request: config.WorkflowConfig{URL: "http://localhost/{{id}}"},
		},
	}
	_, _, err = RunReplay(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist), fmt.Sprint(err))
}
