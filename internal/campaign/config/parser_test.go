package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/surge/internal/campaign/segment"
)

func TestParseDurationString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "standard seconds", input: "30s", expected: 30 * time.Second},
		{name: "standard minutes", input: "2m", expected: 2 * time.Minute},
		{name: "milliseconds", input: "500ms", expected: 500 * time.Millisecond},
		{name: "combined duration", input: "1h30m", expected: 90 * time.Minute},
		{name: "integer as seconds", input: "30", expected: 30 * time.Second},
		{name: "empty string", input: "", expected: 0},
		{name: "invalid format", input: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDurationString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseDurationString() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.expected {
				t.Errorf("ParseDurationString() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestLoad_Sample(t *testing.T) {
	cfg, err := Load("testdata/campaign.yaml")
	require.NoError(t, err)

	assert.Equal(t, "offer polling", cfg.Name)
	assert.Equal(t, 10*time.Second, time.Duration(cfg.Settings.Timeout))
	assert.Equal(t, "testdata", cfg.Dir)
	assert.Equal(t, []string{"detroit", "atlanta"}, cfg.Cities)
	require.Contains(t, cfg.Classes, "inactive")

	// defaults
	assert.Equal(t, 2, cfg.Classes["inactive"].Max)
	assert.Equal(t, 100, cfg.Settings.MaxIdleConnsPerHost)
	require.NotNil(t, cfg.Replay)
	assert.Equal(t, 1, cfg.Replay.Concurrency)
	assert.Equal(t, "update", cfg.Replay.Request.Type)
}

func TestBuildSegments(t *testing.T) {
	cfg, err := Load("testdata/campaign.yaml")
	require.NoError(t, err)

	segs, err := cfg.BuildSegments()
	require.NoError(t, err)
	require.Len(t, segs, 4)

	keys := make([]string, len(segs))
	for i, s := range segs {
		keys[i] = s.Key.String()
	}
	assert.Equal(t, []string{"atlanta_active", "atlanta_inactive", "detroit_active", "detroit_inactive"}, keys)

	da := segs[2]
	assert.Equal(t, 40, da.Bounds.Max)
	assert.Equal(t, 10, da.Bounds.PreAllocated)
	assert.Equal(t, filepath.Join("testdata", "data", "detroit_active.csv"), da.Dataset)
	assert.Equal(t, segment.WorkflowSingle, da.Workflow.Type)
	assert.Equal(t, 2*time.Second, da.Workflow.ThinkTime)
	assert.Equal(t, 20, segs[0].Bounds.Max, "override must not leak into other segments")

	ai := segs[1]
	assert.Equal(t, segment.WorkflowChained, ai.Workflow.Type)
	assert.Equal(t, time.Minute, ai.Profile.TimeUnit)
	assert.Equal(t, 30*time.Second, ai.Profile.Stages[0].Duration)
	assert.Equal(t, "ramp", segs[0].Profile.Stages[0].Name)
}

func TestProfiles(t *testing.T) {
	cfg, err := Load("testdata/campaign.yaml")
	require.NoError(t, err)

	profiles, err := cfg.Profiles()
	require.NoError(t, err)
	p, ok := profiles[segment.Key{City: "atlanta", Class: "active"}]
	require.True(t, ok)
	assert.Equal(t, 10.0, p.StartRate)
	assert.Equal(t, 90*time.Second, p.Duration())
}

func TestReplayWorkflow(t *testing.T) {
	cfg, err := Load("testdata/campaign.yaml")
	require.NoError(t, err)

	wf, err := cfg.ReplayWorkflow()
	require.NoError(t, err)
	assert.Equal(t, segment.WorkflowUpdate, wf.Type)
	assert.Equal(t, `{"metro_id":"116"}`, wf.Body)

	_, err = (&CampaignConfig{}).ReplayWorkflow()
	assert.Error(t, err)
}

func TestParseConfig_JSON(t *testing.T) {
	jsonConfig := `{
		"name": "json campaign",
		"settings": {"timeout": "5s"},
		"cities": ["msp"],
		"classes": {
			"active": {
				"preAllocated": 1,
				"stages": [{"duration": "10s", "target": 5}],
				"workflow": {"url": "http://localhost/{{id}}"}
			}
		}
	}`

	cfg, err := ParseConfig([]byte(jsonConfig), "campaign.json")
	require.NoError(t, err)
	assert.Equal(t, "json campaign", cfg.Name)
	assert.Equal(t, 5*time.Second, time.Duration(cfg.Settings.Timeout))
	assert.Equal(t, 5.0, cfg.Classes["active"].Stages[0].Target)
}

func TestLoadConfig_NotFound(t *testing.T) {
	_, err := LoadConfig("/nonexistent/campaign.yaml")
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	cfg := &CampaignConfig{Dir: "/etc/surge"}
	assert.Equal(t, "/etc/surge/data.csv", cfg.ResolvePath("data.csv"))
	assert.Equal(t, "/abs/data.csv", cfg.ResolvePath("/abs/data.csv"))
	assert.Equal(t, "", cfg.ResolvePath(""))
}

func TestTransportConfig(t *testing.T) {
	cfg := &CampaignConfig{Settings: Settings{MaxConnsPerHost: 8, InsecureSkipVerify: true}}
	ApplyDefaults(cfg)

	tc := cfg.TransportConfig()
	assert.Equal(t, 30*time.Second, tc.Timeout)
	assert.Equal(t, 8, tc.MaxConnsPerHost)
	assert.Equal(t, 100, tc.MaxIdleConnsPerHost)
	assert.True(t, tc.InsecureSkipVerify)
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, time.Duration(d))

	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Equal(t, Duration(0), d)

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
