package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/surge/internal/campaign/rate"
	"github.com/wesleyorama2/surge/internal/campaign/segment"
	"github.com/wesleyorama2/surge/internal/campaign/transport"
)

// LoadConfig loads a campaign from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
//
// The raw document is checked against the campaign JSON Schema before it
// is decoded.
func LoadConfig(path string) (*CampaignConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := ValidateDocument(data, path); err != nil {
		return nil, err
	}

	cfg, err := ParseConfig(data, path)
	if err != nil {
		return nil, err
	}
	cfg.Dir = filepath.Dir(path)
	return cfg, nil
}

// Load loads a campaign, applies defaults and validates it.
func Load(path string) (*CampaignConfig, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig parses configuration data.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func ParseConfig(data []byte, path string) (*CampaignConfig, error) {
	var config CampaignConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config (unknown format %s): %w", ext, err)
		}
	}

	return &config, nil
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	var seconds int
	var rest string
	if n, _ := fmt.Sscanf(s, "%d%s", &seconds, &rest); n == 1 {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// ApplyDefaults applies default values to a CampaignConfig.
func ApplyDefaults(config *CampaignConfig) {
	if config.Settings.Timeout == 0 {
		config.Settings.Timeout = Duration(30 * time.Second)
	}
	if config.Settings.GracefulStop == 0 {
		config.Settings.GracefulStop = Duration(30 * time.Second)
	}
	if config.Settings.MaxIdleConnsPerHost == 0 {
		config.Settings.MaxIdleConnsPerHost = 100
	}

	for _, cc := range config.Classes {
		if cc == nil {
			continue
		}
		if cc.Max == 0 {
			cc.Max = cc.PreAllocated
		}
		if cc.Workflow.Type == "" {
			cc.Workflow.Type = string(segment.WorkflowSingle)
		}
	}

	if r := config.Replay; r != nil {
		if r.Concurrency == 0 {
			r.Concurrency = 1
		}
		if r.Request.Type == "" {
			r.Request.Type = string(segment.WorkflowUpdate)
		}
	}
}

// TransportConfig returns the HTTP client settings of the campaign.
func (c *CampaignConfig) TransportConfig() transport.Config {
	return transport.Config{
		Timeout:             c.Settings.Timeout.GetDuration(30 * time.Second),
		MaxIdleConnsPerHost: c.Settings.MaxIdleConnsPerHost,
		MaxConnsPerHost:     c.Settings.MaxConnsPerHost,
		InsecureSkipVerify:  c.Settings.InsecureSkipVerify,
	}
}

// ResolvePath resolves p against the directory of the campaign file.
func (c *CampaignConfig) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// BuildSegments resolves the campaign into one descriptor per
// (city, class) pair, sorted by city then class.
func (c *CampaignConfig) BuildSegments() ([]segment.Descriptor, error) {
	classes := make(map[string]segment.Policy, len(c.Classes))
	for name, cc := range c.Classes {
		if cc == nil {
			return nil, fmt.Errorf("classes.%s: empty class", name)
		}
		policy, err := c.classPolicy(cc)
		if err != nil {
			return nil, fmt.Errorf("classes.%s: %w", name, err)
		}
		classes[name] = policy
	}

	overrides := make(map[string]segment.Override, len(c.Segments))
	for name, so := range c.Segments {
		if so == nil {
			continue
		}
		o, err := c.override(so)
		if err != nil {
			return nil, fmt.Errorf("segments.%s: %w", name, err)
		}
		overrides[name] = o
	}

	return segment.Generate(c.Cities, classes, overrides)
}

// Profiles returns the ramp profile of every segment.
func (c *CampaignConfig) Profiles() (map[segment.Key]rate.Profile, error) {
	segs, err := c.BuildSegments()
	if err != nil {
		return nil, err
	}
	out := make(map[segment.Key]rate.Profile, len(segs))
	for _, s := range segs {
		out[s.Key] = s.Profile
	}
	return out, nil
}

// ReplayWorkflow converts the replay request into a workflow spec.
func (c *CampaignConfig) ReplayWorkflow() (segment.WorkflowSpec, error) {
	if c.Replay == nil {
		return segment.WorkflowSpec{}, fmt.Errorf("no replay section configured")
	}
	wc := c.Replay.Request
	if wc.Type == "" {
		wc.Type = string(segment.WorkflowUpdate)
	}
	return ToWorkflowSpec(wc)
}

func (c *CampaignConfig) classPolicy(cc *ClassConfig) (segment.Policy, error) {
	stages, err := ToStages(cc.Stages)
	if err != nil {
		return segment.Policy{}, err
	}
	unit, err := ParseDurationString(cc.TimeUnit)
	if err != nil {
		return segment.Policy{}, fmt.Errorf("timeUnit: %w", err)
	}
	wf, err := ToWorkflowSpec(cc.Workflow)
	if err != nil {
		return segment.Policy{}, fmt.Errorf("workflow: %w", err)
	}

	dataset := cc.Dataset
	if dataset == "" {
		dataset = c.Settings.Dataset
	}

	return segment.Policy{
		Profile: rate.Profile{
			StartRate: cc.StartRate,
			TimeUnit:  unit,
			Stages:    stages,
		},
		Bounds:   segment.Bounds{PreAllocated: cc.PreAllocated, Max: cc.Max},
		Dataset:  c.ResolvePath(dataset),
		Workflow: wf,
	}, nil
}

func (c *CampaignConfig) override(so *SegmentOverride) (segment.Override, error) {
	o := segment.Override{
		StartRate:    so.StartRate,
		PreAllocated: so.PreAllocated,
		Max:          so.Max,
		Dataset:      c.ResolvePath(so.Dataset),
	}
	if len(so.Stages) > 0 {
		stages, err := ToStages(so.Stages)
		if err != nil {
			return o, err
		}
		o.Stages = stages
	}
	if so.Workflow != nil {
		wf, err := ToWorkflowSpec(*so.Workflow)
		if err != nil {
			return o, fmt.Errorf("workflow: %w", err)
		}
		o.Workflow = &wf
	}
	return o, nil
}

// ToStages converts stage configs into rate stages.
func ToStages(in []StageConfig) ([]rate.Stage, error) {
	out := make([]rate.Stage, 0, len(in))
	for i, s := range in {
		d, err := ParseDurationString(s.Duration)
		if err != nil {
			return nil, fmt.Errorf("stages[%d]: %w", i, err)
		}
		out = append(out, rate.Stage{Target: s.Target, Duration: d, Name: s.Name})
	}
	return out, nil
}

// ToWorkflowSpec converts a workflow config into a workflow spec.
func ToWorkflowSpec(wc WorkflowConfig) (segment.WorkflowSpec, error) {
	think, err := ParseDurationString(wc.ThinkTime)
	if err != nil {
		return segment.WorkflowSpec{}, fmt.Errorf("thinkTime: %w", err)
	}
	timeout, err := ParseDurationString(wc.Timeout)
	if err != nil {
		return segment.WorkflowSpec{}, fmt.Errorf("timeout: %w", err)
	}

	var headers map[string]string
	if len(wc.Headers) > 0 {
		headers = make(map[string]string, len(wc.Headers))
		for k, v := range wc.Headers {
			headers[k] = v
		}
	}

	return segment.WorkflowSpec{
		Type:           segment.WorkflowType(strings.ToLower(wc.Type)),
		Method:         wc.Method,
		URL:            wc.URL,
		Body:           wc.Body,
		Headers:        headers,
		ThinkTime:      think,
		Timeout:        timeout,
		IdentityHeader: wc.IdentityHeader,
		ExpectStatus:   wc.ExpectStatus,
		CheckName:      wc.CheckName,
		FollowURL:      wc.FollowURL,
		FollowName:     wc.FollowName,
		OffersPath:     wc.OffersPath,
		OfferIDField:   wc.OfferIDField,
		FanOut:         wc.FanOut,
	}, nil
}
