// Package config provides parsing and validation of campaign files.
package config

import (
	"time"

	"github.com/wesleyorama2/surge/internal/campaign/threshold"
)

// CampaignConfig is the root configuration of a campaign.
//
// Example YAML:
//
//	name: offer polling
//	settings:
//	  baseUrl: https://offering.example.com
//	  dataset: data/{{city}}_{{class}}.csv
//	cities: [detroit, atlanta]
//	classes:
//	  active:
//	    startRate: 10
//	    preAllocated: 10
//	    max: 20
//	    stages:
//	      - {target: 50, duration: 30s}
//	    workflow:
//	      type: single
//	      url: "{{baseUrl}}/v3/drivers/{{id}}/package_delivery/offers"
//	      thinkTime: 2s
type CampaignConfig struct {
	// Name of the campaign (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the campaign (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Settings contains global settings for all segments
	Settings Settings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Cities and Classes span the segment matrix
	Cities  []string                `json:"cities" yaml:"cities"`
	Classes map[string]*ClassConfig `json:"classes" yaml:"classes"`

	// Segments overrides class settings for single segments, keyed by
	// "city_class"
	Segments map[string]*SegmentOverride `json:"segments,omitempty" yaml:"segments,omitempty"`

	// Thresholds define pass/fail criteria for the run
	Thresholds *ThresholdsConfig `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Replay configures the sequential update pass
	Replay *ReplayConfig `json:"replay,omitempty" yaml:"replay,omitempty"`

	// Dir is the directory of the loaded file; relative dataset paths
	// resolve against it.
	Dir string `json:"-" yaml:"-"`
}

// Settings contains global HTTP and execution settings.
type Settings struct {
	// BaseURL replaces {{baseUrl}} in workflow URLs
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the default HTTP request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// GracefulStop is how long in-flight iterations may finish after a
	// segment stops scheduling
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// HardTimeout aborts the whole run; defaults to the longest profile
	// plus GracefulStop
	HardTimeout Duration `json:"hardTimeout,omitempty" yaml:"hardTimeout,omitempty"`

	// Dataset is the default dataset path; {{city}} and {{class}} expand
	// per segment
	Dataset string `json:"dataset,omitempty" yaml:"dataset,omitempty"`

	// Headers are default headers applied to all requests
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// MaxConnsPerHost limits connections per host (0 = unlimited)
	MaxConnsPerHost int `json:"maxConnsPerHost,omitempty" yaml:"maxConnsPerHost,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// Seed makes dataset sampling reproducible (0 = random)
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// ClassConfig is the policy shared by every segment of an activity class.
type ClassConfig struct {
	// StartRate is the arrival rate at the start of the first stage
	StartRate float64 `json:"startRate" yaml:"startRate"`

	// TimeUnit is the period rates are expressed in (default 1s)
	TimeUnit string `json:"timeUnit,omitempty" yaml:"timeUnit,omitempty"`

	// PreAllocated slots are created up front
	PreAllocated int `json:"preAllocated" yaml:"preAllocated"`

	// Max is the bound on concurrent iterations
	Max int `json:"max" yaml:"max"`

	// Stages define the ramp profile
	Stages []StageConfig `json:"stages" yaml:"stages"`

	// Dataset overrides settings.dataset for the class
	Dataset string `json:"dataset,omitempty" yaml:"dataset,omitempty"`

	// Workflow selects what each iteration does
	Workflow WorkflowConfig `json:"workflow" yaml:"workflow"`
}

// StageConfig defines a single stage of a ramp profile.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration string `json:"duration" yaml:"duration"`

	// Target rate reached at the end of the stage
	Target float64 `json:"target" yaml:"target"`

	// Name of the stage (optional, for display)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// WorkflowConfig configures a segment workflow.
type WorkflowConfig struct {
	// Type is single, chained or update
	Type string `json:"type" yaml:"type"`

	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	URL     string            `json:"url" yaml:"url"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	ThinkTime string `json:"thinkTime,omitempty" yaml:"thinkTime,omitempty"`
	Timeout   string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	IdentityHeader string `json:"identityHeader,omitempty" yaml:"identityHeader,omitempty"`
	ExpectStatus   int    `json:"expectStatus,omitempty" yaml:"expectStatus,omitempty"`
	CheckName      string `json:"checkName,omitempty" yaml:"checkName,omitempty"`

	// Chained workflow settings
	FollowURL    string `json:"followUrl,omitempty" yaml:"followUrl,omitempty"`
	FollowName   string `json:"followName,omitempty" yaml:"followName,omitempty"`
	OffersPath   string `json:"offersPath,omitempty" yaml:"offersPath,omitempty"`
	OfferIDField string `json:"offerIdField,omitempty" yaml:"offerIdField,omitempty"`
	FanOut       int    `json:"fanOut,omitempty" yaml:"fanOut,omitempty"`
}

// SegmentOverride replaces class settings for one segment.
type SegmentOverride struct {
	StartRate    *float64        `json:"startRate,omitempty" yaml:"startRate,omitempty"`
	PreAllocated *int            `json:"preAllocated,omitempty" yaml:"preAllocated,omitempty"`
	Max          *int            `json:"max,omitempty" yaml:"max,omitempty"`
	Stages       []StageConfig   `json:"stages,omitempty" yaml:"stages,omitempty"`
	Dataset      string          `json:"dataset,omitempty" yaml:"dataset,omitempty"`
	Workflow     *WorkflowConfig `json:"workflow,omitempty" yaml:"workflow,omitempty"`
}

// ThresholdsConfig defines pass/fail criteria for the run.
type ThresholdsConfig struct {
	// Checks thresholds on the passed-check ratio
	// e.g., ["rate > 0.99"]
	Checks []string `json:"checks,omitempty" yaml:"checks,omitempty"`

	// HTTPReqDuration thresholds for request duration
	// e.g., ["p95 < 500ms", "avg < 200ms"]
	HTTPReqDuration []string `json:"http_req_duration,omitempty" yaml:"http_req_duration,omitempty"`

	// DroppedIterations thresholds for iterations dropped at saturation
	// e.g., ["count < 100", "rate < 0.05"]
	DroppedIterations []string `json:"dropped_iterations,omitempty" yaml:"dropped_iterations,omitempty"`
}

// ReplayConfig configures the sequential replay pass.
type ReplayConfig struct {
	// Dataset to replay, one request per record
	Dataset string `json:"dataset" yaml:"dataset"`

	// Concurrency bounds in-flight requests (default 1)
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// Rate caps requests per second (0 = unlimited)
	Rate float64 `json:"rate,omitempty" yaml:"rate,omitempty"`

	// Request is the mutating call issued per record
	Request WorkflowConfig `json:"request" yaml:"request"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Set returns the thresholds keyed by metric.
func (t *ThresholdsConfig) Set() map[threshold.Metric][]string {
	if t == nil {
		return nil
	}
	return map[threshold.Metric][]string{
		threshold.Checks:            t.Checks,
		threshold.HTTPReqDuration:   t.HTTPReqDuration,
		threshold.DroppedIterations: t.DroppedIterations,
	}
}
