// Package segment describes traffic segments: one (city, activity class)
// pair with its own ramp profile, worker bounds, dataset and workflow.
package segment

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wesleyorama2/surge/internal/campaign/rate"
)

// Key identifies a segment.
type Key struct {
	City  string `json:"city"`
	Class string `json:"activity_class"`
}

// String returns the key as "city_class", the form used for overrides and
// dataset names.
func (k Key) String() string {
	return k.City + "_" + k.Class
}

// ParseKey splits "city_class" on the last underscore.
func ParseKey(s string) (Key, error) {
	i := strings.LastIndex(s, "_")
	if i <= 0 || i == len(s)-1 {
		return Key{}, fmt.Errorf("invalid segment key %q: expected city_class", s)
	}
	return Key{City: s[:i], Class: s[i+1:]}, nil
}

// Bounds limits the worker pool of a segment.
type Bounds struct {
	PreAllocated int `json:"preAllocated" yaml:"preAllocated"`
	Max          int `json:"max" yaml:"max"`
}

// Validate checks 0 <= PreAllocated <= Max and Max > 0.
func (b Bounds) Validate() error {
	if b.PreAllocated < 0 {
		return fmt.Errorf("preAllocated must be >= 0, got %d", b.PreAllocated)
	}
	if b.Max <= 0 {
		return fmt.Errorf("max must be > 0, got %d", b.Max)
	}
	if b.PreAllocated > b.Max {
		return fmt.Errorf("preAllocated (%d) must be <= max (%d)", b.PreAllocated, b.Max)
	}
	return nil
}

// WorkflowType selects the per-iteration workflow variant.
type WorkflowType string

const (
	// WorkflowSingle issues one GET then thinks.
	WorkflowSingle WorkflowType = "single"

	// WorkflowChained issues a primary GET then a concurrent batch of
	// follow-up GETs for the first offers in the response.
	WorkflowChained WorkflowType = "chained"

	// WorkflowUpdate issues one mutating request per iteration.
	WorkflowUpdate WorkflowType = "update"
)

// Default workflow settings.
const (
	DefaultFanOut       = 2
	DefaultOffersPath   = "offers"
	DefaultOfferIDField = "order_bundle_id"
	DefaultCheckName    = "primary"
	DefaultFollowName   = "follow-up"
)

// WorkflowSpec configures the workflow of a segment.
//
// URL and FollowURL are templates: {{id}} expands to the sampled record,
// {{offer}} to an offer id, {{baseUrl}} to the campaign base URL.
type WorkflowSpec struct {
	Type      WorkflowType      `json:"type"`
	Method    string            `json:"method,omitempty"`
	URL       string            `json:"url"`
	Body      string            `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	ThinkTime time.Duration     `json:"thinkTime,omitempty"`
	Timeout   time.Duration     `json:"timeout,omitempty"`

	// IdentityHeader carries the sampled record on every request.
	IdentityHeader string `json:"identityHeader,omitempty"`

	// ExpectStatus is the status counted as a passed check (default 200).
	ExpectStatus int `json:"expectStatus,omitempty"`

	// CheckName labels the primary request's check.
	CheckName string `json:"checkName,omitempty"`

	// Chained only.
	FollowURL    string `json:"followUrl,omitempty"`
	OffersPath   string `json:"offersPath,omitempty"`
	OfferIDField string `json:"offerIdField,omitempty"`
	FanOut       int    `json:"fanOut,omitempty"`
	FollowName   string `json:"followName,omitempty"`
}

// Validate checks the workflow settings for the selected type.
func (w WorkflowSpec) Validate() error {
	switch w.Type {
	case WorkflowSingle, WorkflowUpdate:
	case WorkflowChained:
		if w.FollowURL == "" {
			return fmt.Errorf("chained workflow requires followUrl")
		}
		if w.FanOut < 0 {
			return fmt.Errorf("fanOut must be >= 0, got %d", w.FanOut)
		}
	default:
		return fmt.Errorf("unknown workflow type %q", w.Type)
	}
	if w.URL == "" {
		return fmt.Errorf("workflow url is required")
	}
	if w.ThinkTime < 0 {
		return fmt.Errorf("thinkTime must be >= 0, got %v", w.ThinkTime)
	}
	return nil
}

// Policy is the per-activity-class template a segment is built from.
type Policy struct {
	Profile  rate.Profile `json:"profile"`
	Bounds   Bounds       `json:"bounds"`
	Dataset  string       `json:"dataset"`
	Workflow WorkflowSpec `json:"workflow"`
}

// Validate checks the profile, bounds and workflow.
func (p Policy) Validate() error {
	if err := p.Profile.Validate(); err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	if err := p.Bounds.Validate(); err != nil {
		return fmt.Errorf("bounds: %w", err)
	}
	if err := p.Workflow.Validate(); err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	return nil
}

// Descriptor is a fully resolved segment, ready to be scheduled.
type Descriptor struct {
	Key Key `json:"key"`
	Policy
}

// Override replaces parts of a class policy for one segment. Nil fields
// keep the class value.
type Override struct {
	StartRate    *float64      `json:"startRate,omitempty"`
	Stages       []rate.Stage  `json:"stages,omitempty"`
	PreAllocated *int          `json:"preAllocated,omitempty"`
	Max          *int          `json:"max,omitempty"`
	Dataset      string        `json:"dataset,omitempty"`
	Workflow     *WorkflowSpec `json:"workflow,omitempty"`
}

func (o Override) apply(p Policy) Policy {
	if o.StartRate != nil {
		p.Profile.StartRate = *o.StartRate
	}
	if len(o.Stages) > 0 {
		p.Profile.Stages = append([]rate.Stage(nil), o.Stages...)
	}
	if o.PreAllocated != nil {
		p.Bounds.PreAllocated = *o.PreAllocated
	}
	if o.Max != nil {
		p.Bounds.Max = *o.Max
	}
	if o.Dataset != "" {
		p.Dataset = o.Dataset
	}
	if o.Workflow != nil {
		p.Workflow = *o.Workflow
	}
	return p
}

// Generate builds the cartesian product cities x classes, applying any
// per-segment overrides keyed by Key.String(). The result is sorted by
// city then class. The dataset of each policy may contain {{city}} and
// {{class}} placeholders.
func Generate(cities []string, classes map[string]Policy, overrides map[string]Override) ([]Descriptor, error) {
	if len(cities) == 0 {
		return nil, fmt.Errorf("no cities configured")
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("no activity classes configured")
	}

	classNames := make([]string, 0, len(classes))
	for name := range classes {
		classNames = append(classNames, name)
	}
	sort.Strings(classNames)

	sortedCities := append([]string(nil), cities...)
	sort.Strings(sortedCities)

	seen := make(map[Key]bool, len(cities)*len(classes))
	used := make(map[string]bool, len(overrides))
	out := make([]Descriptor, 0, len(cities)*len(classes))

	for _, city := range sortedCities {
		for _, class := range classNames {
			key := Key{City: city, Class: class}
			if seen[key] {
				return nil, fmt.Errorf("duplicate segment %s", key)
			}
			seen[key] = true

			policy := clonePolicy(classes[class])
			if o, ok := overrides[key.String()]; ok {
				policy = o.apply(policy)
				used[key.String()] = true
			}
			policy.Dataset = ExpandDataset(policy.Dataset, key)

			if err := policy.Validate(); err != nil {
				return nil, fmt.Errorf("segment %s: %w", key, err)
			}
			out = append(out, Descriptor{Key: key, Policy: policy})
		}
	}

	for name := range overrides {
		if !used[name] {
			return nil, fmt.Errorf("override %q does not match any segment", name)
		}
	}
	return out, nil
}

// ExpandDataset substitutes {{city}} and {{class}} in a dataset path.
func ExpandDataset(pattern string, key Key) string {
	r := strings.NewReplacer("{{city}}", key.City, "{{class}}", key.Class)
	return r.Replace(pattern)
}

func clonePolicy(p Policy) Policy {
	p.Profile.Stages = append([]rate.Stage(nil), p.Profile.Stages...)
	if p.Workflow.Headers != nil {
		h := make(map[string]string, len(p.Workflow.Headers))
		for k, v := range p.Workflow.Headers {
			h[k] = v
		}
		p.Workflow.Headers = h
	}
	return p
}
