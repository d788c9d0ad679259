package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/wesleyorama2/surge/internal/campaign/segment"
	"github.com/wesleyorama2/surge/internal/campaign/threshold"
)

// ErrUnknownClass is returned when a segment override names an activity
// class that is not configured.
var ErrUnknownClass = errors.New("unknown activity class")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (e *ValidationErrors) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, err := range e.Errors {
		out[i] = err
	}
	return out
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// AddErr adds an error wrapping err to the collection.
func (e *ValidationErrors) AddErr(field string, err error) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: err.Error(), Err: err})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate validates the entire campaign.
//
// Returns nil if valid, or a ValidationErrors containing all validation errors.
func (c *CampaignConfig) Validate() error {
	errs := &ValidationErrors{}

	validateCities(c.Cities, errs)

	if len(c.Classes) == 0 {
		errs.Add("classes", "at least one activity class is required")
	}
	for _, name := range sortedKeys(c.Classes) {
		validateClass(name, c.Classes[name], &c.Settings, errs)
	}

	cities := make(map[string]bool, len(c.Cities))
	for _, city := range c.Cities {
		cities[city] = true
	}
	for _, name := range sortedKeys(c.Segments) {
		validateOverride(name, c.Segments[name], cities, c.Classes, errs)
	}

	if c.Thresholds != nil {
		validateThresholds(c.Thresholds, errs)
	}

	if c.Replay != nil {
		validateReplay(c.Replay, errs)
	}

	validateSettings(&c.Settings, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateCities(cities []string, errs *ValidationErrors) {
	if len(cities) == 0 {
		errs.Add("cities", "at least one city is required")
		return
	}
	seen := make(map[string]bool, len(cities))
	for i, city := range cities {
		field := fmt.Sprintf("cities[%d]", i)
		if strings.TrimSpace(city) == "" {
			errs.Add(field, "city name is required")
			continue
		}
		if seen[city] {
			errs.Add(field, fmt.Sprintf("duplicate city: %s", city))
		}
		seen[city] = true
	}
}

// validateClass validates a single activity class.
func validateClass(name string, cc *ClassConfig, settings *Settings, errs *ValidationErrors) {
	prefix := fmt.Sprintf("classes.%s", name)

	if strings.Contains(name, "_") {
		errs.Add(prefix, "class name must not contain '_'")
	}
	if cc == nil {
		errs.Add(prefix, "class configuration is empty")
		return
	}

	if cc.StartRate < 0 {
		errs.Add(prefix+".startRate", "startRate must be >= 0")
	}
	if cc.TimeUnit != "" {
		if d, err := ParseDurationString(cc.TimeUnit); err != nil {
			errs.Add(prefix+".timeUnit", fmt.Sprintf("invalid duration: %v", err))
		} else if d <= 0 {
			errs.Add(prefix+".timeUnit", "timeUnit must be > 0")
		}
	}

	bounds := segment.Bounds{PreAllocated: cc.PreAllocated, Max: cc.Max}
	if bounds.Max == 0 {
		bounds.Max = bounds.PreAllocated
	}
	if err := bounds.Validate(); err != nil {
		errs.Add(prefix, err.Error())
	}

	if len(cc.Stages) == 0 {
		errs.Add(prefix+".stages", "at least one stage is required")
	}
	for i, stage := range cc.Stages {
		validateStage(fmt.Sprintf("%s.stages[%d]", prefix, i), &stage, errs)
	}

	if cc.Dataset == "" && settings.Dataset == "" {
		errs.Add(prefix+".dataset", "dataset is required (set it on the class or in settings)")
	}

	validateWorkflow(prefix+".workflow", &cc.Workflow, errs)
}

// validateStage validates a ramp stage.
func validateStage(prefix string, stage *StageConfig, errs *ValidationErrors) {
	if stage.Duration == "" {
		errs.Add(prefix+".duration", "duration is required")
	} else if d, err := ParseDurationString(stage.Duration); err != nil {
		errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
	} else if d <= 0 {
		errs.Add(prefix+".duration", "duration must be > 0")
	}

	if stage.Target < 0 {
		errs.Add(prefix+".target", "target must be >= 0")
	}
}

// validateWorkflow validates a workflow definition.
func validateWorkflow(prefix string, wc *WorkflowConfig, errs *ValidationErrors) {
	typ := segment.WorkflowType(strings.ToLower(wc.Type))
	if typ == "" {
		typ = segment.WorkflowSingle
	}
	switch typ {
	case segment.WorkflowSingle, segment.WorkflowUpdate:
	case segment.WorkflowChained:
		if wc.FollowURL == "" {
			errs.Add(prefix+".followUrl", "followUrl is required for chained workflows")
		}
		if wc.FanOut < 0 {
			errs.Add(prefix+".fanOut", "fanOut must be >= 0")
		}
	default:
		errs.Add(prefix+".type", fmt.Sprintf("unknown workflow type: %s", wc.Type))
	}

	if wc.URL == "" {
		errs.Add(prefix+".url", "URL is required")
	} else if !strings.Contains(wc.URL, "{{") {
		if _, err := url.Parse(wc.URL); err != nil {
			errs.Add(prefix+".url", fmt.Sprintf("invalid URL: %v", err))
		}
	}

	if wc.Method != "" {
		validMethods := map[string]bool{
			"GET": true, "POST": true, "PUT": true, "DELETE": true,
			"PATCH": true, "HEAD": true, "OPTIONS": true,
		}
		if !validMethods[strings.ToUpper(wc.Method)] {
			errs.Add(prefix+".method", fmt.Sprintf("invalid HTTP method: %s", wc.Method))
		}
	}

	if wc.ThinkTime != "" {
		if _, err := ParseDurationString(wc.ThinkTime); err != nil {
			errs.Add(prefix+".thinkTime", fmt.Sprintf("invalid duration: %v", err))
		}
	}
	if wc.Timeout != "" {
		if _, err := ParseDurationString(wc.Timeout); err != nil {
			errs.Add(prefix+".timeout", fmt.Sprintf("invalid duration: %v", err))
		}
	}

	if wc.ExpectStatus != 0 && (wc.ExpectStatus < 100 || wc.ExpectStatus > 599) {
		errs.Add(prefix+".expectStatus", fmt.Sprintf("invalid status code: %d", wc.ExpectStatus))
	}
}

// validateOverride validates a per-segment override.
func validateOverride(name string, so *SegmentOverride, cities map[string]bool, classes map[string]*ClassConfig, errs *ValidationErrors) {
	prefix := fmt.Sprintf("segments.%s", name)

	key, err := segment.ParseKey(name)
	if err != nil {
		errs.Add(prefix, err.Error())
		return
	}
	if !cities[key.City] {
		errs.Add(prefix, fmt.Sprintf("unknown city: %s", key.City))
	}
	if _, ok := classes[key.Class]; !ok {
		errs.AddErr(prefix, fmt.Errorf("%w: %s", ErrUnknownClass, key.Class))
	}
	if so == nil {
		return
	}

	if so.StartRate != nil && *so.StartRate < 0 {
		errs.Add(prefix+".startRate", "startRate must be >= 0")
	}
	if so.PreAllocated != nil && *so.PreAllocated < 0 {
		errs.Add(prefix+".preAllocated", "preAllocated must be >= 0")
	}
	if so.Max != nil && *so.Max <= 0 {
		errs.Add(prefix+".max", "max must be > 0")
	}
	for i, stage := range so.Stages {
		validateStage(fmt.Sprintf("%s.stages[%d]", prefix, i), &stage, errs)
	}
	if so.Workflow != nil {
		validateWorkflow(prefix+".workflow", so.Workflow, errs)
	}
}

// validateThresholds validates threshold configuration.
func validateThresholds(th *ThresholdsConfig, errs *ValidationErrors) {
	set := th.Set()
	for _, metric := range []threshold.Metric{threshold.Checks, threshold.HTTPReqDuration, threshold.DroppedIterations} {
		for i, expr := range set[metric] {
			if err := threshold.Validate(metric, expr); err != nil {
				errs.Add(fmt.Sprintf("thresholds.%s[%d]", metric, i), err.Error())
			}
		}
	}
}

// validateReplay validates the replay block.
func validateReplay(r *ReplayConfig, errs *ValidationErrors) {
	if r.Dataset == "" {
		errs.Add("replay.dataset", "dataset is required")
	}
	if r.Concurrency < 0 {
		errs.Add("replay.concurrency", "concurrency must be >= 0")
	}
	if r.Rate < 0 {
		errs.Add("replay.rate", "rate must be >= 0")
	}
	validateWorkflow("replay.request", &r.Request, errs)
}

// validateSettings validates global settings.
func validateSettings(s *Settings, errs *ValidationErrors) {
	if s.BaseURL != "" {
		if u, err := url.Parse(s.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs.Add("settings.baseUrl", fmt.Sprintf("invalid base URL: %s", s.BaseURL))
		}
	}
	if s.Timeout < 0 {
		errs.Add("settings.timeout", "timeout must be >= 0")
	}
	if s.GracefulStop < 0 {
		errs.Add("settings.gracefulStop", "gracefulStop must be >= 0")
	}
	if s.HardTimeout < 0 {
		errs.Add("settings.hardTimeout", "hardTimeout must be >= 0")
	}
	if s.MaxConnsPerHost < 0 {
		errs.Add("settings.maxConnsPerHost", "maxConnsPerHost must be >= 0")
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
