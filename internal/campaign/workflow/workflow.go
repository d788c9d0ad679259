// Package workflow implements the per-iteration request sequences a segment
// can run.
package workflow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wesleyorama2/surge/internal/campaign/data"
	"github.com/wesleyorama2/surge/internal/campaign/metrics"
	"github.com/wesleyorama2/surge/internal/campaign/segment"
	"github.com/wesleyorama2/surge/internal/campaign/transport"
)

// IterationContext is private to one iteration. Its header map is built
// fresh and never shared.
type IterationContext struct {
	ID     uuid.UUID
	Key    segment.Key
	Record data.Record
	Start  time.Time
	Header http.Header
}

// NewIteration creates the context for one iteration.
func NewIteration(key segment.Key, record data.Record) *IterationContext {
	return &IterationContext{
		ID:     uuid.New(),
		Key:    key,
		Record: record,
		Start:  time.Now(),
		Header: make(http.Header),
	}
}

// Step is the outcome of one request.
type Step = metrics.Check

// Result lists the steps of an iteration in the order they were issued.
type Result struct {
	Steps []Step
}

// Passed reports whether every step passed.
func (r Result) Passed() bool {
	for _, s := range r.Steps {
		if !s.Passed {
			return false
		}
	}
	return true
}

// Requests returns the number of requests issued.
func (r Result) Requests() int {
	return len(r.Steps)
}

// Workflow runs one iteration.
type Workflow interface {
	Run(ctx context.Context, it *IterationContext) Result
}

// Options are shared by every workflow of a campaign.
type Options struct {
	Client  *transport.Client
	Sink    metrics.Sink
	BaseURL string

	// Headers are sent on every request; workflow headers override them.
	Headers map[string]string
}

// New builds the workflow selected by spec.
func New(spec segment.WorkflowSpec, opts Options) (Workflow, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("workflow requires an HTTP client")
	}
	if opts.Sink == nil {
		opts.Sink = metrics.Discard
	}

	b := base{
		client:   opts.Client,
		sink:     opts.Sink,
		url:      expandBase(spec.URL, opts.BaseURL),
		timeout:  spec.Timeout,
		think:    spec.ThinkTime,
		identity: spec.IdentityHeader,
		expect:   spec.ExpectStatus,
		check:    spec.CheckName,
		headers:  make(http.Header),
	}
	if b.expect == 0 {
		b.expect = http.StatusOK
	}
	if b.check == "" {
		b.check = segment.DefaultCheckName
	}
	for k, v := range opts.Headers {
		b.headers.Set(k, v)
	}
	for k, v := range spec.Headers {
		b.headers.Set(k, v)
	}

	switch spec.Type {
	case segment.WorkflowSingle:
		return &Single{base: b}, nil
	case segment.WorkflowChained:
		return newChained(b, spec, opts.BaseURL), nil
	case segment.WorkflowUpdate:
		return newUpdate(b, spec), nil
	default:
		return nil, fmt.Errorf("unknown workflow type %q", spec.Type)
	}
}

// base holds what every variant needs.
type base struct {
	client   *transport.Client
	sink     metrics.Sink
	url      string
	timeout  time.Duration
	think    time.Duration
	identity string
	expect   int
	check    string
	headers  http.Header
}

// prepare fills the iteration's header map with the static headers, a
// request id and the identity header.
func (b *base) prepare(it *IterationContext) {
	if it.Header == nil {
		it.Header = make(http.Header)
	}
	for k, vs := range b.headers {
		it.Header[k] = append([]string(nil), vs...)
	}
	it.Header.Set("X-Request-Id", it.ID.String())
	if b.identity != "" {
		it.Header.Set(b.identity, string(it.Record))
	}
}

// record turns a response into a step and reports it. expect 0 accepts
// any 2xx status.
func (b *base) record(it *IterationContext, name string, expect int, resp transport.Response) Step {
	passed := resp.OK()
	if expect != 0 {
		passed = resp.Err == nil && resp.Status == expect
	}
	step := Step{
		Name:    name,
		Status:  resp.Status,
		Err:     resp.Err,
		Latency: resp.Latency,
		Bytes:   int64(len(resp.Body)),
		Passed:  passed,
	}
	b.sink.RecordCheck(it.Key, step)
	return step
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func expandBase(tpl, baseURL string) string {
	return strings.ReplaceAll(tpl, "{{baseUrl}}", strings.TrimRight(baseURL, "/"))
}

func expandID(tpl string, record data.Record) string {
	return strings.ReplaceAll(tpl, "{{id}}", url.PathEscape(string(record)))
}

// Single issues one GET for the sampled record then thinks.
type Single struct {
	base
}

// Run implements Workflow.
func (w *Single) Run(ctx context.Context, it *IterationContext) Result {
	w.prepare(it)
	resp := w.client.Do(ctx, transport.Request{
		Name:    w.check,
		Method:  http.MethodGet,
		URL:     expandID(w.url, it.Record),
		Header:  it.Header,
		Timeout: w.timeout,
	})
	res := Result{Steps: []Step{w.record(it, w.check, w.expect, resp)}}
	sleep(ctx, w.think)
	return res
}

var _ Workflow = (*Single)(nil)
