package workflow

import (
	"context"
	"net/http"
	"strings"

	"github.com/wesleyorama2/surge/internal/campaign/segment"
	"github.com/wesleyorama2/surge/internal/campaign/transport"
)

// Update issues one mutating request per record, PATCH by default. The body
// may reference the record as {{id}}. Without an explicit expected status
// any 2xx passes.
type Update struct {
	base
	method string
	body   string
}

func newUpdate(b base, spec segment.WorkflowSpec) *Update {
	u := &Update{base: b, method: strings.ToUpper(spec.Method), body: spec.Body}
	if u.method == "" {
		u.method = http.MethodPatch
	}
	if spec.ExpectStatus == 0 {
		u.expect = 0
	}
	return u
}

// Run implements Workflow.
func (w *Update) Run(ctx context.Context, it *IterationContext) Result {
	w.prepare(it)
	var body []byte
	if w.body != "" {
		body = []byte(strings.ReplaceAll(w.body, "{{id}}", string(it.Record)))
	}
	resp := w.client.Do(ctx, transport.Request{
		Name:    w.check,
		Method:  w.method,
		URL:     expandID(w.url, it.Record),
		Header:  it.Header,
		Body:    body,
		Timeout: w.timeout,
	})
	res := Result{Steps: []Step{w.record(it, w.check, w.expect, resp)}}
	sleep(ctx, w.think)
	return res
}

var _ Workflow = (*Update)(nil)
