package workflow

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/surge/internal/campaign/segment"
	"github.com/wesleyorama2/surge/internal/campaign/transport"
)

// Chained issues a primary GET that returns a list of offers, then GETs the
// first FanOut offers concurrently. A primary body that does not parse is
// treated as zero offers.
type Chained struct {
	base
	followURL  string
	followName string
	offersPath string
	idField    string
	fanOut     int
}

func newChained(b base, spec segment.WorkflowSpec, baseURL string) *Chained {
	c := &Chained{
		base:       b,
		followURL:  expandBase(spec.FollowURL, baseURL),
		followName: spec.FollowName,
		offersPath: GJSONPath(spec.OffersPath),
		idField:    GJSONPath(spec.OfferIDField),
		fanOut:     spec.FanOut,
	}
	if c.followName == "" {
		c.followName = segment.DefaultFollowName
	}
	if c.offersPath == "" {
		c.offersPath = segment.DefaultOffersPath
	}
	if c.idField == "" {
		c.idField = segment.DefaultOfferIDField
	}
	if c.fanOut == 0 {
		c.fanOut = segment.DefaultFanOut
	}
	if c.identity == "" {
		c.identity = "x-user-id"
	}
	if c.headers.Get("x-user-type") == "" {
		c.headers.Set("x-user-type", "Driver")
	}
	return c
}

// Run implements Workflow.
func (w *Chained) Run(ctx context.Context, it *IterationContext) Result {
	w.prepare(it)
	primary := w.client.Do(ctx, transport.Request{
		Name:    w.check,
		Method:  http.MethodGet,
		URL:     expandID(w.url, it.Record),
		Header:  it.Header,
		Timeout: w.timeout,
	})
	res := Result{Steps: []Step{w.record(it, w.check, w.expect, primary)}}

	offers := OfferIDs(primary.Body, w.offersPath, w.idField, w.fanOut)
	if len(offers) > 0 {
		reqs := make([]transport.Request, len(offers))
		for i, id := range offers {
			u := strings.ReplaceAll(w.followURL, "{{offer}}", url.PathEscape(id))
			reqs[i] = transport.Request{
				Name:    w.followName,
				Method:  http.MethodGet,
				URL:     expandID(u, it.Record),
				Header:  it.Header,
				Timeout: w.timeout,
			}
		}
		for _, resp := range w.client.Batch(ctx, reqs) {
			res.Steps = append(res.Steps, w.record(it, w.followName, http.StatusOK, resp))
		}
	}

	sleep(ctx, w.think)
	return res
}

// OfferIDs extracts up to limit non-empty ids from the array at path in
// body. Invalid JSON, a missing path or a non-array value yield nil.
func OfferIDs(body []byte, path, idField string, limit int) []string {
	if limit <= 0 || len(body) == 0 || !gjson.ValidBytes(body) {
		return nil
	}
	list := gjson.GetBytes(body, path)
	if !list.IsArray() {
		return nil
	}

	var ids []string
	list.ForEach(func(_, offer gjson.Result) bool {
		if len(ids) >= limit {
			return false
		}
		if id := offer.Get(idField).String(); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

var _ Workflow = (*Chained)(nil)
