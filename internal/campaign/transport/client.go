// Package transport is the HTTP client used by workflows.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config holds connection settings for the shared client.
type Config struct {
	// Timeout is the default per-request timeout.
	Timeout time.Duration `json:"timeout"`

	MaxIdleConns        int           `json:"maxIdleConns"`
	MaxIdleConnsPerHost int           `json:"maxIdleConnsPerHost"`
	MaxConnsPerHost     int           `json:"maxConnsPerHost"`
	IdleConnTimeout     time.Duration `json:"idleConnTimeout"`
	DisableKeepAlives   bool          `json:"disableKeepAlives"`
	InsecureSkipVerify  bool          `json:"insecureSkipVerify"`

	// MaxBodyBytes caps how much of a response body is kept (default 4 MiB).
	MaxBodyBytes int64 `json:"maxBodyBytes"`
}

// DefaultConfig returns settings suited to sustained load from one process.
func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 200,
		IdleConnTimeout:     90 * time.Second,
		MaxBodyBytes:        4 << 20,
	}
}

// Request describes one HTTP call.
type Request struct {
	Name    string
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Timing breaks down where the latency of a request went.
type Timing struct {
	Connect         time.Duration `json:"connect"`
	TLSHandshake    time.Duration `json:"tlsHandshake"`
	TimeToFirstByte time.Duration `json:"timeToFirstByte"`
	Total           time.Duration `json:"total"`
}

// Response is the outcome of a request. Err is set on transport failure,
// in which case Status is 0.
type Response struct {
	Request *Request
	Status  int
	Header  http.Header
	Body    []byte
	Latency time.Duration
	Timing  Timing
	Err     error
}

// OK reports whether the request completed with a 2xx status.
func (r Response) OK() bool {
	return r.Err == nil && r.Status >= 200 && r.Status < 300
}

// Client executes requests over a shared, pooled *http.Client.
type Client struct {
	httpClient   *http.Client
	timeout      time.Duration
	maxBodyBytes int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client from cfg. Zero fields fall back to
// DefaultConfig.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test environments
	}

	c := &Client{
		// Per-request timeouts are applied through the context.
		httpClient:   &http.Client{Transport: transport},
		timeout:      cfg.Timeout,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// traceTimes collects httptrace callbacks. Dial callbacks may still fire
// on another goroutine after Do has returned, so every access is locked
// and Do only reads a snapshot.
type traceTimes struct {
	mu           sync.Mutex
	start        time.Time
	connectStart time.Time
	tlsStart     time.Time
	timing       Timing
}

func (t *traceTimes) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		ConnectStart: func(_, _ string) {
			t.mu.Lock()
			t.connectStart = time.Now()
			t.mu.Unlock()
		},
		ConnectDone: func(_, _ string, err error) {
			t.mu.Lock()
			if err == nil && !t.connectStart.IsZero() {
				t.timing.Connect = time.Since(t.connectStart)
			}
			t.mu.Unlock()
		},
		TLSHandshakeStart: func() {
			t.mu.Lock()
			t.tlsStart = time.Now()
			t.mu.Unlock()
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			t.mu.Lock()
			if err == nil && !t.tlsStart.IsZero() {
				t.timing.TLSHandshake = time.Since(t.tlsStart)
			}
			t.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			t.mu.Lock()
			t.timing.TimeToFirstByte = time.Since(t.start)
			t.mu.Unlock()
		},
	}
}

func (t *traceTimes) snapshot() Timing {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timing
}

// Do executes req. Transport and read failures are reported in
// Response.Err.
func (c *Client) Do(ctx context.Context, req Request) Response {
	resp := Response{Request: &req}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		resp.Err = fmt.Errorf("building request: %w", err)
		return resp
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	tt := &traceTimes{start: start}
	httpReq = httpReq.WithContext(httptrace.WithClientTrace(ctx, tt.clientTrace()))

	httpResp, err := c.httpClient.Do(httpReq)
	resp.Timing = tt.snapshot()
	if err != nil {
		resp.Latency = time.Since(start)
		resp.Timing.Total = resp.Latency
		resp.Err = err
		return resp
	}
	defer httpResp.Body.Close()

	resp.Body, err = io.ReadAll(io.LimitReader(httpResp.Body, c.maxBodyBytes))
	resp.Latency = time.Since(start)
	resp.Timing.Total = resp.Latency
	resp.Status = httpResp.StatusCode
	resp.Header = httpResp.Header
	if err != nil {
		resp.Err = fmt.Errorf("reading body: %w", err)
	}
	return resp
}

// Get issues a GET.
func (c *Client) Get(ctx context.Context, url string, header http.Header) Response {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: url, Header: header})
}

// Patch issues a PATCH with body.
func (c *Client) Patch(ctx context.Context, url string, header http.Header, body []byte) Response {
	return c.Do(ctx, Request{Method: http.MethodPatch, URL: url, Header: header, Body: body})
}

// Batch issues all requests concurrently and waits for every one to
// finish. Responses are returned in request order.
func (c *Client) Batch(ctx context.Context, reqs []Request) []Response {
	out := make([]Response, len(reqs))
	var g errgroup.Group
	for i := range reqs {
		g.Go(func() error {
			out[i] = c.Do(ctx, reqs[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}
