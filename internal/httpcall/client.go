// Package httpcall performs the outbound requests of API_CALL nodes.
package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultTimeout         = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	Timeout         time.Duration
	MaxResponseBody int64
	Transport       http.RoundTripper
	// Breakers guards each remote host with a circuit breaker. Nil disables it.
	Breakers *Breakers
}

// Request is a resolved API_CALL request. Body is JSON-encoded unless it is a string.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
}

// Response is the decoded result of a request.
type Response struct {
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
	DurationMs int64             `json:"duration_ms"`
}

// Output returns the response as a node output map.
func (r *Response) Output() map[string]any {
	headers := make(map[string]any, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	return map[string]any{
		"status":      r.Status,
		"headers":     headers,
		"body":        r.Body,
		"duration_ms": r.DurationMs,
	}
}

// Client executes HTTP requests with a size-limited response body.
type Client struct {
	http     *http.Client
	maxBody  int64
	breakers *Breakers
}

// New creates a Client, applying defaults for zero values.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &Client{
		http:     &http.Client{Transport: transport, Timeout: cfg.Timeout},
		maxBody:  cfg.MaxResponseBody,
		breakers: cfg.Breakers,
	}
}

// Breakers returns the circuit breakers of the client, or nil.
func (c *Client) Breakers() *Breakers {
	return c.breakers
}

// Do sends the request. Transport failures are retryable EXECUTION_ERRORs;
// the status code is not interpreted here beyond counting 5xx responses
// against the host's circuit.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.ParseRequestURI(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", r.URL)
	}

	body, contentType, err := encodeBody(r.Body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	if c.breakers != nil {
		if err := c.breakers.Allow(u.Host); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "request to %s aborted", u.Host).WithCause(err)
		}
		c.recordFailure(u.Host)
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.recordFailure(u.Host)
	} else if c.breakers != nil {
		c.breakers.RecordSuccess(u.Host)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "read response body").WithCause(err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Response{
		Status:     resp.StatusCode,
		Headers:    headers,
		Body:       decodeBody(raw, resp.Header.Get("Content-Type")),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (c *Client) recordFailure(host string) {
	if c.breakers != nil {
		c.breakers.RecordFailure(host)
	}
}

func encodeBody(v any) (io.Reader, string, error) {
	switch b := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "text/plain", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "body is not JSON-encodable").WithCause(err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// CheckStatus fails unless status is in expect, or 2xx when expect is empty.
// A rejected status is an ordinary execution failure left to the node's
// retry policy, unless it appears in terminal.
func CheckStatus(status int, expect, terminal []int) error {
	if len(expect) == 0 {
		if status >= 200 && status < 300 {
			return nil
		}
	} else if slices.Contains(expect, status) {
		return nil
	}
	code := schema.ErrCodeExecution
	if slices.Contains(terminal, status) {
		code = schema.ErrCodeNonRetryable
	}
	return schema.NewErrorf(code, "unexpected status %d", status).
		WithDetails(map[string]any{"status": status, "expected": fmt.Sprint(expect)})
}
