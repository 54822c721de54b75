// Package transport is the JSON-over-HTTP plumbing shared by the backend
// adapters. It maps transport and provider failures onto the backend error
// taxonomy.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"multiai-chat/internal/backend"
)

const (
	maxErrorBody    = 4096
	maxResponseBody = 4 << 20
)

// Client sends JSON requests for one provider.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit paces outgoing requests to r per second with the given burst.
// A non-positive r disables pacing.
func WithRateLimit(r float64, burst int) Option {
	return func(c *Client) {
		if r <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(r), max(1, burst))
	}
}

// New creates a Client. Per-call deadlines come from the request context, so
// the default HTTP client has no timeout of its own.
func New(opts ...Option) *Client {
	c := &Client{httpClient: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

// PostJSON marshals in, posts it to url and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, url string, header http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &backend.EncodingError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &backend.EncodingError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	copyHeader(req.Header, header)
	return c.do(req, out)
}

// GetJSON fetches url and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &backend.EncodingError{Err: fmt.Errorf("create request: %w", err)}
	}
	copyHeader(req.Header, header)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return networkError(req.Context(), err)
		}
	}

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return networkError(req.Context(), err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &backend.BackendError{StatusCode: res.StatusCode, Message: ErrorMessage(buf)}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return networkError(req.Context(), fmt.Errorf("read response body: %w", err))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return &backend.BackendError{StatusCode: res.StatusCode, Message: "invalid response: " + err.Error()}
	}
	return nil
}

func networkError(ctx context.Context, err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		timeout = true
	}
	return &backend.NetworkError{Reason: err.Error(), Timeout: timeout, Err: err}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// ErrorMessage extracts the provider's message from an error body. It
// understands {"error":{"message":...}}, {"error":"..."} and
// {"message":...}, falling back to the trimmed body.
func ErrorMessage(body []byte) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if len(payload.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
			var flat string
			if json.Unmarshal(payload.Error, &flat) == nil && flat != "" {
				return flat
			}
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response body"
	}
	return msg
}
