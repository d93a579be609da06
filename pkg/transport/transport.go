// Package transport issues HTTP requests from portable descriptors and
// classifies failures into the taxonomy the resilience layer acts on. An
// interceptor chain lets outer layers decorate requests without knowing the
// concrete client.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is a self-contained request descriptor. It is what the offline
// queue persists, so everything needed to replay must be inside it.
type Request struct {
	Method string          `json:"method"`
	URL    string          `json:"url"`
	Body   json.RawMessage `json:"body,omitempty"`
	Header http.Header     `json:"headers,omitempty"`
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Doer executes one request. Both the raw client and every interceptor
// wrapper satisfy it.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

type DoerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f DoerFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

type Interceptor func(Doer) Doer

// Chain applies a series of interceptors to a base Doer.
// The interceptors are applied in reverse order, so the first interceptor in
// the list is the outermost one, handling the request first.
func Chain(base Doer, interceptors ...Interceptor) Doer {
	for i := len(interceptors) - 1; i >= 0; i-- {
		base = interceptors[i](base)
	}
	return base
}

// WithClientID stamps the static client identifier header on every request.
func WithClientID(id string) Interceptor {
	return func(next Doer) Doer {
		return DoerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			if req.Header == nil {
				req.Header = http.Header{}
			}
			req.Header.Set("X-Client-ID", id)
			return next.Do(ctx, req)
		})
	}
}

// Client executes descriptors against a base URL with net/http.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

func NewClient(logger *slog.Logger, baseURL string, timeout time.Duration) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With(slog.String("component", "http_transport")),
	}, nil
}

// compile-time check to ensure Client implements Doer.
var _ Doer = (*Client)(nil)

// resolve joins relative descriptor URLs with the base; absolute URLs pass
// through untouched so the queue can replay whatever was captured.
func (c *Client) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return raw, nil
	}
	return c.base.ResolveReference(u).String(), nil
}

func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	target, err := c.resolve(req.URL)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", req.URL, err)
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		// never reached the server (or no response): connectivity class.
		return nil, &NetworkError{Op: req.Method + " " + req.URL, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "read response of " + req.URL, Err: err}
	}

	resp := &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: respBody}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		c.logger.Debug("Request rejected",
			slog.String("method", req.Method),
			slog.String("url", req.URL),
			slog.Int("status", httpResp.StatusCode),
		)
		return resp, &StatusError{Status: httpResp.StatusCode, Body: respBody}
	}
	return resp, nil
}
