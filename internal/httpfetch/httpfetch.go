// Package httpfetch opens read URLs (presigned, SAS or public) as streams.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/xfer/internal/storage"
	"pkt.systems/xfer/internal/svcfields"
)

// Response is an open source stream. Callers must close Body.
type Response struct {
	Status        int
	ContentLength int64
	ContentType   string
	Body          io.ReadCloser
}

// Client performs GET requests for transfer sources.
type Client struct {
	http   *http.Client
	logger pslog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying client. Its transport is used as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a Client over a pooled transport instrumented with otelhttp.
// Redirects are followed; no client-level timeout is applied, callers bound
// requests through the context.
func New(insecure bool, opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(storage.DefaultTransport(insecure),
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "xfer.fetch " + r.Method
				}),
			),
		},
		logger: pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open issues a GET for rawURL and returns the response without inspecting
// its status. Transport failures are returned as errors; HTTP error statuses
// are not.
func (c *Client) Open(ctx context.Context, rawURL string) (*Response, error) {
	logger := svcfields.FromContext(ctx, c.logger)
	safe := Redact(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: build request for %s: %w", safe, err)
	}
	logger.Trace("httpfetch.open.begin", "url", safe)
	resp, err := c.http.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		logger.Debug("httpfetch.open.error", "url", safe, "error", err)
		return nil, fmt.Errorf("httpfetch: get %s: %w", safe, err)
	}
	logger.Trace("httpfetch.open.response", "url", safe, "status", resp.StatusCode, "content_length", resp.ContentLength)
	return &Response{
		Status:        resp.StatusCode,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
		Body:          resp.Body,
	}, nil
}

// Redact strips the query string and user info from rawURL so signed
// credentials never reach the logs.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		if idx := strings.IndexByte(rawURL, '?'); idx >= 0 {
			return rawURL[:idx] + "?REDACTED"
		}
		return rawURL
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "REDACTED"
	}
	u.Fragment = ""
	return u.String()
}
