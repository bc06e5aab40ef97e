// Package providers fetches raw trade data: monthly statistics from UN
// Comtrade, shipment records from a bill-of-lading data provider, and text
// from manually supplied documents.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultTimeout = 30 * time.Second

// ErrUnauthorized is returned when a provider rejects the API key.
var ErrUnauthorized = errors.New("authentication failed, check the API key")

// StatusError is an unexpected HTTP status from a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.Code, e.Body)
}

type options struct {
	baseURL    string
	httpClient *http.Client
	limit      rate.Limit
	logger     *slog.Logger
}

// Option customizes a provider client.
type Option func(*options)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(o *options) {
		if u != "" {
			o.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(o *options) { o.httpClient = h }
}

// WithRateLimit sets the maximum requests per second. Zero disables
// throttling.
func WithRateLimit(perSecond float64) Option {
	return func(o *options) { o.limit = rate.Limit(perSecond) }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(baseURL string, perSecond float64, opts []Option) options {
	o := options{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limit:      rate.Limit(perSecond),
		logger:     slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func newLimiter(l rate.Limit) *rate.Limiter {
	if l <= 0 {
		return nil
	}
	return rate.NewLimiter(l, 1)
}

// getJSON waits for the limiter, performs a GET and returns the body of a
// 200 response.
func getJSON(ctx context.Context, hc *http.Client, limiter *rate.Limiter, provider, endpoint string, q url.Values, header http.Header) ([]byte, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	u := endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", provider, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", provider, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s: %w", provider, ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return nil, &StatusError{Provider: provider, Code: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
