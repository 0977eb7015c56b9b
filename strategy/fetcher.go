package strategy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrOffline is returned by fetchers when the network is unreachable
var ErrOffline = errors.New("network unavailable")

// Fetcher performs the network half of a strategy
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch implements Fetcher
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPFetcher fetches from the origin over HTTP. Relative request URLs are
// resolved against Origin; no-cors requests to other hosts come back opaque.
type HTTPFetcher struct {
	client  *http.Client
	origin  *url.URL
	maxBody int64
}

// HTTPOption configures an HTTPFetcher
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient replaces the default client
func WithHTTPClient(h *http.Client) HTTPOption {
	return func(f *HTTPFetcher) { f.client = h }
}

// WithMaxBody caps buffered response bodies
func WithMaxBody(n int64) HTTPOption {
	return func(f *HTTPFetcher) { f.maxBody = n }
}

// NewHTTPFetcher creates a fetcher for origin
func NewHTTPFetcher(origin string, opts ...HTTPOption) (*HTTPFetcher, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin must be absolute: %q", origin)
	}
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		origin:  u,
		maxBody: 32 << 20,
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Origin returns the origin URL
func (f *HTTPFetcher) Origin() *url.URL {
	return f.origin
}

// Fetch implements Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	target := f.origin.ResolveReference(req.URL)

	var reqBody io.Reader
	if len(req.Body) > 0 {
		reqBody = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), reqBody)
	if err != nil {
		return nil, err
	}
	for k, vv := range req.Header {
		for _, v := range vv {
			hreq.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}

	out := &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
		Source: SourceNetwork,
	}
	if req.Mode == ModeNoCORS && !strings.EqualFold(target.Host, f.origin.Host) {
		out.Status = StatusOpaque
		out.Header = http.Header{}
	}
	return out, nil
}
