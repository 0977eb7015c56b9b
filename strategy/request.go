package strategy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/briangreenhill/voice101/cache"
)

// Mode mirrors the fetch request mode
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
)

// Request describes one intercepted fetch
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Mode        Mode
	Destination string // "document", "image", "font", "style", "script", ...
	// Body is forwarded untouched on pass-through requests
	Body []byte
}

// NewRequest parses rawURL into a GET-style request description
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{Method: strings.ToUpper(method), URL: u, Header: http.Header{}, Mode: ModeCORS}, nil
}

// IsNavigation reports whether the request loads a top-level document
func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

// Accept returns the Accept header
func (r *Request) Accept() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Accept")
}

// Key is the request identity under which responses are cached
func (r *Request) Key() string {
	return cache.KeyFor(r.Method, r.URL)
}

// Source tells where a response came from
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// StatusOpaque is the status reported for opaque cross-origin responses
const StatusOpaque = 0

// Response is a fully buffered response snapshot
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// Cacheable reports whether the response may be stored: opaque or 200 only
func (r *Response) Cacheable() bool {
	return r != nil && (r.Status == StatusOpaque || r.Status == http.StatusOK)
}

// Clone copies the response so the stored snapshot and the returned one
// never share a header map or body
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

func (r *Response) entry(key string) *cache.Entry {
	return &cache.Entry{Key: key, Status: r.Status, Header: r.Header.Clone(), Body: r.Body}
}

func fromEntry(e *cache.Entry, src Source) *Response {
	return &Response{Status: e.Status, Header: e.Header, Body: e.Body, Source: src}
}
