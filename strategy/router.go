package strategy

import (
	"context"
	"errors"
	"net/http"

	"github.com/briangreenhill/voice101/cache"
)

// Route binds a matcher to a handler
type Route struct {
	Name    string
	Match   Matcher
	Handler Handler
}

// Fallback locates the offline document for failed navigations
type Fallback struct {
	// CacheName is the precache bucket holding the offline page
	CacheName string
	// Page is the URL of the offline page, "/offline.html" by default
	Page string
	// Origin resolves Page into the key the precache stored it under
	Origin string
}

// RouterConfig describes a route table. It is read once; the router never
// mutates it afterwards.
type RouterConfig struct {
	Routes     []Route
	Default    Handler // unmatched subresources, StaleWhileRevalidate in practice
	Navigation Handler // unmatched navigations, NetworkFirst in practice
	Fallback   Fallback
}

// Router selects the first matching route for each request
type Router struct {
	deps       Deps
	routes     []Route
	def        Handler
	navigation Handler
	passthru   Handler
	fallback   Fallback
}

// NewRouter builds an immutable router
func NewRouter(deps Deps, cfg RouterConfig) *Router {
	routes := append([]Route(nil), cfg.Routes...)
	page := cfg.Fallback.Page
	if page == "" {
		page = "/offline.html"
	}
	fb := cfg.Fallback
	fb.Page = page
	return &Router{
		deps:       deps,
		routes:     routes,
		def:        cfg.Default,
		navigation: cfg.Navigation,
		passthru:   NewNetworkOnly(deps, Options{}),
		fallback:   fb,
	}
}

// Routes returns a copy of the route table
func (r *Router) Routes() []Route {
	return append([]Route(nil), r.routes...)
}

// CacheNames lists every bucket a handler of this router writes
func (r *Router) CacheNames() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(h Handler) {
		if h == nil || h.CacheName() == "" || seen[h.CacheName()] {
			return
		}
		seen[h.CacheName()] = true
		names = append(names, h.CacheName())
	}
	for _, rt := range r.routes {
		add(rt.Handler)
	}
	add(r.def)
	add(r.navigation)
	return names
}

// Select returns the handler for req: non-GET requests pass through, then
// the first matching route, then the navigation or general default
func (r *Router) Select(req *Request) (string, Handler) {
	if req.Method != http.MethodGet {
		return "passthrough", r.passthru
	}
	for _, rt := range r.routes {
		if rt.Match == nil || rt.Match.Match(req) {
			return rt.Name, rt.Handler
		}
	}
	if req.IsNavigation() && r.navigation != nil {
		return "navigation", r.navigation
	}
	if r.def != nil {
		return "default", r.def
	}
	return "passthrough", r.passthru
}

// Handle satisfies req and never fails: when every source is exhausted it
// returns the offline page or a synthesized error response
func (r *Router) Handle(ctx context.Context, lt Lifetime, req *Request) *Response {
	name, h := r.Select(req)
	resp, err := h.Handle(ctx, lt, req)
	if err == nil && resp != nil {
		r.deps.Metrics.Response(string(h.Kind()), string(resp.Source))
		return resp
	}

	r.deps.Logger.Debug().Err(err).
		Str("route", name).
		Str("strategy", string(h.Kind())).
		Str("url", req.URL.String()).
		Msg("all sources failed, using fallback")
	resp = r.Offline(ctx, req)
	r.deps.Metrics.Response(string(h.Kind()), string(resp.Source))
	return resp
}

// Offline is the last-resort response for req
func (r *Router) Offline(ctx context.Context, req *Request) *Response {
	if !req.IsNavigation() {
		return &Response{
			Status: http.StatusRequestTimeout,
			Header: http.Header{},
			Source: SourceFallback,
		}
	}

	if page := r.offlinePage(ctx); page != nil {
		return page
	}
	return OfflineDocument()
}

func (r *Router) offlinePage(ctx context.Context) *Response {
	if r.fallback.CacheName == "" {
		return nil
	}
	bucket, err := r.deps.Storage.Open(ctx, r.fallback.CacheName)
	if err != nil {
		return nil
	}
	req, err := NewRequest(http.MethodGet, r.fallback.Page)
	if err != nil {
		return nil
	}
	if r.fallback.Origin != "" {
		if origin, err := NewRequest(http.MethodGet, r.fallback.Origin); err == nil {
			req.URL = origin.URL.ResolveReference(req.URL)
		}
	}
	entry, err := bucket.Match(ctx, req.Key())
	if err != nil {
		if !errors.Is(err, cache.ErrCacheNotFound) {
			r.deps.Logger.Warn().Err(err).Msg("offline page lookup failed")
		}
		return nil
	}
	return fromEntry(entry, SourceFallback)
}

const offlineHTML = `<!doctype html>
<html lang="en"><head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available offline yet. Reconnect and try again.</p></body></html>
`

// OfflineDocument is the minimal page used when offline.html is not cached
func OfflineDocument() *Response {
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:   []byte(offlineHTML),
		Source: SourceFallback,
	}
}
