package strategy

import (
	"context"
	"fmt"

	"github.com/briangreenhill/voice101/cache"
)

type networkOnly struct {
	deps Deps
}

// NewNetworkOnly always goes to the network and never touches a bucket
func NewNetworkOnly(deps Deps, _ Options) Handler {
	return &networkOnly{deps: deps}
}

func (s *networkOnly) Kind() Kind        { return NetworkOnly }
func (s *networkOnly) CacheName() string { return "" }

func (s *networkOnly) Handle(ctx context.Context, _ Lifetime, req *Request) (*Response, error) {
	b := base{deps: s.deps}
	return b.fetch(ctx, req)
}

type cacheOnly struct {
	base
}

// NewCacheOnly answers only from its bucket
func NewCacheOnly(deps Deps, opts Options) Handler {
	return &cacheOnly{base{deps: deps, cacheName: opts.CacheName, expiration: opts.Expiration}}
}

func (s *cacheOnly) Kind() Kind { return CacheOnly }

func (s *cacheOnly) Handle(ctx context.Context, _ Lifetime, req *Request) (*Response, error) {
	if cached := s.lookup(ctx, req); cached != nil {
		return cached, nil
	}
	return nil, fmt.Errorf("%s in %s: %w", req.URL, s.cacheName, cache.ErrCacheNotFound)
}
