package strategy

import (
	"context"
)

type cacheFirst struct {
	base
}

// NewCacheFirst serves fresh cache hits without touching the network and
// stores cacheable network responses on a miss
func NewCacheFirst(deps Deps, opts Options) Handler {
	return &cacheFirst{base{deps: deps, cacheName: opts.CacheName, expiration: opts.Expiration}}
}

func (s *cacheFirst) Kind() Kind { return CacheFirst }

func (s *cacheFirst) Handle(ctx context.Context, _ Lifetime, req *Request) (*Response, error) {
	if cached := s.lookup(ctx, req); cached != nil {
		return cached, nil
	}

	resp, err := s.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Cacheable() {
		_ = s.store(ctx, req, resp)
	}
	return resp, nil
}
