package strategy

import (
	"context"
)

type staleWhileRevalidate struct {
	base
}

// NewStaleWhileRevalidate answers from the cache immediately and refreshes
// the entry in the background for the next request
func NewStaleWhileRevalidate(deps Deps, opts Options) Handler {
	return &staleWhileRevalidate{base{deps: deps, cacheName: opts.CacheName, expiration: opts.Expiration}}
}

func (s *staleWhileRevalidate) Kind() Kind { return StaleWhileRevalidate }

func (s *staleWhileRevalidate) Handle(ctx context.Context, lt Lifetime, req *Request) (*Response, error) {
	cached := s.lookup(ctx, req)
	if cached == nil {
		resp, err := s.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.Cacheable() {
			_ = s.store(ctx, req, resp)
		}
		return resp, nil
	}

	lt.WaitUntil(func(wctx context.Context) error {
		resp, err := s.fetch(wctx, req)
		if err != nil {
			s.deps.Logger.Debug().Err(err).Str("url", req.URL.String()).Msg("revalidate failed")
			return nil
		}
		if !resp.Cacheable() {
			return nil
		}
		return s.store(wctx, req, resp)
	})
	return cached, nil
}
