package strategy

import (
	"context"
	"fmt"
	"time"
)

type networkFirst struct {
	base
	timeout time.Duration
}

// NewNetworkFirst races the network against opts.Timeout and falls back to
// the cache when the network fails, times out or returns an uncacheable
// status
func NewNetworkFirst(deps Deps, opts Options) Handler {
	return &networkFirst{
		base:    base{deps: deps, cacheName: opts.CacheName, expiration: opts.Expiration},
		timeout: opts.Timeout,
	}
}

func (s *networkFirst) Kind() Kind { return NetworkFirst }

type fetchResult struct {
	resp *Response
	err  error
}

func (s *networkFirst) Handle(ctx context.Context, lt Lifetime, req *Request) (*Response, error) {
	results := make(chan fetchResult, 1)
	go func() {
		resp, err := s.fetch(ctx, req)
		results <- fetchResult{resp, err}
	}()

	var timeout <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-results:
		return s.settle(ctx, req, r)

	case <-timeout:
		if cached := s.lookup(ctx, req); cached != nil {
			// the cached response is final; a late network answer is kept
			// only if nothing has been cached for this request meanwhile
			lt.WaitUntil(func(wctx context.Context) error {
				r := <-results
				if r.err != nil || !r.resp.Cacheable() {
					return nil
				}
				return s.storeIfAbsent(wctx, req, r.resp)
			})
			return cached, nil
		}
		s.deps.Logger.Debug().Str("url", req.URL.String()).Msg("network slow and cache empty, still waiting")
		return s.settle(ctx, req, <-results)

	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// settle decides between a finished network result and the cache
func (s *networkFirst) settle(ctx context.Context, req *Request, r fetchResult) (*Response, error) {
	if r.err != nil {
		if cached := s.lookup(ctx, req); cached != nil {
			return cached, nil
		}
		return nil, r.err
	}

	if r.resp.Cacheable() {
		_ = s.store(ctx, req, r.resp)
		return r.resp, nil
	}

	if cached := s.lookup(ctx, req); cached != nil {
		return cached, nil
	}
	return r.resp, nil
}
