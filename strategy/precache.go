package strategy

import (
	"context"
)

// Precached matches requests whose cache key is one of keys
func Precached(keys ...string) Matcher {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return MatcherFunc(func(req *Request) bool { return set[req.Key()] })
}

type precache struct {
	base
}

// NewPrecache serves the assets an install step stored in cacheName. A miss
// goes to the network without writing the bucket: only install fills it.
func NewPrecache(deps Deps, cacheName string) Handler {
	return &precache{base{deps: deps, cacheName: cacheName}}
}

func (s *precache) Kind() Kind { return CacheFirst }

func (s *precache) Handle(ctx context.Context, _ Lifetime, req *Request) (*Response, error) {
	if cached := s.lookup(ctx, req); cached != nil {
		return cached, nil
	}
	return s.fetch(ctx, req)
}
