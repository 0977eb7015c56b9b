package strategy

import (
	"fmt"
	"sort"
)

// Factory builds a handler from shared deps and per-route options
type Factory func(deps Deps, opts Options) Handler

// Registry manages the strategies a route table may name
type Registry struct {
	factories map[Kind]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[Kind]Factory),
	}
}

// DefaultRegistry knows the five built-in strategies
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(CacheFirst, NewCacheFirst)
	r.Register(NetworkFirst, NewNetworkFirst)
	r.Register(StaleWhileRevalidate, NewStaleWhileRevalidate)
	r.Register(NetworkOnly, NewNetworkOnly)
	r.Register(CacheOnly, NewCacheOnly)
	return r
}

// Register adds a factory; registering a kind again replaces it
func (r *Registry) Register(kind Kind, f Factory) {
	r.factories[kind] = f
}

// Build resolves name and constructs its handler
func (r *Registry) Build(name string, deps Deps, opts Options) (Handler, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return nil, err
	}
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("strategy %s is not registered", kind)
	}
	if kind != NetworkOnly && opts.CacheName == "" {
		return nil, fmt.Errorf("strategy %s needs a cache name", kind)
	}
	return f(deps, opts), nil
}

// List returns registered kinds in lexical order
func (r *Registry) List() []Kind {
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
