// Package strategy routes intercepted requests to caching strategies and
// keeps the cache buckets consistent with what each strategy returned.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/voice101/cache"
	"github.com/briangreenhill/voice101/internal/metrics"
)

// Kind enumerates the caching policies
type Kind string

const (
	CacheFirst           Kind = "CacheFirst"
	NetworkFirst         Kind = "NetworkFirst"
	StaleWhileRevalidate Kind = "StaleWhileRevalidate"
	NetworkOnly          Kind = "NetworkOnly"
	CacheOnly            Kind = "CacheOnly"
)

// ErrTimeout marks a network fetch that lost the NetworkFirst race
var ErrTimeout = errors.New("network timeout")

// ParseKind accepts "CacheFirst", "cache-first" or "cache_first"
func ParseKind(s string) (Kind, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	for _, k := range []Kind{CacheFirst, NetworkFirst, StaleWhileRevalidate, NetworkOnly, CacheOnly} {
		if strings.ToLower(string(k)) == norm {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Lifetime keeps the surrounding event alive until fn returns. Background
// work a strategy starts must go through it so it is awaited and its
// errors observed.
type Lifetime interface {
	WaitUntil(fn func(ctx context.Context) error)
}

// Handler satisfies one request under a caching policy
type Handler interface {
	Kind() Kind

	// CacheName is the bucket the handler owns, empty for NetworkOnly
	CacheName() string

	// Handle returns the response or an error when no source produced one
	Handle(ctx context.Context, lt Lifetime, req *Request) (*Response, error)
}

// Deps are the collaborators shared by every handler
type Deps struct {
	Storage cache.Storage
	Fetcher Fetcher
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Clock   cache.Clock
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// Options parameterise a handler
type Options struct {
	CacheName  string
	Expiration cache.Expiration
	Timeout    time.Duration
}

// base holds what the caching handlers have in common
type base struct {
	deps       Deps
	cacheName  string
	expiration cache.Expiration
}

func (b *base) CacheName() string { return b.cacheName }

// lookup returns a fresh cached response or nil. Expired entries are
// treated as misses and removed.
func (b *base) lookup(ctx context.Context, req *Request) *Response {
	bucket, err := b.deps.Storage.Open(ctx, b.cacheName)
	if err != nil {
		b.deps.Logger.Warn().Err(err).Str("cache", b.cacheName).Msg("open cache failed")
		return nil
	}
	entry, err := bucket.Match(ctx, req.Key())
	if err != nil {
		if !errors.Is(err, cache.ErrCacheNotFound) {
			b.deps.Logger.Warn().Err(err).Str("cache", b.cacheName).Msg("cache read failed")
		}
		return nil
	}
	if !b.expiration.Fresh(entry, b.deps.now()) {
		if _, err := bucket.Delete(ctx, entry.Key); err != nil {
			b.deps.Logger.Debug().Err(err).Str("key", entry.Key).Msg("drop expired entry failed")
		}
		return nil
	}
	return fromEntry(entry, SourceCache)
}

// store writes a clone of resp and enforces the bucket's expiration. The
// error is returned for observability; callers never fail a request on it.
func (b *base) store(ctx context.Context, req *Request, resp *Response) error {
	err := b.put(ctx, req, resp)
	b.deps.Metrics.CacheWrite(b.cacheName, err)
	if err != nil {
		b.deps.Logger.Warn().Err(err).Str("cache", b.cacheName).Str("url", req.URL.String()).Msg("cache write failed")
	}
	return err
}

func (b *base) put(ctx context.Context, req *Request, resp *Response) error {
	bucket, err := b.deps.Storage.Open(ctx, b.cacheName)
	if err != nil {
		return fmt.Errorf("open %s: %w", b.cacheName, err)
	}
	if err := bucket.Put(ctx, resp.Clone().entry(req.Key())); err != nil {
		return fmt.Errorf("put %s: %w", b.cacheName, err)
	}
	if _, err := b.expiration.Enforce(ctx, bucket, b.deps.now()); err != nil {
		return fmt.Errorf("expire %s: %w", b.cacheName, err)
	}
	return nil
}

// storeIfAbsent writes resp only when the bucket still has no entry for req
func (b *base) storeIfAbsent(ctx context.Context, req *Request, resp *Response) error {
	bucket, err := b.deps.Storage.Open(ctx, b.cacheName)
	if err != nil {
		return err
	}
	if _, err := bucket.Match(ctx, req.Key()); err == nil {
		return nil
	}
	return b.store(ctx, req, resp)
}

func (b *base) fetch(ctx context.Context, req *Request) (*Response, error) {
	resp, err := b.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrOffline)
	}
	resp.Source = SourceNetwork
	return resp, nil
}
