// Package worker runs the offline worker lifecycle: manifest versions are
// installed into a versioned precache bucket, wait until they may take
// control, activate with stale-bucket cleanup and then serve every fetch for
// the clients they control.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/voice101/cache"
	"github.com/briangreenhill/voice101/internal/metrics"
	"github.com/briangreenhill/voice101/internal/notify"
	"github.com/briangreenhill/voice101/strategy"
)

// ErrInstallFailed marks a version whose precache could not be completed
var ErrInstallFailed = errors.New("worker install failed")

const (
	defaultEventTimeout = 30 * time.Second
	precacheConcurrency = 6
)

// WindowOpener opens or focuses a client window for a notification click
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// WindowOpenerFunc adapts a function to WindowOpener
type WindowOpenerFunc func(ctx context.Context, url string) error

// OpenWindow implements WindowOpener
func (f WindowOpenerFunc) OpenWindow(ctx context.Context, url string) error { return f(ctx, url) }

// SyncHandler runs the deferred work registered under a background sync tag
type SyncHandler func(ctx context.Context) error

// Env is everything a worker version needs from its host
type Env struct {
	Storage      cache.Storage
	Fetcher      strategy.Fetcher
	Registry     *strategy.Registry
	Notifier     notify.Notifier
	Opener       WindowOpener
	SyncHandlers map[string]SyncHandler
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	Clock        cache.Clock
	// Origin resolves relative precache and script URLs
	Origin string
	// EventTimeout bounds every WaitUntil chain, 30s when zero
	EventTimeout time.Duration
}

func (e Env) eventTimeout() time.Duration {
	if e.EventTimeout > 0 {
		return e.EventTimeout
	}
	return defaultEventTimeout
}

// Worker is the immutable program built from one manifest: its route table,
// its precache list and the whitelist of buckets it keeps on activation
type Worker struct {
	manifest  *Manifest
	revision  string
	precache  string
	router    *strategy.Router
	whitelist map[string]bool
	env       Env
	logger    zerolog.Logger
}

func newWorker(env Env, m *Manifest, revision string) (*Worker, error) {
	reg := env.Registry
	if reg == nil {
		reg = strategy.DefaultRegistry()
	}
	deps := strategy.Deps{
		Storage: env.Storage,
		Fetcher: env.Fetcher,
		Logger:  env.Logger,
		Metrics: env.Metrics,
		Clock:   env.Clock,
	}

	build := func(rs RouteSpec) (strategy.Handler, error) {
		opts := strategy.Options{
			Expiration: cache.Expiration{
				MaxEntries: rs.MaxEntries,
				MaxAge:     time.Duration(rs.MaxAgeSeconds) * time.Second,
			},
			Timeout: time.Duration(rs.TimeoutSeconds * float64(time.Second)),
		}
		if rs.Cache != "" {
			opts.CacheName = cache.Name(m.Prefix, rs.Cache)
		}
		return reg.Build(rs.Strategy, deps, opts)
	}

	precache := cache.Name(m.Prefix, "precache-"+revision)
	w := &Worker{manifest: m, env: env}
	keys := make([]string, 0, len(m.Precache))
	for _, asset := range m.Precache {
		req, err := w.resolve(asset)
		if err != nil {
			return nil, fmt.Errorf("%w: precache %s: %v", ErrInvalidManifest, asset, err)
		}
		keys = append(keys, req.Key())
	}

	routes := make([]strategy.Route, 0, len(m.Routes)+1)
	routes = append(routes, strategy.Route{
		Name:    "precache",
		Match:   strategy.Precached(keys...),
		Handler: strategy.NewPrecache(deps, precache),
	})
	for i, rs := range m.Routes {
		match, err := buildMatcher(rs.Match)
		if err != nil {
			return nil, fmt.Errorf("%w: route %d (%s): %v", ErrInvalidManifest, i, rs.Name, err)
		}
		h, err := build(rs)
		if err != nil {
			return nil, fmt.Errorf("%w: route %d (%s): %v", ErrInvalidManifest, i, rs.Name, err)
		}
		name := rs.Name
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		routes = append(routes, strategy.Route{Name: name, Match: match, Handler: h})
	}
	def, err := build(*m.Default)
	if err != nil {
		return nil, fmt.Errorf("%w: default route: %v", ErrInvalidManifest, err)
	}
	nav, err := build(*m.Navigation)
	if err != nil {
		return nil, fmt.Errorf("%w: navigation route: %v", ErrInvalidManifest, err)
	}

	router := strategy.NewRouter(deps, strategy.RouterConfig{
		Routes:     routes,
		Default:    def,
		Navigation: nav,
		Fallback:   strategy.Fallback{CacheName: precache, Page: m.OfflinePage, Origin: env.Origin},
	})

	whitelist := map[string]bool{precache: true}
	for _, name := range router.CacheNames() {
		whitelist[name] = true
	}

	w.revision = revision
	w.precache = precache
	w.router = router
	w.whitelist = whitelist
	w.logger = env.Logger.With().Str("revision", revision).Logger()
	return w, nil
}

func buildMatcher(ms MatchSpec) (strategy.Matcher, error) {
	var all []strategy.Matcher
	if ms.Path != "" {
		m, err := strategy.Path(ms.Path)
		if err != nil {
			return nil, err
		}
		all = append(all, m)
	}
	if ms.URL != "" {
		m, err := strategy.URLRegexp(ms.URL)
		if err != nil {
			return nil, err
		}
		all = append(all, m)
	}
	if ms.Origin != "" {
		m, err := strategy.Origin(ms.Origin)
		if err != nil {
			return nil, err
		}
		all = append(all, m)
	}
	if len(ms.Destination) > 0 {
		all = append(all, strategy.Destination(ms.Destination...))
	}
	if ms.Navigate {
		all = append(all, strategy.Navigation())
	}
	if ms.Accept != "" {
		all = append(all, strategy.Accept(ms.Accept))
	}
	if len(all) == 0 {
		return nil, errors.New("match needs at least one condition")
	}
	return strategy.All(all...), nil
}

// Manifest returns the parsed manifest
func (w *Worker) Manifest() *Manifest { return w.manifest }

// Router returns the route table
func (w *Worker) Router() *strategy.Router { return w.router }

// PrecacheName is the versioned bucket the install step fills
func (w *Worker) PrecacheName() string { return w.precache }

// CacheNames is the whitelist kept on activation, sorted
func (w *Worker) CacheNames() []string {
	names := make([]string, 0, len(w.whitelist))
	for n := range w.whitelist {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Keeps reports whether bucket is in the whitelist
func (w *Worker) Keeps(bucket string) bool { return w.whitelist[bucket] }

func (w *Worker) resolve(raw string) (*strategy.Request, error) {
	req, err := strategy.NewRequest(http.MethodGet, raw)
	if err != nil {
		return nil, err
	}
	if !req.URL.IsAbs() && w.env.Origin != "" {
		base, err := url.Parse(w.env.Origin)
		if err != nil {
			return nil, err
		}
		req.URL = base.ResolveReference(req.URL)
	}
	return req, nil
}

// Install fills the precache bucket. Either every asset is stored or the
// bucket is removed again.
func (w *Worker) Install(ev *ExtendableEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		if err := w.precacheAll(ctx); err != nil {
			if _, derr := w.env.Storage.Delete(context.WithoutCancel(ctx), w.precache); derr != nil {
				w.logger.Warn().Err(derr).Str("bucket", w.precache).Msg("could not remove partial precache")
			}
			return err
		}
		if w.manifest.Policy == PolicyForce {
			return ev.Version().SkipWaiting(ctx)
		}
		return nil
	})
}

func (w *Worker) precacheAll(ctx context.Context) error {
	entries := make([]*cache.Entry, len(w.manifest.Precache))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheConcurrency)
	for i, asset := range w.manifest.Precache {
		i, asset := i, asset
		g.Go(func() error {
			req, err := w.resolve(asset)
			if err != nil {
				return fmt.Errorf("precache %s: %w", asset, err)
			}
			resp, err := w.env.Fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", asset, err)
			}
			if resp.Status != http.StatusOK {
				return fmt.Errorf("precache %s: unexpected status %d", asset, resp.Status)
			}
			entries[i] = &cache.Entry{
				Key:    req.Key(),
				Status: resp.Status,
				Header: resp.Header.Clone(),
				Body:   append([]byte(nil), resp.Body...),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	bucket, err := w.env.Storage.Open(ctx, w.precache)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.precache, err)
	}
	for _, e := range entries {
		err := bucket.Put(ctx, e)
		w.env.Metrics.CacheWrite(w.precache, err)
		if err != nil {
			return fmt.Errorf("store %s: %w", e.Key, err)
		}
	}
	w.logger.Info().Str("bucket", w.precache).Int("assets", len(entries)).Msg("precache complete")
	return nil
}

// Activate deletes every bucket outside the whitelist and then claims all
// open clients
func (w *Worker) Activate(ev *ExtendableEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		names, err := w.env.Storage.Keys(ctx)
		if err != nil {
			return fmt.Errorf("list caches: %w", err)
		}
		var errs []error
		for _, name := range names {
			if w.whitelist[name] {
				continue
			}
			if _, err := w.env.Storage.Delete(ctx, name); err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
				continue
			}
			w.logger.Info().Str("bucket", name).Msg("deleted stale cache")
		}
		v := ev.Version()
		v.reg.container.claim(v)
		return errors.Join(errs...)
	})
}

// Fetch answers an intercepted request. It never fails: a panicking handler
// yields the generic offline response.
func (w *Worker) Fetch(ctx context.Context, ev *FetchEvent) (resp *strategy.Response) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error().
				Interface("panic", p).
				Str("url", ev.Request.URL.String()).
				Msg("fetch handler panicked")
			resp = w.router.Offline(ctx, ev.Request)
		}
	}()
	return w.router.Handle(ctx, ev, ev.Request)
}

// Message handles a client control message. Unknown types are ignored.
func (w *Worker) Message(ev *ExtendableEvent, msg Message) {
	if msg.Type != MessageSkipWaiting {
		w.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown message")
		return
	}
	ev.WaitUntil(func(ctx context.Context) error {
		return ev.Version().SkipWaiting(ctx)
	})
}

// Push shows a notification for a push payload. A payload that is not a
// JSON object becomes the notification body.
func (w *Worker) Push(ev *ExtendableEvent, data []byte) {
	n := notify.Notification{Title: "voice101"}
	if err := json.Unmarshal(data, &n); err != nil {
		n = notify.Notification{Title: "voice101", Body: strings.TrimSpace(string(data))}
	}
	if w.env.Notifier == nil {
		w.logger.Debug().Str("title", n.Title).Msg("push without notifier")
		return
	}
	ev.WaitUntil(func(ctx context.Context) error {
		return w.env.Notifier.Show(ctx, n)
	})
}

// NotificationClick opens the page named by data.url, "/" by default
func (w *Worker) NotificationClick(ev *ExtendableEvent, n notify.Notification) {
	target := n.URL()
	if target == "" {
		target = "/"
	}
	if w.env.Opener == nil {
		return
	}
	ev.WaitUntil(func(ctx context.Context) error {
		return w.env.Opener.OpenWindow(ctx, target)
	})
}

// Sync runs the handler registered for tag
func (w *Worker) Sync(ev *ExtendableEvent, tag string) {
	h, ok := w.env.SyncHandlers[tag]
	if !ok {
		w.logger.Debug().Str("tag", tag).Msg("no sync handler")
		return
	}
	ev.WaitUntil(func(ctx context.Context) error { return h(ctx) })
}
