package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/voice101/internal/metrics"
	"github.com/briangreenhill/voice101/internal/notify"
	"github.com/briangreenhill/voice101/strategy"
)

var (
	// ErrInvalidScope is returned when a script may not control the scope
	ErrInvalidScope = errors.New("invalid registration scope")
	// ErrNoActiveWorker is returned for events that need an active version
	ErrNoActiveWorker = errors.New("no active worker")
)

// RegisterOptions locate the worker script
type RegisterOptions struct {
	// ScriptURL is the manifest path or same-origin URL, e.g. "/sw.yaml"
	ScriptURL string
	// Scope is the controlled path prefix, "/" by default
	Scope string
	// Source loads the script bytes; nil fetches ScriptURL through Env.Fetcher
	Source Source
	// AllowedScope widens the scope past the script's directory, like the
	// Service-Worker-Allowed header
	AllowedScope string
}

// Container hosts one registration and the clients it controls
type Container struct {
	env     Env
	logger  zerolog.Logger
	metrics *metrics.Metrics

	registerMu sync.Mutex

	mu      sync.Mutex
	reg     *Registration
	clients map[string]*Client
}

// NewContainer creates an empty container
func NewContainer(env Env) *Container {
	if env.Registry == nil {
		env.Registry = strategy.DefaultRegistry()
	}
	return &Container{
		env:     env,
		logger:  env.Logger.With().Str("component", "worker").Logger(),
		metrics: env.Metrics,
		clients: make(map[string]*Client),
	}
}

// Register installs the script at opts.ScriptURL for opts.Scope. Registering
// an unchanged script again is a no-op. An install failure is logged and
// leaves the registration in place; script load or scope errors are returned.
func (c *Container) Register(ctx context.Context, opts RegisterOptions) (*Registration, error) {
	scope, err := c.checkScope(opts)
	if err != nil {
		return nil, err
	}
	src := opts.Source
	if src == nil {
		src = HTTPSource{Fetcher: c.env.Fetcher, URL: opts.ScriptURL}
	}

	c.registerMu.Lock()
	defer c.registerMu.Unlock()

	c.mu.Lock()
	reg := c.reg
	c.mu.Unlock()

	if reg != nil && reg.scope == scope {
		reg.setSource(opts.ScriptURL, src)
		if _, err := reg.Update(ctx); err != nil && !errors.Is(err, ErrInstallFailed) {
			return nil, err
		}
		return reg, nil
	}

	reg = newRegistration(c, scope, opts.ScriptURL, src)
	if _, err := reg.Update(ctx); err != nil && !errors.Is(err, ErrInstallFailed) {
		return nil, err
	}
	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()
	c.logger.Info().Str("script", opts.ScriptURL).Str("scope", scope).Msg("worker registered")
	return reg, nil
}

func (c *Container) checkScope(opts RegisterOptions) (string, error) {
	if opts.ScriptURL == "" {
		return "", fmt.Errorf("%w: script url is required", ErrInvalidScope)
	}
	script, err := url.Parse(opts.ScriptURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	if script.IsAbs() && c.env.Origin != "" {
		origin, err := url.Parse(c.env.Origin)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidScope, err)
		}
		if !strings.EqualFold(script.Scheme, origin.Scheme) || !strings.EqualFold(script.Host, origin.Host) {
			return "", fmt.Errorf("%w: script %s is not same-origin with %s", ErrInvalidScope, opts.ScriptURL, c.env.Origin)
		}
	}

	scope := opts.Scope
	if scope == "" {
		scope = "/"
	}
	if !strings.HasPrefix(scope, "/") {
		return "", fmt.Errorf("%w: scope %q must be an absolute path", ErrInvalidScope, scope)
	}

	maxScope := opts.AllowedScope
	if maxScope == "" {
		dir := path.Dir(script.Path)
		if !strings.HasSuffix(dir, "/") {
			dir += "/"
		}
		maxScope = dir
	}
	if !strings.HasPrefix(scope, maxScope) {
		return "", fmt.Errorf("%w: scope %s is outside the allowed scope %s", ErrInvalidScope, scope, maxScope)
	}
	return scope, nil
}

// Registration returns the current registration, or nil
func (c *Container) Registration() *Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg
}

func (c *Container) activeVersion() *Version {
	reg := c.Registration()
	if reg == nil {
		return nil
	}
	return reg.Active()
}

// Connect returns the client with id, creating it under the active version's
// control when it is new
func (c *Container) Connect(id string) *Client {
	c.mu.Lock()
	if cl, ok := c.clients[id]; ok {
		c.mu.Unlock()
		return cl
	}
	cl := newClient(id, c)
	c.clients[id] = cl
	c.mu.Unlock()

	if active := c.activeVersion(); active != nil && active.State() != StateRedundant {
		cl.adopt(active)
	}
	c.logger.Debug().Str("client", id).Msg("client connected")
	return cl
}

// Client looks up a connected client
func (c *Container) Client(id string) (*Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clients[id]
	return cl, ok
}

// Clients returns every connected client
func (c *Container) Clients() []*Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Client, 0, len(c.clients))
	for _, cl := range c.clients {
		out = append(out, cl)
	}
	return out
}

func (c *Container) disconnect(ctx context.Context, cl *Client) {
	c.mu.Lock()
	if c.clients[cl.id] == cl {
		delete(c.clients, cl.id)
	}
	reg := c.reg
	c.mu.Unlock()

	c.logger.Debug().Str("client", cl.id).Msg("client disconnected")
	if reg != nil {
		if err := reg.tryActivate(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("activation after disconnect failed")
		}
	}
}

// claim makes v the controller of every connected client
func (c *Container) claim(v *Version) {
	for _, cl := range c.Clients() {
		cl.setController(v)
	}
}

func (c *Container) controlledCount(v *Version) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cl := range c.clients {
		if cl.Controller() == v {
			n++
		}
	}
	return n
}

func (c *Container) newEvent(ctx context.Context, v *Version) *ExtendableEvent {
	return newExtendableEvent(ctx, v, c.env.eventTimeout())
}

// Dispatch routes req through the worker controlling clientID. The returned
// event is nil for uncontrolled clients, which go straight to the network.
func (c *Container) Dispatch(ctx context.Context, clientID string, req *strategy.Request) (*strategy.Response, *FetchEvent) {
	var controller *Version
	if cl, ok := c.Client(clientID); ok {
		controller = cl.Controller()
	}
	if controller == nil {
		return c.passthrough(ctx, req), nil
	}

	ev := &FetchEvent{
		ExtendableEvent: c.newEvent(ctx, controller),
		Request:         req,
		ClientID:        clientID,
	}
	return controller.worker.Fetch(ctx, ev), ev
}

func (c *Container) passthrough(ctx context.Context, req *strategy.Request) *strategy.Response {
	resp, err := c.env.Fetcher.Fetch(ctx, req)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("uncontrolled fetch failed")
		return &strategy.Response{Status: http.StatusBadGateway, Header: http.Header{}, Source: strategy.SourceFallback}
	}
	return resp
}

// Fetch is Dispatch for callers that do not observe background work: the
// event is awaited in the background and its error logged
func (c *Container) Fetch(ctx context.Context, clientID string, req *strategy.Request) *strategy.Response {
	resp, ev := c.Dispatch(ctx, clientID, req)
	if ev != nil {
		go func() {
			if err := ev.Wait(); err != nil {
				c.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("background cache work failed")
			}
		}()
	}
	return resp
}

func (c *Container) runActive(ctx context.Context, fn func(w *Worker, ev *ExtendableEvent)) error {
	active := c.activeVersion()
	if active == nil {
		return ErrNoActiveWorker
	}
	ev := c.newEvent(ctx, active)
	fn(active.worker, ev)
	return ev.Wait()
}

// Push delivers a push payload to the active version
func (c *Container) Push(ctx context.Context, data []byte) error {
	return c.runActive(ctx, func(w *Worker, ev *ExtendableEvent) { w.Push(ev, data) })
}

// NotificationClick delivers a click on n to the active version
func (c *Container) NotificationClick(ctx context.Context, n notify.Notification) error {
	return c.runActive(ctx, func(w *Worker, ev *ExtendableEvent) { w.NotificationClick(ev, n) })
}

// Sync runs the background sync registered under tag
func (c *Container) Sync(ctx context.Context, tag string) error {
	return c.runActive(ctx, func(w *Worker, ev *ExtendableEvent) { w.Sync(ev, tag) })
}
