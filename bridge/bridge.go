// Package bridge mediates worker updates for one page: it registers the
// worker, raises an update signal when a new version is waiting and reloads
// the page exactly once when the user accepts the update.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/voice101/worker"
)

// Page is the document the bridge runs in
type Page interface {
	Reload(ctx context.Context) error
}

// PageFunc adapts a function to Page
type PageFunc func(ctx context.Context) error

// Reload implements Page
func (f PageFunc) Reload(ctx context.Context) error { return f(ctx) }

// Signal is what the UI shows about a pending update
type Signal struct {
	Available bool   `json:"available"`
	Dismissed bool   `json:"dismissed"`
	Version   string `json:"version,omitempty"`
}

// Options configure a bridge
type Options struct {
	ScriptURL string
	Scope     string
	Source    worker.Source
	// CheckInterval schedules periodic update checks; zero disables them
	CheckInterval time.Duration
	Logger        zerolog.Logger
}

// Bridge tracks the update state for one client
type Bridge struct {
	container *worker.Container
	client    *worker.Client
	page      Page
	opts      Options
	logger    zerolog.Logger

	mu              sync.Mutex
	ctx             context.Context
	reg             *worker.Registration
	checker         *Checker
	signal          Signal
	waiting         *worker.Version
	updateRequested bool
	refreshing      bool
	stopped         bool
	unsubscribe     []func()
}

// New creates a bridge for client. A nil page reloads the client itself.
func New(c *worker.Container, client *worker.Client, page Page, opts Options) *Bridge {
	if opts.ScriptURL == "" {
		opts.ScriptURL = "/sw.yaml"
	}
	if opts.Scope == "" {
		opts.Scope = "/"
	}
	if page == nil && client != nil {
		page = PageFunc(func(ctx context.Context) error {
			client.Reload(ctx)
			return nil
		})
	}
	logger := opts.Logger
	if client != nil {
		logger = logger.With().Str("client", client.ID()).Logger()
	}
	return &Bridge{
		container: c,
		client:    client,
		page:      page,
		opts:      opts,
		logger:    logger,
		ctx:       context.Background(),
	}
}

// Start registers the worker and subscribes to its lifecycle. Failures are
// logged and leave the bridge inert; the page keeps working online.
func (b *Bridge) Start(ctx context.Context) {
	if b.container == nil || b.client == nil {
		b.logger.Warn().Msg("offline support unavailable, update bridge disabled")
		return
	}
	reg, err := b.container.Register(ctx, worker.RegisterOptions{
		ScriptURL: b.opts.ScriptURL,
		Scope:     b.opts.Scope,
		Source:    b.opts.Source,
	})
	if err != nil {
		b.logger.Warn().Err(err).Msg("worker registration failed, update bridge disabled")
		return
	}

	b.mu.Lock()
	b.ctx = context.WithoutCancel(ctx)
	b.reg = reg
	b.unsubscribe = append(b.unsubscribe,
		reg.OnUpdateFound(b.track),
		b.client.OnControllerChange(b.onControllerChange),
	)
	b.mu.Unlock()

	if v := reg.Installing(); v != nil {
		b.track(v)
	}
	if v := reg.Waiting(); v != nil && b.client.Controller() != nil {
		b.offer(v)
	}

	if b.opts.CheckInterval > 0 {
		checker := NewChecker(reg, b.opts.CheckInterval, b.logger)
		if err := checker.Start(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("periodic update checks disabled")
			return
		}
		b.mu.Lock()
		b.checker = checker
		b.mu.Unlock()
	}
}

// Enabled reports whether Start registered the worker
func (b *Bridge) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reg != nil
}

func (b *Bridge) track(v *worker.Version) {
	unsub := v.OnStateChange(func(s worker.State) {
		switch s {
		case worker.StateInstalled:
			if b.client.Controller() != nil {
				b.offer(v)
			}
		case worker.StateActivated, worker.StateRedundant:
			b.retire(v)
		}
	})

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		unsub()
		return
	}
	b.unsubscribe = append(b.unsubscribe, unsub)
	b.mu.Unlock()
}

func (b *Bridge) offer(v *worker.Version) {
	b.mu.Lock()
	if b.waiting == v {
		b.mu.Unlock()
		return
	}
	b.waiting = v
	b.signal = Signal{Available: true, Version: v.ID()}
	b.mu.Unlock()
	b.logger.Info().Str("version", v.ID()).Msg("update available")
}

func (b *Bridge) retire(v *worker.Version) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiting == v {
		b.waiting = nil
		b.signal = Signal{}
	}
}

// Signal returns the current update signal
func (b *Bridge) Signal() Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signal
}

// ReloadToUpdate tells the waiting worker to skip waiting; the page reloads
// once the new worker takes control. Repeated calls while an update is in
// flight do nothing.
func (b *Bridge) ReloadToUpdate(ctx context.Context) error {
	b.mu.Lock()
	v := b.waiting
	if v == nil || b.updateRequested {
		b.mu.Unlock()
		return nil
	}
	b.updateRequested = true
	b.mu.Unlock()

	if err := v.PostMessage(ctx, worker.Message{Type: worker.MessageSkipWaiting}); err != nil {
		b.mu.Lock()
		b.updateRequested = false
		b.mu.Unlock()
		return err
	}

	// another tab may have promoted v before our message arrived
	if b.client.Controller() == v {
		b.onControllerChange(v)
	}
	return nil
}

func (b *Bridge) onControllerChange(*worker.Version) {
	b.mu.Lock()
	if !b.updateRequested || b.refreshing {
		b.mu.Unlock()
		return
	}
	b.refreshing = true
	ctx := b.ctx
	b.mu.Unlock()

	b.logger.Info().Msg("new worker in control, reloading")
	if err := b.page.Reload(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("reload failed")
	}

	// the reloaded page starts fresh: drop the offer it just accepted and
	// re-arm the guard in the same critical section
	b.mu.Lock()
	if b.waiting != nil && b.client != nil && b.client.Controller() == b.waiting {
		b.waiting = nil
		b.signal = Signal{}
	}
	b.updateRequested = false
	b.refreshing = false
	b.mu.Unlock()
}

// DismissUpdate hides the signal. The waiting worker stays waiting and takes
// over on the next full reload.
func (b *Bridge) DismissUpdate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.signal.Available {
		return
	}
	b.signal.Available = false
	b.signal.Dismissed = true
}

// CheckForUpdate asks the registration to look for a new worker now
func (b *Bridge) CheckForUpdate(ctx context.Context) error {
	b.mu.Lock()
	reg := b.reg
	b.mu.Unlock()
	if reg == nil {
		return nil
	}
	_, err := reg.Update(ctx)
	return err
}

// Stop ends periodic checks and drops lifecycle subscriptions
func (b *Bridge) Stop() {
	b.mu.Lock()
	checker := b.checker
	unsub := b.unsubscribe
	b.checker = nil
	b.unsubscribe = nil
	b.stopped = true
	b.mu.Unlock()

	if checker != nil {
		checker.Stop()
	}
	for _, fn := range unsub {
		fn()
	}
}
