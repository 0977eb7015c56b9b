package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registration binds a worker script to a scope and tracks its installing,
// waiting and active versions
type Registration struct {
	container *Container
	scope     string
	flight    singleflight.Group

	mu         sync.Mutex
	scriptURL  string
	source     Source
	installing *Version
	waiting    *Version
	active     *Version
	listeners  map[int]func(*Version)
	nextID     int
}

func newRegistration(c *Container, scope, scriptURL string, src Source) *Registration {
	return &Registration{
		container: c,
		scope:     scope,
		scriptURL: scriptURL,
		source:    src,
		listeners: make(map[int]func(*Version)),
	}
}

// Scope is the URL path prefix the registration controls
func (r *Registration) Scope() string { return r.scope }

// ScriptURL is the manifest location
func (r *Registration) ScriptURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scriptURL
}

// Installing returns the version currently installing, or nil
func (r *Registration) Installing() *Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

// Waiting returns the installed version waiting to activate, or nil
func (r *Registration) Waiting() *Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Active returns the activating or activated version, or nil
func (r *Registration) Active() *Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// OnUpdateFound registers fn to run with every new installing version. The
// returned function unsubscribes.
func (r *Registration) OnUpdateFound(fn func(*Version)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Registration) setSource(scriptURL string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scriptURL = scriptURL
	r.source = src
}

// Update loads the script and installs it as a new version when its bytes
// differ from the newest installing, waiting or active version. It returns
// the new version, or nil when nothing changed. Concurrent calls share one
// check.
func (r *Registration) Update(ctx context.Context) (*Version, error) {
	v, err, _ := r.flight.Do("update", func() (any, error) {
		return r.update(ctx)
	})
	if err != nil {
		return nil, err
	}
	nv, _ := v.(*Version)
	return nv, nil
}

func (r *Registration) update(ctx context.Context) (*Version, error) {
	r.mu.Lock()
	src := r.source
	scriptURL := r.scriptURL
	r.mu.Unlock()

	data, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", scriptURL, err)
	}
	hash := ScriptHash(data)

	r.mu.Lock()
	newest := r.installing
	if newest == nil {
		newest = r.waiting
	}
	if newest == nil {
		newest = r.active
	}
	r.mu.Unlock()
	if newest != nil && newest.hash == hash {
		r.container.logger.Debug().Str("script", scriptURL).Str("version", newest.id).Msg("worker script unchanged")
		return nil, nil
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", scriptURL, err)
	}
	v := newVersion(r, hash, nil)
	w, err := newWorker(r.container.env, m, v.id)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", scriptURL, err)
	}
	v.worker = w

	r.mu.Lock()
	r.installing = v
	fns := make([]func(*Version), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	r.container.metrics.Transition("", StateInstalling.String())
	r.container.logger.Info().Str("script", scriptURL).Str("version", v.id).Msg("update found")
	for _, fn := range fns {
		fn(v)
	}

	if err := r.install(ctx, v); err != nil {
		return v, err
	}
	return v, nil
}

func (r *Registration) install(ctx context.Context, v *Version) error {
	ev := r.container.newEvent(ctx, v)
	v.worker.Install(ev)
	err := ev.Wait()
	r.container.metrics.Install(err)

	if err != nil {
		r.mu.Lock()
		if r.installing == v {
			r.installing = nil
		}
		r.mu.Unlock()
		v.setState(StateRedundant)
		r.container.logger.Warn().Err(err).Str("version", v.id).Msg("install failed, keeping current worker")
		return fmt.Errorf("%w: version %s: %w", ErrInstallFailed, v.id, err)
	}

	r.mu.Lock()
	if r.installing == v {
		r.installing = nil
	}
	previous := r.waiting
	r.waiting = v
	r.mu.Unlock()

	if previous != nil {
		previous.setState(StateRedundant)
	}
	v.setState(StateInstalled)
	return r.tryActivate(ctx)
}

// tryActivate promotes the waiting version when no client is controlled by
// the active one, or when the waiting version skips waiting
func (r *Registration) tryActivate(ctx context.Context) error {
	r.mu.Lock()
	v := r.waiting
	if v == nil {
		r.mu.Unlock()
		return nil
	}
	previous := r.active
	if previous != nil && !v.skipsWaiting() && r.container.controlledCount(previous) > 0 {
		r.mu.Unlock()
		return nil
	}
	r.waiting = nil
	r.active = v
	r.mu.Unlock()

	if previous != nil {
		previous.setState(StateRedundant)
	}
	v.setState(StateActivating)

	ev := r.container.newEvent(ctx, v)
	v.worker.Activate(ev)
	err := ev.Wait()
	if err != nil {
		r.container.logger.Warn().Err(err).Str("version", v.id).Msg("activate handler failed")
	}
	v.setState(StateActivated)
	r.container.metrics.Activated()
	return err
}

// ScriptHash is the SHA-256 of a script in hex. Its first 12 characters are
// the version id.
func ScriptHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
