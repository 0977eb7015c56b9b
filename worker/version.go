package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// State is a worker version's lifecycle state
type State int

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalJSON encodes the state name
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ErrRedundant is returned when a message is posted to a discarded version
var ErrRedundant = errors.New("worker version is redundant")

// MessageSkipWaiting is the only control message the worker understands
const MessageSkipWaiting = "SKIP_WAITING"

// Message is a client→worker control message
type Message struct {
	Type string `json:"type"`
}

// Version is one build of the worker manifest
type Version struct {
	id     string
	hash   string
	worker *Worker
	reg    *Registration

	mu          sync.Mutex
	state       State
	skipWaiting bool
	listeners   map[int]func(State)
	nextID      int
}

func newVersion(reg *Registration, hash string, w *Worker) *Version {
	return &Version{
		id:        hash[:12],
		hash:      hash,
		worker:    w,
		reg:       reg,
		state:     StateInstalling,
		listeners: make(map[int]func(State)),
	}
}

// ID is the short revision derived from the manifest hash
func (v *Version) ID() string { return v.id }

// Hash is the full SHA-256 of the manifest bytes
func (v *Version) Hash() string { return v.hash }

// Worker returns the immutable worker built from this version's manifest
func (v *Version) Worker() *Worker { return v.worker }

// State returns the current lifecycle state
func (v *Version) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// OnStateChange registers fn for every later transition. The returned
// function unsubscribes.
func (v *Version) OnStateChange(fn func(State)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.listeners, id)
	}
}

func (v *Version) setState(s State) {
	v.mu.Lock()
	if v.state == s || v.state == StateRedundant {
		v.mu.Unlock()
		return
	}
	from := v.state
	v.state = s
	fns := make([]func(State), 0, len(v.listeners))
	for _, fn := range v.listeners {
		fns = append(fns, fn)
	}
	v.mu.Unlock()

	v.reg.container.metrics.Transition(from.String(), s.String())
	v.reg.container.logger.Info().
		Str("version", v.id).
		Str("from", from.String()).
		Str("to", s.String()).
		Msg("worker state changed")
	for _, fn := range fns {
		fn(s)
	}
}

// SkipWaiting marks the version to activate without waiting for old
// clients to go away. A version that is already waiting activates now.
func (v *Version) SkipWaiting(ctx context.Context) error {
	v.mu.Lock()
	v.skipWaiting = true
	state := v.state
	v.mu.Unlock()

	if state != StateInstalled {
		return nil
	}
	return v.reg.tryActivate(ctx)
}

func (v *Version) skipsWaiting() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.skipWaiting
}

// PostMessage delivers msg to this version's message handler and waits for
// the handler to finish
func (v *Version) PostMessage(ctx context.Context, msg Message) error {
	if v.State() == StateRedundant {
		return fmt.Errorf("post %s to %s: %w", msg.Type, v.id, ErrRedundant)
	}
	ev := v.reg.container.newEvent(ctx, v)
	v.worker.Message(ev, msg)
	return ev.Wait()
}
