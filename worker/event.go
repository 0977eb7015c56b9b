package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/voice101/strategy"
)

// ExtendableEvent is the lifetime of one install, activate, message, push or
// fetch dispatch. Work registered with WaitUntil runs detached from the
// caller's cancellation but is bounded by the event timeout.
type ExtendableEvent struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	self   *Version
}

func newExtendableEvent(ctx context.Context, self *Version, timeout time.Duration) *ExtendableEvent {
	base := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if timeout > 0 {
		base, cancel = context.WithTimeout(base, timeout)
	} else {
		base, cancel = context.WithCancel(base)
	}
	g, gctx := errgroup.WithContext(base)
	return &ExtendableEvent{ctx: gctx, cancel: cancel, group: g, self: self}
}

// Context is the event's lifetime context
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// Version is the worker version the event was dispatched to
func (e *ExtendableEvent) Version() *Version {
	return e.self
}

// WaitUntil extends the event until fn returns
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.group.Go(func() error { return fn(e.ctx) })
}

// Wait blocks until every WaitUntil function has returned and reports the
// first error
func (e *ExtendableEvent) Wait() error {
	defer e.cancel()
	return e.group.Wait()
}

// FetchEvent carries an intercepted request
type FetchEvent struct {
	*ExtendableEvent
	Request  *strategy.Request
	ClientID string
}
