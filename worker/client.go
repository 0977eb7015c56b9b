package worker

import (
	"context"
	"sync"
)

// Client is one open page. Its controller is the version serving its
// fetches; nil while uncontrolled.
type Client struct {
	id        string
	container *Container

	mu         sync.Mutex
	controller *Version
	listeners  map[int]func(*Version)
	nextID     int
}

func newClient(id string, c *Container) *Client {
	return &Client{id: id, container: c, listeners: make(map[int]func(*Version))}
}

// ID identifies the client
func (cl *Client) ID() string { return cl.id }

// Controller returns the controlling version, or nil
func (cl *Client) Controller() *Version {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.controller
}

// OnControllerChange registers fn for every controller change. The
// returned function unsubscribes.
func (cl *Client) OnControllerChange(fn func(*Version)) func() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	id := cl.nextID
	cl.nextID++
	cl.listeners[id] = fn
	return func() {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		delete(cl.listeners, id)
	}
}

// adopt sets the controller of a freshly loaded page without firing
// controllerchange
func (cl *Client) adopt(v *Version) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.controller == nil {
		cl.controller = v
	}
}

func (cl *Client) setController(v *Version) {
	cl.mu.Lock()
	if cl.controller == v {
		cl.mu.Unlock()
		return
	}
	cl.controller = v
	fns := make([]func(*Version), 0, len(cl.listeners))
	for _, fn := range cl.listeners {
		fns = append(fns, fn)
	}
	cl.mu.Unlock()

	cl.container.logger.Debug().Str("client", cl.id).Str("version", v.ID()).Msg("controller changed")
	for _, fn := range fns {
		fn(v)
	}
}

// Close disconnects the page. A waiting version activates once the active
// one controls no client.
func (cl *Client) Close(ctx context.Context) {
	cl.container.disconnect(ctx, cl)
}

// Reload closes the page and loads it again under the same id. The new load
// is controlled by whatever version is active by then; listeners survive.
func (cl *Client) Reload(ctx context.Context) {
	c := cl.container
	c.disconnect(ctx, cl)

	cl.mu.Lock()
	cl.controller = nil
	cl.mu.Unlock()

	c.mu.Lock()
	if _, taken := c.clients[cl.id]; !taken {
		c.clients[cl.id] = cl
	}
	c.mu.Unlock()

	if active := c.activeVersion(); active != nil && active.State() != StateRedundant {
		cl.adopt(active)
	}
	c.logger.Debug().Str("client", cl.id).Msg("client reloaded")
}
