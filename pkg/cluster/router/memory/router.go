// Package memory provides an in-process Router.
//
// Routers attached to the same Hub deliver envelopes to each other through
// buffered channels. It is meant for tests and single-binary examples that
// run several nodes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bromq-dev/streams/pkg/cluster/types"
)

// Router errors.
var (
	// ErrUnreachable is returned when the target node is not attached or is down.
	ErrUnreachable = errors.New("memory: node unreachable")

	// ErrNotStarted is returned by Send before Start.
	ErrNotStarted = errors.New("memory: router not started")
)

// Hub connects in-process routers.
type Hub struct {
	mu      sync.RWMutex
	routers map[string]*Router
	down    map[string]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		routers: make(map[string]*Router),
		down:    make(map[string]bool),
	}
}

// SetDown marks a node unreachable (true) or reachable again (false).
func (h *Hub) SetDown(nodeID string, down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if down {
		h.down[nodeID] = true
	} else {
		delete(h.down, nodeID)
	}
}

func (h *Hub) attach(r *Router) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routers[r.nodeID] = r
}

func (h *Hub) detach(r *Router) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.routers[r.nodeID] == r {
		delete(h.routers, r.nodeID)
	}
}

func (h *Hub) lookup(nodeID string) (*Router, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.down[nodeID] {
		return nil, false
	}
	r, ok := h.routers[nodeID]
	return r, ok
}

// Config configures the memory router.
type Config struct {
	// NodeID identifies this router on the hub. Required.
	NodeID string

	// Hub is shared by every node. Required.
	Hub *Hub

	// InboxSize is the receive buffer. Default: 256.
	InboxSize int

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Router implements types.Router over a Hub.
type Router struct {
	nodeID string
	hub    *Hub
	log    *slog.Logger

	inbox chan *types.Envelope
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.RWMutex
	handler func(*types.Envelope)
	running bool
}

// NewRouter creates a new memory router.
func NewRouter(cfg *Config) *Router {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		nodeID: cfg.NodeID,
		hub:    cfg.Hub,
		log:    cfg.Logger,
		inbox:  make(chan *types.Envelope, cfg.InboxSize),
	}
}

func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.done = make(chan struct{})

	r.wg.Add(1)
	go r.receiveLoop(r.done)
	r.hub.attach(r)
	return nil
}

func (r *Router) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	done := r.done
	r.mu.Unlock()

	r.hub.detach(r)
	close(done)
	r.wg.Wait()
	return nil
}

// Send copies env into the target router's inbox. It blocks while the inbox
// is full, until ctx is done.
func (r *Router) Send(ctx context.Context, node types.NodeInfo, env *types.Envelope) error {
	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	if !running {
		return ErrNotStarted
	}

	target, ok := r.hub.lookup(node.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, node.ID)
	}

	msg := &types.Envelope{
		Topic:   env.Topic,
		Payload: append([]byte(nil), env.Payload...),
		Origin:  env.Origin,
	}
	target.mu.RLock()
	targetDone := target.done
	target.mu.RUnlock()

	select {
	case target.inbox <- msg:
		return nil
	case <-targetDone:
		return fmt.Errorf("%w: %s", ErrUnreachable, node.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) OnReceive(handler func(*types.Envelope)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// Addr returns the node ID; memory routers are addressed by ID.
func (r *Router) Addr() string {
	return r.nodeID
}

func (r *Router) receiveLoop(done <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-done:
			return
		case env := <-r.inbox:
			r.mu.RLock()
			handler := r.handler
			r.mu.RUnlock()
			if handler != nil {
				handler(env)
			} else {
				r.log.Debug("no receive handler, dropping envelope", "topic", env.Topic)
			}
		}
	}
}

// Verify interface implementation
var _ types.Router = (*Router)(nil)
