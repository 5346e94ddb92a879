// Package noop provides a Router for a node without peers.
package noop

import (
	"context"
	"sync/atomic"

	"github.com/bromq-dev/streams/pkg/cluster/types"
)

// Router discards every envelope and counts them.
type Router struct {
	discarded atomic.Uint64
}

// NewRouter creates a router that delivers nothing.
func NewRouter() *Router {
	return &Router{}
}

func (r *Router) Start(context.Context) error { return nil }

func (r *Router) Stop() error { return nil }

func (r *Router) Send(ctx context.Context, node types.NodeInfo, env *types.Envelope) error {
	r.discarded.Add(1)
	return ctx.Err()
}

// OnReceive ignores handler; nothing ever arrives.
func (r *Router) OnReceive(func(*types.Envelope)) {}

func (r *Router) Addr() string { return "" }

// Discarded returns how many envelopes Send has dropped.
func (r *Router) Discarded() uint64 {
	return r.discarded.Load()
}

var _ types.Router = (*Router)(nil)
