// Package cluster provides composable clustering for stream nodes.
//
// The clustering system is built on two interfaces:
//   - Membership: the current view of nodes in the cluster
//   - Router: envelope delivery between nodes
//
// These can be mixed and matched for different deployment scenarios:
//
//	// Zero dependencies - gossip for membership, gRPC for routing
//	cluster.New(gossip.NewStore(cfg), grpc.NewRouter(cfg))
//
//	// Redis for membership, gRPC for fast routing
//	cluster.New(redisstore, grpc.NewRouter(cfg))
//
//	// All Redis - simple deployment
//	cluster.New(redisstore, redisrouter)
//
// For convenience, pre-composed bundles are available:
//
//	cluster.NewGossipCluster(cfg)  // gossip + gRPC
//	cluster.NewRedisCluster(cfg)   // redis + redis pubsub
//
// Single-node mode (no clustering):
//
//	cluster.NewLocalCluster()
//
// A Cluster satisfies stream.Transport.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bromq-dev/streams/pkg/cluster/types"
)

// Re-export types for convenience
type (
	NodeInfo   = types.NodeInfo
	Envelope   = types.Envelope
	Membership = types.Membership
	Router     = types.Router
)

// Cluster composes a Membership view and a Router.
type Cluster struct {
	membership Membership
	router     Router
	log        *slog.Logger

	handlerMu sync.RWMutex
	handler   func(*Envelope)

	mu      sync.Mutex
	started bool

	// closers run after Stop, in reverse order
	closers []func() error
}

// Option configures a Cluster.
type Option func(*Cluster)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Cluster) {
		c.log = l
	}
}

// WithCloser registers fn to run after the membership and router stop,
// for resources shared by both (a libp2p host, a Redis client).
func WithCloser(fn func() error) Option {
	return func(c *Cluster) {
		c.closers = append(c.closers, fn)
	}
}

// New creates a Cluster with the given Membership and Router.
func New(m Membership, r Router, opts ...Option) *Cluster {
	c := &Cluster{
		membership: m,
		router:     r,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start starts the router, then joins the cluster.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	c.router.OnReceive(c.receive)
	if err := c.router.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	if err := c.membership.Start(ctx); err != nil {
		c.router.Stop()
		return fmt.Errorf("start membership: %w", err)
	}
	c.started = true

	c.log.Info("cluster started",
		"node_id", c.membership.NodeID(),
		"membership", fmt.Sprintf("%T", c.membership),
		"router", fmt.Sprintf("%T", c.router),
		"routing_addr", c.router.Addr(),
	)
	return nil
}

// Stop leaves the cluster, then stops the router.
func (c *Cluster) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false

	var errs []error
	if err := c.membership.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop membership: %w", err))
	}
	if err := c.router.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop router: %w", err))
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// NodeID returns this node's identifier.
func (c *Cluster) NodeID() string {
	return c.membership.NodeID()
}

// LocalNode returns the info this node advertises.
func (c *Cluster) LocalNode() NodeInfo {
	return c.membership.LocalNode()
}

// Nodes returns a snapshot of the known nodes, including this one.
func (c *Cluster) Nodes(ctx context.Context) ([]NodeInfo, error) {
	return c.membership.Nodes(ctx)
}

// Send delivers env to node through the router.
func (c *Cluster) Send(ctx context.Context, node NodeInfo, env *Envelope) error {
	return c.router.Send(ctx, node, env)
}

// OnReceive sets the handler for envelopes from other nodes.
func (c *Cluster) OnReceive(handler func(*Envelope)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = handler
}

// Addr returns the router's advertised address.
func (c *Cluster) Addr() string {
	return c.router.Addr()
}

// Membership returns the membership view.
func (c *Cluster) Membership() Membership {
	return c.membership
}

// Router returns the router.
func (c *Cluster) Router() Router {
	return c.router
}

// receive processes envelopes received from other nodes.
func (c *Cluster) receive(env *Envelope) {
	c.handlerMu.RLock()
	handler := c.handler
	c.handlerMu.RUnlock()

	if handler == nil {
		c.log.Debug("no receive handler, dropping envelope", "topic", env.Topic, "origin", env.Origin)
		return
	}
	handler(env)
}
