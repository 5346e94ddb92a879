// Package types defines shared types for the cluster package.
package types

import "context"

// NodeInfo represents a node in the cluster.
type NodeInfo struct {
	// ID is the unique identifier for this node.
	ID string `msgpack:"id" json:"id"`

	// Addr is the address for routing (e.g., "10.0.0.1:7947").
	Addr string `msgpack:"addr" json:"addr"`

	// Meta contains optional metadata about the node.
	Meta map[string]string `msgpack:"meta,omitempty" json:"meta,omitempty"`
}

// Envelope is the unit forwarded between nodes: a topic name and the bytes
// produced by that topic's codec.
type Envelope struct {
	Topic   string `msgpack:"topic"`
	Payload []byte `msgpack:"payload"`

	// Origin is the ID of the publishing node.
	Origin string `msgpack:"origin"`
}

// Membership provides the current view of cluster nodes.
type Membership interface {
	// Start joins the cluster.
	Start(ctx context.Context) error

	// Stop leaves the cluster and releases resources.
	Stop() error

	// NodeID returns this node's identifier.
	NodeID() string

	// LocalNode returns the info this node advertises.
	LocalNode() NodeInfo

	// Nodes returns a snapshot of all known nodes, including this one.
	Nodes(ctx context.Context) ([]NodeInfo, error)
}

// Router handles envelope delivery between cluster nodes.
type Router interface {
	// Start initializes the router.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the router.
	Stop() error

	// Send delivers an envelope to a single node.
	Send(ctx context.Context, node NodeInfo, env *Envelope) error

	// OnReceive sets the handler for envelopes from other nodes.
	OnReceive(handler func(*Envelope))

	// Addr returns the address other nodes use to reach this router.
	Addr() string
}
