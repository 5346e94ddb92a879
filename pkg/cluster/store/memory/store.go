// Package memory provides an in-memory membership view.
//
// Nodes sharing a Group see each other, which lets several nodes run in one
// process for tests and examples. A Store without a Group is a single-node
// view.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/bromq-dev/streams/pkg/cluster/types"
)

// Group is a shared node list.
type Group struct {
	mu    sync.RWMutex
	nodes map[string]types.NodeInfo
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{nodes: make(map[string]types.NodeInfo)}
}

// Add puts node in the group, replacing any node with the same ID.
func (g *Group) Add(node types.NodeInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[node.ID] = node
}

// Remove drops the node with the given ID.
func (g *Group) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
}

// Nodes returns the group members sorted by ID.
func (g *Group) Nodes() []types.NodeInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]types.NodeInfo, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Config configures the memory store.
type Config struct {
	// NodeID is the unique identifier for this node.
	// If empty, defaults to "local".
	NodeID string

	// Addr is the routing address advertised for this node.
	Addr string

	// Meta is advertised with the node.
	Meta map[string]string

	// Group is shared with the other nodes of the cluster. If nil, the store
	// has a private group.
	Group *Group

	// Peers are added to the group on Start, as static seeds.
	Peers []types.NodeInfo
}

// Store implements types.Membership over a Group.
type Store struct {
	local types.NodeInfo
	group *Group
	peers []types.NodeInfo
}

// NewStore creates a new in-memory store.
func NewStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = &Config{}
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = "local"
	}
	group := cfg.Group
	if group == nil {
		group = NewGroup()
	}
	return &Store{
		local: types.NodeInfo{ID: nodeID, Addr: cfg.Addr, Meta: cfg.Meta},
		group: group,
		peers: cfg.Peers,
	}
}

func (s *Store) Start(ctx context.Context) error {
	for _, p := range s.peers {
		s.group.Add(p)
	}
	s.group.Add(s.local)
	return nil
}

func (s *Store) Stop() error {
	s.group.Remove(s.local.ID)
	return nil
}

func (s *Store) NodeID() string {
	return s.local.ID
}

func (s *Store) LocalNode() types.NodeInfo {
	return s.local
}

func (s *Store) Nodes(ctx context.Context) ([]types.NodeInfo, error) {
	return s.group.Nodes(), nil
}

// Add adds a node to this store's view.
func (s *Store) Add(node types.NodeInfo) {
	s.group.Add(node)
}

// Remove removes a node from this store's view.
func (s *Store) Remove(id string) {
	s.group.Remove(id)
}

// Group returns the group backing this store.
func (s *Store) Group() *Group {
	return s.group
}

// Verify interface implementation
var _ types.Membership = (*Store)(nil)
