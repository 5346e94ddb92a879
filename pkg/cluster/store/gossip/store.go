// Package gossip provides a gossip-based membership view using HashiCorp memberlist.
package gossip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bromq-dev/streams/pkg/cluster/types"
	"github.com/hashicorp/memberlist"
)

// Store implements types.Membership using memberlist.
// Each node gossips its routing address in its node metadata.
type Store struct {
	cfg    *Config
	nodeID string

	memberlist *memberlist.Memberlist

	// Node registry, maintained from memberlist events
	nodesMu sync.RWMutex
	nodes   map[string]types.NodeInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// Config configures the gossip store.
type Config struct {
	// NodeID uniquely identifies this node. Defaults to hostname.
	NodeID string

	// BindAddr is the address to bind for gossip. Default: "0.0.0.0".
	BindAddr string

	// BindPort is the port for gossip protocol. Default: 7946.
	BindPort int

	// AdvertiseAddr is the address to advertise to other nodes.
	// If empty, auto-detected.
	AdvertiseAddr string

	// AdvertisePort is the port to advertise. Default: same as BindPort.
	AdvertisePort int

	// RoutingAddr is the address other nodes use to reach this node's router
	// (e.g., "node1:7947"). If empty, falls back to AdvertiseAddr, then NodeID.
	RoutingAddr string

	// Meta is advertised alongside the routing address.
	Meta map[string]string

	// JoinAddrs is a list of existing nodes to join. Format: "host:port".
	JoinAddrs []string

	// DNSName for DNS-based discovery (K8s headless service).
	DNSName string

	// DNSRefreshInterval is how often to refresh DNS. Default: 30s.
	DNSRefreshInterval time.Duration

	// Profile selects memberlist timings: "lan" (default), "wan" or "local".
	Profile string

	// LeaveTimeout bounds the graceful leave on Stop. Default: 5s.
	LeaveTimeout time.Duration

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewStore creates a new gossip-based store.
func NewStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.NodeID == "" {
		hostname, _ := os.Hostname()
		cfg.NodeID = hostname
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0"
	}
	if cfg.BindPort == 0 {
		cfg.BindPort = 7946
	}
	if cfg.AdvertisePort == 0 {
		cfg.AdvertisePort = cfg.BindPort
	}
	if cfg.DNSRefreshInterval == 0 {
		cfg.DNSRefreshInterval = 30 * time.Second
	}
	if cfg.LeaveTimeout == 0 {
		cfg.LeaveTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Store{
		cfg:    cfg,
		nodeID: cfg.NodeID,
		nodes:  make(map[string]types.NodeInfo),
		log:    cfg.Logger,
	}
}

func (s *Store) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	var mlCfg *memberlist.Config
	switch s.cfg.Profile {
	case "wan":
		mlCfg = memberlist.DefaultWANConfig()
	case "local":
		mlCfg = memberlist.DefaultLocalConfig()
	default:
		mlCfg = memberlist.DefaultLANConfig()
	}
	mlCfg.Name = s.nodeID
	mlCfg.BindAddr = s.cfg.BindAddr
	mlCfg.BindPort = s.cfg.BindPort
	mlCfg.AdvertisePort = s.cfg.AdvertisePort
	if s.cfg.AdvertiseAddr != "" {
		mlCfg.AdvertiseAddr = s.cfg.AdvertiseAddr
	}
	mlCfg.Logger = slog.NewLogLogger(s.log.Handler(), slog.LevelDebug)

	mlCfg.Delegate = &gossipDelegate{store: s}
	mlCfg.Events = &gossipEvents{store: s}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("memberlist create: %w", err)
	}
	s.memberlist = ml

	// Join cluster
	if err := s.joinCluster(); err != nil {
		s.log.Warn("failed to join cluster, starting as single node", "error", err)
	}

	// DNS refresh loop
	if s.cfg.DNSName != "" {
		s.wg.Add(1)
		go s.dnsRefreshLoop(ctx)
	}

	s.log.Info("gossip store started",
		"node_id", s.nodeID,
		"bind", fmt.Sprintf("%s:%d", s.cfg.BindAddr, s.cfg.BindPort),
		"routing_addr", s.routingAddr(),
	)

	return nil
}

func (s *Store) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(s.cfg.LeaveTimeout); err != nil {
		s.log.Warn("failed to leave cluster", "error", err)
	}
	return s.memberlist.Shutdown()
}

func (s *Store) NodeID() string {
	return s.nodeID
}

func (s *Store) LocalNode() types.NodeInfo {
	return types.NodeInfo{
		ID:   s.nodeID,
		Addr: s.routingAddr(),
		Meta: s.cfg.Meta,
	}
}

// Nodes returns the live members, sorted by ID.
func (s *Store) Nodes(ctx context.Context) ([]types.NodeInfo, error) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()

	result := make([]types.NodeInfo, 0, len(s.nodes))
	for _, info := range s.nodes {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Members returns the number of live gossip members.
func (s *Store) Members() int {
	if s.memberlist == nil {
		return 0
	}
	return s.memberlist.NumMembers()
}

// Addr returns the bound gossip address, useful as a join address.
func (s *Store) Addr() string {
	if s.memberlist == nil {
		return ""
	}
	n := s.memberlist.LocalNode()
	return net.JoinHostPort(n.Addr.String(), fmt.Sprint(n.Port))
}

func (s *Store) routingAddr() string {
	// Use explicitly configured routing address (preferred)
	if s.cfg.RoutingAddr != "" {
		return s.cfg.RoutingAddr
	}
	// Fallback to advertise address if set
	if s.cfg.AdvertiseAddr != "" {
		return s.cfg.AdvertiseAddr
	}
	// Fallback to node ID (works in Docker/K8s where hostname is routable)
	return s.nodeID
}

func (s *Store) joinCluster() error {
	var addrs []string

	// Try DNS first
	if s.cfg.DNSName != "" {
		ips, err := net.LookupHost(s.cfg.DNSName)
		if err == nil {
			for _, ip := range ips {
				addrs = append(addrs, net.JoinHostPort(ip, fmt.Sprint(s.cfg.BindPort)))
			}
		}
	}

	// Fall back to static list
	if len(addrs) == 0 {
		addrs = s.cfg.JoinAddrs
	}

	if len(addrs) == 0 {
		return nil // Single node
	}

	_, err := s.memberlist.Join(addrs)
	return err
}

func (s *Store) dnsRefreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DNSRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.joinCluster(); err != nil {
				s.log.Debug("dns rejoin failed", "dns", s.cfg.DNSName, "error", err)
			}
		}
	}
}

func (s *Store) setNode(info types.NodeInfo) {
	s.nodesMu.Lock()
	s.nodes[info.ID] = info
	s.nodesMu.Unlock()
}

func (s *Store) removeNode(id string) {
	s.nodesMu.Lock()
	delete(s.nodes, id)
	s.nodesMu.Unlock()
}

// Verify interface implementation
var _ types.Membership = (*Store)(nil)
