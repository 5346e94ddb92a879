// Package consul provides a membership view backed by the Consul catalog.
//
// Each node registers itself as an instance of a Consul service with a TTL
// health check that it keeps passing. The view is the set of passing
// instances, followed with blocking health queries.
package consul

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bromq-dev/streams/pkg/cluster/types"
	"github.com/hashicorp/consul/api"
)

const metaNodeID = "node_id"

var serviceIDForbiddenChars = regexp.MustCompile("[^0-9A-Za-z-]+")

// Config configures the Consul store.
type Config struct {
	// NodeID uniquely identifies this node. Defaults to hostname.
	NodeID string

	// Service is the Consul service name shared by all nodes. Default: "streams".
	Service string

	// Tag filters the service instances of this cluster. Optional.
	Tag string

	// RoutingAddr is the "host:port" advertised for routing. Required.
	RoutingAddr string

	// Meta is registered as service metadata.
	Meta map[string]string

	// Address of the Consul agent. Default: from CONSUL_HTTP_ADDR or "127.0.0.1:8500".
	Address string

	// Token is the Consul ACL token.
	Token string

	// Client allows providing a pre-configured Consul client.
	Client *api.Client

	// CheckTTL is the TTL of the health check. Default: 10s.
	CheckTTL time.Duration

	// HeartbeatInterval is how often the check is marked passing. Default: 3s.
	HeartbeatInterval time.Duration

	// WaitTime bounds each blocking query. Default: 30s.
	WaitTime time.Duration

	// RetryInterval is the pause after a failed or non-blocking query. Default: 1s.
	RetryInterval time.Duration

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Store implements types.Membership using Consul.
type Store struct {
	cfg       *Config
	client    *api.Client
	serviceID string
	checkID   string
	host      string
	port      int

	nodesMu sync.RWMutex
	nodes   []types.NodeInfo
	index   uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// NewStore creates a new Consul-backed store.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.NodeID == "" {
		hostname, _ := os.Hostname()
		cfg.NodeID = hostname
	}
	if cfg.Service == "" {
		cfg.Service = "streams"
	}
	if cfg.CheckTTL == 0 {
		cfg.CheckTTL = 10 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.WaitTime == 0 {
		cfg.WaitTime = 30 * time.Second
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	host, portStr, err := net.SplitHostPort(cfg.RoutingAddr)
	if err != nil {
		return nil, fmt.Errorf("consul store: routing address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("consul store: routing port: %w", err)
	}

	client := cfg.Client
	if client == nil {
		apiCfg := api.DefaultConfig()
		if cfg.Address != "" {
			apiCfg.Address = cfg.Address
		}
		if cfg.Token != "" {
			apiCfg.Token = cfg.Token
		}
		client, err = api.NewClient(apiCfg)
		if err != nil {
			return nil, fmt.Errorf("consul client: %w", err)
		}
	}

	serviceID := serviceIDForbiddenChars.ReplaceAllString(cfg.Service+"-"+cfg.NodeID, "-")

	return &Store{
		cfg:       cfg,
		client:    client,
		serviceID: serviceID,
		checkID:   "service:" + serviceID,
		host:      host,
		port:      port,
		log:       cfg.Logger,
	}, nil
}

func (s *Store) Start(ctx context.Context) error {
	meta := map[string]string{metaNodeID: s.cfg.NodeID}
	for k, v := range s.cfg.Meta {
		meta[k] = v
	}

	reg := &api.AgentServiceRegistration{
		ID:      s.serviceID,
		Name:    s.cfg.Service,
		Address: s.host,
		Port:    s.port,
		Meta:    meta,
		Check: &api.AgentServiceCheck{
			CheckID:                        s.checkID,
			TTL:                            s.cfg.CheckTTL.String(),
			Status:                         api.HealthPassing,
			DeregisterCriticalServiceAfter: (10 * s.cfg.CheckTTL).String(),
		},
	}
	if s.cfg.Tag != "" {
		reg.Tags = []string{s.cfg.Tag}
	}

	err := s.client.Agent().ServiceRegisterOpts(reg, api.ServiceRegisterOpts{
		ReplaceExistingChecks: true,
	})
	if err != nil {
		return fmt.Errorf("consul register: %w", err)
	}

	if err := s.query(ctx, 0); err != nil {
		s.log.Warn("initial consul query failed", "error", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.heartbeatLoop(loopCtx)
	go s.watchLoop(loopCtx)

	s.log.Info("consul store started",
		"node_id", s.cfg.NodeID,
		"service", s.cfg.Service,
		"service_id", s.serviceID,
	)
	return nil
}

func (s *Store) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err := s.client.Agent().ServiceDeregister(s.serviceID); err != nil {
		return fmt.Errorf("consul deregister: %w", err)
	}
	return nil
}

func (s *Store) NodeID() string {
	return s.cfg.NodeID
}

func (s *Store) LocalNode() types.NodeInfo {
	return types.NodeInfo{ID: s.cfg.NodeID, Addr: s.cfg.RoutingAddr, Meta: s.cfg.Meta}
}

// Nodes returns the passing instances from the last query, sorted by ID.
func (s *Store) Nodes(ctx context.Context) ([]types.NodeInfo, error) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	return append([]types.NodeInfo(nil), s.nodes...), nil
}

func (s *Store) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.Agent().UpdateTTL(s.checkID, "", api.HealthPassing); err != nil {
				s.log.Warn("consul ttl update failed", "error", err)
			}
		}
	}
}

func (s *Store) watchLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.nodesMu.RLock()
		index := s.index
		s.nodesMu.RUnlock()

		start := time.Now()
		err := s.query(ctx, index)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Warn("consul health query failed", "error", err)
		}

		// Blocking queries return early on errors or from agents that do not block
		if err != nil || time.Since(start) < s.cfg.RetryInterval {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.RetryInterval):
			}
		}
	}
}

func (s *Store) query(ctx context.Context, index uint64) error {
	q := &api.QueryOptions{WaitIndex: index, WaitTime: s.cfg.WaitTime}
	entries, meta, err := s.client.Health().Service(s.cfg.Service, s.cfg.Tag, true, q.WithContext(ctx))
	if err != nil {
		return err
	}

	nodes := make([]types.NodeInfo, 0, len(entries))
	for _, entry := range entries {
		svc := entry.Service
		id := svc.Meta[metaNodeID]
		if id == "" {
			id = svc.ID
		}
		addr := svc.Address
		if addr == "" {
			addr = entry.Node.Address
		}
		nodes = append(nodes, types.NodeInfo{
			ID:   id,
			Addr: net.JoinHostPort(addr, strconv.Itoa(svc.Port)),
			Meta: svc.Meta,
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	s.nodesMu.Lock()
	s.nodes = nodes
	// Consul may reset the index; restart from zero then
	if meta.LastIndex < s.index {
		s.index = 0
	} else {
		s.index = meta.LastIndex
	}
	s.nodesMu.Unlock()
	return nil
}

// Verify interface implementation
var _ types.Membership = (*Store)(nil)
