// Package redis provides a Redis-backed membership view.
//
// Each node keeps a key with a TTL alive by heartbeat. A node that stops
// heartbeating drops out of the view once its key expires.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bromq-dev/streams/pkg/cluster/types"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Store implements types.Membership using Redis.
type Store struct {
	client     redis.UniversalClient
	ownsClient bool
	nodeID     string
	addr       string
	meta       map[string]string
	keyPrefix  string

	heartbeatInterval time.Duration
	nodeTTL           time.Duration
	heartbeatCancel   context.CancelFunc
	wg                sync.WaitGroup

	// Node view refreshed on every heartbeat
	nodesMu sync.RWMutex
	nodes   []types.NodeInfo

	log *slog.Logger
}

// Config configures the Redis store.
type Config struct {
	// Addr is the Redis server address (default: "localhost:6379").
	Addr string

	// Addrs is a list of addresses for cluster mode.
	Addrs []string

	// Password for authentication.
	Password string

	// DB is the database number (ignored in cluster mode).
	DB int

	// KeyPrefix is prepended to all keys (default: "streams:").
	KeyPrefix string

	// NodeID uniquely identifies this node. Defaults to hostname.
	NodeID string

	// RoutingAddr is advertised to other nodes for routing.
	RoutingAddr string

	// Meta is advertised with the node.
	Meta map[string]string

	// HeartbeatInterval is how often to refresh node TTL (default: 3s).
	HeartbeatInterval time.Duration

	// NodeTTL is how long before a node is considered dead (default: 10s).
	NodeTTL time.Duration

	// Client allows providing a pre-configured Redis client. The store does
	// not close a provided client.
	Client redis.UniversalClient

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

type nodeRecord struct {
	Addr    string            `msgpack:"addr"`
	Meta    map[string]string `msgpack:"meta,omitempty"`
	Started int64             `msgpack:"started"`
}

// NewStore creates a new Redis-backed store.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.NodeID == "" {
		hostname, _ := os.Hostname()
		cfg.NodeID = hostname
	}
	if cfg.Addr == "" && len(cfg.Addrs) == 0 {
		cfg.Addr = "localhost:6379"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "streams:"
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.NodeTTL == 0 {
		cfg.NodeTTL = 10 * time.Second
	}
	if cfg.NodeTTL <= cfg.HeartbeatInterval {
		return nil, fmt.Errorf("redis store: node TTL %s must exceed heartbeat interval %s", cfg.NodeTTL, cfg.HeartbeatInterval)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client, owns := newClient(cfg.Client, cfg.Addr, cfg.Addrs, cfg.Password, cfg.DB)

	return &Store{
		client:            client,
		ownsClient:        owns,
		nodeID:            cfg.NodeID,
		addr:              cfg.RoutingAddr,
		meta:              cfg.Meta,
		keyPrefix:         cfg.KeyPrefix,
		heartbeatInterval: cfg.HeartbeatInterval,
		nodeTTL:           cfg.NodeTTL,
		log:               cfg.Logger,
	}, nil
}

// newClient returns the provided client or builds one. owns reports whether
// the caller is responsible for closing it.
func newClient(c redis.UniversalClient, addr string, addrs []string, password string, db int) (client redis.UniversalClient, owns bool) {
	if c != nil {
		return c, false
	}
	if len(addrs) > 0 {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Password: password,
		}), true
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), true
}

func (s *Store) Start(ctx context.Context) error {
	// Test connection
	testCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Ping(testCtx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}

	// Register node
	if err := s.registerNode(ctx); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	if err := s.refresh(ctx); err != nil {
		return fmt.Errorf("failed to read nodes: %w", err)
	}

	// Start heartbeat
	s.startHeartbeat()

	s.log.Info("redis store started",
		"node_id", s.nodeID,
		"prefix", s.keyPrefix,
	)

	return nil
}

func (s *Store) Stop() error {
	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
	}
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Del(ctx, s.nodeKey()).Err(); err != nil {
		s.log.Warn("failed to deregister node", "error", err)
	}

	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

func (s *Store) NodeID() string {
	return s.nodeID
}

func (s *Store) LocalNode() types.NodeInfo {
	return types.NodeInfo{ID: s.nodeID, Addr: s.addr, Meta: s.meta}
}

// Nodes returns the view read at the last heartbeat, sorted by ID.
func (s *Store) Nodes(ctx context.Context) ([]types.NodeInfo, error) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	return append([]types.NodeInfo(nil), s.nodes...), nil
}

// Refresh re-reads the node view from Redis immediately.
func (s *Store) Refresh(ctx context.Context) error {
	return s.refresh(ctx)
}

func (s *Store) nodeKey() string {
	return s.nodePrefix() + s.nodeID
}

func (s *Store) nodePrefix() string {
	return s.keyPrefix + "node:"
}

func (s *Store) registerNode(ctx context.Context) error {
	data, err := msgpack.Marshal(nodeRecord{
		Addr:    s.addr,
		Meta:    s.meta,
		Started: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return s.client.SetEx(ctx, s.nodeKey(), data, s.nodeTTL).Err()
}

func (s *Store) startHeartbeat() {
	ctx, cancel := context.WithCancel(context.Background())
	s.heartbeatCancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.heartbeat(ctx)
			}
		}
	}()
}

func (s *Store) heartbeat(ctx context.Context) {
	ok, err := s.client.Expire(ctx, s.nodeKey(), s.nodeTTL).Result()
	switch {
	case err != nil:
		s.log.Warn("heartbeat failed", "error", err)
	case !ok:
		// Key expired while we were partitioned; register again
		if err := s.registerNode(ctx); err != nil {
			s.log.Warn("failed to re-register node", "error", err)
		}
	}

	if err := s.refresh(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("failed to refresh nodes", "error", err)
	}
}

func (s *Store) refresh(ctx context.Context) error {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.nodePrefix()+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if len(keys) > 0 {
		// Individual misses are handled per command below
		_, _ = pipe.Exec(ctx)
	}

	nodes := make([]types.NodeInfo, 0, len(keys))
	for i, key := range keys {
		data, err := cmds[i].Bytes()
		if err != nil {
			continue // expired between scan and get
		}
		var rec nodeRecord
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			s.log.Debug("invalid node record", "key", key, "error", err)
			continue
		}
		nodes = append(nodes, types.NodeInfo{
			ID:   strings.TrimPrefix(key, s.nodePrefix()),
			Addr: rec.Addr,
			Meta: rec.Meta,
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	s.nodesMu.Lock()
	s.nodes = nodes
	s.nodesMu.Unlock()
	return nil
}

// Verify interface implementation
var _ types.Membership = (*Store)(nil)
