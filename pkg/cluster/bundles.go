package cluster

import (
	"context"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/bromq-dev/streams/pkg/cluster/router/grpc"
	libp2prouter "github.com/bromq-dev/streams/pkg/cluster/router/libp2p"
	"github.com/bromq-dev/streams/pkg/cluster/router/noop"
	redisrouter "github.com/bromq-dev/streams/pkg/cluster/router/redis"
	"github.com/bromq-dev/streams/pkg/cluster/router/websocket"
	"github.com/bromq-dev/streams/pkg/cluster/store/consul"
	"github.com/bromq-dev/streams/pkg/cluster/store/gossip"
	libp2pstore "github.com/bromq-dev/streams/pkg/cluster/store/libp2p"
	"github.com/bromq-dev/streams/pkg/cluster/store/memory"
	redisstore "github.com/bromq-dev/streams/pkg/cluster/store/redis"
	"github.com/redis/go-redis/v9"
)

// NewLocalCluster creates a single-node "cluster" with an in-memory view.
// Useful for development and testing.
func NewLocalCluster() *Cluster {
	return New(memory.NewStore(nil), noop.NewRouter())
}

// routingAddr builds the address peers dial: the explicit address if set,
// otherwise the node ID with the port of listenAddr. Hostnames are routable in
// Docker/K8s.
func routingAddr(explicit, nodeID, listenAddr string) string {
	if explicit != "" {
		return explicit
	}
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nodeID
	}
	return net.JoinHostPort(nodeID, port)
}

func defaultNodeID(id string) string {
	if id != "" {
		return id
	}
	hostname, _ := os.Hostname()
	return hostname
}

// GossipConfig configures a gossip-based cluster.
type GossipConfig struct {
	// NodeID uniquely identifies this node. Defaults to hostname.
	NodeID string

	// GossipAddr is the address to bind for gossip. Default: "0.0.0.0".
	GossipAddr string

	// GossipPort is the port for gossip protocol. Default: 7946.
	GossipPort int

	// AdvertiseAddr is the gossip address advertised to other nodes.
	AdvertiseAddr string

	// GRPCAddr is the address to bind for gRPC. Default: ":7947".
	GRPCAddr string

	// RoutingAddr is the gRPC address advertised to peers.
	// Default: NodeID with the gRPC port.
	RoutingAddr string

	// JoinAddrs is a list of existing nodes to join (the seed addresses).
	JoinAddrs []string

	// DNSName for DNS-based discovery (K8s headless service).
	DNSName string

	// DNSRefreshInterval is how often to refresh DNS. Default: 30s.
	DNSRefreshInterval time.Duration

	// Profile selects memberlist timings: "lan" (default), "wan" or "local".
	Profile string

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewGossipCluster creates a cluster using gossip for membership and gRPC
// for routing. This is the recommended configuration for most deployments as
// it requires no external dependencies.
func NewGossipCluster(cfg *GossipConfig) *Cluster {
	if cfg == nil {
		cfg = &GossipConfig{}
	}
	cfg.NodeID = defaultNodeID(cfg.NodeID)
	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = ":7947"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	store := gossip.NewStore(&gossip.Config{
		NodeID:             cfg.NodeID,
		BindAddr:           cfg.GossipAddr,
		BindPort:           cfg.GossipPort,
		AdvertiseAddr:      cfg.AdvertiseAddr,
		RoutingAddr:        routingAddr(cfg.RoutingAddr, cfg.NodeID, cfg.GRPCAddr),
		JoinAddrs:          cfg.JoinAddrs,
		DNSName:            cfg.DNSName,
		DNSRefreshInterval: cfg.DNSRefreshInterval,
		Profile:            cfg.Profile,
		Logger:             cfg.Logger,
	})

	router := grpc.NewRouter(&grpc.Config{
		ListenAddr:    cfg.GRPCAddr,
		AdvertiseAddr: cfg.RoutingAddr,
		Logger:        cfg.Logger,
	})

	return New(store, router, WithLogger(cfg.Logger))
}

// WebsocketConfig configures a gossip + WebSocket cluster.
type WebsocketConfig struct {
	// NodeID uniquely identifies this node. Defaults to hostname.
	NodeID string

	// GossipAddr is the address to bind for gossip. Default: "0.0.0.0".
	GossipAddr string

	// GossipPort is the port for gossip protocol. Default: 7946.
	GossipPort int

	// WSAddr is the address to bind for WebSocket. Default: ":7948".
	WSAddr string

	// Path is the WebSocket endpoint. Default: "/streams".
	Path string

	// RoutingAddr is the WebSocket "host:port" advertised to peers.
	// Default: NodeID with the WebSocket port.
	RoutingAddr string

	// JoinAddrs is a list of existing nodes to join.
	JoinAddrs []string

	// Profile selects memberlist timings: "lan" (default), "wan" or "local".
	Profile string

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewWebsocketCluster creates a cluster using gossip for membership and
// WebSocket connections for routing. Useful where only HTTP ports are open.
func NewWebsocketCluster(cfg *WebsocketConfig) *Cluster {
	if cfg == nil {
		cfg = &WebsocketConfig{}
	}
	cfg.NodeID = defaultNodeID(cfg.NodeID)
	if cfg.WSAddr == "" {
		cfg.WSAddr = ":7948"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	store := gossip.NewStore(&gossip.Config{
		NodeID:      cfg.NodeID,
		BindAddr:    cfg.GossipAddr,
		BindPort:    cfg.GossipPort,
		RoutingAddr: routingAddr(cfg.RoutingAddr, cfg.NodeID, cfg.WSAddr),
		JoinAddrs:   cfg.JoinAddrs,
		Profile:     cfg.Profile,
		Logger:      cfg.Logger,
	})

	router := websocket.NewRouter(&websocket.Config{
		ListenAddr:    cfg.WSAddr,
		AdvertiseAddr: cfg.RoutingAddr,
		Path:          cfg.Path,
		Logger:        cfg.Logger,
	})

	return New(store, router, WithLogger(cfg.Logger))
}

// RedisConfig configures a Redis-based cluster.
type RedisConfig struct {
	// NodeID uniquely identifies this node.
	NodeID string

	// Addr is the Redis server address. Default: "localhost:6379".
	Addr string

	// Addrs is a list of addresses for Redis cluster mode.
	Addrs []string

	// Password for Redis authentication.
	Password string

	// DB is the Redis database number. Ignored in cluster mode.
	DB int

	// KeyPrefix is prepended to all keys. Default: "streams:".
	KeyPrefix string

	// HeartbeatInterval is how often to refresh node TTL. Default: 3s.
	HeartbeatInterval time.Duration

	// NodeTTL is how long before a node is considered dead. Default: 10s.
	NodeTTL time.Duration

	// Client allows providing a pre-configured Redis client.
	Client redis.UniversalClient

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewRedisCluster creates a cluster using Redis for both membership and
// routing. Simple deployment with Redis as the only external dependency.
func NewRedisCluster(cfg *RedisConfig) (*Cluster, error) {
	if cfg == nil {
		cfg = &RedisConfig{}
	}
	cfg.NodeID = defaultNodeID(cfg.NodeID)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	store, err := redisstore.NewStore(&redisstore.Config{
		NodeID:            cfg.NodeID,
		RoutingAddr:       cfg.NodeID,
		Addr:              cfg.Addr,
		Addrs:             cfg.Addrs,
		Password:          cfg.Password,
		DB:                cfg.DB,
		KeyPrefix:         cfg.KeyPrefix,
		HeartbeatInterval: cfg.HeartbeatInterval,
		NodeTTL:           cfg.NodeTTL,
		Client:            cfg.Client,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	router, err := redisrouter.NewRouter(&redisrouter.Config{
		NodeID:    cfg.NodeID,
		Addr:      cfg.Addr,
		Addrs:     cfg.Addrs,
		Password:  cfg.Password,
		DB:        cfg.DB,
		KeyPrefix: cfg.KeyPrefix,
		Client:    cfg.Client,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return New(store, router, WithLogger(cfg.Logger)), nil
}

// HybridConfig configures a hybrid cluster (Redis membership + gRPC routing).
type HybridConfig struct {
	// NodeID uniquely identifies this node.
	NodeID string

	// Redis configuration
	RedisAddr     string
	RedisAddrs    []string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisClient   redis.UniversalClient

	// gRPC configuration
	GRPCAddr    string
	RoutingAddr string

	// Node TTL settings
	HeartbeatInterval time.Duration
	NodeTTL           time.Duration

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewHybridCluster creates a cluster using Redis for membership and gRPC for
// routing. This provides faster delivery than pure Redis while keeping Redis
// as the node registry.
func NewHybridCluster(cfg *HybridConfig) (*Cluster, error) {
	if cfg == nil {
		cfg = &HybridConfig{}
	}
	cfg.NodeID = defaultNodeID(cfg.NodeID)
	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = ":7947"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	store, err := redisstore.NewStore(&redisstore.Config{
		NodeID:            cfg.NodeID,
		RoutingAddr:       routingAddr(cfg.RoutingAddr, cfg.NodeID, cfg.GRPCAddr),
		Addr:              cfg.RedisAddr,
		Addrs:             cfg.RedisAddrs,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		KeyPrefix:         cfg.RedisPrefix,
		HeartbeatInterval: cfg.HeartbeatInterval,
		NodeTTL:           cfg.NodeTTL,
		Client:            cfg.RedisClient,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	router := grpc.NewRouter(&grpc.Config{
		ListenAddr:    cfg.GRPCAddr,
		AdvertiseAddr: cfg.RoutingAddr,
		Logger:        cfg.Logger,
	})

	return New(store, router, WithLogger(cfg.Logger)), nil
}

// ConsulConfig configures a Consul + gRPC cluster.
type ConsulConfig struct {
	// NodeID uniquely identifies this node. Defaults to hostname.
	NodeID string

	// ConsulAddr is the Consul agent address. Default: from the environment.
	ConsulAddr string

	// Token is the Consul ACL token.
	Token string

	// Service is the Consul service name. Default: "streams".
	Service string

	// Tag filters the instances of this cluster.
	Tag string

	// GRPCAddr is the address to bind for gRPC. Default: ":7947".
	GRPCAddr string

	// RoutingAddr is the gRPC "host:port" registered in Consul.
	// Default: NodeID with the gRPC port.
	RoutingAddr string

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewConsulCluster creates a cluster using the Consul catalog for membership
// and gRPC for routing.
func NewConsulCluster(cfg *ConsulConfig) (*Cluster, error) {
	if cfg == nil {
		cfg = &ConsulConfig{}
	}
	cfg.NodeID = defaultNodeID(cfg.NodeID)
	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = ":7947"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	addr := routingAddr(cfg.RoutingAddr, cfg.NodeID, cfg.GRPCAddr)

	store, err := consul.NewStore(&consul.Config{
		NodeID:      cfg.NodeID,
		Service:     cfg.Service,
		Tag:         cfg.Tag,
		RoutingAddr: addr,
		Address:     cfg.ConsulAddr,
		Token:       cfg.Token,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	router := grpc.NewRouter(&grpc.Config{
		ListenAddr:    cfg.GRPCAddr,
		AdvertiseAddr: addr,
		Logger:        cfg.Logger,
	})

	return New(store, router, WithLogger(cfg.Logger)), nil
}

// Libp2pConfig configures a libp2p cluster.
type Libp2pConfig struct {
	// ListenAddrs are multiaddrs to listen on. Default: "/ip4/0.0.0.0/tcp/0".
	ListenAddrs []string

	// Bootstrap lists full peer multiaddrs to dial on start (the seeds).
	Bootstrap []string

	// IdentityKeyFile persists the node identity; the node ID is its peer ID.
	IdentityKeyFile string

	// Topic is the announcement topic. Default: "/streams/members/1.0.0".
	Topic string

	// AnnounceInterval is how often the node announces itself. Default: 5s.
	AnnounceInterval time.Duration

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewLibp2pCluster creates a cluster on a fresh libp2p host: gossipsub
// announcements for membership and direct streams for routing. The host
// lives until the cluster is stopped.
func NewLibp2pCluster(ctx context.Context, cfg *Libp2pConfig) (*Cluster, error) {
	if cfg == nil {
		cfg = &Libp2pConfig{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h, ps, err := libp2pstore.NewHost(ctx, &libp2pstore.HostConfig{
		ListenAddrs:     cfg.ListenAddrs,
		IdentityKeyFile: cfg.IdentityKeyFile,
	})
	if err != nil {
		return nil, err
	}

	store, err := libp2pstore.NewStore(&libp2pstore.Config{
		Host:             h,
		PubSub:           ps,
		Topic:            cfg.Topic,
		Bootstrap:        cfg.Bootstrap,
		AnnounceInterval: cfg.AnnounceInterval,
		Logger:           cfg.Logger,
	})
	if err != nil {
		h.Close()
		return nil, err
	}

	router, err := libp2prouter.NewRouter(&libp2prouter.Config{
		Host:   h,
		Logger: cfg.Logger,
	})
	if err != nil {
		h.Close()
		return nil, err
	}

	return New(store, router, WithLogger(cfg.Logger), WithCloser(h.Close)), nil
}
