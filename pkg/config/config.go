// Package config loads the YAML configuration of a stream node.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Cluster modes.
const (
	ModeLocal     = "local"
	ModeGossip    = "gossip"
	ModeWebsocket = "websocket"
	ModeRedis     = "redis"
	ModeHybrid    = "hybrid"
	ModeConsul    = "consul"
	ModeLibp2p    = "libp2p"
)

// Config is the full node configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Topics  []string      `yaml:"topics"` // raw byte topics served by the node
	Stream  StreamConfig  `yaml:"stream"`
	Admin   AdminConfig   `yaml:"admin"`
	Sys     SysConfig     `yaml:"sys"`
	Logging LoggingConfig `yaml:"logging"`
}

// NodeConfig identifies the node.
type NodeConfig struct {
	ID      string `yaml:"id"`      // defaults to hostname
	Version string `yaml:"version"` // reported on the $SYS topic
}

// ClusterConfig selects and configures the cluster bundle.
type ClusterConfig struct {
	Mode        string          `yaml:"mode"`         // local, gossip, websocket, redis, hybrid, consul, libp2p
	RoutingAddr string          `yaml:"routing_addr"` // address advertised to peers
	Gossip      GossipConfig    `yaml:"gossip"`
	GRPC        GRPCConfig      `yaml:"grpc"`
	Websocket   WebsocketConfig `yaml:"websocket"`
	Redis       RedisConfig     `yaml:"redis"`
	Consul      ConsulConfig    `yaml:"consul"`
	Libp2p      Libp2pConfig    `yaml:"libp2p"`
}

// GossipConfig configures memberlist membership.
type GossipConfig struct {
	BindAddr           string        `yaml:"bind_addr"`
	Port               int           `yaml:"port"`
	AdvertiseAddr      string        `yaml:"advertise_addr"`
	Join               []string      `yaml:"join"`
	DNSName            string        `yaml:"dns_name"`
	DNSRefreshInterval time.Duration `yaml:"dns_refresh_interval"`
	Profile            string        `yaml:"profile"` // lan, wan, local
}

// GRPCConfig configures the gRPC router.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// WebsocketConfig configures the WebSocket router.
type WebsocketConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// RedisConfig configures Redis membership and routing.
type RedisConfig struct {
	Addr              string        `yaml:"addr"`
	Addrs             []string      `yaml:"addrs"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	KeyPrefix         string        `yaml:"key_prefix"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	NodeTTL           time.Duration `yaml:"node_ttl"`
}

// ConsulConfig configures Consul membership.
type ConsulConfig struct {
	Addr    string `yaml:"addr"`
	Token   string `yaml:"token"`
	Service string `yaml:"service"`
	Tag     string `yaml:"tag"`
}

// Libp2pConfig configures the libp2p host.
type Libp2pConfig struct {
	ListenAddrs      []string      `yaml:"listen_addrs"`
	Bootstrap        []string      `yaml:"bootstrap"`
	IdentityKeyFile  string        `yaml:"identity_key_file"`
	Topic            string        `yaml:"topic"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
}

// StreamConfig tunes the publish coordinator.
type StreamConfig struct {
	QueueSize int `yaml:"queue_size"` // per-peer outbound queue
}

// AdminConfig configures the HTTP admin API.
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Profiling bool   `yaml:"profiling"` // mounts /debug/pprof
}

// SysConfig configures the $SYS stats reporter.
type SysConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration of a single local node with the admin
// API and stats reporter enabled.
func Default() *Config {
	return &Config{
		Node:    NodeConfig{Version: "1.0.0"},
		Cluster: ClusterConfig{Mode: ModeLocal},
		Stream:  StreamConfig{QueueSize: 1024},
		Admin:   AdminConfig{Enabled: true, Addr: ":8080"},
		Sys:     SysConfig{Enabled: true, Interval: 10 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// DecodeStrict decodes YAML over the defaults and rejects unknown fields.
func DecodeStrict(r io.Reader) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads and validates a config file. An empty path returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	cfg, err := DecodeStrict(f)
	if err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, &Errors{List: errs}
	}
	return cfg, nil
}
