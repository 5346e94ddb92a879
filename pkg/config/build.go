package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bromq-dev/streams/pkg/cluster"
)

// NewLogger builds the process logger described by the logging section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Logging.Level)}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// BuildCluster creates the cluster bundle selected by cluster.mode. The
// returned cluster is not started.
func (c *Config) BuildCluster(ctx context.Context, logger *slog.Logger) (*cluster.Cluster, error) {
	cc := c.Cluster
	id := c.Node.ID

	switch cc.Mode {
	case ModeLocal, "":
		return cluster.NewLocalCluster(), nil

	case ModeGossip:
		return cluster.NewGossipCluster(&cluster.GossipConfig{
			NodeID:             id,
			GossipAddr:         cc.Gossip.BindAddr,
			GossipPort:         cc.Gossip.Port,
			AdvertiseAddr:      cc.Gossip.AdvertiseAddr,
			GRPCAddr:           cc.GRPC.Addr,
			RoutingAddr:        cc.RoutingAddr,
			JoinAddrs:          cc.Gossip.Join,
			DNSName:            cc.Gossip.DNSName,
			DNSRefreshInterval: cc.Gossip.DNSRefreshInterval,
			Profile:            cc.Gossip.Profile,
			Logger:             logger,
		}), nil

	case ModeWebsocket:
		return cluster.NewWebsocketCluster(&cluster.WebsocketConfig{
			NodeID:      id,
			GossipAddr:  cc.Gossip.BindAddr,
			GossipPort:  cc.Gossip.Port,
			WSAddr:      cc.Websocket.Addr,
			Path:        cc.Websocket.Path,
			RoutingAddr: cc.RoutingAddr,
			JoinAddrs:   cc.Gossip.Join,
			Profile:     cc.Gossip.Profile,
			Logger:      logger,
		}), nil

	case ModeRedis:
		return cluster.NewRedisCluster(&cluster.RedisConfig{
			NodeID:            id,
			Addr:              cc.Redis.Addr,
			Addrs:             cc.Redis.Addrs,
			Password:          cc.Redis.Password,
			DB:                cc.Redis.DB,
			KeyPrefix:         cc.Redis.KeyPrefix,
			HeartbeatInterval: cc.Redis.HeartbeatInterval,
			NodeTTL:           cc.Redis.NodeTTL,
			Logger:            logger,
		})

	case ModeHybrid:
		return cluster.NewHybridCluster(&cluster.HybridConfig{
			NodeID:            id,
			RedisAddr:         cc.Redis.Addr,
			RedisAddrs:        cc.Redis.Addrs,
			RedisPassword:     cc.Redis.Password,
			RedisDB:           cc.Redis.DB,
			RedisPrefix:       cc.Redis.KeyPrefix,
			GRPCAddr:          cc.GRPC.Addr,
			RoutingAddr:       cc.RoutingAddr,
			HeartbeatInterval: cc.Redis.HeartbeatInterval,
			NodeTTL:           cc.Redis.NodeTTL,
			Logger:            logger,
		})

	case ModeConsul:
		return cluster.NewConsulCluster(&cluster.ConsulConfig{
			NodeID:      id,
			ConsulAddr:  cc.Consul.Addr,
			Token:       cc.Consul.Token,
			Service:     cc.Consul.Service,
			Tag:         cc.Consul.Tag,
			GRPCAddr:    cc.GRPC.Addr,
			RoutingAddr: cc.RoutingAddr,
			Logger:      logger,
		})

	case ModeLibp2p:
		return cluster.NewLibp2pCluster(ctx, &cluster.Libp2pConfig{
			ListenAddrs:      cc.Libp2p.ListenAddrs,
			Bootstrap:        cc.Libp2p.Bootstrap,
			IdentityKeyFile:  cc.Libp2p.IdentityKeyFile,
			Topic:            cc.Libp2p.Topic,
			AnnounceInterval: cc.Libp2p.AnnounceInterval,
			Logger:           logger,
		})
	}

	return nil, fmt.Errorf("unknown cluster mode %q", cc.Mode)
}
