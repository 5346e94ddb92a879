// Package redis provides a Redis pub/sub based Router.
//
// Every node subscribes to its own channel; sending to a node publishes the
// msgpack encoded envelope on that node's channel.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/bromq-dev/streams/pkg/cluster/types"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Router implements types.Router using Redis pub/sub for messaging.
type Router struct {
	client     redis.UniversalClient
	ownsClient bool
	nodeID     string
	keyPrefix  string

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	handler func(*types.Envelope)

	log *slog.Logger
}

// Config configures the Redis router.
type Config struct {
	// Addr is the Redis server address (default: "localhost:6379").
	Addr string

	// Addrs is a list of addresses for cluster mode.
	Addrs []string

	// Password for authentication.
	Password string

	// DB is the database number (ignored in cluster mode).
	DB int

	// KeyPrefix is prepended to channel names (default: "streams:").
	KeyPrefix string

	// NodeID uniquely identifies this node. Defaults to hostname.
	NodeID string

	// Client allows providing a pre-configured Redis client. The router does
	// not close a provided client.
	Client redis.UniversalClient

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewRouter creates a new Redis pub/sub router.
func NewRouter(cfg *Config) (*Router, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.NodeID == "" {
		hostname, _ := os.Hostname()
		cfg.NodeID = hostname
	}
	if cfg.Addr == "" && len(cfg.Addrs) == 0 && cfg.Client == nil {
		cfg.Addr = "localhost:6379"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "streams:"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	owns := cfg.Client == nil
	client := cfg.Client
	if client == nil {
		if len(cfg.Addrs) > 0 {
			client = redis.NewClusterClient(&redis.ClusterOptions{
				Addrs:    cfg.Addrs,
				Password: cfg.Password,
			})
		} else {
			client = redis.NewClient(&redis.Options{
				Addr:     cfg.Addr,
				Password: cfg.Password,
				DB:       cfg.DB,
			})
		}
	}

	return &Router{
		client:     client,
		ownsClient: owns,
		nodeID:     cfg.NodeID,
		keyPrefix:  cfg.KeyPrefix,
		log:        cfg.Logger,
	}, nil
}

func (r *Router) Start(ctx context.Context) error {
	// Subscribe to this node's channel and wait for the confirmation, so
	// nothing sent after Start returns is missed
	r.pubsub = r.client.Subscribe(ctx, r.channelKey(r.nodeID))
	if _, err := r.pubsub.Receive(ctx); err != nil {
		r.pubsub.Close()
		return fmt.Errorf("redis router: subscribe: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go r.listen(listenCtx)

	r.log.Info("redis router started", "node_id", r.nodeID, "channel", r.channelKey(r.nodeID))
	return nil
}

func (r *Router) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	var err error
	if r.pubsub != nil {
		err = r.pubsub.Close()
	}
	r.wg.Wait()
	if r.ownsClient {
		if cerr := r.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (r *Router) channelKey(nodeID string) string {
	return r.keyPrefix + "fanout:" + nodeID
}

// Addr returns the node ID; nodes are addressed by their channel.
func (r *Router) Addr() string {
	return r.nodeID
}

func (r *Router) Send(ctx context.Context, node types.NodeInfo, env *types.Envelope) error {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channelKey(node.ID), data).Err()
}

func (r *Router) OnReceive(handler func(*types.Envelope)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

func (r *Router) listen(ctx context.Context) {
	defer r.wg.Done()

	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handleMessage(msg.Payload)
		}
	}
}

func (r *Router) handleMessage(data string) {
	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()
	if handler == nil {
		return
	}

	var env types.Envelope
	if err := msgpack.Unmarshal([]byte(data), &env); err != nil {
		r.log.Debug("invalid envelope", "error", err)
		return
	}
	handler(&env)
}

// Client returns the underlying Redis client.
func (r *Router) Client() redis.UniversalClient {
	return r.client
}

// Verify interface implementation
var _ types.Router = (*Router)(nil)
