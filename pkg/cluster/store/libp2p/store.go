// Package libp2p provides a membership view over a libp2p gossipsub topic.
//
// Every node periodically announces its peer ID and addresses on a shared
// topic. A peer is part of the view while its announcements keep arriving;
// it drops out after PeerTTL of silence or when it announces it is leaving.
package libp2p

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bromq-dev/streams/pkg/cluster/types"
	golibp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultTopic is the gossipsub topic carrying announcements.
const DefaultTopic = "/streams/members/1.0.0"

// Config configures the libp2p store.
type Config struct {
	// Host is the libp2p host of this node. Required.
	Host host.Host

	// PubSub is the gossipsub router attached to Host. Required.
	PubSub *pubsub.PubSub

	// Topic is the announcement topic. Default: DefaultTopic.
	Topic string

	// Bootstrap lists full peer multiaddrs (with /p2p/<id>) to dial on Start.
	Bootstrap []string

	// Meta is announced with the node.
	Meta map[string]string

	// AnnounceInterval is how often this node announces itself. Default: 5s.
	AnnounceInterval time.Duration

	// PeerTTL is how long a peer stays in the view without announcing.
	// Default: 3 * AnnounceInterval.
	PeerTTL time.Duration

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

type announcement struct {
	PeerID    string            `msgpack:"peer_id"`
	Addrs     []string          `msgpack:"addrs"`
	Meta      map[string]string `msgpack:"meta,omitempty"`
	Timestamp int64             `msgpack:"ts"`
	Leaving   bool              `msgpack:"leaving,omitempty"`
}

type peerEntry struct {
	info     types.NodeInfo
	lastSeen time.Time
}

// Store implements types.Membership with gossipsub announcements.
type Store struct {
	cfg  *Config
	host host.Host
	ps   *pubsub.PubSub

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	mu    sync.RWMutex
	peers map[string]*peerEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// NewStore creates a new libp2p store.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil || cfg.Host == nil || cfg.PubSub == nil {
		return nil, errors.New("libp2p store: host and pubsub are required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.AnnounceInterval == 0 {
		cfg.AnnounceInterval = 5 * time.Second
	}
	if cfg.PeerTTL == 0 {
		cfg.PeerTTL = 3 * cfg.AnnounceInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Store{
		cfg:   cfg,
		host:  cfg.Host,
		ps:    cfg.PubSub,
		peers: make(map[string]*peerEntry),
		log:   cfg.Logger,
	}, nil
}

func (s *Store) Start(ctx context.Context) error {
	topic, err := s.ps.Join(s.cfg.Topic)
	if err != nil {
		return fmt.Errorf("join %s: %w", s.cfg.Topic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("subscribe %s: %w", s.cfg.Topic, err)
	}
	s.topic = topic
	s.sub = sub

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.connectBootstrap(ctx)

	s.wg.Add(2)
	go s.readLoop(loopCtx)
	go s.announceLoop(loopCtx)

	s.log.Info("libp2p store started",
		"node_id", s.NodeID(),
		"topic", s.cfg.Topic,
		"addrs", len(s.host.Addrs()),
	)
	return nil
}

func (s *Store) Stop() error {
	if s.cancel == nil {
		return nil
	}

	// Best effort: let peers drop us before our TTL expires
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	s.publish(ctx, true)
	cancel()

	s.cancel()
	s.sub.Cancel()
	s.wg.Wait()
	if err := s.topic.Close(); err != nil {
		s.log.Debug("failed to close announcement topic", "error", err)
	}
	return nil
}

// NodeID returns this node's peer ID.
func (s *Store) NodeID() string {
	return s.host.ID().String()
}

func (s *Store) LocalNode() types.NodeInfo {
	addrs := s.fullAddrs()
	info := types.NodeInfo{ID: s.NodeID(), Meta: s.cfg.Meta}
	if len(addrs) > 0 {
		info.Addr = addrs[0]
	}
	return info
}

// Nodes returns this node and every peer heard from within PeerTTL.
func (s *Store) Nodes(ctx context.Context) ([]types.NodeInfo, error) {
	cutoff := time.Now().Add(-s.cfg.PeerTTL)

	s.mu.RLock()
	nodes := make([]types.NodeInfo, 0, len(s.peers)+1)
	nodes = append(nodes, s.LocalNode())
	for _, p := range s.peers {
		if p.lastSeen.After(cutoff) {
			nodes = append(nodes, p.info)
		}
	}
	s.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (s *Store) fullAddrs() []string {
	suffix, err := ma.NewMultiaddr("/p2p/" + s.host.ID().String())
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(s.host.Addrs()))
	for _, addr := range s.host.Addrs() {
		out = append(out, addr.Encapsulate(suffix).String())
	}
	return out
}

func (s *Store) connectBootstrap(ctx context.Context) {
	for _, raw := range s.cfg.Bootstrap {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			s.log.Warn("skip bootstrap addr", "addr", raw, "error", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			s.log.Warn("skip bootstrap addr", "addr", raw, "error", err)
			continue
		}
		if err := s.host.Connect(ctx, *info); err != nil {
			s.log.Warn("bootstrap connect failed", "peer", info.ID.String(), "error", err)
			continue
		}
		s.log.Debug("connected bootstrap peer", "peer", info.ID.String())
	}
}

func (s *Store) announceLoop(ctx context.Context) {
	defer s.wg.Done()

	s.publish(ctx, false)

	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publish(ctx, false)
			s.expire()
		}
	}
}

func (s *Store) publish(ctx context.Context, leaving bool) {
	data, err := msgpack.Marshal(announcement{
		PeerID:    s.NodeID(),
		Addrs:     s.fullAddrs(),
		Meta:      s.cfg.Meta,
		Timestamp: time.Now().UnixMilli(),
		Leaving:   leaving,
	})
	if err != nil {
		s.log.Debug("failed to marshal announcement", "error", err)
		return
	}
	if err := s.topic.Publish(ctx, data); err != nil && ctx.Err() == nil {
		s.log.Debug("failed to publish announcement", "error", err)
	}
}

func (s *Store) readLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == s.host.ID() {
			continue
		}
		if s.handle(ctx, msg.Data) {
			// A new peer is in sight; answer with our own announcement
			s.publish(ctx, false)
		}
	}
}

// handle applies an announcement and reports whether it introduced a peer.
func (s *Store) handle(ctx context.Context, data []byte) bool {
	var a announcement
	if err := msgpack.Unmarshal(data, &a); err != nil {
		s.log.Debug("invalid announcement", "error", err)
		return false
	}
	if a.PeerID == s.NodeID() {
		return false
	}
	// Ignore stale announcements
	if time.Since(time.UnixMilli(a.Timestamp)) > s.cfg.PeerTTL {
		return false
	}

	pid, err := peer.Decode(a.PeerID)
	if err != nil {
		s.log.Debug("invalid peer ID in announcement", "error", err)
		return false
	}

	if a.Leaving {
		s.mu.Lock()
		delete(s.peers, a.PeerID)
		s.mu.Unlock()
		s.log.Info("node left", "node", a.PeerID)
		return false
	}

	var addrs []ma.Multiaddr
	for _, raw := range a.Addrs {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			continue
		}
		// Peerstore wants transport addrs without the /p2p component
		transport, _ := peer.SplitAddr(addr)
		if transport != nil {
			addrs = append(addrs, transport)
		}
	}
	if len(addrs) > 0 {
		s.host.Peerstore().AddAddrs(pid, addrs, s.cfg.PeerTTL)
	}

	info := types.NodeInfo{ID: a.PeerID, Meta: a.Meta}
	if len(a.Addrs) > 0 {
		info.Addr = a.Addrs[0]
	}

	s.mu.Lock()
	_, known := s.peers[a.PeerID]
	s.peers[a.PeerID] = &peerEntry{info: info, lastSeen: time.Now()}
	s.mu.Unlock()

	if !known {
		s.log.Info("node joined", "node", a.PeerID)
		if s.host.Network().Connectedness(pid) != network.Connected && len(addrs) > 0 {
			connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := s.host.Connect(connectCtx, peer.AddrInfo{ID: pid, Addrs: addrs}); err != nil {
				s.log.Debug("failed to connect to announced peer", "peer", a.PeerID, "error", err)
			}
			cancel()
		}
	}
	return !known
}

func (s *Store) expire() {
	cutoff := time.Now().Add(-s.cfg.PeerTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.peers {
		if p.lastSeen.Before(cutoff) {
			delete(s.peers, id)
			s.log.Info("node expired", "node", id)
		}
	}
}

// HostConfig configures NewHost.
type HostConfig struct {
	// ListenAddrs are multiaddrs to listen on. Default: "/ip4/0.0.0.0/tcp/0".
	ListenAddrs []string

	// IdentityKeyFile persists the node's private key. If empty, a fresh
	// identity is generated on every start.
	IdentityKeyFile string
}

// NewHost creates a libp2p host and a gossipsub router on it.
func NewHost(ctx context.Context, cfg *HostConfig) (host.Host, *pubsub.PubSub, error) {
	if cfg == nil {
		cfg = &HostConfig{}
	}

	listenAddrs := make([]ma.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, raw := range cfg.ListenAddrs {
		if raw == "" {
			continue
		}
		a, err := ma.NewMultiaddr(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid listen multiaddr %q: %w", raw, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	opts := []golibp2p.Option{golibp2p.ListenAddrs(listenAddrs...)}
	if cfg.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(cfg.IdentityKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load identity key: %w", err)
		}
		opts = append(opts, golibp2p.Identity(key))
	}

	h, err := golibp2p.New(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, nil, fmt.Errorf("create gossipsub: %w", err)
	}
	return h, ps, nil
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}

// Verify interface implementation
var _ types.Membership = (*Store)(nil)
