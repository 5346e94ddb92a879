// Package libp2p provides a Router over libp2p streams.
//
// A node opens one long-lived stream per peer on the forward protocol and
// writes msgpack encoded envelopes back to back. The receiving side decodes
// them in order on one goroutine per stream.
package libp2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bromq-dev/streams/pkg/cluster/types"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/vmihailenco/msgpack/v5"
)

// ProtocolID is the stream protocol for forwarded envelopes.
const ProtocolID protocol.ID = "/streams/forward/1.0.0"

// ErrClosed is returned by Send after Stop.
var ErrClosed = errors.New("libp2p: router closed")

// Config configures the libp2p router.
type Config struct {
	// Host is the libp2p host of this node. Required.
	Host host.Host

	// WriteTimeout bounds writing one envelope. Default: 5s.
	WriteTimeout time.Duration

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Router implements types.Router with libp2p streams.
type Router struct {
	cfg  *Config
	host host.Host
	wg   sync.WaitGroup

	handlerMu sync.RWMutex
	handler   func(*types.Envelope)

	mu       sync.Mutex
	closed   bool
	outbound map[peer.ID]*outStream
	inbound  map[network.Stream]struct{}

	log *slog.Logger
}

type outStream struct {
	mu     sync.Mutex
	stream network.Stream
	buf    *bufio.Writer
	enc    *msgpack.Encoder
}

// NewRouter creates a new libp2p router.
func NewRouter(cfg *Config) (*Router, error) {
	if cfg == nil || cfg.Host == nil {
		return nil, errors.New("libp2p router: host is required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		cfg:      cfg,
		host:     cfg.Host,
		outbound: make(map[peer.ID]*outStream),
		inbound:  make(map[network.Stream]struct{}),
		log:      cfg.Logger,
	}, nil
}

func (r *Router) Start(ctx context.Context) error {
	r.host.SetStreamHandler(ProtocolID, r.handleStream)
	r.log.Info("libp2p router started", "peer_id", r.host.ID().String(), "protocol", string(ProtocolID))
	return nil
}

func (r *Router) Stop() error {
	r.host.RemoveStreamHandler(ProtocolID)

	r.mu.Lock()
	r.closed = true
	for id, s := range r.outbound {
		s.stream.Close()
		delete(r.outbound, id)
	}
	for s := range r.inbound {
		s.Reset()
	}
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// Addr returns the first full multiaddr of the host, or its peer ID.
func (r *Router) Addr() string {
	suffix, err := ma.NewMultiaddr("/p2p/" + r.host.ID().String())
	if err != nil || len(r.host.Addrs()) == 0 {
		return r.host.ID().String()
	}
	return r.host.Addrs()[0].Encapsulate(suffix).String()
}

func (r *Router) OnReceive(handler func(*types.Envelope)) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.handler = handler
}

// Send writes env on the peer's stream, opening it on first use. The node ID
// is the peer ID; a full multiaddr in node.Addr is used to dial if needed.
func (r *Router) Send(ctx context.Context, node types.NodeInfo, env *types.Envelope) error {
	pid, err := peer.Decode(node.ID)
	if err != nil {
		return fmt.Errorf("node %s: %w", node.ID, err)
	}

	s, err := r.getStream(ctx, pid, node.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.stream.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	err = s.enc.Encode(env)
	if err == nil {
		err = s.buf.Flush()
	}
	s.mu.Unlock()

	if err != nil {
		r.dropStream(pid, s)
		return fmt.Errorf("write to %s: %w", node.ID, err)
	}
	return nil
}

func (r *Router) getStream(ctx context.Context, pid peer.ID, addr string) (*outStream, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := r.outbound[pid]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	if addr != "" {
		if maddr, err := ma.NewMultiaddr(addr); err == nil {
			if transport, _ := peer.SplitAddr(maddr); transport != nil {
				r.host.Peerstore().AddAddr(pid, transport, time.Hour)
			}
		}
	}

	stream, err := r.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", pid, err)
	}

	buf := bufio.NewWriter(stream)
	s := &outStream{stream: stream, buf: buf, enc: msgpack.NewEncoder(buf)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		stream.Reset()
		return nil, ErrClosed
	}
	if existing, ok := r.outbound[pid]; ok {
		// Lost an open race
		stream.Close()
		return existing, nil
	}
	r.outbound[pid] = s
	return s, nil
}

func (r *Router) dropStream(pid peer.ID, s *outStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outbound[pid] == s {
		delete(r.outbound, pid)
	}
	s.stream.Reset()
}

func (r *Router) handleStream(stream network.Stream) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		stream.Reset()
		return
	}
	r.inbound[stream] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.inbound, stream)
		r.mu.Unlock()
		stream.Close()
	}()

	remote := stream.Conn().RemotePeer().String()
	dec := msgpack.NewDecoder(bufio.NewReader(stream))
	for {
		var env types.Envelope
		if err := dec.Decode(&env); err != nil {
			r.log.Debug("forward stream closed", "peer", remote, "error", err)
			return
		}

		r.handlerMu.RLock()
		handler := r.handler
		r.handlerMu.RUnlock()
		if handler != nil {
			handler(&env)
		}
	}
}

// Verify interface implementation
var _ types.Router = (*Router)(nil)
