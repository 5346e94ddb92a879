// Package grpc provides a gRPC-based Router for direct node-to-node messaging.
//
// Envelopes travel in a unary Forward call encoded with msgpack, so the
// service needs no generated protobuf code.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bromq-dev/streams/pkg/cluster/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Router implements types.Router using gRPC for direct messaging.
type Router struct {
	cfg    *Config
	server *grpc.Server
	addr   string
	wg     sync.WaitGroup

	handlerMu sync.RWMutex
	handler   func(*types.Envelope)

	mu    sync.RWMutex
	conns map[string]*peerConn // nodeID -> connection

	log *slog.Logger
}

type peerConn struct {
	addr string
	conn *grpc.ClientConn
}

// Config configures the gRPC router.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":7947").
	ListenAddr string

	// AdvertiseAddr is returned by Addr. If empty, the bound listen address.
	AdvertiseAddr string

	// CallTimeout bounds a Forward call when the caller's context has no
	// deadline. Default: 5s.
	CallTimeout time.Duration

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewRouter creates a new gRPC router.
func NewRouter(cfg *Config) *Router {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":7947"
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		cfg:   cfg,
		conns: make(map[string]*peerConn),
		log:   cfg.Logger,
	}
}

func (r *Router) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("grpc router: listen: %w", err)
	}
	r.addr = ln.Addr().String()
	if r.cfg.AdvertiseAddr != "" {
		r.addr = r.cfg.AdvertiseAddr
	}

	r.server = grpc.NewServer()
	RegisterForwarderServer(r.server, &forwarderServer{router: r})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			r.log.Error("grpc server error", "error", err)
		}
	}()

	r.log.Info("grpc router started", "addr", ln.Addr().String())
	return nil
}

func (r *Router) Stop() error {
	if r.server != nil {
		r.server.GracefulStop()
		r.wg.Wait()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pc := range r.conns {
		pc.conn.Close()
	}
	r.conns = make(map[string]*peerConn)

	return nil
}

// Addr returns the advertised routing address.
func (r *Router) Addr() string {
	return r.addr
}

func (r *Router) Send(ctx context.Context, node types.NodeInfo, env *types.Envelope) error {
	conn, err := r.getConn(node)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
	}

	client := NewForwarderClient(conn)
	_, err = client.Forward(ctx, env)
	return err
}

func (r *Router) getConn(node types.NodeInfo) (*grpc.ClientConn, error) {
	r.mu.RLock()
	pc, ok := r.conns[node.ID]
	r.mu.RUnlock()
	if ok && pc.addr == node.Addr {
		return pc.conn, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check
	if pc, ok := r.conns[node.ID]; ok {
		if pc.addr == node.Addr {
			return pc.conn, nil
		}
		// Node moved; drop the stale connection
		pc.conn.Close()
		delete(r.conns, node.ID)
	}

	if node.Addr == "" {
		return nil, fmt.Errorf("node %s has no routing address", node.ID)
	}

	conn, err := grpc.NewClient(node.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", node.Addr, err)
	}

	r.conns[node.ID] = &peerConn{addr: node.Addr, conn: conn}
	return conn, nil
}

func (r *Router) OnReceive(handler func(*types.Envelope)) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.handler = handler
}

func (r *Router) handleEnvelope(env *types.Envelope) {
	r.handlerMu.RLock()
	handler := r.handler
	r.handlerMu.RUnlock()

	if handler == nil {
		return
	}
	handler(env)
}

// Verify interface implementation
var _ types.Router = (*Router)(nil)
