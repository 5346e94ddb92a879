// Package websocket provides a Router over WebSocket connections.
//
// Each router serves an HTTP endpoint that peers dial once and keep open.
// Every envelope is one binary frame holding the msgpack encoded envelope.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bromq-dev/streams/pkg/cluster/types"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const subprotocol = "streams.v1"

// ErrClosed is returned by Send after Stop.
var ErrClosed = errors.New("websocket: router closed")

// Config configures the WebSocket router.
type Config struct {
	// ListenAddr is the address to listen on. Default: ":7948".
	ListenAddr string

	// AdvertiseAddr is returned by Addr. If empty, the bound listen address.
	AdvertiseAddr string

	// Path is the URL path to serve. Default: "/streams".
	Path string

	// TLSConfig enables TLS for both the server and outbound dials.
	TLSConfig *tls.Config

	// HandshakeTimeout bounds dialing a peer. Default: 5s.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds writing one frame. Default: 5s.
	WriteTimeout time.Duration

	// CheckOrigin is a function to validate the Origin header.
	// If nil, all origins are allowed.
	CheckOrigin func(r *http.Request) bool

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Router implements types.Router using gorilla/websocket.
type Router struct {
	cfg      *Config
	addr     string
	server   *http.Server
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	wg       sync.WaitGroup
	closed   chan struct{}

	handlerMu sync.RWMutex
	handler   func(*types.Envelope)

	mu       sync.Mutex
	outbound map[string]*wsConn // nodeID -> connection
	inbound  map[*websocket.Conn]struct{}

	log *slog.Logger
}

// wsConn serializes writes on one outbound connection.
type wsConn struct {
	addr string
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewRouter creates a new WebSocket router.
func NewRouter(cfg *Config) *Router {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":7948"
	}
	if cfg.Path == "" {
		cfg.Path = "/streams"
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Router{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{subprotocol},
			CheckOrigin:  checkOrigin,
		},
		dialer: &websocket.Dialer{
			Subprotocols:     []string{subprotocol},
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  cfg.TLSConfig,
		},
		closed:   make(chan struct{}),
		outbound: make(map[string]*wsConn),
		inbound:  make(map[*websocket.Conn]struct{}),
		log:      cfg.Logger,
	}
}

func (r *Router) Start(ctx context.Context) error {
	var ln net.Listener
	var err error
	if r.cfg.TLSConfig != nil {
		ln, err = tls.Listen("tcp", r.cfg.ListenAddr, r.cfg.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", r.cfg.ListenAddr)
	}
	if err != nil {
		return fmt.Errorf("websocket router: listen: %w", err)
	}
	r.addr = ln.Addr().String()
	if r.cfg.AdvertiseAddr != "" {
		r.addr = r.cfg.AdvertiseAddr
	}

	mux := http.NewServeMux()
	mux.HandleFunc(r.cfg.Path, r.handleWebSocket)
	r.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: r.cfg.HandshakeTimeout,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("websocket server error", "error", err)
		}
	}()

	r.log.Info("websocket router started", "addr", ln.Addr().String(), "path", r.cfg.Path)
	return nil
}

func (r *Router) Stop() error {
	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		return nil
	default:
		close(r.closed)
	}
	for id, c := range r.outbound {
		c.conn.Close()
		delete(r.outbound, id)
	}
	for conn := range r.inbound {
		conn.Close()
	}
	r.mu.Unlock()

	var err error
	if r.server != nil {
		err = r.server.Close()
	}
	r.wg.Wait()
	return err
}

// Addr returns the advertised routing address ("host:port").
func (r *Router) Addr() string {
	return r.addr
}

func (r *Router) OnReceive(handler func(*types.Envelope)) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.handler = handler
}

func (r *Router) Send(ctx context.Context, node types.NodeInfo, env *types.Envelope) error {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return err
	}

	c, err := r.getConn(ctx, node)
	if err != nil {
		return err
	}

	c.mu.Lock()
	deadline := time.Now().Add(r.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	err = c.conn.WriteMessage(websocket.BinaryMessage, data)
	c.mu.Unlock()

	if err != nil {
		r.dropConn(node.ID, c)
		return fmt.Errorf("write to %s: %w", node.ID, err)
	}
	return nil
}

func (r *Router) getConn(ctx context.Context, node types.NodeInfo) (*wsConn, error) {
	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	if c, ok := r.outbound[node.ID]; ok && c.addr == node.Addr {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	if node.Addr == "" {
		return nil, fmt.Errorf("node %s has no routing address", node.ID)
	}

	scheme := "ws"
	if r.cfg.TLSConfig != nil {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: node.Addr, Path: r.cfg.Path}

	conn, _, err := r.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}

	// Outbound connections are write-only; reading keeps control frames flowing
	// and notices when the peer goes away.
	c := &wsConn{addr: node.Addr, conn: conn}

	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.closed:
		conn.Close()
		return nil, ErrClosed
	default:
	}
	if existing, ok := r.outbound[node.ID]; ok {
		if existing.addr == node.Addr {
			// Lost a dial race
			conn.Close()
			return existing, nil
		}
		existing.conn.Close()
	}
	r.outbound[node.ID] = c

	r.wg.Add(1)
	go r.drain(node.ID, c)
	return c, nil
}

func (r *Router) drain(nodeID string, c *wsConn) {
	defer r.wg.Done()
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			r.dropConn(nodeID, c)
			return
		}
	}
}

func (r *Router) dropConn(nodeID string, c *wsConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outbound[nodeID] == c {
		delete(r.outbound, nodeID)
	}
	c.conn.Close()
}

func (r *Router) handleWebSocket(rw http.ResponseWriter, req *http.Request) {
	select {
	case <-r.closed:
		http.Error(rw, "server closing", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := r.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		r.log.Debug("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		conn.Close()
		return
	default:
	}
	r.inbound[conn] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.readLoop(conn, req.RemoteAddr)
}

// readLoop handles one inbound connection. Frames are handled in order.
func (r *Router) readLoop(conn *websocket.Conn, remote string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.inbound, conn)
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Debug("websocket peer disconnected", "remote", remote, "error", err)
			}
			return
		}
		// Envelopes are always binary frames
		if messageType != websocket.BinaryMessage {
			continue
		}

		var env types.Envelope
		if err := msgpack.Unmarshal(data, &env); err != nil {
			r.log.Debug("invalid envelope", "remote", remote, "error", err)
			continue
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
