// Package admin provides the HTTP status API of a stream node.
//
// Routes:
//
//	GET  /healthz                   liveness and node ID
//	GET  /stats                     PubSub counters
//	GET  /peers                     current cluster view
//	GET  /topics                    registered topics and local subscriber counts
//	POST /topics/{topic...}/publish body is published as the raw topic payload
//	GET  /cluster/reports           latest $SYS report of every node (with a Collector)
//	     /debug/pprof/...           runtime profiles (with Profiling)
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bromq-dev/streams/pkg/stream"
	"github.com/bromq-dev/streams/pkg/sys"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config configures the admin server.
type Config struct {
	// Addr is the address to listen on. Default: ":8080".
	Addr string

	// PubSub is the node's publish coordinator. Required.
	PubSub *stream.PubSub

	// Transport provides the cluster view for /peers. If nil, only the
	// local node is listed.
	Transport stream.Transport

	// Collector serves /cluster/reports when set.
	Collector *sys.Collector

	// MaxBodyBytes bounds a publish body. Default: 1 MiB.
	MaxBodyBytes int64

	// RequestTimeout bounds every request. Default: 30s.
	RequestTimeout time.Duration

	// Profiling mounts the pprof handlers under /debug.
	Profiling bool

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Server serves the admin API.
type Server struct {
	cfg    *Config
	ps     *stream.PubSub
	router chi.Router
	log    *slog.Logger

	mu     sync.Mutex
	server *http.Server
	addr   string
	wg     sync.WaitGroup
}

type topicInfo struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

type publishResponse struct {
	Topic string `json:"topic"`
	Bytes int    `json:"bytes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer creates the admin server and its routes.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil || cfg.PubSub == nil {
		return nil, errors.New("admin: pubsub is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		ps:     cfg.PubSub,
		router: chi.NewRouter(),
		log:    cfg.Logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(s.logRequests)
	s.router.Use(middleware.Recoverer)

	if cfg.Profiling {
		s.router.Mount("/debug", middleware.Profiler())
	}

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		s.routes(r)
	})

	return s, nil
}

func (s *Server) routes(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/peers", s.handlePeers)
	r.Get("/topics", s.handleTopics)
	r.Post("/topics/*", s.handlePublish)
	if s.cfg.Collector != nil {
		r.Get("/cluster/reports", s.handleReports)
	}
}

// Handler returns the routes, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on Addr and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("admin: listen: %w", err)
	}
	s.addr = ln.Addr().String()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server error", "error", err)
		}
	}()

	s.log.Info("admin server started", "addr", s.addr)
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"node_id": s.ps.NodeID(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ps.Stats())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Transport == nil {
		writeJSON(w, http.StatusOK, []map[string]string{{"id": s.ps.NodeID()}})
		return
	}
	nodes, err := s.cfg.Transport.Nodes(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	counts := s.ps.Registry().TopicCounts()
	names := s.ps.Table().Names()

	topics := make([]topicInfo, 0, len(names))
	for _, name := range names {
		topics = append(topics, topicInfo{Name: name, Subscribers: counts[name]})
	}
	writeJSON(w, http.StatusOK, topics)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	name, ok := strings.CutSuffix(rest, "/publish")
	if !ok || name == "" {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	name, err := url.PathUnescape(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.ps.PublishRaw(r.Context(), name, payload)
	switch {
	case errors.Is(err, stream.ErrUnknownTopic):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, stream.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, publishResponse{Topic: name, Bytes: len(payload)})
	}
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Collector.Reports())
}

// logRequests logs every request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
