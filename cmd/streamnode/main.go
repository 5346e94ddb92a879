package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bromq-dev/streams/pkg/actor"
	"github.com/bromq-dev/streams/pkg/admin"
	"github.com/bromq-dev/streams/pkg/codec"
	"github.com/bromq-dev/streams/pkg/config"
	"github.com/bromq-dev/streams/pkg/stream"
	"github.com/bromq-dev/streams/pkg/sys"
)

var (
	configPath = flag.String("config", "", "Path to config YAML file (optional)")
	nodeID     = flag.String("node", "", "Node ID (overrides node.id)")
	mode       = flag.String("mode", "", "Cluster mode: local, gossip, websocket, redis, hybrid, consul, libp2p")
	adminAddr  = flag.String("admin", "", "Admin API listen address (overrides admin.addr)")
	logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error")

	topics stringList
	joins  stringList
)

// Custom flag type for accumulating repeated or comma separated values
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

func init() {
	flag.Var(&topics, "topic", "Raw topic to serve (can be repeated)")
	flag.Var(&joins, "join", "Seed address to join: gossip host:port or libp2p multiaddr (can be repeated)")
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("node failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if *mode != "" {
		cfg.Cluster.Mode = *mode
	}
	if *adminAddr != "" {
		cfg.Admin.Enabled = true
		cfg.Admin.Addr = *adminAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	cfg.Topics = append(cfg.Topics, topics...)
	if len(joins) > 0 {
		if cfg.Cluster.Mode == config.ModeLibp2p {
			cfg.Cluster.Libp2p.Bootstrap = append(cfg.Cluster.Libp2p.Bootstrap, joins...)
		} else {
			cfg.Cluster.Gossip.Join = append(cfg.Cluster.Gossip.Join, joins...)
		}
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, &config.Errors{List: errs}
	}
	return cfg, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	c, err := cfg.BuildCluster(ctx, logger)
	if err != nil {
		return fmt.Errorf("build cluster: %w", err)
	}

	rawTopics := make([]*stream.Topic[[]byte], 0, len(cfg.Topics))
	for _, name := range cfg.Topics {
		rawTopics = append(rawTopics, stream.NewTopic(name, codec.Bytes{}))
	}
	table, err := stream.NewTable(func(b *stream.TableBuilder) {
		sys.AddTopics(b)
		for _, t := range rawTopics {
			b.AddTopic(t)
		}
	})
	if err != nil {
		return err
	}

	ps, err := stream.New(&stream.Config{
		Table:     table,
		Transport: c,
		QueueSize: cfg.Stream.QueueSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := ps.Start(ctx); err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		ps.Stop()
		return fmt.Errorf("start cluster: %w", err)
	}

	system := actor.NewSystem(&actor.Config{Logger: logger})
	for _, t := range rawTopics {
		if _, err := system.Spawn(ctx, stream.NewConsumer(ps, t, logHandler{})); err != nil {
			return fmt.Errorf("spawn consumer for %s: %w", t.Name(), err)
		}
	}

	var reporter *sys.Reporter
	collector := sys.NewCollector()
	if cfg.Sys.Enabled {
		if _, err := system.Spawn(ctx, stream.NewConsumer(ps, sys.Topic, collector)); err != nil {
			return fmt.Errorf("spawn stats collector: %w", err)
		}
		reporter, err = sys.NewReporter(&sys.Config{
			PubSub:   ps,
			Interval: cfg.Sys.Interval,
			Version:  cfg.Node.Version,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		reporter.Start()
	}

	var api *admin.Server
	if cfg.Admin.Enabled {
		adminCfg := &admin.Config{
			Addr:      cfg.Admin.Addr,
			PubSub:    ps,
			Transport: c,
			Profiling: cfg.Admin.Profiling,
			Logger:    logger,
		}
		if cfg.Sys.Enabled {
			adminCfg.Collector = collector
		}
		api, err = admin.NewServer(adminCfg)
		if err != nil {
			return err
		}
		if err := api.Start(); err != nil {
			return err
		}
	}

	logger.Info("stream node running",
		"node_id", c.NodeID(),
		"mode", cfg.Cluster.Mode,
		"routing_addr", c.Addr(),
		"topics", table.Names(),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if api != nil {
		if err := api.Stop(shutdownCtx); err != nil {
			logger.Warn("admin shutdown error", "error", err)
		}
	}
	if reporter != nil {
		reporter.Stop()
	}
	if err := system.Shutdown(shutdownCtx); err != nil {
		logger.Warn("actor shutdown error", "error", err)
	}
	ps.Stop()
	if err := c.Stop(); err != nil {
		logger.Warn("cluster shutdown error", "error", err)
	}

	logger.Info("node stopped")
	return nil
}

// logHandler logs every message of a raw topic.
type logHandler struct{}

func (logHandler) HandleStream(ctx *actor.Context, ev stream.Event[[]byte]) {
	if !ev.OK() {
		ctx.Logger().Warn("undecodable message", "error", ev.Err)
		return
	}
	ctx.Logger().Info("message received", "bytes", len(ev.Message), "payload", printable(ev.Message))
}

func printable(b []byte) string {
	const limit = 256
	if len(b) > limit {
		b = b[:limit]
	}
	return strings.ToValidUTF8(string(b), "?")
}
