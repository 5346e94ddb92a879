// Package sys publishes node statistics on a $SYS stream topic.
//
// Every node running a Reporter periodically publishes a Report on Topic.
// Because the topic is an ordinary stream topic, a Collector on any node
// sees the reports of the whole cluster.
package sys

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bromq-dev/streams/pkg/actor"
	"github.com/bromq-dev/streams/pkg/codec"
	"github.com/bromq-dev/streams/pkg/stream"
)

// Topic carries Reports. Add it to the Table of every node with AddTopics.
var Topic = stream.NewTopic("$SYS/streams/stats", codec.Msgpack[Report]{})

// AddTopics registers the $SYS topics.
func AddTopics(b *stream.TableBuilder) {
	b.AddTopic(Topic)
}

// Report is one node's statistics at a point in time.
type Report struct {
	NodeID    string       `json:"node_id" msgpack:"node_id"`
	Version   string       `json:"version" msgpack:"version"`
	Uptime    int64        `json:"uptime" msgpack:"uptime"`
	Timestamp int64        `json:"timestamp" msgpack:"ts"`
	Stats     stream.Stats `json:"stats" msgpack:"stats"`
}

// Config configures a Reporter.
type Config struct {
	// PubSub to report on and publish through. Required.
	PubSub *stream.PubSub

	// Interval is how often to publish reports (default: 10s).
	Interval time.Duration

	// Version is the node version string.
	Version string

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Reporter publishes a Report on Topic every Interval.
type Reporter struct {
	ps        *stream.PubSub
	interval  time.Duration
	version   string
	startTime time.Time
	log       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReporter creates a Reporter. The PubSub's table must contain Topic.
func NewReporter(cfg *Config) (*Reporter, error) {
	if cfg == nil || cfg.PubSub == nil {
		return nil, errors.New("sys: pubsub is required")
	}
	if _, ok := cfg.PubSub.Table().Lookup(Topic.Name()); !ok {
		return nil, stream.ErrUnknownTopic
	}
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Reporter{
		ps:        cfg.PubSub,
		interval:  cfg.Interval,
		version:   cfg.Version,
		startTime: time.Now(),
		log:       cfg.Logger,
	}, nil
}

// Start publishes a first report and begins the periodic loop.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.publish(ctx)

	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop stops publishing reports.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Reporter) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publish(ctx)
		}
	}
}

func (r *Reporter) publish(ctx context.Context) {
	stream.Publish(ctx, r.ps, Topic, r.Report())
}

// Report returns the current report of this node.
func (r *Reporter) Report() Report {
	return Report{
		NodeID:    r.ps.NodeID(),
		Version:   r.version,
		Uptime:    int64(time.Since(r.startTime).Seconds()),
		Timestamp: time.Now().UnixMilli(),
		Stats:     r.ps.Stats(),
	}
}

// Collector keeps the latest Report of every node. Run it as a
// stream.Consumer on Topic:
//
//	col := sys.NewCollector()
//	system.Spawn(ctx, stream.NewConsumer(ps, sys.Topic, col))
type Collector struct {
	mu      sync.RWMutex
	reports map[string]Report
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{reports: make(map[string]Report)}
}

func (c *Collector) HandleStream(ctx *actor.Context, ev stream.Event[Report]) {
	if !ev.OK() {
		ctx.Logger().Debug("dropping undecodable report", "error", ev.Err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Reports can arrive out of order across nodes
	if prev, ok := c.reports[ev.Message.NodeID]; ok && prev.Timestamp > ev.Message.Timestamp {
		return
	}
	c.reports[ev.Message.NodeID] = ev.Message
}

// Reports returns the latest report of every node, sorted by node ID.
func (c *Collector) Reports() []Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Report, 0, len(c.reports))
	for _, r := range c.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Forget drops the report of a node, for example after it left the cluster.
func (c *Collector) Forget(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reports, nodeID)
}

var _ stream.Handler[Report] = (*Collector)(nil)
