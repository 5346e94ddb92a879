// Package stream implements cluster-wide typed publish/subscribe for actors.
//
// A PubSub delivers each published message to every local subscriber of the
// topic and forwards the encoded bytes once to every other known node. A node
// that receives a forwarded envelope only delivers it locally, so a publish
// can never loop between nodes.
//
// Basic usage:
//
//	status := stream.NewTopic("status", codec.NewEnum(map[Status]byte{Offline: 0, Online: 1}))
//	table, _ := stream.NewTable(func(b *stream.TableBuilder) { b.AddTopic(status) })
//
//	ps, _ := stream.New(&stream.Config{Table: table, Transport: c})
//	ps.Start(ctx)
//
//	stream.Subscribe(ps, status, pid)
//	stream.Publish(ctx, ps, status, Online)
//
// Delivery is fire-and-forget and at most once. Order is preserved from a
// single publisher to a single subscriber; there is no ordering across nodes.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bromq-dev/streams/pkg/actor"
	"github.com/bromq-dev/streams/pkg/cluster/types"
)

// Config configures a PubSub.
type Config struct {
	// Table lists the routable topics. Required.
	Table *Table

	// Transport connects this node to its peers. If nil, the PubSub is local only.
	Transport Transport

	// QueueSize bounds each peer's outbound queue. Default: 1024.
	QueueSize int

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// PubSub is the publish coordinator of a node.
type PubSub struct {
	table     *Table
	registry  *Registry
	transport Transport
	forwarder *forwarder
	nodeID    string

	stats counters
	log   *slog.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
}

type counters struct {
	published       atomic.Uint64
	forwarded       atomic.Uint64
	remoteReceived  atomic.Uint64
	decodeFailures  atomic.Uint64
	dropped         atomic.Uint64
	localDeliveries atomic.Uint64
}

// Stats is a point-in-time snapshot of PubSub counters.
type Stats struct {
	NodeID          string         `json:"node_id" msgpack:"node_id"`
	Published       uint64         `json:"published" msgpack:"published"`
	Forwarded       uint64         `json:"forwarded" msgpack:"forwarded"`
	RemoteReceived  uint64         `json:"remote_received" msgpack:"remote_received"`
	DecodeFailures  uint64         `json:"decode_failures" msgpack:"decode_failures"`
	Dropped         uint64         `json:"dropped" msgpack:"dropped"`
	LocalDeliveries uint64         `json:"local_deliveries" msgpack:"local_deliveries"`
	Subscriptions   int            `json:"subscriptions" msgpack:"subscriptions"`
	Topics          map[string]int `json:"topics" msgpack:"topics"`
	Peers           int            `json:"peers" msgpack:"peers"`
}

// New creates a PubSub. Call Start before publishing to peers.
func New(cfg *Config) (*PubSub, error) {
	if cfg == nil || cfg.Table == nil {
		return nil, errors.New("stream: table is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ps := &PubSub{
		table:     cfg.Table,
		registry:  NewRegistry(cfg.Table),
		transport: cfg.Transport,
		nodeID:    "local",
	}
	if cfg.Transport != nil {
		ps.nodeID = cfg.Transport.NodeID()
	}
	ps.log = cfg.Logger.With("node_id", ps.nodeID)
	if cfg.Transport != nil {
		ps.forwarder = newForwarder(cfg.Transport, cfg.QueueSize, &ps.stats, ps.log)
	}
	return ps, nil
}

// Start attaches the receive side to the transport.
func (ps *PubSub) Start(ctx context.Context) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.stopped {
		return ErrStopped
	}
	if ps.started {
		return nil
	}
	ps.started = true

	if ps.transport != nil {
		ps.transport.OnReceive(ps.handleRemote)
	}

	ps.log.Info("pubsub started",
		"topics", ps.table.Len(),
		"clustered", ps.transport != nil,
	)
	return nil
}

// Stop closes peer queues and waits for in-flight sends. Later publishes are
// dropped.
func (ps *PubSub) Stop() error {
	ps.mu.Lock()
	if ps.stopped {
		ps.mu.Unlock()
		return nil
	}
	ps.stopped = true
	ps.mu.Unlock()

	if ps.transport != nil {
		ps.transport.OnReceive(func(*types.Envelope) {})
	}
	if ps.forwarder != nil {
		ps.forwarder.stop()
	}

	ps.log.Info("pubsub stopped")
	return nil
}

// NodeID returns the ID of this node, or "local" without a transport.
func (ps *PubSub) NodeID() string { return ps.nodeID }

// Table returns the topic table.
func (ps *PubSub) Table() *Table { return ps.table }

// Registry returns the local subscription registry.
func (ps *PubSub) Registry() *Registry { return ps.registry }

// Subscribe adds ref to the named topic.
func (ps *PubSub) Subscribe(topic string, ref actor.Ref) error {
	return ps.registry.Subscribe(topic, ref)
}

// Unsubscribe removes ref from the named topic.
func (ps *PubSub) Unsubscribe(topic string, ref actor.Ref) error {
	return ps.registry.Unsubscribe(topic, ref)
}

// PublishRaw publishes already encoded bytes. Local subscribers get the
// decoded message, or an Err event if payload does not decode.
func (ps *PubSub) PublishRaw(ctx context.Context, topic string, payload []byte) error {
	d, ok := ps.table.Lookup(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if ps.isStopped() {
		return ErrStopped
	}

	event, ok := d.decodeEvent(payload)
	if !ok {
		ps.stats.decodeFailures.Add(1)
	}
	ps.dispatch(ctx, topic, payload, event)
	return nil
}

// Stats returns a snapshot of the counters.
func (ps *PubSub) Stats() Stats {
	s := Stats{
		NodeID:          ps.nodeID,
		Published:       ps.stats.published.Load(),
		Forwarded:       ps.stats.forwarded.Load(),
		RemoteReceived:  ps.stats.remoteReceived.Load(),
		DecodeFailures:  ps.stats.decodeFailures.Load(),
		Dropped:         ps.stats.dropped.Load(),
		LocalDeliveries: ps.stats.localDeliveries.Load(),
		Subscriptions:   ps.registry.Count(),
		Topics:          ps.registry.TopicCounts(),
	}
	if ps.forwarder != nil {
		s.Peers = ps.forwarder.peerCount()
	}
	return s
}

// dispatch issues the remote forward and the local delivery of one publish.
func (ps *PubSub) dispatch(ctx context.Context, topic string, payload []byte, event any) {
	ps.stats.published.Add(1)

	if ps.forwarder != nil {
		ps.forwarder.forward(ctx, &types.Envelope{
			Topic:   topic,
			Payload: payload,
			Origin:  ps.nodeID,
		})
	}
	ps.deliverLocal(topic, event)
}

func (ps *PubSub) isStopped() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.stopped
}

// Publish sends msg to every subscriber of t on every node. It never fails:
// delivery problems are logged and the message is dropped.
func Publish[M any](ctx context.Context, ps *PubSub, t *Topic[M], msg M) {
	if _, err := ps.table.check(t); err != nil {
		ps.log.Warn("publish rejected", "topic", t.Name(), "error", err)
		return
	}
	if ps.isStopped() {
		ps.log.Debug("publish after stop, dropping", "topic", t.Name())
		return
	}

	ps.dispatch(ctx, t.Name(), t.Encode(msg), Received(msg))
}

// Subscribe adds ref as a subscriber of t. ref receives Event[M] messages.
func Subscribe[M any](ps *PubSub, t *Topic[M], ref actor.Ref) error {
	if _, err := ps.table.check(t); err != nil {
		return err
	}
	return ps.registry.Subscribe(t.Name(), ref)
}

// Unsubscribe removes ref from t. Removing a missing subscription succeeds.
func Unsubscribe[M any](ps *PubSub, t *Topic[M], ref actor.Ref) error {
	if _, err := ps.table.check(t); err != nil {
		return err
	}
	return ps.registry.Unsubscribe(t.Name(), ref)
}

// SubscribeScoped subscribes the calling actor to t for the rest of its
// life. The subscription is released when the actor terminates, however it
// terminates. Call it from Started or Receive.
func SubscribeScoped[M any](ctx *actor.Context, ps *PubSub, t *Topic[M]) error {
	self := ctx.Self()
	if err := Subscribe(ps, t, self); err != nil {
		return err
	}
	ctx.Defer(func() {
		if err := Unsubscribe(ps, t, self); err != nil {
			ctx.Logger().Warn("failed to release subscription", "topic", t.Name(), "error", err)
		}
	})
	return nil
}
