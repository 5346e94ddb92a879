package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bromq-dev/streams/pkg/cluster/types"
)

// Transport is the cluster view and node-to-node send primitive used to
// forward envelopes. cluster.Cluster implements it.
type Transport interface {
	// NodeID returns this node's identifier.
	NodeID() string

	// Nodes returns a snapshot of known nodes, possibly including this one.
	Nodes(ctx context.Context) ([]types.NodeInfo, error)

	// Send delivers env to node. Delivery is best effort.
	Send(ctx context.Context, node types.NodeInfo, env *types.Envelope) error

	// OnReceive sets the handler for envelopes from other nodes.
	OnReceive(handler func(*types.Envelope))
}

// forwarder fans envelopes out to peers. Each peer has its own queue and
// writer goroutine, so a slow or dead peer only delays itself. A node that
// gets a new queue (it left and rejoined the view, or changed address) has
// its new writer wait for the previous one, so a node never has two writers
// sending at once.
type forwarder struct {
	transport Transport
	queueSize int
	stats     *counters
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	peers   map[string]*peerQueue
	retired map[string]chan struct{} // done of the last closed writer per node
	stopped bool
	wg      sync.WaitGroup
}

type peerQueue struct {
	node  types.NodeInfo
	queue chan *types.Envelope
	after <-chan struct{} // previous writer of the node, nil if none
	done  chan struct{}
}

func newForwarder(t Transport, queueSize int, stats *counters, log *slog.Logger) *forwarder {
	ctx, cancel := context.WithCancel(context.Background())
	return &forwarder{
		transport: t,
		queueSize: queueSize,
		stats:     stats,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		peers:     make(map[string]*peerQueue),
		retired:   make(map[string]chan struct{}),
	}
}

// forward enqueues env for every node in the current view except this one.
func (f *forwarder) forward(ctx context.Context, env *types.Envelope) {
	nodes, err := f.transport.Nodes(ctx)
	if err != nil {
		f.log.Warn("failed to get cluster nodes",
			"topic", env.Topic,
			"error", err,
		)
		return
	}

	self := f.transport.NodeID()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}

	live := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		if node.ID == self {
			continue
		}
		live[node.ID] = struct{}{}

		pq := f.peerLocked(node)
		select {
		case pq.queue <- env:
			f.stats.forwarded.Add(1)
		default:
			f.stats.dropped.Add(1)
			f.log.Warn("peer queue full, dropping envelope",
				"topic", env.Topic,
				"node_id", node.ID,
			)
		}
	}

	for id, pq := range f.peers {
		if _, ok := live[id]; !ok {
			f.retireLocked(pq)
			f.log.Debug("peer left view, closed queue", "node_id", id)
		}
	}
}

// peerLocked returns the queue for node, replacing it if the node's routing
// address changed. Must be called with mu held.
func (f *forwarder) peerLocked(node types.NodeInfo) *peerQueue {
	if pq, ok := f.peers[node.ID]; ok {
		if pq.node.Addr == node.Addr {
			return pq
		}
		f.retireLocked(pq)
		f.log.Debug("peer address changed, replacing queue",
			"node_id", node.ID,
			"addr", node.Addr,
		)
	}

	pq := &peerQueue{
		node:  node,
		queue: make(chan *types.Envelope, f.queueSize),
		done:  make(chan struct{}),
	}
	if prev, ok := f.retired[node.ID]; ok {
		pq.after = prev
		delete(f.retired, node.ID)
	}
	f.peers[node.ID] = pq

	f.wg.Add(1)
	go f.write(pq)
	return pq
}

// retireLocked closes pq's queue. Its writer drains the backlog and a later
// writer for the same node starts once it is done. Must be called with mu held.
func (f *forwarder) retireLocked(pq *peerQueue) {
	close(pq.queue)
	delete(f.peers, pq.node.ID)
	f.retired[pq.node.ID] = pq.done
}

func (f *forwarder) write(pq *peerQueue) {
	defer f.wg.Done()
	defer f.writerDone(pq)

	if pq.after != nil {
		<-pq.after
	}
	for env := range pq.queue {
		if err := f.transport.Send(f.ctx, pq.node, env); err != nil {
			f.stats.dropped.Add(1)
			f.log.Warn("failed to forward envelope",
				"topic", env.Topic,
				"node_id", pq.node.ID,
				"error", err,
			)
		}
	}
}

func (f *forwarder) writerDone(pq *peerQueue) {
	close(pq.done)

	f.mu.Lock()
	if f.retired[pq.node.ID] == pq.done {
		delete(f.retired, pq.node.ID)
	}
	f.mu.Unlock()
}

// peerCount returns the number of peers with an open queue.
func (f *forwarder) peerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// stop closes every queue, cancels in-flight sends and waits for writers.
func (f *forwarder) stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	for _, pq := range f.peers {
		f.retireLocked(pq)
	}
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()
}

// handleRemote is the receive side of forwarding. It only delivers locally
// and never forwards again, which keeps a publish from looping between nodes.
func (ps *PubSub) handleRemote(env *types.Envelope) {
	ps.stats.remoteReceived.Add(1)

	d, ok := ps.table.Lookup(env.Topic)
	if !ok {
		ps.log.Debug("envelope for unknown topic, dropping",
			"topic", env.Topic,
			"origin", env.Origin,
		)
		return
	}

	event, ok := d.decodeEvent(env.Payload)
	if !ok {
		ps.stats.decodeFailures.Add(1)
		ps.log.Debug("failed to decode envelope",
			"topic", env.Topic,
			"origin", env.Origin,
		)
	}
	ps.deliverLocal(env.Topic, event)
}
