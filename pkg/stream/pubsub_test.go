package stream_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bromq-dev/streams/pkg/cluster/types"
	"github.com/bromq-dev/streams/pkg/codec"
	"github.com/bromq-dev/streams/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestLocalFanOut(t *testing.T) {
	n := newLocalNode(t)

	var subs []*collector[Status]
	for i := 0; i < 5; i++ {
		c, _ := spawnCollector(t, n, statusTopic)
		subs = append(subs, c)
	}

	stream.Publish(context.Background(), n.ps, statusTopic, Online)

	for _, c := range subs {
		require.Eventually(t, func() bool { return c.received() == 1 }, waitFor, tick)
		assert.Equal(t, []Status{Online}, c.messages())
	}
}

func TestStatusScenarioLocal(t *testing.T) {
	n := newLocalNode(t)
	a, _ := spawnCollector(t, n, statusTopic)
	b, _ := spawnCollector(t, n, statusTopic)

	for i := 0; i < 10; i++ {
		stream.Publish(context.Background(), n.ps, statusTopic, Online)
	}

	require.Eventually(t, func() bool { return a.received() == 10 && b.received() == 10 }, waitFor, tick)
	assert.Never(t, func() bool { return a.received() > 10 || b.received() > 10 }, 100*time.Millisecond, tick)
}

func TestStatusScenarioClustered(t *testing.T) {
	nodes, _ := newMesh(t, 2)
	a, _ := spawnCollector(t, nodes[0], statusTopic)
	b, _ := spawnCollector(t, nodes[1], statusTopic)

	for i := 0; i < 5; i++ {
		stream.Publish(context.Background(), nodes[0].ps, statusTopic, Online)
		stream.Publish(context.Background(), nodes[1].ps, statusTopic, Online)
	}

	require.Eventually(t, func() bool { return a.received() == 10 && b.received() == 10 }, waitFor, tick)
	assert.Never(t, func() bool { return a.received() > 10 || b.received() > 10 }, 200*time.Millisecond, tick)
}

func TestNoForwardLoop(t *testing.T) {
	nodes, _ := newMesh(t, 3)

	var subs []*collector[Reading]
	for _, n := range nodes {
		c, _ := spawnCollector(t, n, readingTopic)
		subs = append(subs, c)
	}

	for _, n := range nodes {
		stream.Publish(context.Background(), n.ps, readingTopic, Reading{Sensor: n.id, Value: 1.5})
	}

	for _, c := range subs {
		require.Eventually(t, func() bool { return c.received() == 3 }, waitFor, tick)
	}
	assert.Never(t, func() bool {
		for _, c := range subs {
			if c.received() != 3 {
				return true
			}
		}
		return false
	}, 200*time.Millisecond, tick)

	for _, c := range subs {
		sensors := make(map[string]int)
		for _, r := range c.messages() {
			sensors[r.Sensor]++
		}
		assert.Equal(t, map[string]int{"node-a": 1, "node-b": 1, "node-c": 1}, sensors)
	}
}

func TestPublishOrderFromOnePublisher(t *testing.T) {
	nodes, _ := newMesh(t, 2)
	remote, _ := spawnCollector(t, nodes[1], readingTopic)

	for i := 0; i < 50; i++ {
		stream.Publish(context.Background(), nodes[0].ps, readingTopic, Reading{Sensor: "s", Value: float64(i)})
	}

	require.Eventually(t, func() bool { return remote.received() == 50 }, waitFor, tick)
	for i, r := range remote.messages() {
		assert.Equal(t, float64(i), r.Value)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	n := newLocalNode(t)
	kept, _ := spawnCollector(t, n, statusTopic)
	gone, pid := spawnCollector(t, n, statusTopic)

	stream.Publish(context.Background(), n.ps, statusTopic, Online)
	require.Eventually(t, func() bool { return gone.received() == 1 }, waitFor, tick)

	require.NoError(t, stream.Unsubscribe(n.ps, statusTopic, pid))
	// Unsubscribing twice is fine
	require.NoError(t, stream.Unsubscribe(n.ps, statusTopic, pid))

	stream.Publish(context.Background(), n.ps, statusTopic, Offline)

	require.Eventually(t, func() bool { return kept.received() == 2 }, waitFor, tick)
	assert.Equal(t, 1, gone.received())
}

func TestTerminatedSubscriberIsRemoved(t *testing.T) {
	n := newLocalNode(t)
	kept, _ := spawnCollector(t, n, statusTopic)
	_, pid := spawnCollector(t, n, statusTopic)
	require.Equal(t, 2, n.ps.Registry().Count())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pid.Stop(ctx))

	stream.Publish(context.Background(), n.ps, statusTopic, Online)

	require.Eventually(t, func() bool { return kept.received() == 1 }, waitFor, tick)
	assert.Equal(t, 1, n.ps.Registry().Count())
}

func TestIdempotentSubscribe(t *testing.T) {
	n := newLocalNode(t)
	c, pid := spawnCollector(t, n, statusTopic)
	require.NoError(t, stream.Subscribe(n.ps, statusTopic, pid))
	require.NoError(t, n.ps.Subscribe("status", pid))
	assert.Equal(t, 1, n.ps.Registry().Count())

	stream.Publish(context.Background(), n.ps, statusTopic, Online)

	require.Eventually(t, func() bool { return c.received() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return c.received() > 1 }, 100*time.Millisecond, tick)
}

func TestSubscribeUnknownTopic(t *testing.T) {
	n := newLocalNode(t)
	pid, err := n.sys.Spawn(context.Background(), &collector[string]{})
	require.NoError(t, err)

	unknown := stream.NewTopic("chat", codec.Msgpack[string]{})
	err = stream.Subscribe(n.ps, unknown, pid)
	assert.ErrorIs(t, err, stream.ErrUnknownTopic)

	err = n.ps.Subscribe("chat", pid)
	assert.ErrorIs(t, err, stream.ErrUnknownTopic)

	err = n.ps.PublishRaw(context.Background(), "chat", []byte("hi"))
	assert.ErrorIs(t, err, stream.ErrUnknownTopic)
	assert.Zero(t, n.ps.Registry().Count())
}

func TestSubscribeMismatchedTopic(t *testing.T) {
	n := newLocalNode(t)
	c := &collector[string]{}
	pid, err := n.sys.Spawn(context.Background(), c)
	require.NoError(t, err)

	wrong := stream.NewTopic("status", codec.Msgpack[string]{})
	err = stream.Subscribe(n.ps, wrong, pid)
	assert.ErrorIs(t, err, stream.ErrTopicMismatch)

	// Publishing through the mismatched topic is dropped, not delivered
	registered, _ := spawnCollector(t, n, statusTopic)
	stream.Publish(context.Background(), n.ps, wrong, "online")
	assert.Never(t, func() bool { return registered.received() > 0 }, 100*time.Millisecond, tick)
}

func TestDecodeFailureIsolation(t *testing.T) {
	nodes, _ := newMesh(t, 2)
	localStatus, _ := spawnCollector(t, nodes[0], statusTopic)
	remoteStatus, _ := spawnCollector(t, nodes[1], statusTopic)
	readings, _ := spawnCollector(t, nodes[1], readingTopic)

	// Tag 9 is not in the enum
	require.NoError(t, nodes[0].ps.PublishRaw(context.Background(), "status", []byte{9}))
	stream.Publish(context.Background(), nodes[0].ps, readingTopic, Reading{Sensor: "t1", Value: 20})

	for _, c := range []*collector[Status]{localStatus, remoteStatus} {
		require.Eventually(t, func() bool { return len(c.failed()) == 1 }, waitFor, tick)
		assert.True(t, errors.Is(c.failed()[0], stream.ErrDecode))
		assert.Zero(t, c.received())
	}

	require.Eventually(t, func() bool { return readings.received() == 1 }, waitFor, tick)
	assert.Empty(t, readings.failed())

	assert.Equal(t, uint64(1), nodes[0].ps.Stats().DecodeFailures)
	require.Eventually(t, func() bool { return nodes[1].ps.Stats().DecodeFailures == 1 }, waitFor, tick)
}

func TestPublishRawDelivers(t *testing.T) {
	n := newLocalNode(t)
	c, _ := spawnCollector(t, n, statusTopic)

	require.NoError(t, n.ps.PublishRaw(context.Background(), "status", []byte{1}))

	require.Eventually(t, func() bool { return c.received() == 1 }, waitFor, tick)
	assert.Equal(t, []Status{Online}, c.messages())
}

func TestDownPeerDoesNotBlockOthers(t *testing.T) {
	nodes, hub := newMesh(t, 3)
	b, _ := spawnCollector(t, nodes[1], statusTopic)
	spawnCollector(t, nodes[2], statusTopic)

	hub.SetDown("node-c", true)

	for i := 0; i < 5; i++ {
		stream.Publish(context.Background(), nodes[0].ps, statusTopic, Online)
	}

	require.Eventually(t, func() bool { return b.received() == 5 }, waitFor, tick)
	require.Eventually(t, func() bool { return nodes[0].ps.Stats().Dropped == 5 }, waitFor, tick)
}

// stallTransport blocks every send to "slow" until the send is canceled.
type stallTransport struct {
	nodes     []types.NodeInfo
	delivered chan *types.Envelope
}

func (s *stallTransport) NodeID() string { return "self" }

func (s *stallTransport) Nodes(context.Context) ([]types.NodeInfo, error) { return s.nodes, nil }

func (s *stallTransport) Send(ctx context.Context, node types.NodeInfo, env *types.Envelope) error {
	if node.ID == "slow" {
		<-ctx.Done()
		return ctx.Err()
	}
	s.delivered <- env
	return nil
}

func (s *stallTransport) OnReceive(func(*types.Envelope)) {}

func TestSlowPeerDoesNotBlockPublisher(t *testing.T) {
	tr := &stallTransport{
		nodes: []types.NodeInfo{
			{ID: "self"},
			{ID: "slow", Addr: "slow:1"},
			{ID: "fast", Addr: "fast:1"},
		},
		delivered: make(chan *types.Envelope, 100),
	}
	ps, err := stream.New(&stream.Config{Table: newTable(t), Transport: tr, QueueSize: 4, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, ps.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			stream.Publish(context.Background(), ps, statusTopic, Online)
		}
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("publish blocked on a slow peer")
	}

	for i := 0; i < 20; i++ {
		select {
		case env := <-tr.delivered:
			assert.Equal(t, "status", env.Topic)
			assert.Equal(t, "self", env.Origin)
		case <-time.After(waitFor):
			t.Fatalf("fast peer got %d of 20 envelopes", i)
		}
	}

	stats := ps.Stats()
	assert.Equal(t, 2, stats.Peers)
	assert.NotZero(t, stats.Dropped)

	// Stop cancels the stalled send
	require.NoError(t, ps.Stop())
}

func TestPublishAfterStop(t *testing.T) {
	n := newLocalNode(t)
	c, _ := spawnCollector(t, n, statusTopic)
	require.NoError(t, n.ps.Stop())

	stream.Publish(context.Background(), n.ps, statusTopic, Online)
	err := n.ps.PublishRaw(context.Background(), "status", []byte{1})
	assert.ErrorIs(t, err, stream.ErrStopped)

	assert.Never(t, func() bool { return c.received() > 0 }, 100*time.Millisecond, tick)
	assert.ErrorIs(t, n.ps.Start(context.Background()), stream.ErrStopped)
}

func TestStats(t *testing.T) {
	nodes, _ := newMesh(t, 2)
	spawnCollector(t, nodes[0], statusTopic)
	spawnCollector(t, nodes[0], statusTopic)
	spawnCollector(t, nodes[1], readingTopic)

	for i := 0; i < 3; i++ {
		stream.Publish(context.Background(), nodes[0].ps, statusTopic, Online)
	}

	stats := nodes[0].ps.Stats()
	assert.Equal(t, "node-a", stats.NodeID)
	assert.Equal(t, uint64(3), stats.Published)
	assert.Equal(t, uint64(3), stats.Forwarded)
	assert.Equal(t, uint64(6), stats.LocalDeliveries)
	assert.Equal(t, 2, stats.Subscriptions)
	assert.Equal(t, map[string]int{"status": 2}, stats.Topics)
	assert.Equal(t, 1, stats.Peers)

	require.Eventually(t, func() bool { return nodes[1].ps.Stats().RemoteReceived == 3 }, waitFor, tick)
}

func TestNewRequiresTable(t *testing.T) {
	_, err := stream.New(&stream.Config{})
	assert.Error(t, err)
	_, err = stream.New(nil)
	assert.Error(t, err)
}

func TestLocalNodeID(t *testing.T) {
	n := newLocalNode(t)
	assert.Equal(t, "local", n.ps.NodeID())
	assert.Equal(t, 2, n.ps.Table().Len())
}
