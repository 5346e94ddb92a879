package stream_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bromq-dev/streams/pkg/actor"
	"github.com/bromq-dev/streams/pkg/cluster"
	memrouter "github.com/bromq-dev/streams/pkg/cluster/router/memory"
	"github.com/bromq-dev/streams/pkg/cluster/store/memory"
	"github.com/bromq-dev/streams/pkg/codec"
	"github.com/bromq-dev/streams/pkg/stream"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type Status byte

const (
	Offline Status = iota
	Online
)

type Reading struct {
	Sensor string  `msgpack:"sensor"`
	Value  float64 `msgpack:"value"`
}

var (
	statusTopic  = stream.NewTopic("status", codec.NewEnum(map[Status]byte{Offline: 0, Online: 1}))
	readingTopic = stream.NewTopic("sensors/readings", codec.Msgpack[Reading]{})
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTable(t *testing.T) *stream.Table {
	t.Helper()
	table, err := stream.NewTable(func(b *stream.TableBuilder) {
		b.AddTopic(statusTopic)
		b.AddTopic(readingTopic)
	})
	require.NoError(t, err)
	return table
}

// collector records every event of one payload type.
type collector[M any] struct {
	mu     sync.Mutex
	events []stream.Event[M]
}

func (c *collector[M]) Receive(_ *actor.Context, msg any) {
	ev, ok := msg.(stream.Event[M])
	if !ok {
		return
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector[M]) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.OK() {
			n++
		}
	}
	return n
}

func (c *collector[M]) failed() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, ev := range c.events {
		if !ev.OK() {
			errs = append(errs, ev.Err)
		}
	}
	return errs
}

func (c *collector[M]) messages() []M {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []M
	for _, ev := range c.events {
		if ev.OK() {
			out = append(out, ev.Message)
		}
	}
	return out
}

type node struct {
	id  string
	ps  *stream.PubSub
	sys *actor.System
}

func newSystem(t *testing.T, name string) *actor.System {
	t.Helper()
	sys := actor.NewSystem(&actor.Config{Name: name, Logger: quietLogger()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, sys.Shutdown(ctx))
	})
	return sys
}

// newLocalNode creates a PubSub without a transport.
func newLocalNode(t *testing.T) *node {
	t.Helper()
	ps, err := stream.New(&stream.Config{Table: newTable(t), Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, ps.Start(context.Background()))
	t.Cleanup(func() { ps.Stop() })
	return &node{id: ps.NodeID(), ps: ps, sys: newSystem(t, "local")}
}

// newMesh creates n nodes sharing an in-memory membership group and hub.
func newMesh(t *testing.T, n int) ([]*node, *memrouter.Hub) {
	t.Helper()
	hub := memrouter.NewHub()
	ids := []string{"node-a", "node-b", "node-c", "node-d", "node-e"}
	return joinMesh(t, memory.NewGroup(), hub, ids[:n]...), hub
}

// joinMesh starts one node per ID in group and hub.
func joinMesh(t *testing.T, group *memory.Group, hub *memrouter.Hub, ids ...string) []*node {
	t.Helper()
	nodes := make([]*node, len(ids))
	for i, id := range ids {
		c := cluster.New(
			memory.NewStore(&memory.Config{NodeID: id, Addr: id, Group: group}),
			memrouter.NewRouter(&memrouter.Config{NodeID: id, Hub: hub, Logger: quietLogger()}),
			cluster.WithLogger(quietLogger()),
		)
		require.NoError(t, c.Start(context.Background()))
		t.Cleanup(func() { c.Stop() })

		ps, err := stream.New(&stream.Config{Table: newTable(t), Transport: c, Logger: quietLogger()})
		require.NoError(t, err)
		require.NoError(t, ps.Start(context.Background()))
		t.Cleanup(func() { ps.Stop() })

		nodes[i] = &node{id: id, ps: ps, sys: newSystem(t, id)}
	}
	return nodes
}

func spawnCollector[M any](t *testing.T, n *node, tp *stream.Topic[M]) (*collector[M], *actor.PID) {
	t.Helper()
	c := &collector[M]{}
	pid, err := n.sys.Spawn(context.Background(), c)
	require.NoError(t, err)
	require.NoError(t, stream.Subscribe(n.ps, tp, pid))
	return c, pid
}
