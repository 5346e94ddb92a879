package cluster

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	memrouter "github.com/bromq-dev/streams/pkg/cluster/router/memory"
	"github.com/bromq-dev/streams/pkg/cluster/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLocalCluster(t *testing.T) {
	c := NewLocalCluster()
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	assert.Equal(t, "local", c.NodeID())
	nodes, err := c.Nodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []NodeInfo{c.LocalNode()}, nodes)
	assert.Empty(t, c.Addr())

	// Sends go nowhere
	assert.NoError(t, c.Send(context.Background(), NodeInfo{ID: "other"}, &Envelope{Topic: "status"}))
}

func TestClusterDelivers(t *testing.T) {
	ctx := context.Background()
	group := memory.NewGroup()
	hub := memrouter.NewHub()

	newNode := func(id string) *Cluster {
		c := New(
			memory.NewStore(&memory.Config{NodeID: id, Addr: id, Group: group}),
			memrouter.NewRouter(&memrouter.Config{NodeID: id, Hub: hub}),
			quiet(),
		)
		require.NoError(t, c.Start(ctx))
		t.Cleanup(func() { c.Stop() })
		return c
	}
	a := newNode("node-a")
	b := newNode("node-b")

	got := make(chan *Envelope, 1)
	b.OnReceive(func(env *Envelope) { got <- env })

	nodes, err := a.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-b", nodes[1].ID)

	require.NoError(t, a.Send(ctx, nodes[1], &Envelope{Topic: "status", Payload: []byte{1}, Origin: a.NodeID()}))
	select {
	case env := <-got:
		assert.Equal(t, "node-a", env.Origin)
	case <-time.After(time.Second):
		t.Fatal("envelope not received")
	}
}

func TestClusterDropsWithoutHandler(t *testing.T) {
	c := New(memory.NewStore(nil), memrouter.NewRouter(&memrouter.Config{NodeID: "local", Hub: memrouter.NewHub()}), quiet())
	c.receive(&Envelope{Topic: "status"})
}

type fakeRouter struct {
	startErr error
	started  bool
	stopped  bool
}

func (r *fakeRouter) Start(context.Context) error {
	r.started = r.startErr == nil
	return r.startErr
}

func (r *fakeRouter) Stop() error {
	r.stopped = true
	return nil
}

func (r *fakeRouter) Send(context.Context, NodeInfo, *Envelope) error { return nil }

func (r *fakeRouter) OnReceive(func(*Envelope)) {}

func (r *fakeRouter) Addr() string { return "fake" }

type failingMembership struct {
	*memory.Store
}

func (failingMembership) Start(context.Context) error { return errors.New("no seeds") }

func TestClusterStartErrors(t *testing.T) {
	r := &fakeRouter{startErr: errors.New("port in use")}
	c := New(memory.NewStore(nil), r, quiet())
	err := c.Start(context.Background())
	assert.ErrorContains(t, err, "start router")

	r = &fakeRouter{}
	c = New(failingMembership{memory.NewStore(nil)}, r, quiet())
	err = c.Start(context.Background())
	assert.ErrorContains(t, err, "start membership")
	assert.True(t, r.stopped)

	// Stop before a successful Start is a no-op
	assert.NoError(t, c.Stop())
}

func TestClusterClosersRunInReverse(t *testing.T) {
	var order []string
	c := New(memory.NewStore(nil), &fakeRouter{}, quiet(),
		WithCloser(func() error { order = append(order, "first"); return nil }),
		WithCloser(func() error { order = append(order, "second"); return errors.New("close failed") }),
	)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))

	err := c.Stop()
	assert.ErrorContains(t, err, "close failed")
	assert.Equal(t, []string{"second", "first"}, order)

	// Closers run once
	assert.NoError(t, c.Stop())
	assert.Len(t, order, 2)
}

func TestRoutingAddr(t *testing.T) {
	assert.Equal(t, "node-a:7947", routingAddr("", "node-a", ":7947"))
	assert.Equal(t, "10.0.0.1:9000", routingAddr("10.0.0.1:9000", "node-a", ":7947"))
	assert.Equal(t, "node-a", routingAddr("", "node-a", "bad"))
}

func TestBundlesApplyDefaults(t *testing.T) {
	g := NewGossipCluster(&GossipConfig{NodeID: "node-a"})
	assert.Equal(t, "node-a", g.NodeID())
	assert.Equal(t, "node-a:7947", g.LocalNode().Addr)

	w := NewWebsocketCluster(&WebsocketConfig{NodeID: "node-a"})
	assert.Equal(t, "node-a:7948", w.LocalNode().Addr)

	c, err := NewConsulCluster(&ConsulConfig{NodeID: "node-a", ConsulAddr: "127.0.0.1:1"})
	require.NoError(t, err)
	assert.Equal(t, "node-a:7947", c.LocalNode().Addr)

	h, err := NewHybridCluster(&HybridConfig{NodeID: "node-a", RedisAddr: "127.0.0.1:1", GRPCAddr: ":9000"})
	require.NoError(t, err)
	assert.Equal(t, "node-a:9000", h.LocalNode().Addr)
}

func TestRedisCluster(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := NewRedisCluster(&RedisConfig{NodeID: "node-a", Addr: mr.Addr(), Logger: logger})
	require.NoError(t, err)
	b, err := NewRedisCluster(&RedisConfig{NodeID: "node-b", Addr: mr.Addr(), Logger: logger})
	require.NoError(t, err)

	got := make(chan *Envelope, 1)
	a.OnReceive(func(env *Envelope) { got <- env })

	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	nodes, err := b.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-a", nodes[0].ID)

	require.NoError(t, b.Send(ctx, nodes[0], &Envelope{Topic: "status", Payload: []byte{1}, Origin: "node-b"}))
	select {
	case env := <-got:
		assert.Equal(t, "node-b", env.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not received")
	}
}
