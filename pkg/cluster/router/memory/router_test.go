package memory

import (
	"context"
	"testing"
	"time"

	"github.com/bromq-dev/streams/pkg/cluster/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, hub *Hub, id string, inbox int) *Router {
	t.Helper()
	r := NewRouter(&Config{NodeID: id, Hub: hub, InboxSize: inbox})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Stop() })
	return r
}

func TestRouterSend(t *testing.T) {
	hub := NewHub()
	a := newTestRouter(t, hub, "node-a", 0)
	b := newTestRouter(t, hub, "node-b", 0)

	got := make(chan *types.Envelope, 1)
	b.OnReceive(func(env *types.Envelope) { got <- env })

	payload := []byte{1}
	require.NoError(t, a.Send(context.Background(), types.NodeInfo{ID: "node-b"}, &types.Envelope{
		Topic:   "status",
		Payload: payload,
		Origin:  "node-a",
	}))
	// The receiver gets its own copy
	payload[0] = 9

	select {
	case env := <-got:
		assert.Equal(t, []byte{1}, env.Payload)
		assert.Equal(t, "node-a", env.Origin)
	case <-time.After(time.Second):
		t.Fatal("envelope not received")
	}
	assert.Equal(t, "node-b", b.Addr())
}

func TestRouterUnreachable(t *testing.T) {
	hub := NewHub()
	a := newTestRouter(t, hub, "node-a", 0)
	newTestRouter(t, hub, "node-b", 0)

	err := a.Send(context.Background(), types.NodeInfo{ID: "node-x"}, &types.Envelope{})
	assert.ErrorIs(t, err, ErrUnreachable)

	hub.SetDown("node-b", true)
	err = a.Send(context.Background(), types.NodeInfo{ID: "node-b"}, &types.Envelope{})
	assert.ErrorIs(t, err, ErrUnreachable)

	hub.SetDown("node-b", false)
	assert.NoError(t, a.Send(context.Background(), types.NodeInfo{ID: "node-b"}, &types.Envelope{}))
}

func TestRouterFullInboxHonorsContext(t *testing.T) {
	hub := NewHub()
	a := newTestRouter(t, hub, "node-a", 0)
	b := newTestRouter(t, hub, "node-b", 1)

	release := make(chan struct{})
	b.OnReceive(func(*types.Envelope) { <-release })
	defer close(release)

	// One envelope blocks the handler, one fills the inbox
	require.NoError(t, a.Send(context.Background(), types.NodeInfo{ID: "node-b"}, &types.Envelope{}))
	require.Eventually(t, func() bool { return len(b.inbox) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, a.Send(context.Background(), types.NodeInfo{ID: "node-b"}, &types.Envelope{}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := a.Send(ctx, types.NodeInfo{ID: "node-b"}, &types.Envelope{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRouterNotStarted(t *testing.T) {
	r := NewRouter(&Config{NodeID: "node-a", Hub: NewHub()})
	err := r.Send(context.Background(), types.NodeInfo{ID: "node-b"}, &types.Envelope{})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, r.Stop())
}

func TestRouterRestart(t *testing.T) {
	hub := NewHub()
	a := newTestRouter(t, hub, "node-a", 0)
	b := NewRouter(&Config{NodeID: "node-b", Hub: hub})

	got := make(chan *types.Envelope, 2)
	b.OnReceive(func(env *types.Envelope) { got <- env })

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Start(context.Background()))
		require.NoError(t, a.Send(context.Background(), types.NodeInfo{ID: "node-b"}, &types.Envelope{Topic: "status"}))
		select {
		case env := <-got:
			assert.Equal(t, "status", env.Topic)
		case <-time.After(time.Second):
			t.Fatalf("envelope not received after start %d", i+1)
		}
		require.NoError(t, b.Stop())

		err := a.Send(context.Background(), types.NodeInfo{ID: "node-b"}, &types.Envelope{})
		assert.ErrorIs(t, err, ErrUnreachable)
	}
}
