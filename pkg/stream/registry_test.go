package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/bromq-dev/streams/pkg/actor"
	"github.com/bromq-dev/streams/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticRef is a Ref with a fixed ID. Tell runs onTell and returns err.
type staticRef struct {
	id     string
	err    error
	onTell func()
}

func (r *staticRef) ID() string { return r.id }

func (r *staticRef) Tell(any) error {
	if r.onTell != nil {
		r.onTell()
	}
	return r.err
}

func TestRegistryRemovesOnlySameRef(t *testing.T) {
	reg := stream.NewRegistry(newTable(t))
	old := &staticRef{id: "worker"}
	cur := &staticRef{id: "worker"}

	require.NoError(t, reg.Subscribe("status", old))
	require.NoError(t, reg.Subscribe("sensors/readings", old))
	require.NoError(t, reg.Subscribe("status", cur))

	require.NoError(t, reg.Unsubscribe("status", old))
	reg.RemoveRef(old)

	subs := reg.Subscribers("status")
	require.Len(t, subs, 1)
	assert.Same(t, cur, subs[0])
	assert.Empty(t, reg.Subscribers("sensors/readings"))

	require.NoError(t, reg.Unsubscribe("status", cur))
	assert.Zero(t, reg.Count())
}

func TestStaleRefKeepsResubscribedID(t *testing.T) {
	n := newLocalNode(t)

	fresh := &collector[Status]{}
	pid, err := n.sys.Spawn(context.Background(), fresh, actor.WithID("worker"))
	require.NoError(t, err)

	// The stale ref's ID is taken over while its delivery fails
	stale := &staticRef{id: "worker", err: actor.ErrStopped}
	stale.onTell = func() {
		require.NoError(t, n.ps.Subscribe("status", pid))
	}
	require.NoError(t, n.ps.Subscribe("status", stale))

	stream.Publish(context.Background(), n.ps, statusTopic, Online)
	require.Equal(t, 1, n.ps.Registry().Count())

	stream.Publish(context.Background(), n.ps, statusTopic, Offline)
	require.Eventually(t, func() bool { return fresh.received() == 1 }, waitFor, tick)
	assert.Equal(t, []Status{Offline}, fresh.messages())
}

func TestConsumersSharingIDAcrossSystems(t *testing.T) {
	n := newLocalNode(t)
	other := newSystem(t, "other")

	first := make(chan Status, 10)
	second := make(chan Status, 10)
	a, err := n.sys.Spawn(context.Background(), stream.NewConsumer(n.ps, statusTopic,
		stream.HandlerFunc[Status](func(_ *actor.Context, ev stream.Event[Status]) { first <- ev.Message })),
		actor.WithID("worker"))
	require.NoError(t, err)
	_, err = other.Spawn(context.Background(), stream.NewConsumer(n.ps, statusTopic,
		stream.HandlerFunc[Status](func(_ *actor.Context, ev stream.Event[Status]) { second <- ev.Message })),
		actor.WithID("worker"))
	require.NoError(t, err)
	require.Equal(t, 1, n.ps.Registry().Count())

	// Stopping the first consumer must not release the second one's entry
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, 1, n.ps.Registry().Count())

	stream.Publish(context.Background(), n.ps, statusTopic, Online)

	select {
	case s := <-second:
		assert.Equal(t, Online, s)
	case <-time.After(waitFor):
		t.Fatal("second consumer got no event")
	}
	assert.Empty(t, first)
}

func TestDuplicateConsumerIDRejected(t *testing.T) {
	n := newLocalNode(t)
	h := stream.HandlerFunc[Status](func(*actor.Context, stream.Event[Status]) {})

	_, err := n.sys.Spawn(context.Background(), stream.NewConsumer(n.ps, statusTopic, h), actor.WithID("worker"))
	require.NoError(t, err)
	_, err = n.sys.Spawn(context.Background(), stream.NewConsumer(n.ps, statusTopic, h), actor.WithID("worker"))
	assert.ErrorIs(t, err, actor.ErrDuplicateID)
	assert.Equal(t, 1, n.ps.Registry().Count())
}
