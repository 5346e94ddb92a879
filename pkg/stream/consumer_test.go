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

func TestConsumer(t *testing.T) {
	n := newLocalNode(t)

	got := make(chan stream.Event[Status], 10)
	c := stream.NewConsumer(n.ps, statusTopic, stream.HandlerFunc[Status](func(_ *actor.Context, ev stream.Event[Status]) {
		got <- ev
	}))
	pid, err := n.sys.Spawn(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"status": 1}, n.ps.Registry().TopicCounts())

	stream.Publish(context.Background(), n.ps, statusTopic, Online)
	select {
	case ev := <-got:
		assert.True(t, ev.OK())
		assert.Equal(t, Online, ev.Message)
	case <-time.After(waitFor):
		t.Fatal("consumer got no event")
	}

	// Other messages are ignored
	require.NoError(t, pid.Tell("hello"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pid.Stop(ctx))
	assert.Zero(t, n.ps.Registry().Count())
	assert.Empty(t, got)
}

func TestConsumerReleasedOnPanic(t *testing.T) {
	n := newLocalNode(t)

	c := stream.NewConsumer(n.ps, statusTopic, stream.HandlerFunc[Status](func(*actor.Context, stream.Event[Status]) {
		panic("handler failed")
	}))
	pid, err := n.sys.Spawn(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 1, n.ps.Registry().Count())

	stream.Publish(context.Background(), n.ps, statusTopic, Online)

	select {
	case <-pid.Done():
	case <-time.After(waitFor):
		t.Fatal("consumer did not stop after panic")
	}
	assert.Zero(t, n.ps.Registry().Count())
}

func TestConsumerUnknownTopicFailsSpawn(t *testing.T) {
	n := newLocalNode(t)

	other, err := stream.NewTable(nil)
	require.NoError(t, err)
	ps, err := stream.New(&stream.Config{Table: other, Logger: quietLogger()})
	require.NoError(t, err)

	c := stream.NewConsumer(ps, statusTopic, stream.HandlerFunc[Status](func(*actor.Context, stream.Event[Status]) {}))
	_, err = n.sys.Spawn(context.Background(), c)
	assert.ErrorIs(t, err, stream.ErrUnknownTopic)
}

// scoped subscribes to two topics from Started.
type scoped struct {
	ps *stream.PubSub
}

func (s *scoped) Started(ctx *actor.Context) error {
	if err := stream.SubscribeScoped(ctx, s.ps, statusTopic); err != nil {
		return err
	}
	return stream.SubscribeScoped(ctx, s.ps, readingTopic)
}

func (s *scoped) Receive(ctx *actor.Context, msg any) {
	if msg == "quit" {
		ctx.Stop()
	}
}

func TestSubscribeScopedReleasedOnStop(t *testing.T) {
	n := newLocalNode(t)

	pid, err := n.sys.Spawn(context.Background(), &scoped{ps: n.ps})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"status": 1, "sensors/readings": 1}, n.ps.Registry().TopicCounts())

	require.NoError(t, pid.Tell("quit"))
	select {
	case <-pid.Done():
	case <-time.After(waitFor):
		t.Fatal("actor did not stop")
	}
	assert.Zero(t, n.ps.Registry().Count())
}
