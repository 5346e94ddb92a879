package sys

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bromq-dev/streams/pkg/actor"
	"github.com/bromq-dev/streams/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPubSub(t *testing.T, build func(*stream.TableBuilder)) *stream.PubSub {
	t.Helper()
	table, err := stream.NewTable(build)
	require.NoError(t, err)
	ps, err := stream.New(&stream.Config{Table: table, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	require.NoError(t, ps.Start(context.Background()))
	t.Cleanup(func() { ps.Stop() })
	return ps
}

func TestReporterPublishes(t *testing.T) {
	ps := newPubSub(t, AddTopics)

	system := actor.NewSystem(&actor.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	defer system.Shutdown(context.Background())

	col := NewCollector()
	_, err := system.Spawn(context.Background(), stream.NewConsumer(ps, Topic, col))
	require.NoError(t, err)

	r, err := NewReporter(&Config{PubSub: ps, Interval: 20 * time.Millisecond, Version: "test"})
	require.NoError(t, err)
	r.Start()
	r.Start()

	// The first report is published on Start; later ones count earlier publishes
	require.Eventually(t, func() bool {
		reports := col.Reports()
		return len(reports) == 1 && reports[0].Stats.Published >= 2
	}, 2*time.Second, 10*time.Millisecond)
	r.Stop()

	rep := col.Reports()[0]
	assert.Equal(t, "local", rep.NodeID)
	assert.Equal(t, "test", rep.Version)
	assert.Equal(t, 1, rep.Stats.Subscriptions)

	col.Forget("local")
	assert.Empty(t, col.Reports())
}

func TestCollectorKeepsNewest(t *testing.T) {
	col := NewCollector()
	col.HandleStream(nil, stream.Received(Report{NodeID: "a", Timestamp: 20, Version: "new"}))
	col.HandleStream(nil, stream.Received(Report{NodeID: "a", Timestamp: 10, Version: "old"}))
	col.HandleStream(nil, stream.Received(Report{NodeID: "b", Timestamp: 5}))

	reports := col.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, "new", reports[0].Version)
	assert.Equal(t, "b", reports[1].NodeID)
}

func TestNewReporterRequiresTopic(t *testing.T) {
	ps := newPubSub(t, nil)
	_, err := NewReporter(&Config{PubSub: ps})
	assert.ErrorIs(t, err, stream.ErrUnknownTopic)

	_, err = NewReporter(nil)
	assert.Error(t, err)
}
