package noop

import (
	"context"
	"testing"

	"github.com/bromq-dev/streams/pkg/cluster/types"
	"github.com/stretchr/testify/assert"
)

func TestRouterDiscards(t *testing.T) {
	r := NewRouter()
	assert.NoError(t, r.Start(context.Background()))
	r.OnReceive(func(*types.Envelope) { t.Fatal("noop router delivered an envelope") })

	assert.NoError(t, r.Send(context.Background(), types.NodeInfo{ID: "node-b"}, &types.Envelope{Topic: "status"}))
	assert.Equal(t, uint64(1), r.Discarded())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Send(ctx, types.NodeInfo{ID: "node-b"}, &types.Envelope{}), context.Canceled)
	assert.Equal(t, uint64(2), r.Discarded())

	assert.Empty(t, r.Addr())
	assert.NoError(t, r.Stop())
}
