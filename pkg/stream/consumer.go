package stream

import (
	"fmt"

	"github.com/bromq-dev/streams/pkg/actor"
)

// Handler receives the events of one topic.
type Handler[M any] interface {
	HandleStream(ctx *actor.Context, ev Event[M])
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc[M any] func(ctx *actor.Context, ev Event[M])

func (f HandlerFunc[M]) HandleStream(ctx *actor.Context, ev Event[M]) { f(ctx, ev) }

// Consumer is an actor subscribed to a single topic for its whole life.
// Spawn it on an actor.System; it subscribes in Started and releases the
// subscription on termination.
type Consumer[M any] struct {
	ps      *PubSub
	topic   *Topic[M]
	handler Handler[M]
}

// NewConsumer creates a Consumer routing t's events to h.
func NewConsumer[M any](ps *PubSub, t *Topic[M], h Handler[M]) *Consumer[M] {
	return &Consumer[M]{ps: ps, topic: t, handler: h}
}

func (c *Consumer[M]) Started(ctx *actor.Context) error {
	return SubscribeScoped(ctx, c.ps, c.topic)
}

func (c *Consumer[M]) Receive(ctx *actor.Context, msg any) {
	ev, ok := msg.(Event[M])
	if !ok {
		ctx.Logger().Debug("consumer ignoring message", "topic", c.topic.Name(), "type", fmt.Sprintf("%T", msg))
		return
	}
	c.handler.HandleStream(ctx, ev)
}

// Handler returns the wrapped handler.
func (c *Consumer[M]) Handler() Handler[M] { return c.handler }

var (
	_ actor.Actor   = (*Consumer[int])(nil)
	_ actor.Starter = (*Consumer[int])(nil)
)
