package stream

import (
	"errors"

	"github.com/bromq-dev/streams/pkg/actor"
)

// deliverLocal tells event to every local subscriber of topic. Failures are
// per subscriber and never reach the publisher.
func (ps *PubSub) deliverLocal(topic string, event any) {
	var stale []actor.Ref

	for _, ref := range ps.registry.Subscribers(topic) {
		err := ref.Tell(event)
		switch {
		case err == nil:
			ps.stats.localDeliveries.Add(1)
		case errors.Is(err, actor.ErrStopped):
			ps.log.Debug("subscriber stopped, removing",
				"topic", topic,
				"subscriber", ref.ID(),
			)
			stale = append(stale, ref)
		case errors.Is(err, actor.ErrMailboxFull):
			ps.stats.dropped.Add(1)
			ps.log.Warn("subscriber mailbox full, dropping event",
				"topic", topic,
				"subscriber", ref.ID(),
			)
		default:
			ps.stats.dropped.Add(1)
			ps.log.Warn("failed to deliver event",
				"topic", topic,
				"subscriber", ref.ID(),
				"error", err,
			)
		}
	}

	// Stale refs are cleaned up after the snapshot has been served.
	for _, ref := range stale {
		ps.registry.RemoveRef(ref)
	}
}
