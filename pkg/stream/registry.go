package stream

import (
	"fmt"
	"sync"

	"github.com/bromq-dev/streams/pkg/actor"
)

// Registry maps topic names to the local subscribers of each topic.
// Subscribers are keyed by Ref.ID(), so subscribing twice keeps one entry.
// Removal only deletes the entry if it still holds the same ref, so a stale
// ref never removes a newer subscriber that reuses its ID.
type Registry struct {
	table *Table

	mu     sync.RWMutex
	topics map[string]map[string]actor.Ref
}

// NewRegistry creates a registry accepting the topics of table.
func NewRegistry(table *Table) *Registry {
	return &Registry{
		table:  table,
		topics: make(map[string]map[string]actor.Ref),
	}
}

// Subscribe adds ref to the topic's subscribers.
func (r *Registry) Subscribe(topic string, ref actor.Ref) error {
	if _, ok := r.table.Lookup(topic); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]actor.Ref)
		r.topics[topic] = subs
	}
	subs[ref.ID()] = ref
	return nil
}

// Unsubscribe removes ref from the topic. Removing a missing entry succeeds.
func (r *Registry) Unsubscribe(topic string, ref actor.Ref) error {
	if _, ok := r.table.Lookup(topic); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(topic, ref)
	return nil
}

// Subscribers returns a snapshot of the topic's subscribers.
func (r *Registry) Subscribers(topic string) []actor.Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.topics[topic]
	if len(subs) == 0 {
		return nil
	}
	out := make([]actor.Ref, 0, len(subs))
	for _, ref := range subs {
		out = append(out, ref)
	}
	return out
}

// RemoveRef drops ref from every topic.
func (r *Registry) RemoveRef(ref actor.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic := range r.topics {
		r.remove(topic, ref)
	}
}

// Count returns the total number of subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, subs := range r.topics {
		n += len(subs)
	}
	return n
}

// TopicCounts returns the number of subscribers per topic.
func (r *Registry) TopicCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.topics))
	for topic, subs := range r.topics {
		counts[topic] = len(subs)
	}
	return counts
}

// remove must be called with mu held.
func (r *Registry) remove(topic string, ref actor.Ref) {
	subs, ok := r.topics[topic]
	if !ok {
		return
	}
	id := ref.ID()
	if cur, ok := subs[id]; !ok || cur != ref {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
}
