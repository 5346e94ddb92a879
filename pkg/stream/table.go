package stream

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bromq-dev/streams/pkg/topic"
)

// Table is the set of topics a node routes. Every node in a cluster must
// build the same Table before joining.
type Table struct {
	topics map[string]Descriptor
}

// TableBuilder collects topics for NewTable.
type TableBuilder struct {
	topics map[string]Descriptor
	errs   []error
}

// NewTable runs build and returns the resulting Table. Invalid names and
// conflicting payload types are reported together.
//
//	table, err := stream.NewTable(func(b *stream.TableBuilder) {
//		b.AddTopic(StatusTopic)
//		b.AddTopic(ReadingsTopic)
//	})
func NewTable(build func(b *TableBuilder)) (*Table, error) {
	b := &TableBuilder{topics: make(map[string]Descriptor)}
	if build != nil {
		build(b)
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return &Table{topics: b.topics}, nil
}

// AddTopic registers d. Adding the same name with the same payload type again
// is a no-op.
func (b *TableBuilder) AddTopic(d Descriptor) *TableBuilder {
	name := d.Name()
	if err := topic.ValidateName(name); err != nil {
		b.errs = append(b.errs, fmt.Errorf("topic %q: %w", name, err))
		return b
	}

	if existing, ok := b.topics[name]; ok {
		if existing.payloadType() != d.payloadType() {
			b.errs = append(b.errs, fmt.Errorf("%w: %q is %v, not %v",
				ErrTopicConflict, name, existing.payloadType(), d.payloadType()))
		}
		return b
	}

	b.topics[name] = d
	return b
}

// Lookup returns the descriptor registered under name.
func (t *Table) Lookup(name string) (Descriptor, bool) {
	d, ok := t.topics[name]
	return d, ok
}

// Names returns the registered topic names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.topics))
	for name := range t.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered topics.
func (t *Table) Len() int { return len(t.topics) }

func (t *Table) check(d Descriptor) (Descriptor, error) {
	registered, ok := t.topics[d.Name()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, d.Name())
	}
	if registered.payloadType() != d.payloadType() {
		return nil, fmt.Errorf("%w: %s", ErrTopicMismatch, d.Name())
	}
	return registered, nil
}
