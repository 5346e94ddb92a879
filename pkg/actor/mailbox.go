package actor

import "sync"

// mailbox is an unbounded (or optionally bounded) FIFO queue with a wakeup
// signal for a single consumer.
type mailbox struct {
	mu       sync.Mutex
	queue    []any
	closed   bool
	capacity int // 0 = unbounded

	signal chan struct{}
}

func newMailbox(capacity int) *mailbox {
	return &mailbox{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// push appends msg. Control messages bypass the capacity limit.
func (m *mailbox) push(msg any, control bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStopped
	}
	if !control && m.capacity > 0 && len(m.queue) >= m.capacity {
		m.mu.Unlock()
		return ErrMailboxFull
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

// take removes and returns everything queued.
func (m *mailbox) take() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.queue
	m.queue = nil
	return batch
}

// pushFinal appends msg and rejects every later push.
func (m *mailbox) pushFinal(msg any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStopped
	}
	m.queue = append(m.queue, msg)
	m.closed = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

// close rejects further pushes and returns what was left unprocessed.
func (m *mailbox) close() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	rest := m.queue
	m.queue = nil
	return rest
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
