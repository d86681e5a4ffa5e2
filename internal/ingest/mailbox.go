package ingest

import "sync"

// mailbox is an unbounded FIFO with a single consumer. push never blocks.
type mailbox[T any] struct {
	mx     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

// push returns false once the mailbox is closed.
func (m *mailbox[T]) push(v T) bool {
	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mx.Unlock()
	m.notify()
	return true
}

// close stops accepting items. Items already pushed are still delivered.
func (m *mailbox[T]) close() {
	m.mx.Lock()
	m.closed = true
	m.mx.Unlock()
	m.notify()
}

func (m *mailbox[T]) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// drain calls handle for every item in push order and returns after close
// once the mailbox is empty.
func (m *mailbox[T]) drain(handle func(T)) {
	for {
		m.mx.Lock()
		items := m.items
		m.items = nil
		closed := m.closed
		m.mx.Unlock()

		for _, it := range items {
			handle(it)
		}
		if len(items) > 0 {
			continue
		}
		if closed {
			return
		}
		<-m.signal
	}
}
