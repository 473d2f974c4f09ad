package util

import "sync"

// Mailbox is an unbounded FIFO between a producer that must never block
// (store dispatch, socket readers, media callbacks) and one consumer reading
// from Out. Close stops delivery and closes Out; pending items are dropped.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
	done   chan struct{}
	out    chan T
}

// NewMailbox starts the delivery goroutine.
func NewMailbox[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go m.pump()
	return m
}

// Push enqueues v. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Out is closed after Close.
func (m *Mailbox[T]) Out() <-chan T { return m.out }

// Done is closed as soon as Close is called.
func (m *Mailbox[T]) Done() <-chan struct{} { return m.done }

// Close is idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.items = nil
	m.mu.Unlock()
	close(m.done)
}

func (m *Mailbox[T]) pump() {
	defer close(m.out)
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}
		for {
			m.mu.Lock()
			if len(m.items) == 0 {
				m.mu.Unlock()
				break
			}
			v := m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()

			select {
			case m.out <- v:
			case <-m.done:
				return
			}
		}
	}
}
