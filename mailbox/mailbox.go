// Package mailbox provides the ordered, single-consumer inbox backing each
// entity registered on an in-process exchange.
//
// A mailbox is safe for any number of concurrent producers, but exactly one
// consumer (the owning runtime or caller) may call Get. Messages are
// delivered in the order Put accepted them.
package mailbox

import (
	"context"
	"errors"
	"sync"

	"github.com/academy-dev/academy/identifier"
	"github.com/academy-dev/academy/message"
)

// ErrClosed is returned by Put and Get once the mailbox has been closed.
var ErrClosed = errors.New("mailbox closed")

// Mailbox is a FIFO inbox owned by a single consumer.
type Mailbox struct {
	id identifier.EntityID

	mu     sync.Mutex
	queue  []*message.Message
	closed bool

	// wake carries a token whenever the queue may have become non-empty.
	wake chan struct{}
	done chan struct{}
}

// New creates an open mailbox for the given entity.
func New(id identifier.EntityID) *Mailbox {
	return &Mailbox{
		id:   id,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// ID returns the entity that owns this mailbox.
func (m *Mailbox) ID() identifier.EntityID { return m.id }

// Put appends a message to the mailbox. It never blocks. Put fails with
// ErrClosed after Close has been called.
func (m *Mailbox) Put(msg *message.Message) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Get removes and returns the oldest undelivered message, blocking until
// one arrives, the context is done, or the mailbox closes. Only the owning
// consumer may call Get.
func (m *Mailbox) Get(ctx context.Context) (*message.Message, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, nil
		}
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-m.wake:
		case <-m.done:
			// Loop once more to drain anything enqueued before close.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close marks the mailbox closed, wakes any blocked Get, and causes all
// later Put calls to fail. Close is idempotent. Messages already enqueued
// remain retrievable by Get until the queue is drained.
func (m *Mailbox) Close() error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Len returns the number of undelivered messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
