// Package local provides the in-process exchange backend. All mailboxes
// live in this process and delivery is a locked map lookup plus an append.
package local

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	intobs "github.com/academy-dev/academy/internal/observability"

	"github.com/academy-dev/academy/exchange"
	"github.com/academy-dev/academy/identifier"
	"github.com/academy-dev/academy/mailbox"
	"github.com/academy-dev/academy/message"
	"github.com/academy-dev/academy/pkg/observability"
)

type entry struct {
	box      *mailbox.Mailbox
	behavior string
}

// Exchange is an in-process message router. It is safe for concurrent use
// by any number of runtimes and callers sharing the process.
type Exchange struct {
	mu     sync.RWMutex
	boxes  map[identifier.EntityID]*entry
	closed bool
}

var _ exchange.Exchange = (*Exchange)(nil)

// New creates an empty in-process exchange.
func New() *Exchange {
	return &Exchange{boxes: make(map[identifier.EntityID]*entry)}
}

// Register creates an open mailbox for id. A terminated registration may be
// re-registered, which creates a fresh empty mailbox under the same id.
func (x *Exchange) Register(ctx context.Context, id identifier.EntityID, behavior string) (exchange.Mailbox, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return nil, exchange.ErrExchangeClosed
	}
	if e, ok := x.boxes[id]; ok && !e.box.Closed() {
		return nil, exchange.ErrDuplicateAgent
	}

	e := &entry{box: mailbox.New(id), behavior: behavior}
	x.boxes[id] = e
	return e.box, nil
}

// Unregister terminates the mailbox for id. The registry entry is retained
// so that later sends fail with ErrMailboxClosed rather than ErrUnknownAgent.
func (x *Exchange) Unregister(ctx context.Context, id identifier.EntityID) error {
	x.mu.RLock()
	e, ok := x.boxes[id]
	x.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.box.Close()
}

// Send enqueues msg into the mailbox registered for msg.Dest.
func (x *Exchange) Send(ctx context.Context, msg *message.Message) error {
	_, span := intobs.StartSpan(ctx, "exchange.send", trace.WithAttributes(
		attribute.String("message.kind", string(msg.Kind)),
		attribute.String("message.dest", msg.Dest.String()),
	))
	defer span.End()

	x.mu.RLock()
	if x.closed {
		x.mu.RUnlock()
		return exchange.ErrExchangeClosed
	}
	e, ok := x.boxes[msg.Dest]
	x.mu.RUnlock()

	if !ok {
		observability.RecordMessage(string(msg.Kind), "unknown")
		return exchange.ErrUnknownAgent
	}
	if err := e.box.Put(msg); err != nil {
		observability.RecordMessage(string(msg.Kind), "closed")
		return err
	}
	observability.RecordMessage(string(msg.Kind), "delivered")
	return nil
}

// Discover returns a snapshot of active agent ids whose behavior name
// matches. An empty behavior matches every active agent.
func (x *Exchange) Discover(ctx context.Context, behavior string) ([]identifier.EntityID, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var found []identifier.EntityID
	for id, e := range x.boxes {
		if !id.IsAgent() || e.box.Closed() {
			continue
		}
		if behavior == "" || e.behavior == behavior {
			found = append(found, id)
		}
	}
	return found, nil
}

// Status reports the registry's view of id.
func (x *Exchange) Status(ctx context.Context, id identifier.EntityID) (exchange.Status, error) {
	x.mu.RLock()
	e, ok := x.boxes[id]
	x.mu.RUnlock()

	switch {
	case !ok:
		return exchange.StatusMissing, nil
	case e.box.Closed():
		return exchange.StatusClosed, nil
	default:
		return exchange.StatusActive, nil
	}
}

// Close terminates every registered mailbox and rejects further operations.
func (x *Exchange) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	for _, e := range x.boxes {
		e.box.Close()
	}
	return nil
}
