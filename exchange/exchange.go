// Package exchange defines the routing fabric contract: the directory that
// maps entity identifiers to mailboxes and moves messages between them.
//
// The core runtime and handle layers are written against the Exchange
// interface only. Concrete backends live in subpackages: exchange/local
// (in-process), exchange/redisx (Redis-backed), and exchange/httpx
// (HTTP-backed client and server).
package exchange

import (
	"context"
	"errors"

	"github.com/academy-dev/academy/identifier"
	"github.com/academy-dev/academy/mailbox"
	"github.com/academy-dev/academy/message"
)

var (
	// ErrUnknownAgent is returned when routing to an identifier that was
	// never registered with the exchange.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrMailboxClosed is returned when sending to or receiving from a
	// mailbox that has been terminated.
	ErrMailboxClosed = mailbox.ErrClosed

	// ErrDuplicateAgent is returned when registering an identifier that is
	// already registered and active.
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrExchangeClosed is returned by operations on a closed exchange.
	ErrExchangeClosed = errors.New("exchange closed")

	// ErrTimeout is returned when a bounded wait elapses before the awaited
	// event occurs.
	ErrTimeout = errors.New("timed out")
)

// Status describes the registry's view of a mailbox.
type Status string

const (
	// StatusMissing means the identifier was never registered.
	StatusMissing Status = "missing"

	// StatusActive means the mailbox exists and accepts deliveries.
	StatusActive Status = "active"

	// StatusClosed means the mailbox was terminated; sends fail with
	// ErrMailboxClosed.
	StatusClosed Status = "closed"
)

// Mailbox is the consumer-side view of a registered inbox. Producers never
// touch a Mailbox directly; all deliveries go through Exchange.Send.
type Mailbox interface {
	// ID returns the entity that owns the mailbox.
	ID() identifier.EntityID

	// Get blocks until the oldest undelivered message is available, the
	// context is done, or the mailbox is closed (ErrMailboxClosed).
	Get(ctx context.Context) (*message.Message, error)

	// Close releases the consumer-side resources of the mailbox. It does
	// not terminate the registration; use Exchange.Unregister for that.
	Close() error
}

// Exchange routes addressed messages between registered mailboxes.
//
// Implementations must keep registry mutations atomic with respect to
// concurrent Send, Register, and Unregister calls on the same identifier,
// and must preserve FIFO delivery order per mailbox.
type Exchange interface {
	// Register creates an open mailbox for a fresh identifier. The behavior
	// name is recorded for Discover; user registrations pass "". Register
	// fails with ErrDuplicateAgent if the identifier is already active.
	Register(ctx context.Context, id identifier.EntityID, behavior string) (Mailbox, error)

	// Unregister terminates the identifier's mailbox. Senders observe
	// ErrMailboxClosed afterwards and a consumer blocked in Get is woken
	// with the same error. Unregistering an unknown identifier is a no-op.
	Unregister(ctx context.Context, id identifier.EntityID) error

	// Send resolves msg.Dest and enqueues the message, preserving arrival
	// order relative to other sends observed by that mailbox. It fails with
	// ErrUnknownAgent for unregistered destinations and ErrMailboxClosed
	// for terminated ones.
	Send(ctx context.Context, msg *message.Message) error

	// Discover returns a snapshot of the active agent identifiers whose
	// registered behavior name matches. An empty behavior matches all
	// agents. No consistency is guaranteed against concurrent registration
	// changes.
	Discover(ctx context.Context, behavior string) ([]identifier.EntityID, error)

	// Status reports the registry's view of an identifier.
	Status(ctx context.Context, id identifier.EntityID) (Status, error)

	// Close releases backend resources held by this exchange client. It
	// does not terminate registered mailboxes.
	Close() error
}
