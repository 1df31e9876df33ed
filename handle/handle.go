// Package handle provides the caller side of the RPC layer: pending-request
// correlation and type-safe asynchronous proxies to remote agents.
//
// A Caller owns one mailbox on an exchange and the pending-request table
// that matches inbound terminal responses to outstanding requests. Handles
// minted from a Caller share its table, so correlation is purely local: the
// exchange only has to deliver responses to the correct origin mailbox.
package handle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/academy-dev/academy/exchange"
	"github.com/academy-dev/academy/identifier"
	"github.com/academy-dev/academy/message"
)

// ErrRuntimeUnreachable is returned by Ping when no response arrives before
// the caller's deadline or the target mailbox is gone. The registry holding
// an entry for the target is not treated as proof of liveness.
var ErrRuntimeUnreachable = errors.New("agent runtime unreachable")

// RemoteActionError reports that the remote action handler failed. It
// carries the remote error's kind and description, not its original type.
type RemoteActionError struct {
	Agent   identifier.EntityID
	Action  string
	Kind    string
	Message string
}

func (e *RemoteActionError) Error() string {
	return fmt.Sprintf("remote action %q on %s failed (%s): %s", e.Action, e.Agent, e.Kind, e.Message)
}

// IsUnknownAction reports whether err is a RemoteActionError caused by the
// target behavior not exposing the requested action.
func IsUnknownAction(err error) bool {
	var remote *RemoteActionError
	return errors.As(err, &remote) && remote.Kind == message.ErrKindUnknownAction
}

// Caller binds an identity and its mailbox on an exchange to a
// pending-request table. All handles created from one Caller send from its
// identity and receive responses through its mailbox.
type Caller struct {
	ex exchange.Exchange
	id identifier.EntityID

	mu      sync.Mutex
	pending map[uuid.UUID]chan *message.Message
	closed  bool

	// box and done are set only for callers that own a listener loop.
	box  exchange.Mailbox
	done chan struct{}
}

// NewCaller registers a fresh user mailbox on the exchange and starts a
// listener goroutine that routes inbound responses to pending requests.
// Close the caller to release the mailbox.
func NewCaller(ctx context.Context, ex exchange.Exchange) (*Caller, error) {
	id := identifier.NewUserID()
	box, err := ex.Register(ctx, id, "")
	if err != nil {
		return nil, fmt.Errorf("register user mailbox: %w", err)
	}
	c := &Caller{
		ex:      ex,
		id:      id,
		pending: make(map[uuid.UUID]chan *message.Message),
		box:     box,
		done:    make(chan struct{}),
	}
	go c.listen()
	return c, nil
}

// NewBound creates a caller for an entity whose mailbox is consumed
// elsewhere, such as an agent runtime that feeds responses in through
// Deliver from its own control loop. No listener goroutine is started.
func NewBound(ex exchange.Exchange, id identifier.EntityID) *Caller {
	return &Caller{
		ex:      ex,
		id:      id,
		pending: make(map[uuid.UUID]chan *message.Message),
	}
}

// ID returns the identity requests are sent from.
func (c *Caller) ID() identifier.EntityID { return c.id }

// Handle returns a proxy for invoking actions on the target agent.
func (c *Caller) Handle(target identifier.EntityID) *Handle {
	return &Handle{caller: c, target: target}
}

func (c *Caller) listen() {
	defer close(c.done)
	for {
		msg, err := c.box.Get(context.Background())
		if err != nil {
			if !errors.Is(err, exchange.ErrMailboxClosed) {
				log.Printf("caller %s: mailbox receive failed: %v", c.id, err)
			}
			c.drain()
			return
		}
		c.Deliver(msg)
	}
}

// Deliver routes one inbound message. Terminal responses resolve their
// pending entry; responses with no matching entry are discarded as orphans.
// Request-shaped messages addressed to a plain caller are answered with an
// error, since users cannot fulfill requests.
func (c *Caller) Deliver(msg *message.Message) {
	if msg.IsResponse() {
		c.resolve(msg)
		return
	}
	if msg.Kind == message.KindShutdown {
		// Nothing to tear down on a plain caller.
		return
	}
	reply := msg.Failure(message.ErrKindUnsupportedRequest,
		fmt.Sprintf("%s cannot fulfill requests", c.id))
	if err := c.ex.Send(context.Background(), reply); err != nil {
		log.Printf("caller %s: failed to reject request from %s: %v", c.id, msg.Source, err)
	}
}

func (c *Caller) resolve(msg *message.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	if ok {
		delete(c.pending, msg.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		log.Printf("caller %s: discarding orphaned response %s from %s", c.id, msg.RequestID, msg.Source)
		return
	}
	ch <- msg
}

// register inserts a pending entry before the request is sent, so no
// response can arrive ahead of its table entry.
func (c *Caller) register(rid uuid.UUID) (chan *message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, exchange.ErrMailboxClosed
	}
	ch := make(chan *message.Message, 1)
	c.pending[rid] = ch
	return ch, nil
}

// PendingCount returns the number of outstanding requests awaiting a
// terminal response.
func (c *Caller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Caller) forget(rid uuid.UUID) {
	c.mu.Lock()
	delete(c.pending, rid)
	c.mu.Unlock()
}

// drain fails every outstanding request with a mailbox-closed signal.
func (c *Caller) drain() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uuid.UUID]chan *message.Message)
	c.closed = true
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// Close terminates the caller's mailbox, fails outstanding requests with
// ErrMailboxClosed, and waits for the listener to exit. For bound callers
// it only drains the table.
func (c *Caller) Close(ctx context.Context) error {
	if c.box == nil {
		c.drain()
		return nil
	}
	if err := c.ex.Unregister(ctx, c.id); err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle is a client-side proxy bound to one target agent. Handles are
// cheap; mint as many as needed and use them from any goroutine.
type Handle struct {
	caller *Caller
	target identifier.EntityID
}

// Target returns the agent this handle is bound to.
func (h *Handle) Target() identifier.EntityID { return h.target }

// Action invokes the named action asynchronously. Arguments are serialized
// to JSON. The returned Pending can be awaited later or never; an
// unawaited response resolves silently and is discarded.
func (h *Handle) Action(ctx context.Context, name string, args any) (*Pending, error) {
	var payload json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments for %q: %w", name, err)
		}
		payload = data
	}

	req := message.NewRequest(h.caller.id, h.target, name, payload)
	ch, err := h.caller.register(req.RequestID)
	if err != nil {
		return nil, err
	}
	if err := h.caller.ex.Send(ctx, req); err != nil {
		h.caller.forget(req.RequestID)
		return nil, err
	}
	return &Pending{caller: h.caller, target: h.target, action: name, id: req.RequestID, ch: ch}, nil
}

// Call is the synchronous composition of Action and Await. If result is
// non-nil the Success payload is unmarshaled into it.
func (h *Handle) Call(ctx context.Context, name string, args, result any) error {
	pending, err := h.Action(ctx, name, args)
	if err != nil {
		return err
	}
	payload, err := pending.Await(ctx)
	if err != nil {
		return err
	}
	if result == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, result); err != nil {
		return fmt.Errorf("unmarshal result of %q: %w", name, err)
	}
	return nil
}

// Ping probes the target runtime's liveness and returns the round-trip
// time. It fails with ErrRuntimeUnreachable when no Success arrives before
// ctx's deadline or the target mailbox is closed.
func (h *Handle) Ping(ctx context.Context) (time.Duration, error) {
	ping := message.NewPing(h.caller.id, h.target)
	ch, err := h.caller.register(ping.RequestID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRuntimeUnreachable, err)
	}

	start := time.Now()
	if err := h.caller.ex.Send(ctx, ping); err != nil {
		h.caller.forget(ping.RequestID)
		return 0, fmt.Errorf("%w: %v", ErrRuntimeUnreachable, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return 0, fmt.Errorf("%w: caller mailbox closed", ErrRuntimeUnreachable)
		}
		if msg.Kind == message.KindError {
			return 0, fmt.Errorf("%w: %s", ErrRuntimeUnreachable, msg.Err.Message)
		}
		return time.Since(start), nil
	case <-ctx.Done():
		h.caller.forget(ping.RequestID)
		return 0, fmt.Errorf("%w: %v", ErrRuntimeUnreachable, ctx.Err())
	}
}

// Shutdown asks the target runtime to drain and exit. It is fire-and-forget:
// no confirmation of teardown is awaited.
func (h *Handle) Shutdown(ctx context.Context) error {
	return h.caller.ex.Send(ctx, message.NewShutdown(h.caller.id, h.target))
}

// Pending is a handle to the eventual result of one action invocation.
type Pending struct {
	caller *Caller
	target identifier.EntityID
	action string
	id     uuid.UUID
	ch     chan *message.Message
}

// RequestID returns the correlation identifier of the request.
func (p *Pending) RequestID() uuid.UUID { return p.id }

// Await blocks until the terminal response arrives or ctx is done. On
// Success it returns the serialized result; on Error it returns a
// *RemoteActionError. Cancellation or deadline expiry removes the pending
// entry, so a late response is discarded as orphaned; the remote action
// keeps running to completion regardless.
func (p *Pending) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg, ok := <-p.ch:
		if !ok {
			return nil, exchange.ErrMailboxClosed
		}
		if msg.Kind == message.KindError {
			return nil, &RemoteActionError{
				Agent:   p.target,
				Action:  p.action,
				Kind:    msg.Err.Kind,
				Message: msg.Err.Message,
			}
		}
		return msg.Payload, nil
	case <-ctx.Done():
		p.caller.forget(p.id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("awaiting %q on %s: %w", p.action, p.target, exchange.ErrTimeout)
		}
		return nil, ctx.Err()
	}
}
