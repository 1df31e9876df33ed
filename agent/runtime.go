// Package agent implements the per-agent runtime: the control loop that
// turns inbound mailbox messages into behavior invocations and matches the
// runtime's own outbound requests to their eventual responses.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	intobs "github.com/academy-dev/academy/internal/observability"

	"github.com/academy-dev/academy/exchange"
	"github.com/academy-dev/academy/handle"
	"github.com/academy-dev/academy/identifier"
	"github.com/academy-dev/academy/message"
	"github.com/academy-dev/academy/pkg/observability"
)

// State is the lifecycle phase of a runtime.
type State int32

const (
	// StateStarting covers construction through the OnStart hook.
	StateStarting State = iota

	// StateRunning means the control loop is dispatching messages.
	StateRunning

	// StateDraining means no new requests are dispatched; the shutdown hook
	// runs and the mailbox is unregistered.
	StateDraining

	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// drainTimeout bounds the shutdown hook and mailbox teardown once the
// control loop has exited.
const drainTimeout = 30 * time.Second

type options struct {
	id   identifier.EntityID
	name string
}

// Option configures a Runtime.
type Option func(*options)

// WithID runs the agent under a fixed identifier instead of a fresh one.
// Used by launchers that restart agents under their original identity.
func WithID(id identifier.EntityID) Option {
	return func(o *options) { o.id = id }
}

// WithBehaviorName overrides the behavior name recorded for discovery.
func WithBehaviorName(name string) Option {
	return func(o *options) { o.name = name }
}

// Runtime pairs one Behavior with one mailbox and executes the agent's
// control loop. A runtime can be run once.
type Runtime struct {
	id       identifier.EntityID
	name     string
	behavior Behavior
	actions  map[string]Action

	ex     exchange.Exchange
	box    exchange.Mailbox
	caller *handle.Caller

	state atomic.Int32

	mu     sync.Mutex
	ran    bool
	signal chan struct{}
	sigOne sync.Once
	done   chan struct{}
}

// New registers a mailbox for the behavior and returns a runtime ready to
// Run. The action table is built once here; the behavior is not otherwise
// touched until Run invokes OnStart.
func New(ctx context.Context, ex exchange.Exchange, behavior Behavior, opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.id.IsZero() {
		o.id = identifier.NewAgentID()
	}
	if o.name == "" {
		o.name = behaviorName(behavior)
	}

	box, err := ex.Register(ctx, o.id, o.name)
	if err != nil {
		return nil, fmt.Errorf("register agent mailbox: %w", err)
	}

	actions := make(map[string]Action, len(behavior.Actions()))
	for name, action := range behavior.Actions() {
		actions[name] = action
	}

	return &Runtime{
		id:       o.id,
		name:     o.name,
		behavior: behavior,
		actions:  actions,
		ex:       ex,
		box:      box,
		caller:   handle.NewBound(ex, o.id),
		signal:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// ID returns the agent's identifier.
func (r *Runtime) ID() identifier.EntityID { return r.id }

// State returns the current lifecycle phase.
func (r *Runtime) State() State { return State(r.state.Load()) }

// Done is closed once the runtime reaches StateStopped.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Handle returns a proxy for invoking actions on another agent. Responses
// arrive on this runtime's own mailbox and are resolved by its control
// loop, so the handle is only live while the runtime runs.
func (r *Runtime) Handle(target identifier.EntityID) *handle.Handle {
	return r.caller.Handle(target)
}

// SignalShutdown asks the running control loop to drain and exit. It is
// safe to call from any goroutine, repeatedly, including before Run.
func (r *Runtime) SignalShutdown() {
	r.sigOne.Do(func() { close(r.signal) })
}

// Run executes the agent until a Shutdown message arrives, SignalShutdown
// is called, or ctx is canceled. It returns the OnStart error if startup
// failed, otherwise any error from the OnShutdown hook.
//
// A runtime can only be run once.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return errors.New("agent runtime already ran")
	}
	r.ran = true
	r.mu.Unlock()

	defer close(r.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.signal:
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := r.behavior.OnStart(runCtx); err != nil {
		// Never entered Running: unregister without the shutdown hook.
		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
		defer drainCancel()
		if uerr := r.ex.Unregister(drainCtx, r.id); uerr != nil {
			log.Printf("agent %s: unregister after failed start: %v", r.id, uerr)
		}
		r.caller.Close(drainCtx)
		r.state.Store(int32(StateStopped))
		return fmt.Errorf("behavior start: %w", err)
	}

	r.state.Store(int32(StateRunning))
	observability.AgentStarted()
	log.Printf("agent %s running (%s)", r.id, r.name)

loop:
	for {
		msg, err := r.box.Get(runCtx)
		if err != nil {
			switch {
			case errors.Is(err, exchange.ErrMailboxClosed):
			case runCtx.Err() != nil:
			default:
				log.Printf("agent %s: mailbox receive failed: %v", r.id, err)
			}
			break loop
		}
		if stop := r.dispatch(runCtx, msg); stop {
			break loop
		}
	}

	return r.drain()
}

// dispatch handles one inbound message and reports whether the loop should
// stop. Requests are executed synchronously here, which is what guarantees
// that no two actions ever run concurrently against the behavior.
func (r *Runtime) dispatch(ctx context.Context, msg *message.Message) bool {
	if depther, ok := r.box.(interface{ Len() int }); ok {
		observability.SetMailboxDepth(r.id.String(), depther.Len())
	}

	switch msg.Kind {
	case message.KindRequest:
		r.invoke(ctx, msg)
	case message.KindPing:
		log.Printf("agent %s: ping from %s", r.id, msg.Source)
		r.sendResponse(ctx, msg.Success(nil))
	case message.KindShutdown:
		return true
	case message.KindSuccess, message.KindError:
		// This agent is itself a caller of some other agent.
		r.caller.Deliver(msg)
	default:
		log.Printf("agent %s: dropping message of unknown kind %q from %s", r.id, msg.Kind, msg.Source)
	}
	return false
}

func (r *Runtime) invoke(ctx context.Context, req *message.Message) {
	spanCtx, span := intobs.StartSpan(ctx, "agent.action", trace.WithAttributes(
		attribute.String("agent.id", r.id.String()),
		attribute.String("agent.action", req.Action),
	))
	defer span.End()

	start := time.Now()
	action, ok := r.actions[req.Action]
	if !ok {
		observability.ObserveAction(req.Action, "error", time.Since(start))
		r.sendResponse(spanCtx, req.Failure(message.ErrKindUnknownAction,
			fmt.Sprintf("behavior %q has no action named %q", r.name, req.Action)))
		return
	}

	result, err := invokeSafely(spanCtx, action, req.Payload)
	if err != nil {
		span.RecordError(err)
		observability.ObserveAction(req.Action, "error", time.Since(start))
		r.sendResponse(spanCtx, req.Failure(message.ErrKindActionFailed, err.Error()))
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		observability.ObserveAction(req.Action, "error", time.Since(start))
		r.sendResponse(spanCtx, req.Failure(message.ErrKindActionFailed,
			fmt.Sprintf("action result not serializable: %v", err)))
		return
	}

	observability.ObserveAction(req.Action, "ok", time.Since(start))
	r.sendResponse(spanCtx, req.Success(payload))
}

// invokeSafely converts an action panic into an error so a misbehaving
// handler cannot crash the control loop.
func invokeSafely(ctx context.Context, action Action, payload json.RawMessage) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action panicked: %v", rec)
		}
	}()
	return action(ctx, payload)
}

// sendResponse delivers a terminal response. Failure here usually means
// the destination mailbox was removed; that is logged and discarded, never
// surfaced as a runtime fault.
func (r *Runtime) sendResponse(ctx context.Context, resp *message.Message) {
	if err := r.ex.Send(ctx, resp); err != nil {
		log.Printf("agent %s: failed to send response to %s: %v", r.id, resp.Dest, err)
	}
}

func (r *Runtime) drain() error {
	r.state.Store(int32(StateDraining))
	log.Printf("agent %s draining", r.id)

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	// Resolve the runtime's own outstanding outbound RPCs. New requests
	// are no longer dispatched.
	for r.caller.PendingCount() > 0 {
		msg, gerr := r.box.Get(drainCtx)
		if gerr != nil {
			break
		}
		if msg.IsResponse() {
			r.caller.Deliver(msg)
		}
	}

	err := r.behavior.OnShutdown(drainCtx)
	if err != nil {
		err = fmt.Errorf("behavior shutdown: %w", err)
	}

	if uerr := r.ex.Unregister(drainCtx, r.id); uerr != nil {
		log.Printf("agent %s: unregister failed: %v", r.id, uerr)
	}
	r.caller.Close(drainCtx)
	observability.DropMailbox(r.id.String())

	observability.AgentStopped()
	r.state.Store(int32(StateStopped))
	log.Printf("agent %s stopped", r.id)
	return err
}
