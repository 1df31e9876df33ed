// Package launcher starts agent runtimes on goroutines and hands back
// handles for interacting with them. It owns a caller mailbox on the
// exchange so the handles it mints have somewhere to receive responses.
package launcher

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/academy-dev/academy/agent"
	"github.com/academy-dev/academy/exchange"
	"github.com/academy-dev/academy/handle"
	"github.com/academy-dev/academy/identifier"
)

// acb is the control block tracking one launched agent.
type acb struct {
	id       identifier.EntityID
	behavior agent.Behavior
	name     string

	mu       sync.Mutex
	launches int
	err      error
	done     chan struct{}
}

func (a *acb) finish(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	close(a.done)
}

// Launcher runs agent runtimes on goroutines sharing one exchange.
type Launcher struct {
	ex          exchange.Exchange
	caller      *handle.Caller
	maxRestarts int

	group *errgroup.Group

	mu   sync.Mutex
	acbs map[identifier.EntityID]*acb
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithMaxRestarts relaunches an agent up to n times if its runtime exits
// with an error. The default is no restarts.
func WithMaxRestarts(n int) Option {
	return func(l *Launcher) { l.maxRestarts = n }
}

// New creates a launcher bound to the exchange. It registers a caller
// mailbox for the handles it returns; Close releases it.
func New(ctx context.Context, ex exchange.Exchange, opts ...Option) (*Launcher, error) {
	caller, err := handle.NewCaller(ctx, ex)
	if err != nil {
		return nil, fmt.Errorf("create launcher caller: %w", err)
	}
	l := &Launcher{
		ex:     ex,
		caller: caller,
		group:  &errgroup.Group{},
		acbs:   make(map[identifier.EntityID]*acb),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Launch registers and starts an agent running the behavior, returning a
// handle bound to it. The runtime executes on its own goroutine until it
// is shut down or ctx is canceled.
func (l *Launcher) Launch(ctx context.Context, behavior agent.Behavior, opts ...agent.Option) (*handle.Handle, error) {
	rt, err := agent.New(ctx, l.ex, behavior, opts...)
	if err != nil {
		return nil, err
	}

	cb := &acb{
		id:       rt.ID(),
		behavior: behavior,
		done:     make(chan struct{}),
	}
	l.mu.Lock()
	l.acbs[cb.id] = cb
	l.mu.Unlock()

	l.runOn(ctx, cb, rt)
	log.Printf("launched agent %s", cb.id)
	return l.caller.Handle(cb.id), nil
}

// runOn schedules one runtime execution for the control block and restarts
// it, under the same identifier, while the restart budget lasts.
func (l *Launcher) runOn(ctx context.Context, cb *acb, rt *agent.Runtime) {
	cb.mu.Lock()
	cb.launches++
	attempt := cb.launches
	cb.mu.Unlock()

	l.group.Go(func() error {
		err := rt.Run(ctx)
		if err == nil || ctx.Err() != nil || attempt > l.maxRestarts {
			cb.finish(err)
			if err != nil {
				return fmt.Errorf("agent %s: %w", cb.id, err)
			}
			return nil
		}

		log.Printf("restarting agent %s (%d/%d restarts): %v", cb.id, attempt, l.maxRestarts, err)
		next, rerr := agent.New(ctx, l.ex, cb.behavior, agent.WithID(cb.id))
		if rerr != nil {
			cb.finish(rerr)
			return fmt.Errorf("relaunch agent %s: %w", cb.id, rerr)
		}
		l.runOn(ctx, cb, next)
		return nil
	})
}

// Wait blocks until the launched agent with the given identifier exits,
// returning its runtime error. It fails with ErrUnknownAgent for agents
// this launcher did not start and ErrTimeout when ctx expires first.
func (l *Launcher) Wait(ctx context.Context, id identifier.EntityID) error {
	l.mu.Lock()
	cb, ok := l.acbs[id]
	l.mu.Unlock()
	if !ok {
		return exchange.ErrUnknownAgent
	}

	select {
	case <-cb.done:
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return cb.err
	case <-ctx.Done():
		return fmt.Errorf("waiting for agent %s: %w", id, exchange.ErrTimeout)
	}
}

// Running returns the identifiers of launched agents that have not exited.
func (l *Launcher) Running() []identifier.EntityID {
	l.mu.Lock()
	defer l.mu.Unlock()

	var running []identifier.EntityID
	for id, cb := range l.acbs {
		select {
		case <-cb.done:
		default:
			running = append(running, id)
		}
	}
	return running
}

// Close waits for all launched agents to exit and releases the launcher's
// caller mailbox. Shut agents down before closing; Close does not do it
// for them.
func (l *Launcher) Close(ctx context.Context) error {
	err := l.group.Wait()
	if cerr := l.caller.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	log.Printf("launcher closed")
	return err
}
