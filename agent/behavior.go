package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Action is a named, remotely invocable behavior method. It receives the
// request's serialized arguments and returns a serializable result.
// Actions run on the owning runtime's control loop, one at a time, so they
// may mutate behavior state without locking. A slow action blocks all later
// messages to the same agent; delegate long work elsewhere.
type Action func(ctx context.Context, payload json.RawMessage) (any, error)

// Behavior is the user-supplied state and action set executed by exactly
// one agent runtime.
type Behavior interface {
	// OnStart is invoked exactly once before the runtime enters its control
	// loop. Returning an error aborts startup; the runtime stops without
	// ever serving requests.
	OnStart(ctx context.Context) error

	// OnShutdown is invoked exactly once while the runtime drains, before
	// its mailbox is unregistered. Behavior state is never touched again
	// afterwards.
	OnShutdown(ctx context.Context) error

	// Actions returns the table of invocable actions. The table is read
	// once at runtime construction; later changes have no effect.
	Actions() map[string]Action
}

// Named lets a behavior override the name recorded with the exchange for
// discovery. Without it the runtime derives a name from the concrete type.
type Named interface {
	BehaviorName() string
}

func behaviorName(b Behavior) string {
	if n, ok := b.(Named); ok {
		return n.BehaviorName()
	}
	return strings.TrimLeft(fmt.Sprintf("%T", b), "*")
}
