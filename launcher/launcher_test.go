package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/academy-dev/academy/agent"
	"github.com/academy-dev/academy/exchange"
	"github.com/academy-dev/academy/exchange/local"
	"github.com/academy-dev/academy/identifier"
)

type echoBehavior struct {
	mu     sync.Mutex
	starts int
}

func (b *echoBehavior) OnStart(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	return nil
}

func (b *echoBehavior) OnShutdown(ctx context.Context) error { return nil }

func (b *echoBehavior) BehaviorName() string { return "echo" }

func (b *echoBehavior) Actions() map[string]agent.Action {
	return map[string]agent.Action{
		"echo": func(ctx context.Context, payload json.RawMessage) (any, error) {
			var s string
			if err := json.Unmarshal(payload, &s); err != nil {
				return nil, err
			}
			return s, nil
		},
	}
}

func (b *echoBehavior) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

// flakyBehavior fails OnStart a fixed number of times before succeeding,
// exercising the restart budget.
type flakyBehavior struct {
	echoBehavior
	failures int
}

func (b *flakyBehavior) OnStart(ctx context.Context) error {
	b.mu.Lock()
	b.starts++
	attempt := b.starts
	b.mu.Unlock()
	if attempt <= b.failures {
		return errors.New("transient start failure")
	}
	return nil
}

func newTestLauncher(t *testing.T, ex exchange.Exchange, opts ...Option) *Launcher {
	t.Helper()
	l, err := New(context.Background(), ex, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l
}

func closeLauncher(t *testing.T, l *Launcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestLaunchAndCall(t *testing.T) {
	ex := local.New()
	l := newTestLauncher(t, ex)

	h, err := l.Launch(context.Background(), &echoBehavior{})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	var out string
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Call(ctx, "echo", "hello", &out); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if out != "hello" {
		t.Errorf("out = %q, want %q", out, "hello")
	}

	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := l.Wait(ctx, h.Target()); err != nil {
		t.Errorf("Wait = %v, want nil", err)
	}
	closeLauncher(t, l)
}

func TestRunning(t *testing.T) {
	ex := local.New()
	l := newTestLauncher(t, ex)

	h1, err := l.Launch(context.Background(), &echoBehavior{})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	h2, err := l.Launch(context.Background(), &echoBehavior{})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	running := l.Running()
	if len(running) != 2 {
		t.Errorf("Running = %d agents, want 2", len(running))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range []interface {
		Shutdown(context.Context) error
		Target() identifier.EntityID
	}{h1, h2} {
		if err := h.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
		if err := l.Wait(ctx, h.Target()); err != nil {
			t.Errorf("Wait = %v", err)
		}
	}
	if n := len(l.Running()); n != 0 {
		t.Errorf("Running = %d after shutdowns, want 0", n)
	}
	closeLauncher(t, l)
}

func TestWaitUnknownAgent(t *testing.T) {
	ex := local.New()
	l := newTestLauncher(t, ex)
	defer closeLauncher(t, l)

	err := l.Wait(context.Background(), identifier.NewAgentID())
	if !errors.Is(err, exchange.ErrUnknownAgent) {
		t.Errorf("Wait = %v, want ErrUnknownAgent", err)
	}
}

func TestWaitTimeout(t *testing.T) {
	ex := local.New()
	l := newTestLauncher(t, ex)

	h, err := l.Launch(context.Background(), &echoBehavior{})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, h.Target()); !errors.Is(err, exchange.ErrTimeout) {
		t.Errorf("Wait on running agent = %v, want ErrTimeout", err)
	}

	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	closeLauncher(t, l)
}

func TestRestartBudget(t *testing.T) {
	ex := local.New()
	l := newTestLauncher(t, ex, WithMaxRestarts(3))

	b := &flakyBehavior{failures: 2}
	h, err := l.Launch(context.Background(), b)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	// Two failed starts then a successful one, all under the same id.
	var out string
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		err = h.Call(ctx, "echo", "up", &out)
		cancel()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never became callable: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if out != "up" {
		t.Errorf("out = %q, want up", out)
	}
	if got := b.startCount(); got != 3 {
		t.Errorf("OnStart ran %d times, want 3", got)
	}

	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	closeLauncher(t, l)
}

func TestRestartBudgetExhausted(t *testing.T) {
	ex := local.New()
	l := newTestLauncher(t, ex, WithMaxRestarts(1))

	b := &flakyBehavior{failures: 10}
	h, err := l.Launch(context.Background(), b)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Wait(ctx, h.Target()); err == nil {
		t.Error("Wait = nil, want the runtime's start error")
	}
	if got := b.startCount(); got != 2 {
		t.Errorf("OnStart ran %d times, want 2 (initial + one restart)", got)
	}

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := l.Close(shutdownCtx); err == nil {
		t.Error("Close = nil, want the surviving runtime error")
	}
}
