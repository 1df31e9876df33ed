package redisx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/academy-dev/academy/exchange"
	"github.com/academy-dev/academy/identifier"
	"github.com/academy-dev/academy/message"
)

func setupExchange(t *testing.T) *Exchange {
	t.Helper()
	ex, _ := setupExchangeWithRedis(t)
	return ex
}

func setupExchangeWithRedis(t *testing.T) (*Exchange, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ex := NewFromClient(client, "test:")

	t.Cleanup(func() {
		_ = ex.Close()
	})
	return ex, mr
}

func TestRegisterSendReceive(t *testing.T) {
	ex := setupExchange(t)
	ctx := context.Background()

	id := identifier.NewAgentID()
	box, err := ex.Register(ctx, id, "worker")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	req := message.NewRequest(identifier.NewUserID(), id, "work", nil)
	if err := ex.Send(ctx, req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got, err := box.Get(recvCtx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RequestID != req.RequestID || got.Action != "work" {
		t.Errorf("received %+v, want the sent request", got)
	}
}

func TestFIFOOrder(t *testing.T) {
	ex := setupExchange(t)
	ctx := context.Background()

	id := identifier.NewAgentID()
	box, err := ex.Register(ctx, id, "worker")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	src := identifier.NewUserID()
	for i := 0; i < 5; i++ {
		msg := message.NewRequest(src, id, fmt.Sprintf("op-%d", i), nil)
		if err := ex.Send(ctx, msg); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		got, err := box.Get(recvCtx)
		if err != nil {
			t.Fatalf("Get %d failed: %v", i, err)
		}
		if want := fmt.Sprintf("op-%d", i); got.Action != want {
			t.Errorf("position %d: got %q, want %q", i, got.Action, want)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	ex := setupExchange(t)
	ctx := context.Background()
	id := identifier.NewAgentID()

	if _, err := ex.Register(ctx, id, "a"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := ex.Register(ctx, id, "a"); !errors.Is(err, exchange.ErrDuplicateAgent) {
		t.Errorf("duplicate Register = %v, want ErrDuplicateAgent", err)
	}
}

func TestConcurrentRegisterSingleWinner(t *testing.T) {
	ex := setupExchange(t)
	ctx := context.Background()
	id := identifier.NewAgentID()

	const callers = 16
	start := make(chan struct{})
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := ex.Register(ctx, id, "worker")
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var won int
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, exchange.ErrDuplicateAgent):
		default:
			t.Errorf("Register = %v, want nil or ErrDuplicateAgent", err)
		}
	}
	if won != 1 {
		t.Errorf("%d concurrent Register calls succeeded for one id, want exactly 1", won)
	}
}

func TestReRegisterAfterUnregister(t *testing.T) {
	ex := setupExchange(t)
	ctx := context.Background()
	id := identifier.NewAgentID()

	if _, err := ex.Register(ctx, id, "a"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := ex.Unregister(ctx, id); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	// Re-registration gets a fresh empty queue, not the close sentinel.
	box, err := ex.Register(ctx, id, "a")
	if err != nil {
		t.Fatalf("re-Register failed: %v", err)
	}
	recvCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, err := box.Get(recvCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Get on fresh queue = %v, want deadline exceeded", err)
	}
}

func TestSendUnknownAgent(t *testing.T) {
	ex := setupExchange(t)
	msg := message.NewPing(identifier.NewUserID(), identifier.NewAgentID())
	if err := ex.Send(context.Background(), msg); !errors.Is(err, exchange.ErrUnknownAgent) {
		t.Errorf("Send to unknown = %v, want ErrUnknownAgent", err)
	}
}

func TestSendAfterUnregister(t *testing.T) {
	ex := setupExchange(t)
	ctx := context.Background()
	id := identifier.NewAgentID()

	if _, err := ex.Register(ctx, id, "a"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := ex.Unregister(ctx, id); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	msg := message.NewPing(identifier.NewUserID(), id)
	if err := ex.Send(ctx, msg); !errors.Is(err, exchange.ErrMailboxClosed) {
		t.Errorf("Send after Unregister = %v, want ErrMailboxClosed", err)
	}
}

// A Send racing Unregister must either land before the close sentinel or
// report ErrMailboxClosed; the raw queue never holds an envelope after the
// sentinel, where no consumer would ever read it.
func TestSendRacingUnregister(t *testing.T) {
	ex, mr := setupExchangeWithRedis(t)
	ctx := context.Background()
	id := identifier.NewAgentID()
	src := identifier.NewUserID()

	if _, err := ex.Register(ctx, id, "worker"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	const senders = 32
	start := make(chan struct{})
	var wg sync.WaitGroup
	var delivered atomic.Int64
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch err := ex.Send(ctx, message.NewPing(src, id)); {
			case err == nil:
				delivered.Add(1)
			case errors.Is(err, exchange.ErrMailboxClosed):
			default:
				t.Errorf("Send = %v, want nil or ErrMailboxClosed", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		if err := ex.Unregister(ctx, id); err != nil {
			t.Errorf("Unregister failed: %v", err)
		}
	}()
	close(start)
	wg.Wait()

	queue, err := mr.List("test:queue:" + id.String())
	if err != nil {
		t.Fatalf("reading raw queue: %v", err)
	}
	if got, want := len(queue), int(delivered.Load())+1; got != want {
		t.Errorf("queue holds %d entries, want %d delivered + sentinel", got, want)
	}
	if queue[len(queue)-1] != closeSentinel {
		t.Errorf("last queue entry = %q, want the close sentinel", queue[len(queue)-1])
	}
}

func TestUnregisterWakesBlockedConsumer(t *testing.T) {
	ex := setupExchange(t)
	ctx := context.Background()
	id := identifier.NewAgentID()

	box, err := ex.Register(ctx, id, "a")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := box.Get(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := ex.Unregister(ctx, id); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, exchange.ErrMailboxClosed) {
			t.Errorf("Get after Unregister = %v, want ErrMailboxClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consumer still blocked after Unregister")
	}
}

func TestGetContextCanceled(t *testing.T) {
	ex := setupExchange(t)
	ctx := context.Background()
	id := identifier.NewAgentID()

	box, err := ex.Register(ctx, id, "a")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := box.Get(recvCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Get = %v, want deadline exceeded", err)
	}
}

func TestDiscover(t *testing.T) {
	ex := setupExchange(t)
	ctx := context.Background()

	worker1 := identifier.NewAgentID()
	worker2 := identifier.NewAgentID()
	other := identifier.NewAgentID()
	user := identifier.NewUserID()
	gone := identifier.NewAgentID()

	for _, reg := range []struct {
		id   identifier.EntityID
		name string
	}{
		{worker1, "worker"},
		{worker2, "worker"},
		{other, "scheduler"},
		{user, ""},
		{gone, "worker"},
	} {
		if _, err := ex.Register(ctx, reg.id, reg.name); err != nil {
			t.Fatalf("Register %s failed: %v", reg.id, err)
		}
	}
	if err := ex.Unregister(ctx, gone); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	found, err := ex.Discover(ctx, "worker")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	want := map[identifier.EntityID]bool{worker1: true, worker2: true}
	if len(found) != len(want) {
		t.Fatalf("Discover returned %d agents, want %d", len(found), len(want))
	}
	for _, id := range found {
		if !want[id] {
			t.Errorf("Discover returned unexpected id %s", id)
		}
	}

	all, err := ex.Discover(ctx, "")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Discover(\"\") returned %d agents, want 3", len(all))
	}
}

func TestStatus(t *testing.T) {
	ex := setupExchange(t)
	ctx := context.Background()
	id := identifier.NewAgentID()

	status, err := ex.Status(ctx, id)
	if err != nil || status != exchange.StatusMissing {
		t.Errorf("Status = %v, %v; want missing", status, err)
	}

	if _, err := ex.Register(ctx, id, "a"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	status, _ = ex.Status(ctx, id)
	if status != exchange.StatusActive {
		t.Errorf("Status = %v, want active", status)
	}

	_ = ex.Unregister(ctx, id)
	status, _ = ex.Status(ctx, id)
	if status != exchange.StatusClosed {
		t.Errorf("Status = %v, want closed", status)
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	ex := setupExchange(t)
	ctx := context.Background()
	id := identifier.NewAgentID()

	if err := ex.Unregister(ctx, id); err != nil {
		t.Errorf("Unregister unknown = %v, want nil", err)
	}

	if _, err := ex.Register(ctx, id, "a"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := ex.Unregister(ctx, id); err != nil {
		t.Fatalf("first Unregister failed: %v", err)
	}
	if err := ex.Unregister(ctx, id); err != nil {
		t.Errorf("second Unregister = %v, want nil", err)
	}
}

func TestPing(t *testing.T) {
	ex := setupExchange(t)
	if err := ex.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New without address should fail")
	}
}

func TestNewConnects(t *testing.T) {
	mr := miniredis.RunT(t)
	ex, err := New(Config{Addr: mr.Addr(), Prefix: "t:"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer ex.Close()

	if err := ex.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	ex := setupExchange(t)
	if err := ex.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ex.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	ctx := context.Background()
	if _, err := ex.Register(ctx, identifier.NewAgentID(), "a"); !errors.Is(err, exchange.ErrExchangeClosed) {
		t.Errorf("Register after Close = %v, want ErrExchangeClosed", err)
	}
	msg := message.NewPing(identifier.NewUserID(), identifier.NewAgentID())
	if err := ex.Send(ctx, msg); !errors.Is(err, exchange.ErrExchangeClosed) {
		t.Errorf("Send after Close = %v, want ErrExchangeClosed", err)
	}
}
