// Package academy is a messaging fabric for building multi-agent systems.
//
// Agents implement the agent.Behavior interface and expose actions that
// other entities invoke remotely. Every agent owns a mailbox registered
// with an exchange; handles correlate requests with responses so callers
// can await results, and the launcher runs agents in goroutines with
// restart supervision.
//
// A minimal program launches an agent and calls one of its actions:
//
//	ex := local.New()
//	l, _ := launcher.New(ctx, ex)
//	h, _ := l.Launch(ctx, &Counter{})
//	var n int
//	_ = h.Call(ctx, "increment", nil, &n)
//	_ = l.Close(ctx)
//
// The exchange/redisx and exchange/httpx packages provide distributed
// backends behind the same exchange.Exchange interface.
package academy

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/academy-dev/academy/agent"
	"github.com/academy-dev/academy/exchange"
	"github.com/academy-dev/academy/exchange/httpx"
	"github.com/academy-dev/academy/exchange/local"
	"github.com/academy-dev/academy/exchange/redisx"
	"github.com/academy-dev/academy/handle"
	intobs "github.com/academy-dev/academy/internal/observability"
	"github.com/academy-dev/academy/launcher"
)

// shutdownGrace bounds agent teardown once Run decides to exit.
const shutdownGrace = 30 * time.Second

// Dial builds an exchange client from a backend URL:
//
//	local                	in-process exchange
//	redis://host:port/0  	Redis-backed exchange
//	http://host:port     	HTTP exchange server (https also accepted)
func Dial(ctx context.Context, backend string) (exchange.Exchange, error) {
	if backend == "" || backend == "local" {
		return local.New(), nil
	}

	u, err := url.Parse(backend)
	if err != nil {
		return nil, fmt.Errorf("invalid backend %q: %w", backend, err)
	}
	switch u.Scheme {
	case "redis":
		cfg := redisx.Config{Addr: u.Host}
		if pw, ok := u.User.Password(); ok {
			cfg.Password = pw
		}
		if db := strings.TrimPrefix(u.Path, "/"); db != "" {
			if _, err := fmt.Sscanf(db, "%d", &cfg.DB); err != nil {
				return nil, fmt.Errorf("invalid redis db in %q: %w", backend, err)
			}
		}
		return redisx.New(cfg)
	case "http", "https":
		return httpx.NewClient(backend), nil
	default:
		return nil, fmt.Errorf("unknown backend scheme %q (want local, redis, http, or https)", u.Scheme)
	}
}

// Run launches the given behaviors on ex and blocks until ctx is done or
// the process receives SIGINT/SIGTERM, then drains and stops all agents.
// Tracing is configured from OTEL_SERVICE_NAME and OTEL_TRACES_EXPORTER.
func Run(ctx context.Context, ex exchange.Exchange, behaviors ...agent.Behavior) error {
	if err := intobs.InitFromEnv(); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := intobs.Shutdown(context.Background()); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	l, err := launcher.New(ctx, ex)
	if err != nil {
		return fmt.Errorf("create launcher: %w", err)
	}

	handles := make([]*handle.Handle, 0, len(behaviors))
	for _, b := range behaviors {
		h, err := l.Launch(ctx, b)
		if err != nil {
			abortCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			for _, prev := range handles {
				_ = prev.Shutdown(abortCtx)
			}
			if cerr := l.Close(abortCtx); cerr != nil {
				log.Printf("launcher close: %v", cerr)
			}
			cancel()
			return fmt.Errorf("launch agent: %w", err)
		}
		handles = append(handles, h)
		log.Printf("launched agent %s", h.Target())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case <-sigCh:
		log.Println("shutting down agents...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, h := range handles {
		if err := h.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown %s: %v", h.Target(), err)
		}
	}
	return l.Close(shutdownCtx)
}
