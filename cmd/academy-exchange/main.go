// Command academy-exchange serves the HTTP message exchange.
//
//	academy-exchange serve --config exchange.yaml
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/academy-dev/academy/exchange"
	"github.com/academy-dev/academy/exchange/httpx"
	"github.com/academy-dev/academy/exchange/redisx"
	"github.com/academy-dev/academy/internal/observability"
	"github.com/academy-dev/academy/pkg/config"
	obs "github.com/academy-dev/academy/pkg/observability"
)

// Version is set via ldflags at release time.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "academy-exchange",
		Short:   "Message exchange server for academy agents",
		Version: Version,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", os.Getenv("CONFIG_FILE"), "exchange configuration file")
	return cmd
}

func serve(cfg *config.Config) error {
	log.Printf("starting academy exchange v%s on %s (backend: %s)", Version, cfg.ListenAddr(), cfg.Backend)

	if err := observability.Init(observability.Config{
		ServiceName:  "academy-exchange",
		Enabled:      cfg.Tracing != "none",
		ExporterType: cfg.Tracing,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	var core exchange.Exchange
	var redisEx *redisx.Exchange
	if cfg.Backend == "redis" {
		var err error
		redisEx, err = redisx.New(redisx.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return fmt.Errorf("connect redis backend: %w", err)
		}
		core = redisEx
	}

	server := httpx.NewServer(core, httpx.ServerConfig{
		Addr:               cfg.ListenAddr(),
		CertFile:           cfg.CertFile,
		KeyFile:            cfg.KeyFile,
		RateRPS:            cfg.RateRPS,
		RateBurst:          cfg.RateBurst,
		DefaultRecvTimeout: cfg.RecvTimeout,
	})
	if redisEx != nil {
		server.HealthChecker().RegisterCheck(obs.BackendCheck("redis", redisEx.Ping))
	}

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-quit:
		log.Println("shutting down exchange...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := observability.Shutdown(ctx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
	log.Println("exchange stopped")
	return nil
}
