package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatrelay/internal/adapter/httpserver"
	"github.com/pscheid92/chatrelay/internal/adapter/metrics"
	"github.com/pscheid92/chatrelay/internal/adapter/websocket"
	"github.com/pscheid92/chatrelay/internal/domain"
	"github.com/pscheid92/chatrelay/internal/platform/config"
	"github.com/pscheid92/chatrelay/internal/platform/logging"
	"github.com/pscheid92/chatrelay/internal/platform/version"
	"github.com/pscheid92/chatrelay/internal/relay"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func relayHealthCheck(core *relay.Core) httpserver.HealthCheck {
	return httpserver.HealthCheck{
		Name: "relay",
		Check: func(_ context.Context) error {
			if core.Stopped() {
				return domain.ErrRelayStopped
			}
			return nil
		},
	}
}

// shutdown stops accepting requests, evicts relay connections with close frames,
// then waits for the socket read loops.
func shutdown(srv *httpserver.Server, core *relay.Core, transport *websocket.Transport) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := core.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := transport.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	build := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", build.Version, "commit", build.Commit)

	registry := metrics.NewRegistry()
	relayMetrics := metrics.NewRelayMetrics(registry)
	wsMetrics := metrics.NewWebSocketMetrics(registry)

	transport := websocket.NewTransport(websocket.Config{
		WriteTimeout:    cfg.WSWriteTimeout,
		PingInterval:    cfg.WSPingInterval,
		PongTimeout:     cfg.WSPongTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
		MessageRate:     cfg.MessageRate,
		MessageBurst:    cfg.MessageBurst,
		CheckOrigin:     websocket.NewCheckOrigin(cfg.AllowedOrigins, cfg.IsDevelopment()),
	}, wsMetrics, clock)

	core := relay.NewCore(transport, relayMetrics, clock, relay.Options{
		QueueSize:        cfg.SendQueueSize,
		FailureThreshold: cfg.FailureThreshold,
		DeliverTimeout:   cfg.WSWriteTimeout,
	})
	transport.Bind(core)

	srv := httpserver.NewServer(cfg, core, transport, registry, wsMetrics, clock, []httpserver.HealthCheck{relayHealthCheck(core)})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, draining connections...",
			"connections", core.ConnectionCount(),
			"rooms", core.RoomCount(),
		)
		return shutdown(srv, core, transport)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}
