package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datnguyennnx/0xsignal-sub003/internal/config"
	"github.com/datnguyennnx/0xsignal-sub003/internal/gateway"
	"github.com/datnguyennnx/0xsignal-sub003/internal/relay"
	"github.com/datnguyennnx/0xsignal-sub003/internal/upstream"
	"github.com/datnguyennnx/0xsignal-sub003/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/relayd.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting relayd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"upstream_url", cfg.Upstream.WSURL,
		"gateway_addr", cfg.Gateway.Addr,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Build the relay pipeline: feed → broadcaster → bus → dispatcher →
	// registry → client sinks.
	feed := upstream.NewFeed(feedConfig(cfg.Upstream), logger.With("component", "upstream"))
	bus := relay.NewBus(relay.BusConfig{
		Capacity:       cfg.Bus.Capacity,
		OverflowPolicy: relay.OverflowPolicy(cfg.Bus.OverflowPolicy),
	})
	registry := relay.NewRegistry(feed, logger.With("component", "registry"))
	broadcaster := relay.NewBroadcaster(feed.Ticks(), bus, logger.With("component", "broadcaster"))
	dispatcher := relay.NewDispatcher(bus.Subscribe(), registry, logger.With("component", "dispatcher"))
	gw := gateway.New(gatewayConfig(cfg.Gateway), registry, logger.With("component", "gateway"))

	if err := feed.Start(ctx); err != nil {
		logger.Error("failed to start upstream feed", "error", err)
		os.Exit(1)
	}
	broadcaster.Start(ctx)
	dispatcher.Start(ctx)
	gw.Start(ctx)

	// Downstream WebSocket endpoint
	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", gw)
	gatewayServer := &http.Server{
		Addr:    cfg.Gateway.Addr,
		Handler: wsMux,
	}

	// Health/status endpoint
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(feed, registry, gw, bus),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting gateway server", "addr", cfg.Gateway.Addr)
		if err := gatewayServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	// Terminal failures: exhausted reconnect budget or a dead broadcaster
	// mean no tick reaches any client; surface them and exit so the
	// operator (or supervisor) restarts the process.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-feed.Fatal():
			return fmt.Errorf("upstream feed: %w", err)
		case err := <-broadcaster.Fatal():
			return err
		}
	})

	// Degraded-feed signaling for downstream clients.
	g.Go(func() error {
		degraded := false
		for {
			select {
			case <-gctx.Done():
				return nil
			case change, ok := <-feed.States():
				if !ok {
					return nil
				}
				switch {
				case change.From == upstream.StateConnected && change.To == upstream.StateReconnecting:
					degraded = true
					gw.NotifyDegraded()
				case change.To == upstream.StateConnected && degraded:
					degraded = false
					gw.NotifyRestored()
				}
			}
		}
	})

	// Shut the HTTP servers down once anything cancels the group.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		gatewayServer.Shutdown(shutdownCtx)
		healthServer.Shutdown(shutdownCtx)
		return nil
	})

	logger.Info("relayd running",
		"instance_id", cfg.Instance.ID,
		"ws_url", fmt.Sprintf("ws://localhost%s/ws", cfg.Gateway.Addr),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	exitCode := 0
	if err := g.Wait(); err != nil {
		logger.Error("relayd terminated", "error", err)
		exitCode = 1
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Gateway first so clients get close frames and the registry tears
	// down its upstream subscriptions, then the pipeline back to front.
	gw.Stop(shutdownCtx)
	broadcaster.Stop(shutdownCtx)
	bus.Close()
	dispatcher.Stop(shutdownCtx)
	feed.Stop(shutdownCtx)

	logger.Info("relayd stopped")
	os.Exit(exitCode)
}

func feedConfig(cfg config.UpstreamConfig) upstream.FeedConfig {
	return upstream.FeedConfig{
		WSURL:                cfg.WSURL,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		WriteTimeout:         cfg.WriteTimeout,
		PingInterval:         cfg.PingInterval,
		PongTimeout:          cfg.PongTimeout,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReadBufferSize:       cfg.ReadBufferSize,
		TickBufferSize:       cfg.TickBufferSize,
	}
}

func gatewayConfig(cfg config.GatewayConfig) gateway.Config {
	return gateway.Config{
		DefaultInterval: cfg.DefaultInterval,
		IdleTimeout:     cfg.IdleTimeout,
		SweepInterval:   cfg.SweepInterval,
		SendBufferSize:  cfg.SendBufferSize,
		NotifyDegraded:  cfg.NotifyDegraded,
	}
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(feed upstream.Feed, registry *relay.Registry, gw *gateway.Gateway, bus *relay.Bus) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		feedStats := feed.Stats()
		registryStats := registry.Stats()
		busStats := bus.Stats()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if feedStats.State != upstream.StateConnected {
			health.Status = "degraded"
		}

		health.Components["upstream"] = map[string]any{
			"state":              feedStats.State.String(),
			"reconnect_attempts": feedStats.ReconnectAttempts,
			"demanded_symbols":   feedStats.DemandedSymbols,
			"ticks_parsed":       feedStats.TicksParsed,
			"ticks_dropped":      feedStats.TicksDropped,
			"parse_errors":       feedStats.ParseErrors,
		}
		health.Components["relay"] = map[string]any{
			"active_symbols":   registryStats.ActiveSymbols,
			"total_sinks":      registryStats.TotalSinks,
			"ticks_dispatched": registryStats.TicksDispatched,
			"bus_published":    busStats.Published,
			"bus_dropped":      busStats.Dropped,
		}
		health.Components["gateway"] = map[string]any{
			"connected_clients": gw.ClientCount(),
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		active := registry.ListActive()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":         len(active),
			"subscriptions": active,
			"clients":       gw.ClientCount(),
		})
	})

	return mux
}
