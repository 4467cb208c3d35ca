package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wailbentafat/ws-stomp-bridge/bridge"
	"github.com/wailbentafat/ws-stomp-bridge/broker"
	"github.com/wailbentafat/ws-stomp-bridge/config"
	"github.com/wailbentafat/ws-stomp-bridge/logging"
	"github.com/wailbentafat/ws-stomp-bridge/metrics"
	"github.com/wailbentafat/ws-stomp-bridge/presence"
	"github.com/wailbentafat/ws-stomp-bridge/server"
	"github.com/wailbentafat/ws-stomp-bridge/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// slog is not configured yet
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("WebSocket bridge starting", "port", cfg.Port, "broker", cfg.BrokerAddr(), "topic", cfg.BrokerTopic)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("WebSocket bridge stopped", "error", err)
		stop()
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func setupPresence(cfg *config.Config) (presence.Tracker, *presence.Store, error) {
	if cfg.RedisAddr == "" {
		return presence.Noop{}, nil, nil
	}
	store, err := presence.NewRedisStore(cfg.RedisAddr, cfg.PresenceKey)
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

// run blocks until ctx is cancelled or a component fails. The HTTP listener
// is only opened once the broker subscription is active.
func run(ctx context.Context, cfg *config.Config) error {
	reg := metrics.NewRegistry()
	bridgeMetrics := metrics.NewBridgeMetrics(reg)

	tracker, store, err := setupPresence(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to presence store: %w", err)
	}

	messageBroker := broker.NewStompBroker(broker.Options{
		Addr:            cfg.BrokerAddr(),
		Login:           cfg.BrokerLogin,
		Passcode:        cfg.BrokerPasscode,
		VHost:           cfg.BrokerVHost,
		ContentType:     cfg.BrokerContentType,
		ConnectTimeout:  cfg.ConnectTimeout,
		ConnectAttempts: cfg.ConnectAttempts,
		HeartBeat:       cfg.BrokerHeartBeat,
		OnDrop:          func(error) { bridgeMetrics.MalformedFrames.Inc() },
	})

	clientManager := websocket.NewClientManager()

	var transform bridge.Transform
	if cfg.PayloadColor != "" {
		transform = bridge.SetField("color", cfg.PayloadColor)
	}

	b := bridge.New(messageBroker, clientManager, tracker, bridgeMetrics, bridge.Options{
		Topic:       cfg.BrokerTopic,
		ContentType: cfg.BrokerContentType,
		Transform:   transform,
	})

	if err := b.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		b.Shutdown(shutdownCtx)
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	handler := websocket.NewHandler(clientManager, b, websocket.HandlerOptions{
		MaxMessageBytes: cfg.MaxMessageBytes,
		SendQueueSize:   cfg.SendQueueSize,
		MessageRate:     cfg.ClientMessageRate,
		MessageBurst:    cfg.ClientMessageBurst,
	})

	checks := []server.HealthCheck{{
		Name: "broker",
		Check: func(context.Context) error {
			if state := b.BrokerState(); state != broker.Connected {
				return fmt.Errorf("broker is %s", state)
			}
			return nil
		},
	}}

	var onlineClients func(context.Context) ([]string, error)
	if store != nil {
		checks = append(checks, server.HealthCheck{Name: "presence", Check: store.Ping})
		onlineClients = store.GetOnlineClients
	}

	srv := server.NewServer(server.Options{
		Addr:           ":" + cfg.Port,
		StaticDir:      cfg.StaticDir,
		WSHandler:      handler.HandleWebSocket,
		MetricsHandler: metrics.Handler(reg),
		HealthChecks:   checks,
		OnlineClients:  onlineClients,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.Run(gctx)
	})

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		b.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}
