package main

import (
	"context"
	"ctchen222/code-battle/internal/api/controller"
	"ctchen222/code-battle/internal/api/service"
	"ctchen222/code-battle/internal/config"
	"ctchen222/code-battle/internal/db"
	"ctchen222/code-battle/internal/events"
	"ctchen222/code-battle/internal/logger"
	"ctchen222/code-battle/internal/relay"
	"ctchen222/code-battle/internal/repository"
	"ctchen222/code-battle/internal/server"
	"ctchen222/code-battle/internal/telemetry"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.LoadRelay()
	logger.Init(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize telemetry
	shutdown, err := telemetry.InitOtel(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		Stdout:         cfg.Telemetry.Stdout,
		ServiceName:    "code-battle-relay",
		ServiceVersion: "0.1.0",
	})
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Error("Error shutting down telemetry", "error", err)
		}
	}()

	// Initialize Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisAddr)
	if err != nil {
		slog.Error("failed to initialize redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Create repositories
	gameRepo := repository.NewGameRepository(rdb)
	roomRepo := repository.NewRoomRepository(rdb)
	playerRepo := repository.NewPlayerRepository(rdb)

	// Create hub
	bus := events.NewBus(rdb, uuid.NewString())
	hub := relay.NewHub(gameRepo, roomRepo, playerRepo, bus, relay.Options{
		AcceptWindow:      cfg.AcceptWindow,
		BattleDuration:    cfg.BattleDuration,
		TimerSyncInterval: cfg.TimerSyncInterval,
		ReconnectGrace:    cfg.ReconnectGrace,
	})
	defer hub.Close()
	go func() {
		if err := bus.Subscribe(ctx, hub.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("event subscriber stopped", "error", err)
		}
	}()

	// Create services and controllers
	authService := service.NewAuthService(playerRepo, cfg.JWTSecret, 0)
	judgeService := service.NewDevJudge(gameRepo, hub)

	gin.SetMode(gin.ReleaseMode)
	srv := server.NewServer(hub, authService,
		controller.NewAuthController(authService),
		controller.NewGameController(judgeService, playerRepo),
		controller.NewRoomController(hub),
	)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: otelhttp.NewHandler(srv.Engine(), "relay"),
	}

	go func() {
		slog.Info("http server started", "addr", cfg.Addr, "events.origin", bus.Origin())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ListenAndServe failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server exiting")
}
