package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamgate/internal/core/services"
	httphandlers "streamgate/internal/handlers/http"
	"streamgate/internal/infrastructure/middleware"
	"streamgate/internal/infrastructure/monitoring"
	repositories "streamgate/internal/infrastructure/repositories"
	signalws "streamgate/internal/infrastructure/signal"
	"streamgate/pkg/config"
	"streamgate/pkg/logger"
	"streamgate/pkg/tracing"

	"github.com/gin-gonic/gin"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/streamgate/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	shutdownTracing, err := tracing.Init(&tracing.Config{
		ServiceName:    "streamgate-signal",
		ServiceVersion: "1.0.0",
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	var authService services.AuthService
	if cfg.Auth.Enabled {
		authService = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.JoinTokenTTL)
	}

	collector := monitoring.NewPrometheusCollector()

	wsServer := signalws.NewWebSocketServer(signalws.Config{
		PingInterval:  cfg.Signal.PingInterval,
		ReadTimeout:   cfg.Signal.PongTimeout,
		WriteTimeout:  cfg.Signal.WriteTimeout,
		SendQueueSize: cfg.Signal.SendQueueSize,
	}, authService, collector, log)

	registry := services.NewRoomRegistry(wsServer, log)
	router := services.NewSignalRouter(registry, wsServer, log)
	wsServer.Attach(registry, router)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.RecoveryMiddleware(log))
	engine.Use(middleware.TracingMiddleware())
	engine.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	engine.Use(middleware.ErrorHandlerMiddleware(log))

	signalHandler := httphandlers.NewSignalHandler(authService, registry, repoFactory)
	signalHandler.SetupRoutes(engine)

	engine.GET("/ws", func(c *gin.Context) {
		wsServer.HandleWebSocket(c.Writer, c.Request)
	})

	if cfg.Monitoring.PrometheusEnabled {
		engine.GET("/metrics", gin.WrapH(collector.Handler()))
		log.Info("prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Signal.Address,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("starting signaling server on %s", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Room gauge poll. Cheap enough to run on a coarse interval.
	gaugeDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				collector.SetRoomCount(registry.RoomCount())
			case <-gaugeDone:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	close(gaugeDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	wsServer.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}

	log.Info("signaling server stopped")
}
