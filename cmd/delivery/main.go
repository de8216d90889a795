package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/services"
	httphandlers "streamgate/internal/handlers/http"
	"streamgate/internal/infrastructure/encoding"
	"streamgate/internal/infrastructure/middleware"
	"streamgate/internal/infrastructure/monitoring"
	repositories "streamgate/internal/infrastructure/repositories"
	"streamgate/internal/infrastructure/streaming"
	"streamgate/pkg/config"
	"streamgate/pkg/logger"
	"streamgate/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// qualityChangeRecorder surfaces recommendation switches to the logs and the
// metrics collector. The signaling plane picks them up out of band.
type qualityChangeRecorder struct {
	collector *monitoring.PrometheusCollector
	log       *zap.SugaredLogger
}

func (r *qualityChangeRecorder) NotifyQualityChange(ctx context.Context, key domain.StreamKey, quality string, condition domain.Condition) {
	r.log.Infow("quality recommendation changed",
		"stream_key", key,
		"quality", quality,
		"condition", condition,
	)
	r.collector.RecordQualitySwitch(quality)
}

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
		ServiceName:    "streamgate-delivery",
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

	startupCtx, startupCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	telemetryStore := repoFactory.CreateTelemetryStore()
	sessionArchive := repoFactory.CreateSessionArchive(startupCtx)
	startupCancel()

	collector := monitoring.NewPrometheusCollector()

	driver := encoding.NewFFmpegDriver(encoding.FFmpegConfig{
		Binary:         cfg.Encoding.Binary,
		Preset:         cfg.Encoding.Preset,
		SegmentSeconds: cfg.Encoding.SegmentSeconds,
		ListSize:       cfg.Encoding.ListSize,
	}, log)
	manifests := streaming.NewFileManifestStore(cfg.Encoding.OutputRoot, log)

	abrService := services.NewABRService(
		driver,
		manifests,
		telemetryStore,
		sessionArchive,
		&qualityChangeRecorder{collector: collector, log: log},
		collector,
		services.NewNetworkClassifier(),
		services.ABRConfig{
			Ladder:           domain.DefaultLadder(),
			OutputRoot:       cfg.Encoding.OutputRoot,
			WindowSize:       cfg.ABR.WindowSize,
			HoldTime:         cfg.ABR.HoldTime,
			TelemetryTimeout: cfg.ABR.TelemetryTimeout,
			StopTimeout:      cfg.ABR.StopTimeout,
			RestartBackoff:   cfg.ABR.RestartBackoff,
			FailureWindow:    cfg.ABR.FailureWindow,
		},
		log,
	)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.RecoveryMiddleware(log))
	engine.Use(middleware.TracingMiddleware())
	engine.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	engine.Use(middleware.ErrorHandlerMiddleware(log))

	deliveryHandler := httphandlers.NewDeliveryHandler(abrService, collector)
	deliveryHandler.SetupRoutes(engine)

	engine.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := repoFactory.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": abrService.SessionCount()})
	})

	if cfg.Monitoring.PrometheusEnabled {
		engine.GET("/metrics", gin.WrapH(collector.Handler()))
		log.Info("prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("starting delivery server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if err := sessionArchive.Close(shutdownCtx); err != nil {
		log.Errorw("error closing session archive", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}

	log.Info("delivery server stopped")
}
