package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/helmet-detect/server/alert"
	"github.com/san-kum/helmet-detect/server/camera"
	"github.com/san-kum/helmet-detect/server/config"
	"github.com/san-kum/helmet-detect/server/handlers"
	"github.com/san-kum/helmet-detect/server/metrics"
	"github.com/san-kum/helmet-detect/server/middleware"
	"github.com/san-kum/helmet-detect/server/ml"
	"github.com/san-kum/helmet-detect/server/processor"
	"github.com/san-kum/helmet-detect/server/storage"
	"github.com/san-kum/helmet-detect/server/stream"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Server struct {
	router         *gin.Engine
	logger         *zap.Logger
	detector       ml.Detector
	frameProcessor *processor.FrameProcessor
	dispatcher     *alert.Dispatcher
	monitor        *camera.Monitor
	events         *storage.EventLog
	rateLimiter    *middleware.RateLimiter
	config         *config.Config

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	if cfg.Camera.AutoStart {
		if err := server.monitor.Start(server.ctx, cfg.Camera.Device); err != nil {
			logger.Error("Failed to start monitor", zap.String("device", cfg.Camera.Device), zap.Error(err))
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	server.Shutdown(ctx, srv)

	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	return zc.Build()
}

func newDetector(cfg *config.Config, logger *zap.Logger) (ml.Detector, error) {
	labels := ml.ParseLabels(cfg.Detector.Labels)

	switch cfg.Detector.Backend {
	case "gocv":
		return ml.NewGoCVDetector(ml.GoCVConfig{
			ModelPath:     cfg.Detector.ModelPath,
			Labels:        labels,
			InputSize:     cfg.Detector.InputSize,
			MinConfidence: float32(cfg.Policy.Threshold),
			NMSThreshold:  0.45,
		}, logger)
	default:
		return ml.NewHTTPDetector(ml.ClientConfig{
			BaseURL:             cfg.Detector.BaseURL,
			PredictPath:         cfg.Detector.PredictPath,
			Timeout:             cfg.Detector.Timeout,
			MaxRetries:          cfg.Detector.MaxRetries,
			RetryDelay:          cfg.Detector.RetryDelay,
			HealthCheckInterval: cfg.Detector.HealthCheckInterval,
			JPEGQuality:         cfg.Policy.JPEGQuality,
			FallbackLabels:      labels,
		}, logger)
	}
}

func newAlerters(cfg config.AlertConfig, logger *zap.Logger) []alert.Alerter {
	sinks := []alert.Alerter{alert.NewLogAlerter(logger)}

	if cfg.BeepEnabled {
		sinks = append(sinks, alert.NewBeepAlerter())
	}

	if cfg.TelegramToken != "" {
		tg, err := alert.NewTelegramAlerter(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			logger.Error("Telegram alerts disabled", zap.Error(err))
		} else {
			sinks = append(sinks, tg)
		}
	}

	return sinks
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	m := metrics.New()

	detector, err := newDetector(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	if err := ml.ValidateLabels(detector.Labels(), cfg.Policy.HelmetClassID, cfg.Policy.NoHelmetClassID); err != nil {
		if !cfg.Detector.SkipLabelValidation {
			detector.Close()
			return nil, fmt.Errorf("model labels do not match class ids: %w", err)
		}
		logger.Warn("Model labels do not match class ids", zap.Error(err))
	}

	files, err := storage.NewFileStore(cfg.Storage.ViolationsDir, logger)
	if err != nil {
		detector.Close()
		return nil, err
	}

	var events *storage.EventLog
	if cfg.Storage.DatabasePath != "" {
		events, err = storage.NewEventLog(cfg.Storage.DatabasePath)
		if err != nil {
			detector.Close()
			return nil, fmt.Errorf("failed to open violation log: %w", err)
		}
	}

	dispatcher := alert.NewDispatcher(logger, m, cfg.Alert.Timeout, newAlerters(cfg.Alert, logger)...)

	deps := processor.Deps{
		Detector: detector,
		Policy: processor.Policy{
			HelmetClassID:   cfg.Policy.HelmetClassID,
			NoHelmetClassID: cfg.Policy.NoHelmetClassID,
			Threshold:       cfg.Policy.Threshold,
		},
		Store:   files,
		Alerts:  dispatcher,
		Metrics: m,
		Logger:  logger,
	}
	if events != nil {
		deps.Events = events
	}

	frameProcessor := processor.NewFrameProcessor(deps, processor.ProcessorConfig{
		MaxQueueSize:      cfg.Detector.QueueSize,
		MaxWorkers:        1,
		ProcessingTimeout: cfg.Detector.ProcessingTimeout,
		JPEGQuality:       cfg.Policy.JPEGQuality,
	})

	opener, err := camera.NewOpener(camera.SourceConfig{
		Backend: cfg.Camera.Backend,
		FPS:     cfg.Camera.FPS,
		Width:   cfg.Camera.Width,
		Height:  cfg.Camera.Height,
	})
	if err != nil {
		detector.Close()
		return nil, err
	}

	monitor := camera.NewMonitor(opener, frameProcessor, camera.MonitorConfig{
		Device:     cfg.Camera.Device,
		BufferSize: cfg.Camera.BufferSize,
		Cooldown:   cfg.Alert.Cooldown,
	}, m, logger)

	broadcaster := stream.NewBroadcaster(logger)
	wsHandler := handlers.NewWebSocketHandler(frameProcessor, cfg.Alert.Cooldown, cfg.Security.AllowedOrigins, logger)
	monitor.AddPublisher(broadcaster)
	monitor.AddPublisher(wsHandler)

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)
	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)

	var login *handlers.AuthHandler
	if authMiddleware.Enabled() && cfg.Security.AdminPassword != "" {
		creds, err := middleware.NewCredentials(cfg.Security.AdminUsername, cfg.Security.AdminPassword)
		if err != nil {
			detector.Close()
			return nil, fmt.Errorf("invalid admin credentials: %w", err)
		}
		login = handlers.NewAuthHandler(creds, authMiddleware, cfg.Security.TokenTTL, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.InputValidation())

	var lister handlers.ViolationLister
	if events != nil {
		lister = events
	}

	routes := routeHandlers{
		detect:     handlers.NewDetectHandler(frameProcessor, cfg.Security.MaxRequestSize, logger),
		monitor:    handlers.NewMonitorHandler(ctx, monitor, broadcaster, logger),
		violations: handlers.NewViolationsHandler(lister, files, logger),
		stats:      handlers.NewStatsHandler(frameProcessor, monitor, func() int { return wsHandler.Clients() + broadcaster.Clients() }),
		ws:         wsHandler,
		login:      login,
		metrics:    m,
	}
	setupRoutes(router, routes, authMiddleware, rateLimiter, cfg.Security.RequestTimeout, cfg.Server.StaticDir)

	return &Server{
		router:         router,
		logger:         logger,
		detector:       detector,
		frameProcessor: frameProcessor,
		dispatcher:     dispatcher,
		monitor:        monitor,
		events:         events,
		rateLimiter:    rateLimiter,
		config:         cfg,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Shutdown stops producers before the things they write to.
func (s *Server) Shutdown(ctx context.Context, srv *http.Server) {
	if err := s.monitor.Stop(); err != nil && !errors.Is(err, camera.ErrNotRunning) {
		s.logger.Error("Failed to stop monitor", zap.Error(err))
	}
	s.cancel()
	s.monitor.Wait()

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if err := s.frameProcessor.Shutdown(); err != nil {
		s.logger.Error("Failed to shutdown frame processor", zap.Error(err))
	}

	s.dispatcher.Close()

	if s.events != nil {
		if err := s.events.Close(); err != nil {
			s.logger.Error("Failed to close violation log", zap.Error(err))
		}
	}

	if err := s.detector.Close(); err != nil {
		s.logger.Error("Failed to close detector", zap.Error(err))
	}

	s.rateLimiter.Shutdown()
}

type routeHandlers struct {
	detect     *handlers.DetectHandler
	monitor    *handlers.MonitorHandler
	violations *handlers.ViolationsHandler
	stats      *handlers.StatsHandler
	ws         *handlers.WebSocketHandler
	login      *handlers.AuthHandler
	metrics    *metrics.Metrics
}

// Long-lived routes (/ws, the MJPEG stream) are kept out of the request timeout.
func setupRoutes(router *gin.Engine, h routeHandlers, auth *middleware.AuthMiddleware, rateLimiter *middleware.RateLimiter, timeout time.Duration, staticDir string) {
	deadline := middleware.TimeoutHandler(timeout)

	router.GET("/health", h.detect.Health)
	router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	router.GET("/ws", rateLimiter.RateLimit(), h.ws.HandleWebSocket)

	limited := router.Group("/")
	limited.Use(rateLimiter.RateLimit(), deadline)
	{
		limited.POST("/detect", h.detect.Detect)
		limited.POST("/detect_base64", h.detect.DetectBase64)
	}

	api := router.Group("/api/v1")
	api.Use(rateLimiter.RateLimit())
	{
		api.GET("/monitor/stream", h.monitor.Stream)

		bounded := api.Group("/")
		bounded.Use(deadline)
		{
			bounded.GET("/stats", h.stats.GetStats)
			bounded.GET("/violations", h.violations.List)
			bounded.GET("/violations/:name", h.violations.Get)
			bounded.GET("/monitor/status", h.monitor.Status)
			bounded.GET("/monitor/snapshot", h.monitor.Snapshot)
		}

		if h.login != nil {
			api.POST("/auth/login", deadline, h.login.Login)
		}

		control := api.Group("/monitor")
		control.Use(auth.RequireAuth(), auth.RequireRole("admin"), deadline)
		{
			control.POST("/start", h.monitor.Start)
			control.POST("/stop", h.monitor.Stop)
		}
	}

	if staticDir == "" {
		return
	}
	if _, err := os.Stat(filepath.Join(staticDir, "index.html")); err == nil {
		router.Static("/static", staticDir)
		router.StaticFile("/", filepath.Join(staticDir, "index.html"))
	}
}
