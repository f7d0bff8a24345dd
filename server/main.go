package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/setv/ultrascan/server/cache"
	"github.com/setv/ultrascan/server/config"
	"github.com/setv/ultrascan/server/database"
	"github.com/setv/ultrascan/server/handlers"
	"github.com/setv/ultrascan/server/metrics"
	"github.com/setv/ultrascan/server/middleware"
	"github.com/setv/ultrascan/server/ml"
	"github.com/setv/ultrascan/server/processor"
	"github.com/setv/ultrascan/server/relocation"
	"github.com/setv/ultrascan/server/report"
	"github.com/setv/ultrascan/server/sampler"
	"github.com/setv/ultrascan/server/storage"
	"github.com/setv/ultrascan/server/tracing"
	"github.com/setv/ultrascan/server/visits"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	pipeline    *processor.Pipeline
	relocator   *relocation.Relocator
	mlClient    *ml.Client
	cache       cache.Cache
	db          *database.DB
	rateLimiter *middleware.RateLimiter
	tracer      *sdktrace.TracerProvider
	config      *config.Config

	// cancel stops the background loops: reconciler, sweeper and health checker.
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

	server, err := NewServer(context.Background(), cfg, logger)
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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	server.Shutdown(ctx)

	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapConfig zap.Config
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	return zapConfig.Build()
}

func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{logger: logger, config: cfg}

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		s.tracer = tp
	}

	s.cache = newCache(cfg, logger)

	blobs, err := newStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	var (
		visitStore visits.VisitStore
		idStore    visits.IDAllocator
		outbox     relocation.Outbox
	)
	switch cfg.Database.Driver {
	case "memory":
		visitStore = database.NewMemoryVisitRepository()
		idStore = database.NewMemoryIDRepository()
		outbox = relocation.NewMemoryOutbox()
	default:
		if err := database.RunMigrations(cfg.Database.DSN(), logger); err != nil {
			return nil, err
		}
		db, err := database.NewConnection(ctx, &database.Config{
			URL:            cfg.Database.DSN(),
			MaxConnections: cfg.Database.MaxConns,
			MinConnections: cfg.Database.MinConns,
		})
		if err != nil {
			return nil, err
		}
		s.db = db
		visitStore = database.NewVisitRepository(db.Pool)
		idStore = database.NewIDRepository(db.Pool)
		outbox = database.NewRelocationRepository(db.Pool)
	}

	s.relocator = relocation.NewRelocator(blobs, relocation.Buckets{
		Videos:  cfg.Storage.VideoBucket,
		Images:  cfg.Storage.ImageBucket,
		Reports: cfg.Storage.ReportBucket,
	}, outbox, cfg.Storage.CopyWorkers, logger)

	mlClient, err := ml.NewClient(cfg.ML.BaseURL, &ml.ClientConfig{
		Timeout:             cfg.ML.Timeout,
		MaxRetries:          cfg.ML.MaxRetries,
		RetryDelay:          cfg.ML.RetryDelay,
		HealthCheckInterval: cfg.ML.HealthCheckInterval,
		CacheTTL:            cfg.ML.CacheTTL,
	}, s.cache, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ML client: %w", err)
	}
	s.mlClient = mlClient

	if err := os.MkdirAll(cfg.Analysis.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	videos := processor.NewStoreVideoOpener(blobs, cfg.Storage.VideoBucket, cfg.Analysis.TempDir, sampler.FFmpegConfig{
		FFmpegPath:  cfg.Analysis.FFmpegPath,
		FFprobePath: cfg.Analysis.FFprobePath,
		Width:       cfg.Analysis.FrameWidth,
		Height:      cfg.Analysis.FrameHeight,
	}, logger)

	sessions := processor.NewSessionRegistry(cfg.Analysis.MaxDetections)
	s.pipeline = processor.NewPipeline(mlClient, s.relocator, videos, sessions, processor.PipelineConfig{
		Workers:       cfg.Analysis.Workers,
		QueueSize:     cfg.Analysis.QueueSize,
		DefaultRate:   cfg.Analysis.DefaultRate,
		MaxDetections: cfg.Analysis.MaxDetections,
	}, logger)

	visitService := visits.NewService(visitStore, idStore, s.relocator, sessions, logger)
	s.relocator.OnVideoRelocated(visitService.OnVideoRelocated)

	assembler := report.NewAssembler(report.Branding{
		HospitalName:     cfg.Report.HospitalName,
		Tagline:          cfg.Report.Tagline,
		Phone:            cfg.Report.Phone,
		Email:            cfg.Report.Email,
		Address:          cfg.Report.Address,
		EmergencyContact: cfg.Report.EmergencyContact,
	}, logger)

	s.rateLimiter = middleware.NewRateLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst, logger)
	auth := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, cfg.Security.AuthEnabled, logger)

	background, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go mlClient.StartHealthChecker(background)
	go relocation.NewReconciler(s.relocator, relocation.ReconcilerConfig{
		Interval:    cfg.Analysis.ReconcileInterval,
		MaxAttempts: cfg.Analysis.RelocationAttempts,
	}, logger).Run(background)
	go s.sweepSessions(background, sessions, cfg.Analysis.SessionTTL)

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.ContentTypes("application/json", "multipart/form-data", "application/x-www-form-urlencoded"))

	checks := map[string]handlers.HealthCheck{
		"classifier": mlClient.HealthCheck,
		"cache": func(ctx context.Context) error {
			stats, err := s.cache.GetStats(ctx)
			if err != nil {
				return err
			}
			if !stats.Connected {
				return fmt.Errorf("%s cache disconnected", stats.Backend)
			}
			return nil
		},
	}
	if s.db != nil {
		checks["database"] = s.db.Ping
	}

	setupRoutes(router, routes{
		artifacts: handlers.NewArtifactHandler(s.relocator, blobs, cfg.Storage.ImageBucket, cfg.Storage.PresignExpiry, visitService, logger),
		analysis:  handlers.NewAnalysisHandler(s.pipeline, assembler, outbox, s.rateLimiter, logger),
		ws:        handlers.NewWebSocketHandler(sessions, cfg.Security.AllowedOrigins, logger),
		health:    handlers.NewHealthHandler(checks, logger),
		auth:      auth,
		limiter:   s.rateLimiter,
		timeout:   cfg.Security.RequestTimeout,
		metricIPs: cfg.Security.MetricsAllowedIPs,
	})

	s.router = router
	return s, nil
}

func newCache(cfg *config.Config, logger *zap.Logger) cache.Cache {
	if cfg.Redis.Host == "" {
		return cache.NewMemoryCache(1000, cfg.ML.CacheTTL, logger)
	}

	redisCache, err := cache.NewRedisCache(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Redis.PoolSize,
		cfg.ML.CacheTTL,
		logger,
	)
	if err != nil {
		logger.Warn("Failed to connect to Redis, using memory cache", zap.Error(err))
		return cache.NewMemoryCache(1000, cfg.ML.CacheTTL, logger)
	}
	return redisCache
}

func newStore(ctx context.Context, cfg config.StorageConfig) (storage.BlobStore, error) {
	var blobs storage.BlobStore
	if cfg.Driver == "memory" {
		blobs = storage.NewMemoryStore("http://localhost/blobs")
	} else {
		minioStore, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		blobs = minioStore
	}

	if err := blobs.EnsureBuckets(ctx, cfg.VideoBucket, cfg.ImageBucket, cfg.ReportBucket); err != nil {
		return nil, fmt.Errorf("failed to prepare buckets: %w", err)
	}
	return blobs, nil
}

// sweepSessions drops analysis sessions idle for longer than ttl.
func (s *Server) sweepSessions(ctx context.Context, sessions *processor.SessionRegistry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	ticker := time.NewTicker(ttl / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := sessions.Sweep(ttl); n > 0 {
				s.logger.Info("Expired idle analysis sessions", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the analysis pipeline and background loops, lets running
// relocations finish and releases the connections.
func (s *Server) Shutdown(ctx context.Context) {
	s.cancel()

	timeout := s.config.Analysis.ShutdownTimeout
	if err := s.pipeline.Shutdown(timeout); err != nil {
		s.logger.Error("Failed to shutdown analysis pipeline", zap.Error(err))
	}

	if err := s.relocator.Shutdown(timeout); err != nil {
		s.logger.Warn("Relocations interrupted, the reconciler resumes them on restart", zap.Error(err))
	}

	s.rateLimiter.Shutdown()

	if err := s.cache.Close(); err != nil {
		s.logger.Error("Failed to close cache", zap.Error(err))
	}

	if s.db != nil {
		s.db.Close()
	}

	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			s.logger.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}
}

type routes struct {
	artifacts *handlers.ArtifactHandler
	analysis  *handlers.AnalysisHandler
	ws        *handlers.WebSocketHandler
	health    *handlers.HealthHandler
	auth      *middleware.AuthMiddleware
	limiter   *middleware.RateLimiter
	timeout   time.Duration
	metricIPs []string
}

func setupRoutes(router *gin.Engine, r routes) {
	router.GET("/health", r.health.Health)
	router.GET("/metrics", middleware.IPWhitelist(r.metricIPs), metrics.Handler())

	// Scan client endpoints.
	router.POST("/upload", r.limiter.RateLimit(), r.artifacts.UploadVideo)
	router.POST("/upload-frame", r.limiter.RateLimit(), r.artifacts.UploadFrame)
	router.POST("/upload-patient-report", r.limiter.RateLimit(), r.artifacts.UploadPatientReport)
	router.GET("/get-frames/:folder", r.limiter.RateLimit(), r.artifacts.GetFrames)
	router.POST("/api/submit-visit", r.limiter.RateLimit(), r.artifacts.SubmitVisit)
	router.GET("/api/reports", r.limiter.RateLimit(), r.artifacts.ListReports)

	router.GET("/ws", r.limiter.RateLimit(), r.auth.RequireAuth(), r.ws.HandleWebSocket)

	api := router.Group("/api/v1")
	api.Use(r.limiter.RateLimit())
	api.Use(r.auth.RequireAuth())
	api.Use(middleware.TimeoutHandler(r.timeout))
	{
		api.POST("/visits/:tempId/analysis", r.analysis.StartAnalysis)
		api.GET("/visits/:tempId/analysis", r.analysis.GetAnalysis)
		api.POST("/visits/:tempId/selection", r.analysis.SelectDetection)
		api.DELETE("/visits/:tempId/selection/:detectionId", r.analysis.DeselectDetection)
		api.POST("/visits/:tempId/report", r.analysis.GenerateReport)
	}

	admin := api.Group("")
	admin.Use(r.auth.RequireRole("admin"))
	{
		admin.GET("/relocations", r.analysis.ListRelocations)
		admin.GET("/stats", r.analysis.GetStats)
	}
}
