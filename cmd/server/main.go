package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banditlabs/bandgate/internal/config"
	"github.com/banditlabs/bandgate/internal/engine"
	"github.com/banditlabs/bandgate/internal/handler"
	"github.com/banditlabs/bandgate/internal/middleware"
	"github.com/banditlabs/bandgate/internal/pkg/logger"
	"github.com/banditlabs/bandgate/internal/repository"
	"github.com/banditlabs/bandgate/internal/service"
	"github.com/banditlabs/bandgate/internal/signer"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 0. Initialize Logger
	logger.Init("info")

	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Reference data
	registry, err := service.NewRegistry(cfg)
	if err != nil {
		log.Fatalf("Invalid experiment registry: %v", err)
	}

	// 3. Persistence with graceful fallback: Postgres > Redis > memory
	db := tryPostgres(cfg)
	redisClient := tryRedis(cfg)

	var states engine.StateStore
	var ledgerRepo service.LedgerRepo
	var assignments service.AssignmentStore
	var idemStore middleware.IdempotencyStore

	if db != nil {
		states = repository.NewPostgresStateRepo(db, cfg.Engine.WarmStartMinObservations)
		ledgerRepo = repository.NewPostgresLedgerRepo(db)
		assignments = repository.NewPostgresAssignmentRepo(db)
	} else {
		if redisClient != nil {
			states = repository.NewRedisStateRepo(redisClient, cfg.Engine.WarmStartMinObservations)
		} else {
			states = engine.NewMemoryStateStore(cfg.Engine.WarmStartMinObservations)
		}
		ledgerRepo = service.NewMemoryLedgerRepo()
		assignments = service.NewMemoryAssignmentStore()
	}

	if redisClient != nil {
		assignments = repository.NewRedisAssignmentCache(redisClient, assignments,
			time.Duration(cfg.Redis.AssignmentTTLSeconds)*time.Second)
		idemStore = repository.NewRedisIdempotencyStore(redisClient,
			time.Duration(cfg.Redis.IdempotencyTTLSeconds)*time.Second)
	} else {
		idemStore = middleware.NewInMemIdempotencyStore()
	}

	// 4. Core services
	feedHub := service.NewFeedHub(cfg.Audit.FeedBuffer)

	ledgerSvc, err := service.NewLedgerService(ledgerRepo, cfg.Audit.LogDir, cfg.Audit.QueueSize, feedHub,
		cfg.Engine.MaxRetries, time.Duration(cfg.Engine.RetryBackoffMs)*time.Millisecond)
	if err != nil {
		log.Fatalf("Failed to initialize ledger service: %v", err)
	}

	verifier := service.NewVerifier(ledgerRepo, states, registry.VariantIDs)

	var attestor *signer.Attestor
	if cfg.Audit.AttestorKey != "" {
		attestor, err = signer.NewAttestor(cfg.Audit.AttestorKey)
		if err != nil {
			log.Fatalf("Invalid attestor key: %v", err)
		}
		logger.Info("Proof attestation enabled", "address", attestor.Address().Hex())
	}

	allocator := engine.NewAllocator(cfg.Engine.Seed)
	orchestrator := service.NewOrchestrator(registry, states, allocator, assignments, ledgerSvc, verifier, attestor)

	// Conversion-window sweep
	sweepStop := make(chan struct{})
	if cfg.Assignment.ConversionWindowHours > 0 {
		go runExpirySweep(orchestrator, cfg, sweepStop)
	}

	// 5. Handlers
	allocationHandler := handler.NewAllocationHandler(orchestrator)
	auditHandler := handler.NewAuditHandler(orchestrator, ledgerSvc)
	adminHandler := handler.NewAdminHandler(orchestrator)
	feedHandler := handler.NewFeedHandler(feedHub)

	// 6. Router
	r := gin.Default()

	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "bandgate"})
	})

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg, registry))
	v1.Use(middleware.RateLimitMiddleware(registry))
	v1.Use(middleware.IdempotencyMiddleware(idemStore))
	{
		v1.POST("/experiments/:id/allocations", allocationHandler.Allocate)
		v1.POST("/conversions", allocationHandler.Convert)
		v1.GET("/experiments/:id/trail", auditHandler.Trail)
		v1.GET("/experiments/:id/integrity", auditHandler.Integrity)
		v1.GET("/experiments/:id/stats", auditHandler.Stats)
		v1.GET("/experiments/:id/export", auditHandler.Export)
		v1.GET("/experiments/:id/proof", auditHandler.Proof)
		v1.GET("/experiments/:id/feed", feedHandler.Feed)
	}

	admin := r.Group("/v1/admin")
	admin.Use(middleware.AdminMiddleware(cfg))
	{
		admin.POST("/freeze", adminHandler.Freeze)
		admin.DELETE("/freeze", adminHandler.Unfreeze)
		admin.POST("/experiments/:id/reset", adminHandler.Reset)
	}

	// 7. Start with graceful shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("BandGate started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	close(sweepStop)
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	// Drain pending ledger writes before exit; a dropped entry is a
	// detectable audit gap, so give the queue its chance first.
	ledgerSvc.Close()
	feedHub.Close()

	logger.Info("Server exiting")
}

func tryPostgres(cfg *config.Config) *sqlx.DB {
	if cfg.Database.DSN == "" {
		return nil
	}
	db, err := repository.NewDB(cfg)
	if err != nil {
		logger.Error("Failed to connect to PostgreSQL, falling back", "error", err)
		return nil
	}
	logger.Info("Connected to PostgreSQL")
	return db
}

func tryRedis(cfg *config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	client, err := repository.NewRedisClient(cfg)
	if err != nil {
		logger.Error("Failed to connect to Redis, falling back", "error", err)
		return nil
	}
	logger.Info("Connected to Redis")
	return client
}

func runExpirySweep(orchestrator *service.Orchestrator, cfg *config.Config, stop <-chan struct{}) {
	interval := time.Duration(cfg.Assignment.SweepIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	window := time.Duration(cfg.Assignment.ConversionWindowHours) * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := orchestrator.ExpireAssignments(ctx, time.Now().Add(-window)); err != nil {
				logger.Error("expiry sweep failed", "error", err)
			}
			cancel()
		case <-stop:
			return
		}
	}
}
