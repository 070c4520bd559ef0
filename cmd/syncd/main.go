package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-enrol-sync/internal/repository"
	"github.com/noah-isme/sis-enrol-sync/internal/service"
	"github.com/noah-isme/sis-enrol-sync/internal/sis"
	"github.com/noah-isme/sis-enrol-sync/pkg/cache"
	"github.com/noah-isme/sis-enrol-sync/pkg/config"
	"github.com/noah-isme/sis-enrol-sync/pkg/database"
	"github.com/noah-isme/sis-enrol-sync/pkg/logger"
	reqidmiddleware "github.com/noah-isme/sis-enrol-sync/pkg/middleware/requestid"
)

// Long-running scheduled sync daemon. Runs the batch scheduler at a fixed
// interval and exposes /health and /metrics.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("redis connection failed", "error", err)
	}

	instances := repository.NewInstanceRepository(db)
	enrolments := repository.NewEnrolmentRepository(db)
	roles := repository.NewRoleAssignmentRepository(db)
	users := repository.NewUserRepository(db)
	settings := repository.NewSettingsRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close()

	shortCache := sis.NewResponseCache(cacheRepo, "sis:short", cfg.SIS.ShortCacheTTL, logr)
	longCache := sis.NewResponseCache(cacheRepo, "sis:long", cfg.SIS.LongCacheTTL, logr)

	metrics := service.NewMetricsService()

	httpClient := &http.Client{Timeout: cfg.SIS.RequestTimeout}
	tokens := sis.NewTokenManager(httpClient, settings, cfg.SIS, shortCache, longCache, logr)
	client := sis.NewClient(httpClient, tokens, shortCache, longCache, cfg.SIS, metrics, logr)

	engine, err := service.NewSyncService(instances, enrolments, roles, users, client, service.SyncOptions{
		Enabled:       cfg.Sync.Enabled,
		RemovalAction: cfg.Sync.RemovalAction,
	}, nil, service.ZapTrace{Logger: logr}, metrics, logr)
	if err != nil {
		logr.Sugar().Fatalw("engine init failed", "error", err)
	}

	scheduler := service.NewSchedulerService(instances, engine, client, settings, cfg.Sync.RunsPerSweep, service.ZapTrace{Logger: logr}, metrics, logr)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runScheduler(ctx, scheduler, cfg.Sync.Interval, logr)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("server shutdown failed", "error", err)
	}
}

// runScheduler executes one run immediately, then on every tick until the
// context is cancelled. Runs never overlap: the engine is not safe for
// concurrent sweeps, so a slow run simply delays the next tick.
func runScheduler(ctx context.Context, scheduler *service.SchedulerService, interval time.Duration, logr *zap.Logger) {
	run := func() {
		if err := scheduler.RunOnce(ctx); err != nil {
			logr.Warn("scheduler run failed", zap.Error(err))
		}
	}

	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
