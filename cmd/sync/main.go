package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/sis-enrol-sync/internal/repository"
	"github.com/noah-isme/sis-enrol-sync/internal/service"
	"github.com/noah-isme/sis-enrol-sync/internal/sis"
	"github.com/noah-isme/sis-enrol-sync/pkg/cache"
	"github.com/noah-isme/sis-enrol-sync/pkg/config"
	"github.com/noah-isme/sis-enrol-sync/pkg/database"
	"github.com/noah-isme/sis-enrol-sync/pkg/logger"
)

// One-shot synchronisation, intended for cron jobs and manual runs.
// Without arguments it performs one scheduler run (a bounded slice of the
// full sweep); with -course it synchronises a single course immediately,
// aborting on the first error.
func main() {
	courseID := flag.String("course", "", "sync only the instance linked to this local course id")
	flag.Parse()

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

	httpClient := &http.Client{Timeout: cfg.SIS.RequestTimeout}
	tokens := sis.NewTokenManager(httpClient, settings, cfg.SIS, shortCache, longCache, logr)
	client := sis.NewClient(httpClient, tokens, shortCache, longCache, cfg.SIS, nil, logr)

	trace := service.WriterTrace{W: os.Stdout}
	engine, err := service.NewSyncService(instances, enrolments, roles, users, client, service.SyncOptions{
		Enabled:       cfg.Sync.Enabled,
		RemovalAction: cfg.Sync.RemovalAction,
	}, validator.New(), trace, nil, logr)
	if err != nil {
		logr.Sugar().Fatalw("engine init failed", "error", err)
	}

	scheduler := service.NewSchedulerService(instances, engine, client, settings, cfg.Sync.RunsPerSweep, trace, nil, logr)

	ctx := context.Background()
	if *courseID != "" {
		err = engine.SyncCourse(ctx, *courseID)
	} else {
		err = scheduler.RunOnce(ctx)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "sync failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("sync finished")
}
