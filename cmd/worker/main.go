package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/klinika/klinika/internal/app"
	jobmetrics "github.com/klinika/klinika/internal/jobs"
	"github.com/klinika/klinika/internal/platform/cache"
	"github.com/klinika/klinika/internal/platform/db"
	"github.com/klinika/klinika/internal/rbac"
	"github.com/klinika/klinika/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	catalog, err := rbac.DefaultCatalog()
	if err != nil {
		logger.Error("load permission catalog", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpt := cache.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
	redisClient, err := cache.New(ctx, redisOpt)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	// Writes publish invalidations so serving instances drop their cached sets.
	service, err := rbac.NewService(rbac.NewPostgresStore(pool), catalog, rbac.ServiceConfig{
		Logger:      logger,
		Invalidator: rbac.NewInvalidator(redisClient, logger),
		CacheSize:   cfg.RBACCacheSize,
	})
	if err != nil {
		logger.Error("init rbac service", slog.Any("error", err))
		os.Exit(1)
	}

	syncJob := jobs.NewSyncMatrixJob(service, rbac.DefaultMatrix, logger, jobmetrics.NewMetrics(nil))

	var cron []jobs.CronRegistration
	if cfg.RBACSyncCron != "" {
		task, err := jobs.NewSyncMatrixTask(jobs.SyncMatrixPayload{Reason: "cron"})
		if err != nil {
			logger.Error("build sync task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{Spec: cfg.RBACSyncCron, Task: task, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpt.AsynqOpt(),
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRBACSyncMatrix, Handler: syncJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
