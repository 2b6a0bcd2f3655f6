package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/klinika/klinika/cmd/klinika/cli"
	"github.com/klinika/klinika/internal/app"
	"github.com/klinika/klinika/internal/observability"
	"github.com/klinika/klinika/internal/platform/cache"
	"github.com/klinika/klinika/internal/platform/db"
	"github.com/klinika/klinika/internal/rbac"
	"github.com/klinika/klinika/internal/shared"
	"github.com/klinika/klinika/internal/view"
	"github.com/klinika/klinika/jobs"
	"github.com/klinika/klinika/migrations"
)

type deps struct {
	cfg      *app.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	redis    *redis.Client
	redisOpt cache.Options
	catalog  *rbac.Catalog
	metrics  *observability.Metrics
	service  *rbac.Service
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		syncMatrix bool
		syncOpts   cli.MatrixSyncOptions
	)
	if len(os.Args) > 1 && os.Args[1] == "sync-matrix" {
		opts, err := cli.ParseMatrixSyncFlags(os.Args[2:], os.Stderr)
		if err != nil {
			os.Exit(2)
		}
		// A dry run only needs the compiled-in catalog and matrix.
		if opts.DryRun {
			os.Exit(runMatrixPreview(ctx, opts))
		}
		syncMatrix, syncOpts = true, opts
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	rt, cleanup, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap", slog.Any("error", err))
		os.Exit(1)
	}
	defer cleanup()

	if syncMatrix {
		code := runSyncMatrix(ctx, rt, syncOpts)
		cleanup()
		os.Exit(code)
	}

	if err := serve(ctx, stop, rt); err != nil {
		logger.Error("serve", slog.Any("error", err))
		cleanup()
		os.Exit(1)
	}
}

func bootstrap(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*deps, func(), error) {
	// An invalid catalog must stop the process before any request is served.
	catalog, err := rbac.DefaultCatalog()
	if err != nil {
		return nil, nil, err
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx, pool, migrations.Files); err != nil {
		pool.Close()
		return nil, nil, err
	}

	redisOpt := cache.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
	redisClient, err := cache.New(ctx, redisOpt)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	metrics := observability.NewMetrics()
	service, err := rbac.NewService(rbac.NewPostgresStore(pool), catalog, rbac.ServiceConfig{
		Logger:      logger,
		Recorder:    metrics,
		Invalidator: rbac.NewInvalidator(redisClient, logger),
		CacheSize:   cfg.RBACCacheSize,
	})
	if err != nil {
		_ = redisClient.Close()
		pool.Close()
		return nil, nil, err
	}

	var once bool
	cleanup := func() {
		if once {
			return
		}
		once = true
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
		pool.Close()
	}

	return &deps{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		redis:    redisClient,
		redisOpt: redisOpt,
		catalog:  catalog,
		metrics:  metrics,
		service:  service,
	}, cleanup, nil
}

func runMatrixPreview(ctx context.Context, opts cli.MatrixSyncOptions) int {
	catalog, err := rbac.DefaultCatalog()
	if err != nil {
		slog.Default().Error("sync-matrix", slog.Any("error", err))
		return 1
	}
	matrixCLI, err := cli.NewMatrixCLI(nil, nil, catalog, rbac.DefaultMatrix)
	if err != nil {
		slog.Default().Error("sync-matrix", slog.Any("error", err))
		return 1
	}
	return matrixCLI.SyncCommand(ctx, opts)
}

func runSyncMatrix(ctx context.Context, rt *deps, opts cli.MatrixSyncOptions) int {
	var enqueuer cli.SyncEnqueuer
	if opts.Enqueue {
		client := jobs.NewClient(rt.redisOpt.AsynqOpt())
		defer func() {
			if err := client.Close(); err != nil {
				rt.logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
		enqueuer = client
	}
	matrixCLI, err := cli.NewMatrixCLI(rt.service, enqueuer, rt.catalog, rbac.DefaultMatrix)
	if err != nil {
		rt.logger.Error("sync-matrix", slog.Any("error", err))
		return 1
	}
	return matrixCLI.SyncCommand(ctx, opts)
}

func serve(ctx context.Context, stop context.CancelFunc, rt *deps) error {
	cfg, logger := rt.cfg, rt.logger

	if err := rt.service.ListenForInvalidation(ctx); err != nil {
		logger.Warn("rbac invalidation listener", slog.Any("error", err))
	}
	if cfg.RBACSyncOnStart {
		if _, err := rt.service.ApplyMatrix(ctx, rbac.DefaultMatrix()); err != nil {
			return err
		}
	}

	sessionManager := shared.NewSessionManager(rt.redis, cfg.SessionSecret, "klinika_session", cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	templates, err := view.NewEngine(rt.catalog)
	if err != nil {
		return err
	}
	viewHandler := view.NewHandler(logger, templates, csrfManager, view.DefaultMenu())

	rbacMiddleware := rbac.Middleware{Service: rt.service, Logger: logger}
	rbacHandler := rbac.NewHandler(logger, rt.service, rbacMiddleware, rbac.DefaultMatrix)

	jobsClient := jobs.NewClient(rt.redisOpt.AsynqOpt())
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(rt.redisOpt.AsynqOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobsClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		RBACService:    rt.service,
		RBACMiddleware: rbacMiddleware,
		RBACHandler:    rbacHandler,
		ViewHandler:    viewHandler,
		JobHandler:     jobHandler,
		Metrics:        rt.metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}
