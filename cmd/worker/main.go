package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/meridianstat/authz-service/internal/app"
	"github.com/meridianstat/authz-service/internal/authz"
	"github.com/meridianstat/authz-service/internal/crosstenant"
	"github.com/meridianstat/authz-service/internal/events"
	jobmetrics "github.com/meridianstat/authz-service/internal/jobs"
	"github.com/meridianstat/authz-service/internal/permissions"
	"github.com/meridianstat/authz-service/internal/platform/cache"
	"github.com/meridianstat/authz-service/internal/platform/db"
	"github.com/meridianstat/authz-service/internal/policy"
	"github.com/meridianstat/authz-service/internal/roles"
	"github.com/meridianstat/authz-service/internal/tenantsync"
	"github.com/meridianstat/authz-service/internal/userroles"
	"github.com/meridianstat/authz-service/jobs"
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

	pool, err := db.NewPool(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Error("connect nats", slog.Any("error", err))
		os.Exit(1)
	}
	defer nc.Drain()

	js, err := jetstream.New(nc)
	if err != nil {
		logger.Error("init jetstream", slog.Any("error", err))
		os.Exit(1)
	}
	if err := events.EnsureStream(ctx, js, events.StreamName, cfg.AuthzEventsSubject); err != nil {
		logger.Error("ensure audit stream", slog.Any("error", err))
		os.Exit(1)
	}
	publisher := events.NewPublisher(js, cfg.AuthzEventsSubject, logger)
	go publisher.Run(ctx)

	decisionCache := authz.NewCache(redisClient, cfg.DecisionCacheTTL)

	rolesRepo := roles.NewRepository(pool)
	permsRepo := permissions.NewRepository(pool)
	policyRepo := policy.NewRepository(pool)
	assignmentsRepo := userroles.NewRepository(pool)
	crossRepo := crosstenant.NewRepository(pool)

	syncer := tenantsync.NewSyncer(rolesRepo, permsRepo, assignmentsRepo, decisionCache, publisher, logger)
	consumer := tenantsync.NewConsumer(js, syncer, cfg.TenantLifecycleSubject, cfg.TenantLifecycleDurable, logger)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("tenant lifecycle consumer", slog.Any("error", err))
			stop()
		}
	}()

	sweeper := jobs.NewSweeper(jobs.SweeperConfig{
		Policies:    policyRepo,
		Grants:      rolesRepo,
		Assignments: assignmentsRepo,
		CrossTenant: crossRepo,
		Cache:       decisionCache,
		Metrics:     jobmetrics.NewMetrics(nil),
		Logger:      logger,
	})

	cron, err := jobs.SweepSchedule(cfg.ExpirySweepSpec)
	if err != nil {
		logger.Error("build sweep schedule", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Sweeper:   sweeper,
		Logger:    logger,
		Cron:      cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
