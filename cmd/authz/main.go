package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/meridianstat/authz-service/internal/app"
	"github.com/meridianstat/authz-service/internal/authz"
	"github.com/meridianstat/authz-service/internal/crosstenant"
	"github.com/meridianstat/authz-service/internal/events"
	"github.com/meridianstat/authz-service/internal/observability"
	"github.com/meridianstat/authz-service/internal/permissions"
	"github.com/meridianstat/authz-service/internal/platform/cache"
	"github.com/meridianstat/authz-service/internal/platform/db"
	"github.com/meridianstat/authz-service/internal/policy"
	"github.com/meridianstat/authz-service/internal/rbac"
	"github.com/meridianstat/authz-service/internal/resources"
	"github.com/meridianstat/authz-service/internal/roles"
	"github.com/meridianstat/authz-service/internal/userroles"
	"github.com/meridianstat/authz-service/jobs"
)

// referenceLoader resolves policy reference sets from the catalog tables.
type referenceLoader struct {
	perms *permissions.Repository
	res   *resources.Repository
}

func (l referenceLoader) PermissionsByIDs(ctx context.Context, ids []uuid.UUID) ([]permissions.Permission, error) {
	return l.perms.ListByIDs(ctx, ids)
}

func (l referenceLoader) ResourcesByIDs(ctx context.Context, ids []uuid.UUID) ([]resources.Resource, error) {
	return l.res.ListByIDs(ctx, ids)
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.NewPool(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// Decisions fall through to the store when the cache is away.
		logger.Warn("redis unavailable", slog.Any("error", err))
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
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

	metrics := observability.NewMetrics()
	decisionCache := authz.NewCache(redisClient, cfg.DecisionCacheTTL)

	rolesRepo := roles.NewRepository(dbpool)
	permsRepo := permissions.NewRepository(dbpool)
	policyRepo := policy.NewRepository(dbpool)
	resourcesRepo := resources.NewRepository(dbpool)
	assignmentsRepo := userroles.NewRepository(dbpool)
	crossRepo := crosstenant.NewRepository(dbpool)

	evaluator := policy.NewEvaluator(referenceLoader{perms: permsRepo, res: resourcesRepo}, logger)

	engine := authz.NewEngine(authz.EngineParams{
		UserRoles: assignmentsRepo,
		RoleGraph: rolesRepo,
		Resources: resourcesRepo,
		Policies:  policyRepo,
		Evaluator: evaluator,
		Cache:     decisionCache,
		Audit:     publisher,
		Metrics:   metrics,
		Logger:    logger,
	})
	guard := rbac.Middleware{Authorizer: engine, Logger: logger}

	rolesService := roles.NewService(roles.ServiceParams{
		Repo:     rolesRepo,
		Perms:    permsRepo,
		Cache:    decisionCache,
		Sink:     publisher,
		Logger:   logger,
		MaxDepth: cfg.RoleMaxHierarchyDepth,
		MaxPerms: cfg.RoleMaxPermissions,
	})
	permsService := permissions.NewService(permsRepo, redisClient, logger)
	policyService := policy.NewService(policyRepo, evaluator, decisionCache, publisher, logger)
	resourcesService := resources.NewService(resourcesRepo, decisionCache, logger)
	assignmentsService := userroles.NewService(assignmentsRepo, rolesRepo, decisionCache, publisher, logger)
	crossService := crosstenant.NewService(crossRepo, publisher, logger)

	authzHandler := authz.NewHandler(logger, engine)
	rolesHandler := roles.NewHandler(logger, rolesService, guard)
	permsHandler := permissions.NewHandler(logger, permsService, guard)
	policyHandler := policy.NewHandler(logger, policyService, guard)
	resourcesHandler := resources.NewHandler(logger, resourcesService, guard)
	assignmentsHandler := userroles.NewHandler(logger, assignmentsService, guard)
	crossHandler := crosstenant.NewHandler(logger, crossService, guard)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		AuthzHandler:       authzHandler,
		RolesHandler:       rolesHandler,
		PermissionsHandler: permsHandler,
		PoliciesHandler:    policyHandler,
		ResourcesHandler:   resourcesHandler,
		UserRolesHandler:   assignmentsHandler,
		CrossTenantHandler: crossHandler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
}
