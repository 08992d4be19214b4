package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"

	"github.com/ayo6706/payout-accumulator/internal/api/handler"
	"github.com/ayo6706/payout-accumulator/internal/api/middleware"
	"github.com/ayo6706/payout-accumulator/internal/api/spec"
	"github.com/ayo6706/payout-accumulator/internal/config"
	"github.com/ayo6706/payout-accumulator/internal/envelope"
	"github.com/ayo6706/payout-accumulator/internal/service"
)

// Services carries the constructed service layer into the router.
type Services struct {
	Ledger     *service.LedgerService
	MicroBatch *service.MicroBatchService
	Batch      *service.BatchService
	Conversion *service.ConversionService
	Settlement *service.SettlementService
	Admin      *service.AdminService
	Keys       envelope.Keyring
}

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *pgxpool.Pool
	redis  redis.Cmdable
	svcs   Services
}

func NewRouter(cfg *config.Config, logger *zap.Logger, db *pgxpool.Pool, redis redis.Cmdable, svcs Services) *Router {
	return &Router{cfg: cfg, logger: logger, db: db, redis: redis, svcs: svcs}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	// Handlers
	ipnHandler := handler.NewIPNHandler(api.svcs.Ledger)
	taskHandler := handler.NewTaskHandler(api.svcs.MicroBatch, api.svcs.Batch, api.svcs.Conversion, api.svcs.Settlement, api.svcs.Keys)
	adminHandler := handler.NewAdminHandler(api.svcs.Admin)
	healthHandler := handler.NewHealthHandler(api.db, api.redis)

	// Operational surface
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", spec.OpenAPIHandler())
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	// Public Routes. The payment processor posts IPNs to the root path.
	r.With(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS)).Post("/", ipnHandler.HandleIPN)

	// Stage Routes. These authenticate via envelope tokens, not JWTs; the
	// paths must match the task paths the services enqueue.
	r.Post(service.PathMicroBatch, taskHandler.MicroBatchTick)
	r.Post(service.PathBatch, taskHandler.BatchTick)
	r.Post(service.PathConversionExecute, taskHandler.ConversionExecute)
	r.Post(service.PathConversionFund, taskHandler.ConversionFund)
	r.Post(service.PathConversionPoll, taskHandler.ConversionPoll)
	r.Post(service.PathSettlementExecute, taskHandler.SettlementExecute)

	// Operator Routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.RequireRole("admin"))
		r.Use(middleware.AuthRateLimiter(api.cfg.PublicRateLimitRPS))

		r.Get("/v1/admin/failed-transactions", adminHandler.ListFailedTransactions)
		r.Get("/v1/admin/batches", adminHandler.ListBatches)
		r.Get("/v1/admin/batches/{id}", adminHandler.GetBatch)
		r.Post("/v1/admin/batches/{id}/retry", adminHandler.RetryBatch)
		r.Put("/v1/admin/clients/{id}", adminHandler.UpsertClient)
	})

	return r
}
