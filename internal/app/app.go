package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ayo6706/payout-accumulator/internal/alert"
	"github.com/ayo6706/payout-accumulator/internal/api"
	"github.com/ayo6706/payout-accumulator/internal/api/middleware"
	"github.com/ayo6706/payout-accumulator/internal/chain"
	"github.com/ayo6706/payout-accumulator/internal/config"
	"github.com/ayo6706/payout-accumulator/internal/db"
	"github.com/ayo6706/payout-accumulator/internal/envelope"
	"github.com/ayo6706/payout-accumulator/internal/exchange"
	"github.com/ayo6706/payout-accumulator/internal/idempotency"
	"github.com/ayo6706/payout-accumulator/internal/notify"
	"github.com/ayo6706/payout-accumulator/internal/observability"
	"github.com/ayo6706/payout-accumulator/internal/repository"
	"github.com/ayo6706/payout-accumulator/internal/service"
	"github.com/ayo6706/payout-accumulator/internal/taskqueue"
	"github.com/ayo6706/payout-accumulator/internal/worker"
)

// Run bootstraps the HTTP server, task dispatcher, and scheduler workers,
// blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	chainClient, err := chain.NewEthClient(ctx, cfg.ChainRPCURL, cfg.ChainID, cfg.HostWalletKey)
	if err != nil {
		return fmt.Errorf("connect chain rpc: %w", err)
	}
	defer chainClient.Close()

	store := repository.NewStore(pool)
	guard := idempotency.NewGuard(pool)
	queue := taskqueue.NewRedisQueue(redisClient)
	keys := envelope.NewKeyring(cfg.ConversionSigningKey, cfg.SettlementSigningKey, cfg.SchedulerSigningKey)
	exchangeClient := exchange.NewHTTPClient(cfg.ExchangeAPIKey, cfg.ExchangeBaseURL)

	alerts := newAlertSink(cfg)
	notifier := newNotifier(cfg)

	ledgerSvc := service.NewLedgerService(store, cfg.IPNSecret, cfg.ProcessingFeePercent, notifier)
	microSvc := service.NewMicroBatchService(store, guard, exchangeClient, queue, keys, cfg.MicroBatchThreshold)
	batchSvc := service.NewBatchService(store, queue, keys)
	conversionSvc := service.NewConversionService(store, guard, exchangeClient, chainClient, queue, keys, alerts,
		chainClient.From(), cfg.FirstPollDelay, cfg.PollDelay, cfg.SettlementMaxAttempts, cfg.SettlementRetryDelay)
	settlementSvc := service.NewSettlementService(store, guard, chainClient, queue, keys, alerts,
		cfg.SettlementMaxAttempts, cfg.SettlementRetryDelay)
	adminSvc := service.NewAdminService(store, queue, keys)

	dispatcher := taskqueue.NewDispatcher(queue, cfg.BaseURL,
		cfg.DispatchInterval, cfg.TaskRetryBackoff, cfg.TaskMaxAge,
		service.NewExpiryRecorder(store, alerts))
	go dispatcher.Run(ctx)

	microScheduler := worker.NewMicroBatchScheduler(queue, keys, cfg.MicroBatchInterval)
	batchScheduler := worker.NewBatchScheduler(queue, keys, cfg.BatchInterval)
	monitor := worker.NewMonitorWorker(store)

	stopMicro := microScheduler.Run(ctx)
	stopBatch := batchScheduler.Run(ctx)
	stopMonitor := monitor.Run(ctx)

	router := api.NewRouter(cfg, logger, pool, redisClient, api.Services{
		Ledger:     ledgerSvc,
		MicroBatch: microSvc,
		Batch:      batchSvc,
		Conversion: conversionSvc,
		Settlement: settlementSvc,
		Admin:      adminSvc,
		Keys:       keys,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopMicro()
	stopBatch()
	stopMonitor()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func newAlertSink(cfg *config.Config) alert.Sink {
	if cfg.TelegramBotToken != "" && cfg.AlertChatID != 0 {
		return alert.NewTelegramSink(cfg.TelegramBotToken, cfg.AlertChatID)
	}
	return alert.LogSink{}
}

func newNotifier(cfg *config.Config) notify.Notifier {
	if cfg.TelegramBotToken != "" && cfg.InviteChannelID != 0 {
		return notify.NewTelegramNotifier(cfg.TelegramBotToken, cfg.InviteChannelID)
	}
	return notify.Noop{}
}
