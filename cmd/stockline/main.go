package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stockline-erp/stockline/internal/adjustments"
	"github.com/stockline-erp/stockline/internal/app"
	"github.com/stockline-erp/stockline/internal/fulfillment"
	"github.com/stockline-erp/stockline/internal/ledger"
	"github.com/stockline-erp/stockline/internal/platform/cache"
	"github.com/stockline-erp/stockline/internal/platform/db"
	"github.com/stockline-erp/stockline/internal/receiving"
	"github.com/stockline-erp/stockline/internal/shared"
	"github.com/stockline-erp/stockline/jobs"
)

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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, inventory cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	var inventoryCache *ledger.Cache
	if redisClient != nil {
		inventoryCache = ledger.NewCache(redisClient, cfg.InventoryCacheTTL)
	}
	ledgerStore := ledger.NewStore(pool)
	ledgerService := ledger.NewService(ledgerStore, auditLogger, inventoryCache, logger)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	receivingRepo := receiving.NewRepository(pool)
	receivingService := receiving.NewService(receivingRepo, auditLogger, idempotencyStore, jobClient, logger)
	receivingHandler := receiving.NewHandler(logger, receivingService)

	adjustmentsRepo := adjustments.NewRepository(pool)
	adjustmentsService := adjustments.NewService(adjustmentsRepo, auditLogger, logger)
	adjustmentsHandler := adjustments.NewHandler(logger, adjustmentsService)

	fulfillmentRepo := fulfillment.NewRepository(pool)
	// invoicing does not deduct stock; install a StockDeductionHook here once
	// shipment-driven depletion is decided
	fulfillmentService := fulfillment.NewService(fulfillmentRepo, auditLogger, idempotencyStore, nil, logger)
	fulfillmentHandler := fulfillment.NewHandler(logger, fulfillmentService)

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
		LedgerHandler:      ledgerHandler,
		ReceivingHandler:   receivingHandler,
		AdjustmentsHandler: adjustmentsHandler,
		FulfillmentHandler: fulfillmentHandler,
		JobHandler:         jobHandler,
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
