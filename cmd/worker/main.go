package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stockline-erp/stockline/internal/app"
	"github.com/stockline-erp/stockline/internal/ledger"
	"github.com/stockline-erp/stockline/internal/platform/db"
	"github.com/stockline-erp/stockline/internal/receiving"
	"github.com/stockline-erp/stockline/internal/shared"
	"github.com/stockline-erp/stockline/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	auditLogger := shared.NewAuditLogger(pool)

	ledgerStore := ledger.NewStore(pool)
	ledgerService := ledger.NewService(ledgerStore, auditLogger, nil, logger)

	receivingRepo := receiving.NewRepository(pool)
	receivingService := receiving.NewService(receivingRepo, auditLogger, nil, nil, logger)

	reorderTask, err := jobs.NewReorderScanTask(time.Now().UTC())
	if err != nil {
		logger.Error("build reorder task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReorderScan, Handler: jobs.NewReorderScanHandler(ledgerService, logger)},
			{Type: jobs.TaskReceivingReconcile, Handler: jobs.NewReceivingReconcileHandler(receivingService, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReorderScanSchedule, Task: reorderTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
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
