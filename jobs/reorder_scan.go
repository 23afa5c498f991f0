package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/stockline-erp/stockline/internal/ledger"
)

const reorderScanLimit = 500

// ReorderScanner lists products whose available quantity fell to or below
// their reorder point.
type ReorderScanner interface {
	ListBelowReorderPoint(ctx context.Context, limit int) ([]ledger.ReorderAlert, error)
}

// NewReorderScanHandler builds the handler for the nightly reorder sweep.
// Alerts are logged; purchasing picks them up from the low-stock endpoint.
func NewReorderScanHandler(scanner ReorderScanner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ReorderScanPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		alerts, err := scanner.ListBelowReorderPoint(ctx, reorderScanLimit)
		if err != nil {
			return err
		}
		for _, alert := range alerts {
			logger.Warn("product below reorder point",
				slog.Int64("product_id", alert.ProductID),
				slog.Float64("available", alert.QuantityAvailable),
				slog.Float64("reorder_point", alert.ReorderPoint))
		}
		logger.Info("reorder scan finished", slog.Int("alerts", len(alerts)))
		return nil
	}
}
