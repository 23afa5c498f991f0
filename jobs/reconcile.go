package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/stockline-erp/stockline/internal/receiving"
	"github.com/stockline-erp/stockline/internal/shared"
)

// StatusRecomputer recomputes a purchase order's derived status from the sum
// of its receipts. The recompute is idempotent, so retries are safe.
type StatusRecomputer interface {
	RecomputeStatus(ctx context.Context, orderID int64) (receiving.OrderStatus, error)
}

// NewReceivingReconcileHandler builds the handler for deferred status repairs.
func NewReceivingReconcileHandler(recomputer StatusRecomputer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ReceivingReconcilePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		status, err := recomputer.RecomputeStatus(ctx, payload.OrderID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				// the order was deleted; nothing left to repair
				return asynq.SkipRetry
			}
			return err
		}
		logger.Info("purchase order status reconciled",
			slog.Int64("order_id", payload.OrderID),
			slog.String("status", string(status)))
		return nil
	}
}
