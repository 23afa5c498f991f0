package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReorderScan sweeps inventory for products at or below their
	// reorder point.
	TaskReorderScan = "inventory:reorder_scan"
	// TaskReceivingReconcile recomputes a purchase order's derived status
	// from its receipt history.
	TaskReceivingReconcile = "receiving:reconcile"
)

// ReorderScanPayload carries scheduling metadata.
type ReorderScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewReorderScanTask constructs an Asynq task for the reorder sweep.
func NewReorderScanTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ReorderScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReorderScan, body, asynq.Queue(QueueDefault)), nil
}

// ReceivingReconcilePayload names the purchase order to reconcile.
type ReceivingReconcilePayload struct {
	OrderID int64 `json:"order_id"`
}

// NewReceivingReconcileTask constructs an Asynq task for a status recompute.
func NewReceivingReconcileTask(orderID int64) (*asynq.Task, error) {
	body, err := json.Marshal(ReceivingReconcilePayload{OrderID: orderID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReceivingReconcile, body, asynq.Queue(QueueDefault)), nil
}
