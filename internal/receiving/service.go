package receiving

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stockline-erp/stockline/internal/ledger"
	"github.com/stockline-erp/stockline/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, orderID int64) (PurchaseOrder, []PurchaseOrderLine, error)
	OrderTotals(ctx context.Context, orderID int64) (ordered, received float64, err error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status OrderStatus) error
	SumReceipts(ctx context.Context, lineID int64) (float64, error)
	ListReceipts(ctx context.Context, lineID int64) ([]Receipt, error)
}

// TxRepository exposes the per-receipt transactional operations. Inventory
// methods delegate to the ledger store bound to the same transaction so a
// receipt and its stock increase commit or roll back together.
type TxRepository interface {
	GetLineForUpdate(ctx context.Context, lineID int64) (PurchaseOrderLine, error)
	GetOrder(ctx context.Context, orderID int64) (PurchaseOrder, error)
	SumReceipts(ctx context.Context, lineID int64) (float64, error)
	InsertReceipt(ctx context.Context, receipt Receipt) (int64, error)
	EnsureInventory(ctx context.Context, productID int64) (ledger.InventoryRecord, error)
	ApplyInventoryDelta(ctx context.Context, recordID int64, onHandDelta, allocatedDelta float64) (ledger.InventoryRecord, error)
	SetInventoryCosts(ctx context.Context, recordID int64, weightedAverageCost, lastCost float64) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ReconcileEnqueuer schedules a deferred status recompute when the inline one
// fails after receipts have already committed.
type ReconcileEnqueuer interface {
	EnqueueStatusReconcile(ctx context.Context, orderID int64) error
}

// IdempotencyPort guards replayed receive postings keyed by caller reference.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service reconciles receipts against purchase order lines.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	enqueuer    ReconcileEnqueuer
	logger      *slog.Logger
}

// NewService constructs the receiving service. Audit, idempotency and
// enqueuer may be nil.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, enqueuer ReconcileEnqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, idempotency: idem, enqueuer: enqueuer, logger: logger}
}

// ReceiveLineInput names one purchase order line and how much arrived.
type ReceiveLineInput struct {
	POLineID     int64
	QtyToReceive float64
	UnitCost     float64
}

// ReceiveInput describes one receiving session, possibly covering several lines.
type ReceiveInput struct {
	Lines           []ReceiveLineInput
	ReceiveDate     time.Time
	ReferenceNumber string
	Notes           string
	ReceivedBy      int64
}

// LineResult reports what actually happened per line after clamping.
type LineResult struct {
	POLineID    int64
	Requested   float64
	Received    float64
	Remaining   float64
	ReceiptID   int64
	OrderID     int64
	OrderStatus OrderStatus
}

// ReceiveResult aggregates per-line outcomes.
type ReceiveResult struct {
	Lines []LineResult
}

// ReceiveLines records receipts for the given lines. Each line commits as its
// own transaction (receipt row + inventory increase + cost update); requested
// quantities are clamped to the line's remaining quantity, and zero or
// negative requests are no-ops. Parent order statuses are recomputed after the
// receipts; a recompute failure is non-fatal because the derivation is
// idempotent on the next read.
func (s *Service) ReceiveLines(ctx context.Context, input ReceiveInput) (ReceiveResult, error) {
	if len(input.Lines) == 0 {
		return ReceiveResult{}, ErrNoLines
	}
	if input.ReceiveDate.IsZero() {
		input.ReceiveDate = time.Now().UTC()
	}
	reference := input.ReferenceNumber
	if reference == "" {
		reference = uuid.NewString()
	}

	result := ReceiveResult{}
	var succeeded []int64
	touchedOrders := map[int64]struct{}{}

	for _, lineInput := range input.Lines {
		lineResult := LineResult{POLineID: lineInput.POLineID, Requested: lineInput.QtyToReceive}
		if lineInput.QtyToReceive <= 0 {
			result.Lines = append(result.Lines, lineResult)
			continue
		}

		key := fmt.Sprintf("RCV:%s:%d", reference, lineInput.POLineID)
		insertedKey := false
		if s.idempotency != nil && input.ReferenceNumber != "" {
			if err := s.idempotency.CheckAndInsert(ctx, key, "receiving"); err != nil {
				return result, s.wrapPartial(succeeded, err)
			}
			insertedKey = true
		}

		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			line, err := tx.GetLineForUpdate(ctx, lineInput.POLineID)
			if err != nil {
				return err
			}
			order, err := tx.GetOrder(ctx, line.PurchaseOrderID)
			if err != nil {
				return err
			}
			if order.Status == OrderStatusCancelled {
				return ErrOrderCancelled
			}
			received, err := tx.SumReceipts(ctx, line.ID)
			if err != nil {
				return err
			}
			remaining := line.Quantity - received
			if remaining < 0 {
				remaining = 0
			}
			qty := lineInput.QtyToReceive
			if qty > remaining {
				qty = remaining
			}
			lineResult.OrderID = order.ID
			lineResult.Remaining = remaining - qty
			if qty <= 0 {
				// fully received already; nothing to do
				return nil
			}
			unitCost := lineInput.UnitCost
			if unitCost == 0 {
				unitCost = line.UnitPrice
			}
			record, err := tx.EnsureInventory(ctx, line.ProductID)
			if err != nil {
				return err
			}
			updated, err := tx.ApplyInventoryDelta(ctx, record.ID, qty, 0)
			if err != nil {
				return err
			}
			wac := ledger.NextWeightedAverageCost(updated.QuantityOnHand, record.WeightedAverageCost, qty, unitCost)
			if err := tx.SetInventoryCosts(ctx, record.ID, wac, unitCost); err != nil {
				return err
			}
			receiptID, err := tx.InsertReceipt(ctx, Receipt{
				POLineID:        line.ID,
				ProductID:       line.ProductID,
				QtyReceived:     qty,
				UnitCost:        unitCost,
				TotalCost:       qty * unitCost,
				ReceiveDate:     input.ReceiveDate,
				ReferenceNumber: reference,
				Notes:           input.Notes,
				ReceivedBy:      input.ReceivedBy,
			})
			if err != nil {
				return err
			}
			lineResult.Received = qty
			lineResult.ReceiptID = receiptID
			return nil
		})
		if err != nil {
			if insertedKey {
				_ = s.idempotency.Delete(ctx, key)
			}
			return result, s.wrapPartial(succeeded, err)
		}
		if lineResult.Received > 0 {
			succeeded = append(succeeded, lineInput.POLineID)
			touchedOrders[lineResult.OrderID] = struct{}{}
			s.recordAudit(ctx, input.ReceivedBy, lineResult, reference)
		}
		result.Lines = append(result.Lines, lineResult)
	}

	for orderID := range touchedOrders {
		status, err := s.RecomputeStatus(ctx, orderID)
		if err != nil {
			// receipts are durable; the status heals on the next recompute
			s.logger.Warn("recompute order status failed",
				slog.Int64("order_id", orderID),
				slog.Any("error", err))
			if s.enqueuer != nil {
				if err := s.enqueuer.EnqueueStatusReconcile(ctx, orderID); err != nil {
					s.logger.Warn("enqueue status reconcile", slog.Int64("order_id", orderID), slog.Any("error", err))
				}
			}
			continue
		}
		for i := range result.Lines {
			if result.Lines[i].OrderID == orderID {
				result.Lines[i].OrderStatus = status
			}
		}
	}
	return result, nil
}

// RecomputeStatus re-derives the order status from summed receipts vs summed
// ordered quantities across all lines. CANCELLED is never overwritten.
func (s *Service) RecomputeStatus(ctx context.Context, orderID int64) (OrderStatus, error) {
	ordered, received, err := s.repo.OrderTotals(ctx, orderID)
	if err != nil {
		return "", err
	}
	status := DeriveStatus(ordered, received)
	if err := s.repo.UpdateOrderStatus(ctx, orderID, status); err != nil {
		return "", err
	}
	return status, nil
}

// ReceivedToDate sums all receipts for one line.
func (s *Service) ReceivedToDate(ctx context.Context, lineID int64) (float64, error) {
	return s.repo.SumReceipts(ctx, lineID)
}

// OrderProgress returns the order with per-line received/remaining figures.
func (s *Service) OrderProgress(ctx context.Context, orderID int64) (PurchaseOrder, []LineProgress, error) {
	order, lines, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	progress := make([]LineProgress, 0, len(lines))
	for _, line := range lines {
		received, err := s.repo.SumReceipts(ctx, line.ID)
		if err != nil {
			return PurchaseOrder{}, nil, err
		}
		remaining := line.Quantity - received
		if remaining < 0 {
			remaining = 0
		}
		progress = append(progress, LineProgress{Line: line, Received: received, Remaining: remaining})
	}
	return order, progress, nil
}

// ListReceipts returns the append-only receipt trail for one line.
func (s *Service) ListReceipts(ctx context.Context, lineID int64) ([]Receipt, error) {
	return s.repo.ListReceipts(ctx, lineID)
}

func (s *Service) wrapPartial(succeeded []int64, err error) error {
	if len(succeeded) == 0 {
		return err
	}
	return &shared.PartialCommitError{Op: "receiving.receive", Succeeded: succeeded, Err: err}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, line LineResult, reference string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "receiving:receipt",
		Entity:   "po_line",
		EntityID: fmt.Sprintf("%d", line.POLineID),
		Meta: map[string]any{
			"requested": line.Requested,
			"received":  line.Received,
			"remaining": line.Remaining,
			"reference": reference,
			"order_id":  line.OrderID,
		},
	})
}
