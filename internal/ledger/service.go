package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/stockline-erp/stockline/internal/shared"
)

// StorePort abstracts the write path for service-level callers and tests.
type StorePort interface {
	ApplyDelta(ctx context.Context, recordID int64, onHandDelta, allocatedDelta float64) (InventoryRecord, error)
	EnsureRecord(ctx context.Context, productID int64) (InventoryRecord, error)
	SetCosts(ctx context.Context, recordID int64, weightedAverageCost, lastCost float64) error
	Get(ctx context.Context, recordID int64) (InventoryRecord, error)
	GetByProduct(ctx context.Context, productID int64) (InventoryRecord, error)
	ListBelowReorderPoint(ctx context.Context, limit int) ([]ReorderAlert, error)
	HasHistory(ctx context.Context, recordID int64) (bool, error)
	Delete(ctx context.Context, recordID int64) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates ledger operations and owns the cache/audit side effects.
type Service struct {
	store  StorePort
	audit  AuditPort
	cache  *Cache
	logger *slog.Logger
	reads  singleflight.Group
}

// NewService builds Service. Audit and cache may be nil.
func NewService(store StorePort, audit AuditPort, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, audit: audit, cache: cache, logger: logger}
}

// ApplyDelta mutates on-hand/allocated through the single choke point and
// returns the updated record. Available is recomputed inside the store.
func (s *Service) ApplyDelta(ctx context.Context, recordID int64, onHandDelta, allocatedDelta float64, actorID int64, reason string) (InventoryRecord, error) {
	if onHandDelta == 0 && allocatedDelta == 0 {
		return InventoryRecord{}, ErrZeroDelta
	}
	record, err := s.store.ApplyDelta(ctx, recordID, onHandDelta, allocatedDelta)
	if err != nil {
		return InventoryRecord{}, err
	}
	s.invalidate(ctx, record.ID)
	s.recordAudit(ctx, actorID, "ledger:apply_delta", record, onHandDelta, allocatedDelta, reason)
	return record, nil
}

// EnsureRecord creates a zeroed inventory record for the product if missing.
func (s *Service) EnsureRecord(ctx context.Context, productID int64) (InventoryRecord, error) {
	return s.store.EnsureRecord(ctx, productID)
}

// Get returns one record, serving from cache when fresh. Concurrent misses
// for the same record collapse into a single store read.
func (s *Service) Get(ctx context.Context, recordID int64) (InventoryRecord, error) {
	if s.cache != nil {
		if record, ok := s.cache.Get(ctx, recordID); ok {
			return record, nil
		}
	}
	resultChan := s.reads.DoChan(strconv.FormatInt(recordID, 10), func() (interface{}, error) {
		record, err := s.store.Get(ctx, recordID)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			s.cache.Set(ctx, record)
		}
		return record, nil
	})
	select {
	case <-ctx.Done():
		return InventoryRecord{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return InventoryRecord{}, res.Err
		}
		return res.Val.(InventoryRecord), nil
	}
}

// GetByProduct returns the record keyed by product id.
func (s *Service) GetByProduct(ctx context.Context, productID int64) (InventoryRecord, error) {
	return s.store.GetByProduct(ctx, productID)
}

// ListBelowReorderPoint feeds the reorder scan job.
func (s *Service) ListBelowReorderPoint(ctx context.Context, limit int) ([]ReorderAlert, error) {
	return s.store.ListBelowReorderPoint(ctx, limit)
}

// DeleteRecord removes a record without transactional history. Records with
// receipts, adjustment lines or invoice lines behind them are kept forever.
func (s *Service) DeleteRecord(ctx context.Context, recordID int64, actorID int64) error {
	has, err := s.store.HasHistory(ctx, recordID)
	if err != nil {
		return err
	}
	if has {
		return fmt.Errorf("ledger: record %d has transactional history: %w", recordID, shared.ErrInvalidState)
	}
	if err := s.store.Delete(ctx, recordID); err != nil {
		return err
	}
	s.invalidate(ctx, recordID)
	s.recordAudit(ctx, actorID, "ledger:delete", InventoryRecord{ID: recordID}, 0, 0, "")
	return nil
}

func (s *Service) invalidate(ctx context.Context, recordID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, recordID); err != nil {
		s.logger.Warn("invalidate inventory cache", slog.Int64("record_id", recordID), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, record InventoryRecord, onHandDelta, allocatedDelta float64, reason string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "inventory",
		EntityID: fmt.Sprintf("%d", record.ID),
		Meta: map[string]any{
			"previous_on_hand": record.QuantityOnHand - onHandDelta,
			"on_hand_delta":    onHandDelta,
			"new_on_hand":      record.QuantityOnHand,
			"allocated_delta":  allocatedDelta,
			"new_allocated":    record.QuantityAllocated,
			"new_available":    record.QuantityAvailable,
			"reason":           reason,
		},
	})
}

// NextWeightedAverageCost computes the moving average after a receipt. onHand
// is the quantity after the receipt was applied.
func NextWeightedAverageCost(onHand, currentAverage, qtyReceived, unitCost float64) float64 {
	if onHand <= 0 {
		return unitCost
	}
	previousQty := onHand - qtyReceived
	if previousQty < 0 {
		previousQty = 0
	}
	return (previousQty*currentAverage + qtyReceived*unitCost) / onHand
}
