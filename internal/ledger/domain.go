package ledger

import (
	"fmt"
	"time"

	"github.com/stockline-erp/stockline/internal/shared"
)

// InventoryRecord is the authoritative on-hand/allocated/available triple for
// one stocked product. QuantityAvailable is always recomputed from the other
// two; it is never writable on its own.
type InventoryRecord struct {
	ID                  int64
	ProductID           int64
	QuantityOnHand      float64
	QuantityAllocated   float64
	QuantityAvailable   float64
	WeightedAverageCost float64
	LastCost            float64
	SalesPrice          float64
	Location            string
	UpdatedAt           time.Time
}

// Available computes max(0, on-hand - allocated).
func Available(onHand, allocated float64) float64 {
	if avail := onHand - allocated; avail > 0 {
		return avail
	}
	return 0
}

// ReorderAlert flags a product whose available quantity fell to or below its
// reorder point.
type ReorderAlert struct {
	InventoryID       int64
	ProductID         int64
	QuantityAvailable float64
	ReorderPoint      float64
}

// ErrRecordNotFound indicates the inventory record does not exist.
var ErrRecordNotFound = fmt.Errorf("ledger: inventory record %w", shared.ErrNotFound)

// ErrNegativeQuantity indicates a delta that would drive on-hand below zero.
var ErrNegativeQuantity = fmt.Errorf("ledger: resulting on-hand below zero: %w", shared.ErrValidation)

// ErrZeroDelta indicates a delta-apply call with nothing to apply.
var ErrZeroDelta = fmt.Errorf("ledger: both deltas are zero: %w", shared.ErrValidation)
