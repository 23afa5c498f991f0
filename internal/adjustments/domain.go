package adjustments

import (
	"fmt"
	"time"

	"github.com/stockline-erp/stockline/internal/shared"
)

// ReasonCode classifies why stock was adjusted. The set is closed.
type ReasonCode string

const (
	ReasonPhysicalCount ReasonCode = "physical_count"
	ReasonDamaged       ReasonCode = "damaged"
	ReasonExpired       ReasonCode = "expired"
	ReasonTheft         ReasonCode = "theft"
	ReasonReturnVendor  ReasonCode = "return_vendor"
	ReasonSample        ReasonCode = "sample"
	ReasonManufacturing ReasonCode = "manufacturing"
	ReasonOther         ReasonCode = "other"
)

var validReasons = map[ReasonCode]struct{}{
	ReasonPhysicalCount: {},
	ReasonDamaged:       {},
	ReasonExpired:       {},
	ReasonTheft:         {},
	ReasonReturnVendor:  {},
	ReasonSample:        {},
	ReasonManufacturing: {},
	ReasonOther:         {},
}

// Valid reports whether the code belongs to the closed set.
func (r ReasonCode) Valid() bool {
	_, ok := validReasons[r]
	return ok
}

// HeaderStatus enumerates adjustment header states.
type HeaderStatus string

const (
	HeaderStatusDraft     HeaderStatus = "draft"
	HeaderStatusCompleted HeaderStatus = "completed"
)

// Header groups the lines of one adjustment session. Lines are immutable once
// the header is completed.
type Header struct {
	ID             int64
	Number         string
	AdjustmentDate time.Time
	Status         HeaderStatus
	Notes          string
	UserID         int64
	CreatedAt      time.Time
}

// Line records one quantity correction with its audit fields.
type Line struct {
	ID                 int64
	AdjustmentID       int64
	InventoryID        int64
	PreviousQuantity   float64
	AdjustmentQuantity float64
	NewQuantity        float64
	ReasonCode         ReasonCode
	Notes              string
}

var (
	// ErrEmptyBatch indicates a batch with no effective quantity change.
	ErrEmptyBatch = fmt.Errorf("adjustments: batch has no nonzero line: %w", shared.ErrValidation)
	// ErrMissingReason indicates a line without a reason code.
	ErrMissingReason = fmt.Errorf("adjustments: reason code required on every line: %w", shared.ErrValidation)
	// ErrUnknownReason indicates a reason outside the closed set.
	ErrUnknownReason = fmt.Errorf("adjustments: unknown reason code: %w", shared.ErrValidation)
	// ErrDuplicateTarget indicates two lines in one batch touching the same record.
	ErrDuplicateTarget = fmt.Errorf("adjustments: duplicate target inventory record in batch: %w", shared.ErrValidation)
	// ErrNegativeResult indicates a line whose new quantity would be below zero.
	ErrNegativeResult = fmt.Errorf("adjustments: resulting quantity below zero: %w", shared.ErrValidation)
	// ErrMissingQuantity indicates a line with neither delta nor target quantity.
	ErrMissingQuantity = fmt.Errorf("adjustments: line needs a delta or a new quantity: %w", shared.ErrValidation)
	// ErrHeaderNotFound indicates the adjustment does not exist.
	ErrHeaderNotFound = fmt.Errorf("adjustments: adjustment %w", shared.ErrNotFound)
)
