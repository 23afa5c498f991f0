package receiving

import (
	"fmt"
	"time"

	"github.com/stockline-erp/stockline/internal/shared"
)

// OrderStatus enumerates purchase order states. CANCELLED is sticky: once set
// it is never overwritten by a status recompute.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusReceived  OrderStatus = "RECEIVED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// PurchaseOrder is the receiving-side view of a purchase order.
type PurchaseOrder struct {
	ID          int64
	Number      string
	Status      OrderStatus
	TotalAmount float64
	CreatedAt   time.Time
}

// PurchaseOrderLine carries the ordered quantity. There is no received
// counter on the line: received-to-date is always the sum of Receipt rows.
type PurchaseOrderLine struct {
	ID              int64
	PurchaseOrderID int64
	ProductID       int64
	Quantity        float64
	UnitPrice       float64
}

// Receipt is an immutable record of goods physically received against a line.
type Receipt struct {
	ID              int64
	POLineID        int64
	ProductID       int64
	QtyReceived     float64
	UnitCost        float64
	TotalCost       float64
	ReceiveDate     time.Time
	ReferenceNumber string
	Notes           string
	ReceivedBy      int64
	CreatedAt       time.Time
}

// LineProgress summarises how far along one line is.
type LineProgress struct {
	Line      PurchaseOrderLine
	Received  float64
	Remaining float64
}

// ErrNoLines indicates a receive request without any lines.
var ErrNoLines = fmt.Errorf("receiving: at least one line required: %w", shared.ErrValidation)

// ErrOrderCancelled indicates receiving against a cancelled order.
var ErrOrderCancelled = fmt.Errorf("receiving: order is cancelled: %w", shared.ErrInvalidState)

// ErrLineNotFound indicates the purchase order line does not exist.
var ErrLineNotFound = fmt.Errorf("receiving: purchase order line %w", shared.ErrNotFound)

// ErrOrderNotFound indicates the purchase order does not exist.
var ErrOrderNotFound = fmt.Errorf("receiving: purchase order %w", shared.ErrNotFound)

// DeriveStatus recomputes an order status from summed ordered and received
// quantities across every line of the order.
func DeriveStatus(totalOrdered, totalReceived float64) OrderStatus {
	switch {
	case totalOrdered > 0 && totalReceived >= totalOrdered:
		return OrderStatusReceived
	case totalReceived > 0:
		return OrderStatusPartial
	default:
		return OrderStatusConfirmed
	}
}
