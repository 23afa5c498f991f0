package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/stockline-erp/stockline/internal/shared"
)

// SalesOrderStatus enumerates sales order states. Cancelled is terminal;
// Invoiced is reached only when every line is fully invoiced and may regress
// to Open if an invoice is deleted.
type SalesOrderStatus string

const (
	OrderStatusOpen      SalesOrderStatus = "OPEN"
	OrderStatusInvoiced  SalesOrderStatus = "INVOICED"
	OrderStatusCancelled SalesOrderStatus = "CANCELLED"
)

// LineStatus is derived from invoiced vs ordered quantity, never stored
// authoritatively.
type LineStatus string

const (
	LineStatusPending  LineStatus = "pending"
	LineStatusPartial  LineStatus = "partial"
	LineStatusComplete LineStatus = "complete"
)

// SalesOrder is an order to be fulfilled through one or more invoices.
type SalesOrder struct {
	ID         int64            `json:"id"`
	Number     string           `json:"number"`
	CustomerID int64            `json:"customer_id"`
	Status     SalesOrderStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
}

// SalesOrderLine carries the ordered quantity. QtyInvoiced is a cached copy
// of the sum of surviving invoice lines referencing it and is recomputed,
// never decremented in place.
type SalesOrderLine struct {
	ID           int64      `json:"id"`
	SalesOrderID int64      `json:"sales_order_id"`
	ProductID    int64      `json:"product_id"`
	Quantity     float64    `json:"quantity"`
	QtyInvoiced  float64    `json:"qty_invoiced"`
	Status       LineStatus `json:"fulfillment_status"`
	UnitPrice    float64    `json:"unit_price"`
}

// Remaining returns the uninvoiced quantity, floored at zero.
func (l SalesOrderLine) Remaining() float64 {
	remaining := l.Quantity - l.QtyInvoiced
	if remaining < 0 {
		return 0
	}
	return remaining
}

// StatusFor derives the fulfillment status of a line.
func StatusFor(ordered, invoiced float64) LineStatus {
	switch {
	case invoiced <= 0:
		return LineStatusPending
	case invoiced >= ordered:
		return LineStatusComplete
	default:
		return LineStatusPartial
	}
}

// Invoice is one billing document against a sales order. Sequence is 1-based
// and unique per order; partial and final flags are computed from the union
// of all line remainders at save time.
type Invoice struct {
	ID           int64     `json:"id"`
	Number       string    `json:"number"`
	SalesOrderID int64     `json:"sales_order_id"`
	Sequence     int64     `json:"invoice_sequence"`
	IsPartial    bool      `json:"is_partial_invoice"`
	IsFinal      bool      `json:"is_final_invoice"`
	Subtotal     float64   `json:"subtotal"`
	TaxAmount    float64   `json:"tax_amount"`
	InvoiceDate  time.Time `json:"invoice_date"`
	CreatedAt    time.Time `json:"created_at"`
}

// InvoiceLine contributes to the referenced sales order line's invoiced total.
type InvoiceLine struct {
	ID               int64   `json:"id"`
	InvoiceID        int64   `json:"invoice_id"`
	SalesOrderLineID int64   `json:"sales_order_line_id"`
	ProductID        int64   `json:"product_id"`
	Quantity         float64 `json:"quantity"`
	UnitPrice        float64 `json:"unit_price"`
}

// FinalInvoiceEvent is emitted after the invoice completing a sales order has
// committed.
type FinalInvoiceEvent struct {
	InvoiceID    int64
	SalesOrderID int64
	Lines        []InvoiceLine
}

// StockDeductionHook receives final-invoice events. Invoicing never touches
// inventory itself; installing a hook is the explicit opt-in for
// invoice-driven stock deduction.
type StockDeductionHook interface {
	OnFinalInvoice(ctx context.Context, event FinalInvoiceEvent) error
}

var (
	// ErrOrderNotFound indicates the sales order does not exist.
	ErrOrderNotFound = fmt.Errorf("fulfillment: sales order %w", shared.ErrNotFound)
	// ErrInvoiceNotFound indicates the invoice does not exist.
	ErrInvoiceNotFound = fmt.Errorf("fulfillment: invoice %w", shared.ErrNotFound)
	// ErrLineNotFound indicates an invoice line references an unknown order line.
	ErrLineNotFound = fmt.Errorf("fulfillment: sales order line %w", shared.ErrNotFound)
	// ErrOrderCancelled indicates the order can no longer be invoiced.
	ErrOrderCancelled = fmt.Errorf("fulfillment: sales order is cancelled: %w", shared.ErrInvalidState)
	// ErrNoLines indicates an invoice without lines.
	ErrNoLines = fmt.Errorf("fulfillment: invoice needs at least one line: %w", shared.ErrValidation)
	// ErrOverInvoice indicates a quantity exceeding the line's remaining amount.
	ErrOverInvoice = fmt.Errorf("fulfillment: quantity exceeds remaining to invoice: %w", shared.ErrValidation)
	// ErrBadQuantity indicates a zero or negative invoice quantity.
	ErrBadQuantity = fmt.Errorf("fulfillment: invoice quantity must be positive: %w", shared.ErrValidation)
)
