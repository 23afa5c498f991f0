package fulfillment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stockline-erp/stockline/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, orderID int64) (SalesOrder, []SalesOrderLine, error)
	GetInvoice(ctx context.Context, invoiceID int64) (Invoice, []InvoiceLine, error)
	ListInvoices(ctx context.Context, orderID int64) ([]Invoice, error)
}

// TxRepository exposes the transactional operations. The sales order row is
// locked for the duration of the transaction so sequence assignment and the
// remaining-quantity checks cannot race a concurrent invoice.
type TxRepository interface {
	GetOrderForUpdate(ctx context.Context, orderID int64) (SalesOrder, error)
	GetOrderLines(ctx context.Context, orderID int64) ([]SalesOrderLine, error)
	GetInvoice(ctx context.Context, invoiceID int64) (Invoice, []InvoiceLine, error)
	SumInvoicedByLine(ctx context.Context, orderID, excludeInvoiceID int64) (map[int64]float64, error)
	MaxInvoiceSequence(ctx context.Context, orderID int64) (int64, error)
	NextInvoiceNumber(ctx context.Context) (string, error)
	InsertInvoice(ctx context.Context, invoice Invoice) (int64, error)
	InsertInvoiceLine(ctx context.Context, line InvoiceLine) (int64, error)
	UpdateInvoice(ctx context.Context, invoice Invoice) error
	DeleteInvoiceLines(ctx context.Context, invoiceID int64) error
	DeleteInvoice(ctx context.Context, invoiceID int64) error
	SetLineProgress(ctx context.Context, lineID int64, qtyInvoiced float64, status LineStatus) error
	SetOrderStatus(ctx context.Context, orderID int64, status SalesOrderStatus) error
	ReflagFinal(ctx context.Context, orderID int64, allComplete bool, maxSequence int64) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards replayed invoice postings keyed by caller reference.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service sequences invoices against sales orders.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	hook        StockDeductionHook
	logger      *slog.Logger
}

// NewService constructs the fulfillment service. Audit, idempotency and hook
// may be nil; with a nil hook invoicing never touches inventory.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, hook StockDeductionHook, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, idempotency: idem, hook: hook, logger: logger}
}

// InvoiceLineInput names one sales order line and the quantity billed now.
type InvoiceLineInput struct {
	SalesOrderLineID int64
	Quantity         float64
	UnitPrice        *float64
}

// CreateInvoiceInput describes one invoice to be created.
type CreateInvoiceInput struct {
	SalesOrderID    int64
	Lines           []InvoiceLineInput
	InvoiceDate     time.Time
	TaxAmount       float64
	ReferenceNumber string
	UserID          int64
}

// UpdateInvoiceInput replaces an invoice's lines with the given set.
type UpdateInvoiceInput struct {
	Lines     []InvoiceLineInput
	TaxAmount float64
	UserID    int64
}

// CreateInvoice validates the requested quantities against each line's
// remaining amount, reserves the next sequence for the order and computes the
// partial and final flags from the union of all line remainders, all under
// one transaction holding the order row lock.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (Invoice, []InvoiceLine, error) {
	if len(input.Lines) == 0 {
		return Invoice{}, nil, ErrNoLines
	}
	for _, line := range input.Lines {
		if line.Quantity <= 0 {
			return Invoice{}, nil, fmt.Errorf("%w: line %d got %.2f", ErrBadQuantity, line.SalesOrderLineID, line.Quantity)
		}
	}
	if input.InvoiceDate.IsZero() {
		input.InvoiceDate = time.Now().UTC()
	}
	key := fmt.Sprintf("INV:%d:%s", input.SalesOrderID, input.ReferenceNumber)
	insertedKey := false
	if s.idempotency != nil && input.ReferenceNumber != "" {
		if err := s.idempotency.CheckAndInsert(ctx, key, "fulfillment"); err != nil {
			return Invoice{}, nil, err
		}
		insertedKey = true
	}

	var invoice Invoice
	var lines []InvoiceLine
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		committed, created, err := s.writeInvoice(ctx, tx, input.SalesOrderID, 0, input.Lines, input.TaxAmount, input.InvoiceDate)
		if err != nil {
			return err
		}
		invoice = created
		lines = committed
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Invoice{}, nil, err
	}

	s.recordAudit(ctx, input.UserID, "fulfillment:invoice_create", invoice, lines)
	s.logger.Info("invoice created",
		slog.String("number", invoice.Number),
		slog.Int64("sales_order_id", invoice.SalesOrderID),
		slog.Int64("sequence", invoice.Sequence),
		slog.Bool("final", invoice.IsFinal))
	s.fireHook(ctx, invoice, lines)
	return invoice, lines, nil
}

// UpdateInvoice replaces the invoice's lines. The edit may re-use the
// invoice's own prior contribution: validation excludes this invoice from the
// invoiced-so-far sums. Sequence and number are preserved.
func (s *Service) UpdateInvoice(ctx context.Context, invoiceID int64, input UpdateInvoiceInput) (Invoice, []InvoiceLine, error) {
	if len(input.Lines) == 0 {
		return Invoice{}, nil, ErrNoLines
	}
	for _, line := range input.Lines {
		if line.Quantity <= 0 {
			return Invoice{}, nil, fmt.Errorf("%w: line %d got %.2f", ErrBadQuantity, line.SalesOrderLineID, line.Quantity)
		}
	}

	var invoice Invoice
	var lines []InvoiceLine
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, _, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		committed, updated, err := s.writeInvoice(ctx, tx, existing.SalesOrderID, invoiceID, input.Lines, input.TaxAmount, existing.InvoiceDate)
		if err != nil {
			return err
		}
		invoice = updated
		lines = committed
		return nil
	})
	if err != nil {
		return Invoice{}, nil, err
	}

	s.recordAudit(ctx, input.UserID, "fulfillment:invoice_update", invoice, lines)
	s.fireHook(ctx, invoice, lines)
	return invoice, lines, nil
}

// DeleteInvoice removes the invoice and recomputes every affected line's
// invoiced total and status from the surviving invoice lines. Sequence gaps
// left behind are tolerated; the next invoice continues from the maximum.
func (s *Service) DeleteInvoice(ctx context.Context, invoiceID int64, userID int64) error {
	var deleted Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		invoice, _, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.SalesOrderID != 0 {
			if _, err := tx.GetOrderForUpdate(ctx, invoice.SalesOrderID); err != nil {
				return err
			}
		}
		if err := tx.DeleteInvoiceLines(ctx, invoiceID); err != nil {
			return err
		}
		if err := tx.DeleteInvoice(ctx, invoiceID); err != nil {
			return err
		}
		deleted = invoice
		if invoice.SalesOrderID == 0 {
			return nil
		}
		return s.recomputeOrder(ctx, tx, invoice.SalesOrderID)
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, userID, "fulfillment:invoice_delete", deleted, nil)
	s.logger.Info("invoice deleted",
		slog.String("number", deleted.Number),
		slog.Int64("sales_order_id", deleted.SalesOrderID))
	return nil
}

// OrderProgress returns the order, its lines and its invoices.
func (s *Service) OrderProgress(ctx context.Context, orderID int64) (SalesOrder, []SalesOrderLine, []Invoice, error) {
	order, lines, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return SalesOrder{}, nil, nil, err
	}
	invoices, err := s.repo.ListInvoices(ctx, orderID)
	if err != nil {
		return SalesOrder{}, nil, nil, err
	}
	return order, lines, invoices, nil
}

// GetInvoice returns one invoice with its lines.
func (s *Service) GetInvoice(ctx context.Context, invoiceID int64) (Invoice, []InvoiceLine, error) {
	return s.repo.GetInvoice(ctx, invoiceID)
}

// writeInvoice holds the shared create/update path. A zero invoiceID means
// create: a fresh sequence and number are reserved. A nonzero invoiceID means
// the existing invoice's lines are replaced and validation excludes its own
// prior contribution.
func (s *Service) writeInvoice(ctx context.Context, tx TxRepository, orderID, invoiceID int64, inputs []InvoiceLineInput, taxAmount float64, invoiceDate time.Time) ([]InvoiceLine, Invoice, error) {
	order, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, Invoice{}, err
	}
	if order.Status == OrderStatusCancelled {
		return nil, Invoice{}, fmt.Errorf("%w: order %s", ErrOrderCancelled, order.Number)
	}
	orderLines, err := tx.GetOrderLines(ctx, orderID)
	if err != nil {
		return nil, Invoice{}, err
	}
	byID := make(map[int64]SalesOrderLine, len(orderLines))
	for _, line := range orderLines {
		byID[line.ID] = line
	}
	invoiced, err := tx.SumInvoicedByLine(ctx, orderID, invoiceID)
	if err != nil {
		return nil, Invoice{}, err
	}

	var subtotal float64
	var lines []InvoiceLine
	for _, input := range inputs {
		orderLine, ok := byID[input.SalesOrderLineID]
		if !ok {
			return nil, Invoice{}, fmt.Errorf("%w: id %d", ErrLineNotFound, input.SalesOrderLineID)
		}
		remaining := orderLine.Quantity - invoiced[orderLine.ID]
		if remaining < 0 {
			remaining = 0
		}
		if input.Quantity > remaining {
			return nil, Invoice{}, fmt.Errorf("%w: line %d has %.2f remaining, requested %.2f",
				ErrOverInvoice, orderLine.ID, remaining, input.Quantity)
		}
		price := orderLine.UnitPrice
		if input.UnitPrice != nil {
			price = *input.UnitPrice
		}
		invoiced[orderLine.ID] += input.Quantity
		subtotal += input.Quantity * price
		lines = append(lines, InvoiceLine{
			SalesOrderLineID: orderLine.ID,
			ProductID:        orderLine.ProductID,
			Quantity:         input.Quantity,
			UnitPrice:        price,
		})
	}

	// partial and final come from the union of every line's remainder after
	// this invoice, not just the lines it touches
	allComplete := true
	for _, orderLine := range orderLines {
		if orderLine.Quantity-invoiced[orderLine.ID] > 0 {
			allComplete = false
			break
		}
	}

	var invoice Invoice
	if invoiceID == 0 {
		maxSeq, err := tx.MaxInvoiceSequence(ctx, orderID)
		if err != nil {
			return nil, Invoice{}, err
		}
		number, err := tx.NextInvoiceNumber(ctx)
		if err != nil {
			return nil, Invoice{}, err
		}
		invoice = Invoice{
			Number:       number,
			SalesOrderID: orderID,
			Sequence:     maxSeq + 1,
			InvoiceDate:  invoiceDate,
		}
	} else {
		existing, _, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return nil, Invoice{}, err
		}
		invoice = existing
		if err := tx.DeleteInvoiceLines(ctx, invoiceID); err != nil {
			return nil, Invoice{}, err
		}
	}
	invoice.Subtotal = subtotal
	invoice.TaxAmount = taxAmount
	invoice.IsPartial = !allComplete || invoice.Sequence > 1
	invoice.IsFinal = allComplete

	if invoiceID == 0 {
		id, err := tx.InsertInvoice(ctx, invoice)
		if err != nil {
			return nil, Invoice{}, err
		}
		invoice.ID = id
	} else {
		if err := tx.UpdateInvoice(ctx, invoice); err != nil {
			return nil, Invoice{}, err
		}
	}
	for i := range lines {
		lines[i].InvoiceID = invoice.ID
		id, err := tx.InsertInvoiceLine(ctx, lines[i])
		if err != nil {
			return nil, Invoice{}, err
		}
		lines[i].ID = id
	}

	for _, orderLine := range orderLines {
		total := invoiced[orderLine.ID]
		if err := tx.SetLineProgress(ctx, orderLine.ID, total, StatusFor(orderLine.Quantity, total)); err != nil {
			return nil, Invoice{}, err
		}
	}
	if allComplete && order.Status != OrderStatusInvoiced {
		if err := tx.SetOrderStatus(ctx, orderID, OrderStatusInvoiced); err != nil {
			return nil, Invoice{}, err
		}
	}
	if invoiceID != 0 {
		// an edit can complete or un-complete the order; keep the final flags
		// of every invoice for the order consistent with the new state
		if !allComplete && order.Status == OrderStatusInvoiced {
			if err := tx.SetOrderStatus(ctx, orderID, OrderStatusOpen); err != nil {
				return nil, Invoice{}, err
			}
		}
		maxSeq, err := tx.MaxInvoiceSequence(ctx, orderID)
		if err != nil {
			return nil, Invoice{}, err
		}
		if err := tx.ReflagFinal(ctx, orderID, allComplete, maxSeq); err != nil {
			return nil, Invoice{}, err
		}
		invoice.IsFinal = allComplete && invoice.Sequence == maxSeq
	}
	return lines, invoice, nil
}

// recomputeOrder rebuilds qty_invoiced and statuses for every line of the
// order from the surviving invoice lines.
func (s *Service) recomputeOrder(ctx context.Context, tx TxRepository, orderID int64) error {
	orderLines, err := tx.GetOrderLines(ctx, orderID)
	if err != nil {
		return err
	}
	invoiced, err := tx.SumInvoicedByLine(ctx, orderID, 0)
	if err != nil {
		return err
	}
	allComplete := len(orderLines) > 0
	for _, orderLine := range orderLines {
		total := invoiced[orderLine.ID]
		if err := tx.SetLineProgress(ctx, orderLine.ID, total, StatusFor(orderLine.Quantity, total)); err != nil {
			return err
		}
		if orderLine.Quantity-total > 0 {
			allComplete = false
		}
	}
	status := OrderStatusOpen
	if allComplete {
		status = OrderStatusInvoiced
	}
	order, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != OrderStatusCancelled && order.Status != status {
		if err := tx.SetOrderStatus(ctx, orderID, status); err != nil {
			return err
		}
	}
	maxSeq, err := tx.MaxInvoiceSequence(ctx, orderID)
	if err != nil {
		return err
	}
	return tx.ReflagFinal(ctx, orderID, allComplete, maxSeq)
}

func (s *Service) fireHook(ctx context.Context, invoice Invoice, lines []InvoiceLine) {
	if s.hook == nil || !invoice.IsFinal {
		return
	}
	event := FinalInvoiceEvent{InvoiceID: invoice.ID, SalesOrderID: invoice.SalesOrderID, Lines: lines}
	if err := s.hook.OnFinalInvoice(ctx, event); err != nil {
		// the invoice has committed; the hook failing must not unwind it
		s.logger.Error("stock deduction hook failed",
			slog.Int64("invoice_id", invoice.ID),
			slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, invoice Invoice, lines []InvoiceLine) {
	if s.audit == nil {
		return
	}
	meta := map[string]any{
		"invoice_number":   invoice.Number,
		"sales_order_id":   invoice.SalesOrderID,
		"invoice_sequence": invoice.Sequence,
		"is_partial":       invoice.IsPartial,
		"is_final":         invoice.IsFinal,
		"line_count":       len(lines),
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "invoice",
		EntityID: fmt.Sprintf("%d", invoice.ID),
		Meta:     meta,
	})
}
