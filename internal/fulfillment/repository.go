package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockline-erp/stockline/internal/platform/db"
)

// Repository persists sales orders and invoices in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("fulfillment repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) GetOrder(ctx context.Context, orderID int64) (SalesOrder, []SalesOrderLine, error) {
	var order SalesOrder
	err := r.pool.QueryRow(ctx, `SELECT id, so_number, customer_id, status, created_at FROM sales_orders WHERE id=$1`, orderID).
		Scan(&order.ID, &order.Number, &order.CustomerID, &order.Status, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SalesOrder{}, nil, ErrOrderNotFound
		}
		return SalesOrder{}, nil, err
	}
	lines, err := scanOrderLines(ctx, r.pool, orderID)
	if err != nil {
		return SalesOrder{}, nil, err
	}
	return order, lines, nil
}

func (r *Repository) GetInvoice(ctx context.Context, invoiceID int64) (Invoice, []InvoiceLine, error) {
	return getInvoice(ctx, r.pool, invoiceID)
}

func (r *Repository) ListInvoices(ctx context.Context, orderID int64) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, invoice_number, sales_order_id, invoice_sequence, is_partial_invoice, is_final_invoice, subtotal, tax_amount, invoice_date, created_at
FROM invoices WHERE sales_order_id=$1 ORDER BY invoice_sequence`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	invoices := []Invoice{}
	for rows.Next() {
		var invoice Invoice
		if err := rows.Scan(&invoice.ID, &invoice.Number, &invoice.SalesOrderID, &invoice.Sequence, &invoice.IsPartial, &invoice.IsFinal, &invoice.Subtotal, &invoice.TaxAmount, &invoice.InvoiceDate, &invoice.CreatedAt); err != nil {
			return nil, err
		}
		invoices = append(invoices, invoice)
	}
	return invoices, rows.Err()
}

func (r *txRepository) GetOrderForUpdate(ctx context.Context, orderID int64) (SalesOrder, error) {
	var order SalesOrder
	err := r.tx.QueryRow(ctx, `SELECT id, so_number, customer_id, status, created_at FROM sales_orders WHERE id=$1 FOR UPDATE`, orderID).
		Scan(&order.ID, &order.Number, &order.CustomerID, &order.Status, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SalesOrder{}, ErrOrderNotFound
		}
		return SalesOrder{}, err
	}
	return order, nil
}

func (r *txRepository) GetOrderLines(ctx context.Context, orderID int64) ([]SalesOrderLine, error) {
	return scanOrderLines(ctx, r.tx, orderID)
}

func (r *txRepository) GetInvoice(ctx context.Context, invoiceID int64) (Invoice, []InvoiceLine, error) {
	return getInvoice(ctx, r.tx, invoiceID)
}

// SumInvoicedByLine sums surviving invoice line quantities per sales order
// line. Passing a nonzero excludeInvoiceID leaves that invoice's own
// contribution out, which lets an edit re-use its prior quantity.
func (r *txRepository) SumInvoicedByLine(ctx context.Context, orderID, excludeInvoiceID int64) (map[int64]float64, error) {
	rows, err := r.tx.Query(ctx, `SELECT il.sales_order_line_id, COALESCE(SUM(il.quantity), 0)
FROM invoice_lines il
JOIN sales_order_lines sol ON sol.id = il.sales_order_line_id
WHERE sol.sales_order_id = $1 AND ($2 = 0 OR il.invoice_id <> $2)
GROUP BY il.sales_order_line_id`, orderID, excludeInvoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sums := make(map[int64]float64)
	for rows.Next() {
		var lineID int64
		var total float64
		if err := rows.Scan(&lineID, &total); err != nil {
			return nil, err
		}
		sums[lineID] = total
	}
	return sums, rows.Err()
}

func (r *txRepository) MaxInvoiceSequence(ctx context.Context, orderID int64) (int64, error) {
	var max int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(MAX(invoice_sequence), 0) FROM invoices WHERE sales_order_id=$1`, orderID).Scan(&max)
	return max, err
}

func (r *txRepository) NextInvoiceNumber(ctx context.Context) (string, error) {
	var n int64
	if err := r.tx.QueryRow(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("INV-%06d", n), nil
}

func (r *txRepository) InsertInvoice(ctx context.Context, invoice Invoice) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO invoices (invoice_number, sales_order_id, invoice_sequence, is_partial_invoice, is_final_invoice, subtotal, tax_amount, invoice_date, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW()) RETURNING id`,
		invoice.Number, invoice.SalesOrderID, invoice.Sequence, invoice.IsPartial, invoice.IsFinal, invoice.Subtotal, invoice.TaxAmount, invoice.InvoiceDate).Scan(&id)
	return id, err
}

func (r *txRepository) InsertInvoiceLine(ctx context.Context, line InvoiceLine) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO invoice_lines (invoice_id, sales_order_line_id, product_id, quantity, unit_price)
VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		line.InvoiceID, line.SalesOrderLineID, line.ProductID, line.Quantity, line.UnitPrice).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateInvoice(ctx context.Context, invoice Invoice) error {
	tag, err := r.tx.Exec(ctx, `UPDATE invoices SET is_partial_invoice=$2, is_final_invoice=$3, subtotal=$4, tax_amount=$5 WHERE id=$1`,
		invoice.ID, invoice.IsPartial, invoice.IsFinal, invoice.Subtotal, invoice.TaxAmount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *txRepository) DeleteInvoiceLines(ctx context.Context, invoiceID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM invoice_lines WHERE invoice_id=$1`, invoiceID)
	return err
}

func (r *txRepository) DeleteInvoice(ctx context.Context, invoiceID int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM invoices WHERE id=$1`, invoiceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *txRepository) SetLineProgress(ctx context.Context, lineID int64, qtyInvoiced float64, status LineStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE sales_order_lines SET qty_invoiced=$2, fulfillment_status=$3 WHERE id=$1`,
		lineID, qtyInvoiced, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (r *txRepository) SetOrderStatus(ctx context.Context, orderID int64, status SalesOrderStatus) error {
	_, err := r.tx.Exec(ctx, `UPDATE sales_orders SET status=$2 WHERE id=$1 AND status <> 'CANCELLED'`, orderID, string(status))
	return err
}

// ReflagFinal keeps is_final consistent after lines changed out from under
// existing invoices: only the highest-sequence invoice of a fully invoiced
// order carries the flag.
func (r *txRepository) ReflagFinal(ctx context.Context, orderID int64, allComplete bool, maxSequence int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE invoices SET is_final_invoice = ($2 AND invoice_sequence = $3) WHERE sales_order_id=$1`,
		orderID, allComplete, maxSequence)
	return err
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanOrderLines(ctx context.Context, q queryer, orderID int64) ([]SalesOrderLine, error) {
	rows, err := q.Query(ctx, `SELECT id, sales_order_id, product_id, quantity, qty_invoiced, fulfillment_status, unit_price
FROM sales_order_lines WHERE sales_order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []SalesOrderLine
	for rows.Next() {
		var line SalesOrderLine
		if err := rows.Scan(&line.ID, &line.SalesOrderID, &line.ProductID, &line.Quantity, &line.QtyInvoiced, &line.Status, &line.UnitPrice); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func getInvoice(ctx context.Context, q queryer, invoiceID int64) (Invoice, []InvoiceLine, error) {
	var invoice Invoice
	err := q.QueryRow(ctx, `SELECT id, invoice_number, sales_order_id, invoice_sequence, is_partial_invoice, is_final_invoice, subtotal, tax_amount, invoice_date, created_at
FROM invoices WHERE id=$1`, invoiceID).
		Scan(&invoice.ID, &invoice.Number, &invoice.SalesOrderID, &invoice.Sequence, &invoice.IsPartial, &invoice.IsFinal, &invoice.Subtotal, &invoice.TaxAmount, &invoice.InvoiceDate, &invoice.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, nil, ErrInvoiceNotFound
		}
		return Invoice{}, nil, err
	}
	rows, err := q.Query(ctx, `SELECT id, invoice_id, sales_order_line_id, product_id, quantity, unit_price
FROM invoice_lines WHERE invoice_id=$1 ORDER BY id`, invoiceID)
	if err != nil {
		return Invoice{}, nil, err
	}
	defer rows.Close()
	var lines []InvoiceLine
	for rows.Next() {
		var line InvoiceLine
		if err := rows.Scan(&line.ID, &line.InvoiceID, &line.SalesOrderLineID, &line.ProductID, &line.Quantity, &line.UnitPrice); err != nil {
			return Invoice{}, nil, err
		}
		lines = append(lines, line)
	}
	return invoice, lines, rows.Err()
}
