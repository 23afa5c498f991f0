package receiving

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockline-erp/stockline/internal/ledger"
	"github.com/stockline-erp/stockline/internal/platform/db"
)

// Repository persists receiving data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx     pgx.Tx
	ledger *ledger.Store
}

// WithTx executes the callback inside a repeatable-read transaction. The
// ledger store is bound to the same transaction so the receipt and the stock
// increase are atomic.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("receiving repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, ledger: ledger.NewStore(tx)})
	})
}

func (r *Repository) GetOrder(ctx context.Context, orderID int64) (PurchaseOrder, []PurchaseOrderLine, error) {
	var order PurchaseOrder
	err := r.pool.QueryRow(ctx, `SELECT id, po_number, status, total_amount, created_at FROM purchase_orders WHERE id=$1`, orderID).
		Scan(&order.ID, &order.Number, &order.Status, &order.TotalAmount, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, nil, ErrOrderNotFound
		}
		return PurchaseOrder{}, nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, purchase_order_id, product_id, quantity, unit_price FROM purchase_order_lines WHERE purchase_order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	defer rows.Close()
	var lines []PurchaseOrderLine
	for rows.Next() {
		var line PurchaseOrderLine
		if err := rows.Scan(&line.ID, &line.PurchaseOrderID, &line.ProductID, &line.Quantity, &line.UnitPrice); err != nil {
			return PurchaseOrder{}, nil, err
		}
		lines = append(lines, line)
	}
	return order, lines, rows.Err()
}

// OrderTotals sums ordered and received quantities across every line of the order.
func (r *Repository) OrderTotals(ctx context.Context, orderID int64) (float64, float64, error) {
	var ordered, received float64
	err := r.pool.QueryRow(ctx, `SELECT
  COALESCE(SUM(l.quantity), 0),
  COALESCE((SELECT SUM(rc.qty_received) FROM inventory_receipts rc JOIN purchase_order_lines pl ON pl.id = rc.po_line_id WHERE pl.purchase_order_id = $1), 0)
FROM purchase_order_lines l WHERE l.purchase_order_id = $1`, orderID).Scan(&ordered, &received)
	return ordered, received, err
}

// UpdateOrderStatus writes the derived status. The predicate keeps CANCELLED sticky.
func (r *Repository) UpdateOrderStatus(ctx context.Context, orderID int64, status OrderStatus) error {
	tag, err := r.pool.Exec(ctx, `UPDATE purchase_orders SET status=$2 WHERE id=$1 AND status <> 'CANCELLED'`, orderID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM purchase_orders WHERE id=$1)`, orderID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
	}
	return nil
}

func (r *Repository) SumReceipts(ctx context.Context, lineID int64) (float64, error) {
	var sum float64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(qty_received), 0) FROM inventory_receipts WHERE po_line_id=$1`, lineID).Scan(&sum)
	return sum, err
}

func (r *Repository) ListReceipts(ctx context.Context, lineID int64) ([]Receipt, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, po_line_id, product_id, qty_received, unit_cost, total_cost, receive_date, reference_number, notes, received_by, created_at
FROM inventory_receipts WHERE po_line_id=$1 ORDER BY receive_date, id`, lineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	receipts := []Receipt{}
	for rows.Next() {
		var receipt Receipt
		if err := rows.Scan(&receipt.ID, &receipt.POLineID, &receipt.ProductID, &receipt.QtyReceived, &receipt.UnitCost, &receipt.TotalCost,
			&receipt.ReceiveDate, &receipt.ReferenceNumber, &receipt.Notes, &receipt.ReceivedBy, &receipt.CreatedAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}

func (r *txRepository) GetLineForUpdate(ctx context.Context, lineID int64) (PurchaseOrderLine, error) {
	var line PurchaseOrderLine
	err := r.tx.QueryRow(ctx, `SELECT id, purchase_order_id, product_id, quantity, unit_price FROM purchase_order_lines WHERE id=$1 FOR UPDATE`, lineID).
		Scan(&line.ID, &line.PurchaseOrderID, &line.ProductID, &line.Quantity, &line.UnitPrice)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrderLine{}, ErrLineNotFound
		}
		return PurchaseOrderLine{}, err
	}
	return line, nil
}

func (r *txRepository) GetOrder(ctx context.Context, orderID int64) (PurchaseOrder, error) {
	var order PurchaseOrder
	err := r.tx.QueryRow(ctx, `SELECT id, po_number, status, total_amount, created_at FROM purchase_orders WHERE id=$1`, orderID).
		Scan(&order.ID, &order.Number, &order.Status, &order.TotalAmount, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrOrderNotFound
		}
		return PurchaseOrder{}, err
	}
	return order, nil
}

func (r *txRepository) SumReceipts(ctx context.Context, lineID int64) (float64, error) {
	var sum float64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(qty_received), 0) FROM inventory_receipts WHERE po_line_id=$1`, lineID).Scan(&sum)
	return sum, err
}

func (r *txRepository) InsertReceipt(ctx context.Context, receipt Receipt) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_receipts (po_line_id, product_id, qty_received, unit_cost, total_cost, receive_date, reference_number, notes, received_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW()) RETURNING id`,
		receipt.POLineID, receipt.ProductID, receipt.QtyReceived, receipt.UnitCost, receipt.TotalCost,
		receipt.ReceiveDate, receipt.ReferenceNumber, receipt.Notes, nullInt(receipt.ReceivedBy)).Scan(&id)
	return id, err
}

func (r *txRepository) EnsureInventory(ctx context.Context, productID int64) (ledger.InventoryRecord, error) {
	return r.ledger.EnsureRecord(ctx, productID)
}

func (r *txRepository) ApplyInventoryDelta(ctx context.Context, recordID int64, onHandDelta, allocatedDelta float64) (ledger.InventoryRecord, error) {
	return r.ledger.ApplyDelta(ctx, recordID, onHandDelta, allocatedDelta)
}

func (r *txRepository) SetInventoryCosts(ctx context.Context, recordID int64, weightedAverageCost, lastCost float64) error {
	return r.ledger.SetCosts(ctx, recordID, weightedAverageCost, lastCost)
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
