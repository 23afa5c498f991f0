package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so callers can run
// ledger mutations inside their own transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the single write path for on-hand/allocated quantities. Every
// component that mutates stock levels goes through ApplyDelta here; nothing
// else writes the inventory table.
type Store struct {
	db DBTX
}

// NewStore binds the store to a pool or an open transaction.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

const recordColumns = `id, product_id, quantity_on_hand, quantity_allocated, quantity_available, weighted_average_cost, last_cost, sales_price, location, updated_at`

// ApplyDelta atomically increments on-hand and allocated by the given deltas
// and recomputes available in the same statement. There is no read-modify-write
// window: concurrent callers serialize on the row update itself.
func (s *Store) ApplyDelta(ctx context.Context, recordID int64, onHandDelta, allocatedDelta float64) (InventoryRecord, error) {
	row := s.db.QueryRow(ctx, `UPDATE inventory SET
  quantity_on_hand = quantity_on_hand + $2,
  quantity_allocated = GREATEST(0, quantity_allocated + $3),
  quantity_available = GREATEST(0, (quantity_on_hand + $2) - GREATEST(0, quantity_allocated + $3)),
  updated_at = NOW()
WHERE id = $1 AND quantity_on_hand + $2 >= 0
RETURNING `+recordColumns, recordID, onHandDelta, allocatedDelta)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InventoryRecord{}, s.classifyMiss(ctx, recordID)
		}
		return InventoryRecord{}, err
	}
	return record, nil
}

// classifyMiss distinguishes a missing record from a rejected negative result.
func (s *Store) classifyMiss(ctx context.Context, recordID int64) error {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inventory WHERE id = $1)`, recordID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrRecordNotFound
	}
	return ErrNegativeQuantity
}

// EnsureRecord returns the inventory record for the product, creating a zeroed
// one (allocated = 0, costs = 0) when the product has never been stocked.
func (s *Store) EnsureRecord(ctx context.Context, productID int64) (InventoryRecord, error) {
	row := s.db.QueryRow(ctx, `INSERT INTO inventory (product_id, quantity_on_hand, quantity_allocated, quantity_available, weighted_average_cost, last_cost, sales_price, location, updated_at)
VALUES ($1, 0, 0, 0, 0, 0, 0, '', NOW())
ON CONFLICT (product_id) DO UPDATE SET product_id = EXCLUDED.product_id
RETURNING `+recordColumns, productID)
	return scanRecord(row)
}

// SetCosts updates weighted-average and last cost.
func (s *Store) SetCosts(ctx context.Context, recordID int64, weightedAverageCost, lastCost float64) error {
	tag, err := s.db.Exec(ctx, `UPDATE inventory SET weighted_average_cost = $2, last_cost = $3, updated_at = NOW() WHERE id = $1`, recordID, weightedAverageCost, lastCost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Get fetches one record.
func (s *Store) Get(ctx context.Context, recordID int64) (InventoryRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM inventory WHERE id = $1`, recordID)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InventoryRecord{}, ErrRecordNotFound
		}
		return InventoryRecord{}, err
	}
	return record, nil
}

// GetForUpdate fetches one record with a row lock held for the enclosing
// transaction. Used when previous quantities must be captured exactly.
func (s *Store) GetForUpdate(ctx context.Context, recordID int64) (InventoryRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM inventory WHERE id = $1 FOR UPDATE`, recordID)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InventoryRecord{}, ErrRecordNotFound
		}
		return InventoryRecord{}, err
	}
	return record, nil
}

// GetByProduct fetches the record keyed by product.
func (s *Store) GetByProduct(ctx context.Context, productID int64) (InventoryRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM inventory WHERE product_id = $1`, productID)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InventoryRecord{}, ErrRecordNotFound
		}
		return InventoryRecord{}, err
	}
	return record, nil
}

// ListBelowReorderPoint returns products whose available quantity is at or
// below the reorder point configured on the product.
func (s *Store) ListBelowReorderPoint(ctx context.Context, limit int) ([]ReorderAlert, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(ctx, `SELECT i.id, i.product_id, i.quantity_available, p.reorder_point
FROM inventory i
JOIN products p ON p.id = i.product_id
WHERE p.reorder_point > 0 AND i.quantity_available <= p.reorder_point
ORDER BY i.quantity_available ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	alerts := []ReorderAlert{}
	for rows.Next() {
		var alert ReorderAlert
		if err := rows.Scan(&alert.InventoryID, &alert.ProductID, &alert.QuantityAvailable, &alert.ReorderPoint); err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// HasHistory reports whether any receipts, adjustment lines or invoice lines
// reference the record's product. Deletion is blocked while history exists.
func (s *Store) HasHistory(ctx context.Context, recordID int64) (bool, error) {
	var has bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_adjustment_lines WHERE inventory_id = $1)
OR EXISTS (SELECT 1 FROM inventory_receipts r JOIN inventory i ON i.product_id = r.product_id WHERE i.id = $1)
OR EXISTS (SELECT 1 FROM invoice_lines l JOIN inventory i ON i.product_id = l.product_id WHERE i.id = $1)`, recordID).Scan(&has)
	return has, err
}

// Delete removes a record that has no transactional history.
func (s *Store) Delete(ctx context.Context, recordID int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM inventory WHERE id = $1`, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (InventoryRecord, error) {
	var rec InventoryRecord
	err := row.Scan(&rec.ID, &rec.ProductID, &rec.QuantityOnHand, &rec.QuantityAllocated, &rec.QuantityAvailable,
		&rec.WeightedAverageCost, &rec.LastCost, &rec.SalesPrice, &rec.Location, &rec.UpdatedAt)
	if err != nil {
		return InventoryRecord{}, err
	}
	return rec, nil
}
