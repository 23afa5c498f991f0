package adjustments

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockline-erp/stockline/internal/ledger"
	"github.com/stockline-erp/stockline/internal/platform/db"
)

// Repository persists adjustments in PostgreSQL.
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
// ledger store is bound to the same transaction so the header, its lines and
// every applied delta commit or roll back together.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("adjustments repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, ledger: ledger.NewStore(tx)})
	})
}

func (r *Repository) GetAdjustment(ctx context.Context, id int64) (Header, []Line, error) {
	var header Header
	err := r.pool.QueryRow(ctx, `SELECT id, adjustment_number, adjustment_date, status, notes, user_id, created_at FROM inventory_adjustments WHERE id=$1`, id).
		Scan(&header.ID, &header.Number, &header.AdjustmentDate, &header.Status, &header.Notes, &header.UserID, &header.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Header{}, nil, ErrHeaderNotFound
		}
		return Header{}, nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, adjustment_id, inventory_id, previous_quantity, adjustment_quantity, new_quantity, reason_code, line_notes
FROM inventory_adjustment_lines WHERE adjustment_id=$1 ORDER BY id`, id)
	if err != nil {
		return Header{}, nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.AdjustmentID, &line.InventoryID, &line.PreviousQuantity, &line.AdjustmentQuantity, &line.NewQuantity, &line.ReasonCode, &line.Notes); err != nil {
			return Header{}, nil, err
		}
		lines = append(lines, line)
	}
	return header, lines, rows.Err()
}

func (r *Repository) ListAdjustments(ctx context.Context, limit int) ([]Header, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT id, adjustment_number, adjustment_date, status, notes, user_id, created_at
FROM inventory_adjustments ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	headers := []Header{}
	for rows.Next() {
		var header Header
		if err := rows.Scan(&header.ID, &header.Number, &header.AdjustmentDate, &header.Status, &header.Notes, &header.UserID, &header.CreatedAt); err != nil {
			return nil, err
		}
		headers = append(headers, header)
	}
	return headers, rows.Err()
}

// NextAdjustmentNumber reserves the next number from a dedicated sequence so
// concurrent sessions can never collide.
func (r *txRepository) NextAdjustmentNumber(ctx context.Context) (string, error) {
	var n int64
	if err := r.tx.QueryRow(ctx, `SELECT nextval('adjustment_number_seq')`).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("ADJ-%06d", n), nil
}

func (r *txRepository) InsertHeader(ctx context.Context, header Header) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_adjustments (adjustment_number, adjustment_date, status, notes, user_id, created_at)
VALUES ($1,$2,$3,$4,$5,NOW()) RETURNING id`,
		header.Number, header.AdjustmentDate, string(header.Status), header.Notes, nullInt(header.UserID)).Scan(&id)
	return id, err
}

func (r *txRepository) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_adjustment_lines (adjustment_id, inventory_id, previous_quantity, adjustment_quantity, new_quantity, reason_code, line_notes)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		line.AdjustmentID, line.InventoryID, line.PreviousQuantity, line.AdjustmentQuantity, line.NewQuantity, string(line.ReasonCode), line.Notes).Scan(&id)
	return id, err
}

func (r *txRepository) SetHeaderStatus(ctx context.Context, headerID int64, status HeaderStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE inventory_adjustments SET status=$2 WHERE id=$1`, headerID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrHeaderNotFound
	}
	return nil
}

func (r *txRepository) GetInventoryForUpdate(ctx context.Context, recordID int64) (ledger.InventoryRecord, error) {
	return r.ledger.GetForUpdate(ctx, recordID)
}

func (r *txRepository) ApplyInventoryDelta(ctx context.Context, recordID int64, onHandDelta, allocatedDelta float64) (ledger.InventoryRecord, error) {
	return r.ledger.ApplyDelta(ctx, recordID, onHandDelta, allocatedDelta)
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
