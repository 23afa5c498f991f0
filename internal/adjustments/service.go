package adjustments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stockline-erp/stockline/internal/ledger"
	"github.com/stockline-erp/stockline/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetAdjustment(ctx context.Context, id int64) (Header, []Line, error)
	ListAdjustments(ctx context.Context, limit int) ([]Header, error)
}

// TxRepository exposes transactional operations. Inventory reads and writes
// run against the ledger store bound to the same transaction, so the header,
// its lines and every applied delta commit or roll back together.
type TxRepository interface {
	NextAdjustmentNumber(ctx context.Context) (string, error)
	InsertHeader(ctx context.Context, header Header) (int64, error)
	InsertLine(ctx context.Context, line Line) (int64, error)
	SetHeaderStatus(ctx context.Context, headerID int64, status HeaderStatus) error
	GetInventoryForUpdate(ctx context.Context, recordID int64) (ledger.InventoryRecord, error)
	ApplyInventoryDelta(ctx context.Context, recordID int64, onHandDelta, allocatedDelta float64) (ledger.InventoryRecord, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service validates and commits adjustment batches.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
}

// NewService constructs the adjustment service. Audit may be nil.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger}
}

// LineInput carries either a signed delta or a target new quantity; whichever
// is supplied, the other is derived from the quantity captured at commit time.
type LineInput struct {
	InventoryID int64
	Delta       *float64
	NewQuantity *float64
	ReasonCode  ReasonCode
	Notes       string
}

// BatchInput describes one adjustment session.
type BatchInput struct {
	AdjustmentDate time.Time
	Notes          string
	UserID         int64
	Lines          []LineInput
}

// PostBatch validates the whole batch before any write, then commits header,
// lines and ledger deltas in a single transaction. A batch with one invalid
// line commits zero lines.
func (s *Service) PostBatch(ctx context.Context, input BatchInput) (Header, []Line, error) {
	lines, err := validateBatch(input.Lines)
	if err != nil {
		return Header{}, nil, err
	}
	if input.AdjustmentDate.IsZero() {
		input.AdjustmentDate = time.Now().UTC()
	}

	var header Header
	var committed []Line
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextAdjustmentNumber(ctx)
		if err != nil {
			return err
		}
		header = Header{
			Number:         number,
			AdjustmentDate: input.AdjustmentDate,
			Status:         HeaderStatusDraft,
			Notes:          input.Notes,
			UserID:         input.UserID,
		}
		headerID, err := tx.InsertHeader(ctx, header)
		if err != nil {
			return err
		}
		header.ID = headerID

		// lines are applied in submitted order
		for _, lineInput := range lines {
			record, err := tx.GetInventoryForUpdate(ctx, lineInput.InventoryID)
			if err != nil {
				return err
			}
			previous := record.QuantityOnHand
			var delta float64
			if lineInput.Delta != nil {
				delta = *lineInput.Delta
			} else {
				delta = *lineInput.NewQuantity - previous
			}
			if delta == 0 {
				// a no-op against the current quantity; skip, batch already
				// proved it has at least one intended change
				continue
			}
			newQuantity := previous + delta
			if newQuantity < 0 {
				return fmt.Errorf("%w: inventory %d would be %.2f", ErrNegativeResult, lineInput.InventoryID, newQuantity)
			}
			line := Line{
				AdjustmentID:       headerID,
				InventoryID:        lineInput.InventoryID,
				PreviousQuantity:   previous,
				AdjustmentQuantity: delta,
				NewQuantity:        newQuantity,
				ReasonCode:         lineInput.ReasonCode,
				Notes:              lineInput.Notes,
			}
			lineID, err := tx.InsertLine(ctx, line)
			if err != nil {
				return err
			}
			line.ID = lineID
			if _, err := tx.ApplyInventoryDelta(ctx, lineInput.InventoryID, delta, 0); err != nil {
				return err
			}
			committed = append(committed, line)
		}
		if len(committed) == 0 {
			return ErrEmptyBatch
		}
		if err := tx.SetHeaderStatus(ctx, headerID, HeaderStatusCompleted); err != nil {
			return err
		}
		header.Status = HeaderStatusCompleted
		return nil
	})
	if err != nil {
		return Header{}, nil, err
	}

	for _, line := range committed {
		s.recordAudit(ctx, input.UserID, header, line)
	}
	s.logger.Info("adjustment posted",
		slog.String("number", header.Number),
		slog.Int("lines", len(committed)))
	return header, committed, nil
}

// Get returns one adjustment with its lines.
func (s *Service) Get(ctx context.Context, id int64) (Header, []Line, error) {
	return s.repo.GetAdjustment(ctx, id)
}

// List returns recent adjustment headers.
func (s *Service) List(ctx context.Context, limit int) ([]Header, error) {
	return s.repo.ListAdjustments(ctx, limit)
}

// validateBatch runs every check that needs no storage access. Lines where
// both delta and new quantity are nil are rejected; an explicit zero delta is
// dropped here when other lines carry a change.
func validateBatch(inputs []LineInput) ([]LineInput, error) {
	if len(inputs) == 0 {
		return nil, ErrEmptyBatch
	}
	seen := make(map[int64]struct{}, len(inputs))
	var kept []LineInput
	hasNonzero := false
	for _, line := range inputs {
		if line.InventoryID == 0 {
			return nil, fmt.Errorf("adjustments: line missing inventory id: %w", shared.ErrValidation)
		}
		if line.ReasonCode == "" {
			return nil, ErrMissingReason
		}
		if !line.ReasonCode.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownReason, line.ReasonCode)
		}
		if line.Delta == nil && line.NewQuantity == nil {
			return nil, ErrMissingQuantity
		}
		if _, dup := seen[line.InventoryID]; dup {
			return nil, fmt.Errorf("%w: inventory %d", ErrDuplicateTarget, line.InventoryID)
		}
		seen[line.InventoryID] = struct{}{}
		if line.Delta != nil && *line.Delta == 0 {
			continue
		}
		if line.Delta != nil || line.NewQuantity != nil {
			hasNonzero = true
		}
		kept = append(kept, line)
	}
	if !hasNonzero || len(kept) == 0 {
		return nil, ErrEmptyBatch
	}
	return kept, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, header Header, line Line) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "adjustments:post",
		Entity:   "inventory_adjustment_line",
		EntityID: fmt.Sprintf("%d", line.ID),
		Meta: map[string]any{
			"adjustment_number": header.Number,
			"inventory_id":      line.InventoryID,
			"previous_quantity": line.PreviousQuantity,
			"delta":             line.AdjustmentQuantity,
			"new_quantity":      line.NewQuantity,
			"reason":            string(line.ReasonCode),
		},
	})
}
