package adjustments

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stockline-erp/stockline/internal/ledger"
	"github.com/stockline-erp/stockline/internal/shared"
)

type memoryRepo struct {
	inventory map[int64]ledger.InventoryRecord
	headers   map[int64]Header
	lines     []Line
	nextID    int64
	sequence  int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		inventory: make(map[int64]ledger.InventoryRecord),
		headers:   make(map[int64]Header),
	}
}

func (m *memoryRepo) addRecord(onHand, allocated float64) int64 {
	m.nextID++
	m.inventory[m.nextID] = ledger.InventoryRecord{
		ID:                m.nextID,
		QuantityOnHand:    onHand,
		QuantityAllocated: allocated,
		QuantityAvailable: ledger.Available(onHand, allocated),
	}
	return m.nextID
}

type memoryTx struct {
	repo *memoryRepo
	// staged state becomes visible only on commit
	stagedHeaders   map[int64]Header
	stagedLines     []Line
	stagedInventory map[int64]ledger.InventoryRecord
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{
		repo:            m,
		stagedHeaders:   make(map[int64]Header),
		stagedInventory: make(map[int64]ledger.InventoryRecord),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, header := range tx.stagedHeaders {
		m.headers[id] = header
	}
	m.lines = append(m.lines, tx.stagedLines...)
	for id, record := range tx.stagedInventory {
		m.inventory[id] = record
	}
	return nil
}

func (m *memoryRepo) GetAdjustment(ctx context.Context, id int64) (Header, []Line, error) {
	header, ok := m.headers[id]
	if !ok {
		return Header{}, nil, ErrHeaderNotFound
	}
	var lines []Line
	for _, line := range m.lines {
		if line.AdjustmentID == id {
			lines = append(lines, line)
		}
	}
	return header, lines, nil
}

func (m *memoryRepo) ListAdjustments(ctx context.Context, limit int) ([]Header, error) {
	var headers []Header
	for _, header := range m.headers {
		headers = append(headers, header)
	}
	return headers, nil
}

func (t *memoryTx) NextAdjustmentNumber(ctx context.Context) (string, error) {
	t.repo.sequence++
	return fmt.Sprintf("ADJ-%06d", t.repo.sequence), nil
}

func (t *memoryTx) InsertHeader(ctx context.Context, header Header) (int64, error) {
	t.repo.nextID++
	header.ID = t.repo.nextID
	t.stagedHeaders[header.ID] = header
	return header.ID, nil
}

func (t *memoryTx) InsertLine(ctx context.Context, line Line) (int64, error) {
	t.repo.nextID++
	line.ID = t.repo.nextID
	t.stagedLines = append(t.stagedLines, line)
	return line.ID, nil
}

func (t *memoryTx) SetHeaderStatus(ctx context.Context, headerID int64, status HeaderStatus) error {
	header, ok := t.stagedHeaders[headerID]
	if !ok {
		return ErrHeaderNotFound
	}
	header.Status = status
	t.stagedHeaders[headerID] = header
	return nil
}

func (t *memoryTx) GetInventoryForUpdate(ctx context.Context, recordID int64) (ledger.InventoryRecord, error) {
	if record, ok := t.stagedInventory[recordID]; ok {
		return record, nil
	}
	record, ok := t.repo.inventory[recordID]
	if !ok {
		return ledger.InventoryRecord{}, ledger.ErrRecordNotFound
	}
	return record, nil
}

func (t *memoryTx) ApplyInventoryDelta(ctx context.Context, recordID int64, onHandDelta, allocatedDelta float64) (ledger.InventoryRecord, error) {
	record, err := t.GetInventoryForUpdate(ctx, recordID)
	if err != nil {
		return ledger.InventoryRecord{}, err
	}
	if record.QuantityOnHand+onHandDelta < 0 {
		return ledger.InventoryRecord{}, ledger.ErrNegativeQuantity
	}
	record.QuantityOnHand += onHandDelta
	record.QuantityAllocated += allocatedDelta
	if record.QuantityAllocated < 0 {
		record.QuantityAllocated = 0
	}
	record.QuantityAvailable = ledger.Available(record.QuantityOnHand, record.QuantityAllocated)
	t.stagedInventory[recordID] = record
	return record, nil
}

func deltaLine(inventoryID int64, delta float64, reason ReasonCode) LineInput {
	return LineInput{InventoryID: inventoryID, Delta: &delta, ReasonCode: reason}
}

func newQuantityLine(inventoryID int64, newQty float64, reason ReasonCode) LineInput {
	return LineInput{InventoryID: inventoryID, NewQuantity: &newQty, ReasonCode: reason}
}

func TestPostBatchAppliesDeltaAndRecomputesAvailable(t *testing.T) {
	repo := newMemoryRepo()
	recordID := repo.addRecord(150, 25)
	service := NewService(repo, nil, nil)

	header, lines, err := service.PostBatch(context.Background(), BatchInput{
		UserID: 7,
		Lines:  []LineInput{deltaLine(recordID, -10, ReasonDamaged)},
	})
	require.NoError(t, err)
	require.Equal(t, HeaderStatusCompleted, header.Status)
	require.Len(t, lines, 1)
	require.Equal(t, 150.0, lines[0].PreviousQuantity)
	require.Equal(t, -10.0, lines[0].AdjustmentQuantity)
	require.Equal(t, 140.0, lines[0].NewQuantity)

	record := repo.inventory[recordID]
	require.Equal(t, 140.0, record.QuantityOnHand)
	require.Equal(t, 25.0, record.QuantityAllocated)
	require.Equal(t, 115.0, record.QuantityAvailable)
}

func TestPostBatchDerivesDeltaFromNewQuantity(t *testing.T) {
	repo := newMemoryRepo()
	recordID := repo.addRecord(80, 0)
	service := NewService(repo, nil, nil)

	_, lines, err := service.PostBatch(context.Background(), BatchInput{
		Lines: []LineInput{newQuantityLine(recordID, 75, ReasonPhysicalCount)},
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, -5.0, lines[0].AdjustmentQuantity)
	require.Equal(t, 75.0, repo.inventory[recordID].QuantityOnHand)
}

func TestPostBatchRejectsDuplicateTargets(t *testing.T) {
	repo := newMemoryRepo()
	recordID := repo.addRecord(100, 0)
	service := NewService(repo, nil, nil)

	_, _, err := service.PostBatch(context.Background(), BatchInput{
		Lines: []LineInput{
			deltaLine(recordID, -5, ReasonDamaged),
			deltaLine(recordID, -3, ReasonExpired),
		},
	})
	require.ErrorIs(t, err, ErrDuplicateTarget)
	require.Equal(t, 100.0, repo.inventory[recordID].QuantityOnHand)
	require.Empty(t, repo.lines)
	require.Empty(t, repo.headers)
}

func TestPostBatchNegativeResultAbortsWholeBatch(t *testing.T) {
	repo := newMemoryRepo()
	firstID := repo.addRecord(50, 0)
	secondID := repo.addRecord(10, 0)
	service := NewService(repo, nil, nil)

	_, _, err := service.PostBatch(context.Background(), BatchInput{
		Lines: []LineInput{
			deltaLine(firstID, -5, ReasonDamaged),
			deltaLine(secondID, -20, ReasonDamaged),
		},
	})
	require.ErrorIs(t, err, ErrNegativeResult)
	require.ErrorIs(t, err, shared.ErrValidation)
	// the valid first line must not survive the aborted batch
	require.Equal(t, 50.0, repo.inventory[firstID].QuantityOnHand)
	require.Equal(t, 10.0, repo.inventory[secondID].QuantityOnHand)
	require.Empty(t, repo.lines)
}

func TestPostBatchMissingReasonRejected(t *testing.T) {
	repo := newMemoryRepo()
	recordID := repo.addRecord(10, 0)
	service := NewService(repo, nil, nil)

	delta := -1.0
	_, _, err := service.PostBatch(context.Background(), BatchInput{
		Lines: []LineInput{{InventoryID: recordID, Delta: &delta}},
	})
	require.ErrorIs(t, err, ErrMissingReason)
}

func TestPostBatchUnknownReasonRejected(t *testing.T) {
	repo := newMemoryRepo()
	recordID := repo.addRecord(10, 0)
	service := NewService(repo, nil, nil)

	_, _, err := service.PostBatch(context.Background(), BatchInput{
		Lines: []LineInput{deltaLine(recordID, -1, ReasonCode("shrinkage"))},
	})
	require.ErrorIs(t, err, ErrUnknownReason)
}

func TestPostBatchMissingQuantityRejected(t *testing.T) {
	repo := newMemoryRepo()
	recordID := repo.addRecord(10, 0)
	service := NewService(repo, nil, nil)

	_, _, err := service.PostBatch(context.Background(), BatchInput{
		Lines: []LineInput{{InventoryID: recordID, ReasonCode: ReasonDamaged}},
	})
	require.ErrorIs(t, err, ErrMissingQuantity)
}

func TestPostBatchAllZeroDeltasRejected(t *testing.T) {
	repo := newMemoryRepo()
	recordID := repo.addRecord(10, 0)
	service := NewService(repo, nil, nil)

	_, _, err := service.PostBatch(context.Background(), BatchInput{
		Lines: []LineInput{deltaLine(recordID, 0, ReasonPhysicalCount)},
	})
	require.ErrorIs(t, err, ErrEmptyBatch)
}

func TestPostBatchEmptyInputRejected(t *testing.T) {
	service := NewService(newMemoryRepo(), nil, nil)
	_, _, err := service.PostBatch(context.Background(), BatchInput{})
	require.ErrorIs(t, err, ErrEmptyBatch)
}

func TestPostBatchSkipsZeroDeltaAlongsideRealChange(t *testing.T) {
	repo := newMemoryRepo()
	zeroID := repo.addRecord(10, 0)
	realID := repo.addRecord(30, 0)
	service := NewService(repo, nil, nil)

	_, lines, err := service.PostBatch(context.Background(), BatchInput{
		Lines: []LineInput{
			deltaLine(zeroID, 0, ReasonPhysicalCount),
			deltaLine(realID, 4, ReasonPhysicalCount),
		},
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, realID, lines[0].InventoryID)
	require.Equal(t, 10.0, repo.inventory[zeroID].QuantityOnHand)
	require.Equal(t, 34.0, repo.inventory[realID].QuantityOnHand)
}

func TestPostBatchMatchingNewQuantityIsNoOp(t *testing.T) {
	repo := newMemoryRepo()
	recordID := repo.addRecord(42, 0)
	service := NewService(repo, nil, nil)

	_, _, err := service.PostBatch(context.Background(), BatchInput{
		Lines: []LineInput{newQuantityLine(recordID, 42, ReasonPhysicalCount)},
	})
	require.ErrorIs(t, err, ErrEmptyBatch)
	require.Empty(t, repo.lines)
}

func TestPostBatchAssignsSequentialNumbers(t *testing.T) {
	repo := newMemoryRepo()
	firstID := repo.addRecord(10, 0)
	secondID := repo.addRecord(10, 0)
	service := NewService(repo, nil, nil)

	first, _, err := service.PostBatch(context.Background(), BatchInput{
		Lines: []LineInput{deltaLine(firstID, 1, ReasonOther)},
	})
	require.NoError(t, err)
	second, _, err := service.PostBatch(context.Background(), BatchInput{
		Lines: []LineInput{deltaLine(secondID, 1, ReasonOther)},
	})
	require.NoError(t, err)
	require.Equal(t, "ADJ-000001", first.Number)
	require.Equal(t, "ADJ-000002", second.Number)
}

func TestGetUnknownAdjustment(t *testing.T) {
	service := NewService(newMemoryRepo(), nil, nil)
	_, _, err := service.Get(context.Background(), 99)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
