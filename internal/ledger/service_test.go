package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	records map[int64]InventoryRecord
	history map[int64]bool
	nextID  int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[int64]InventoryRecord), history: make(map[int64]bool)}
}

func (m *memoryStore) seed(record InventoryRecord) InventoryRecord {
	if record.ID == 0 {
		m.nextID++
		record.ID = m.nextID
	} else if record.ID > m.nextID {
		m.nextID = record.ID
	}
	record.QuantityAvailable = Available(record.QuantityOnHand, record.QuantityAllocated)
	m.records[record.ID] = record
	return record
}

func (m *memoryStore) ApplyDelta(ctx context.Context, recordID int64, onHandDelta, allocatedDelta float64) (InventoryRecord, error) {
	record, ok := m.records[recordID]
	if !ok {
		return InventoryRecord{}, ErrRecordNotFound
	}
	if record.QuantityOnHand+onHandDelta < 0 {
		return InventoryRecord{}, ErrNegativeQuantity
	}
	record.QuantityOnHand += onHandDelta
	record.QuantityAllocated += allocatedDelta
	if record.QuantityAllocated < 0 {
		record.QuantityAllocated = 0
	}
	record.QuantityAvailable = Available(record.QuantityOnHand, record.QuantityAllocated)
	m.records[recordID] = record
	return record, nil
}

func (m *memoryStore) EnsureRecord(ctx context.Context, productID int64) (InventoryRecord, error) {
	for _, record := range m.records {
		if record.ProductID == productID {
			return record, nil
		}
	}
	return m.seed(InventoryRecord{ProductID: productID}), nil
}

func (m *memoryStore) SetCosts(ctx context.Context, recordID int64, wac, lastCost float64) error {
	record, ok := m.records[recordID]
	if !ok {
		return ErrRecordNotFound
	}
	record.WeightedAverageCost = wac
	record.LastCost = lastCost
	m.records[recordID] = record
	return nil
}

func (m *memoryStore) Get(ctx context.Context, recordID int64) (InventoryRecord, error) {
	record, ok := m.records[recordID]
	if !ok {
		return InventoryRecord{}, ErrRecordNotFound
	}
	return record, nil
}

func (m *memoryStore) GetByProduct(ctx context.Context, productID int64) (InventoryRecord, error) {
	for _, record := range m.records {
		if record.ProductID == productID {
			return record, nil
		}
	}
	return InventoryRecord{}, ErrRecordNotFound
}

func (m *memoryStore) ListBelowReorderPoint(ctx context.Context, limit int) ([]ReorderAlert, error) {
	return nil, nil
}

func (m *memoryStore) HasHistory(ctx context.Context, recordID int64) (bool, error) {
	return m.history[recordID], nil
}

func (m *memoryStore) Delete(ctx context.Context, recordID int64) error {
	if _, ok := m.records[recordID]; !ok {
		return ErrRecordNotFound
	}
	delete(m.records, recordID)
	return nil
}

func TestApplyDeltaRecomputesAvailable(t *testing.T) {
	store := newMemoryStore()
	record := store.seed(InventoryRecord{QuantityOnHand: 150, QuantityAllocated: 25})
	svc := NewService(store, nil, nil, nil)
	ctx := context.Background()

	updated, err := svc.ApplyDelta(ctx, record.ID, -10, 0, 1, "damaged")
	require.NoError(t, err)
	require.InDelta(t, 140, updated.QuantityOnHand, 0.0001)
	require.InDelta(t, 115, updated.QuantityAvailable, 0.0001)

	updated, err = svc.ApplyDelta(ctx, record.ID, 0, 30, 1, "reservation")
	require.NoError(t, err)
	require.InDelta(t, 55, updated.QuantityAllocated, 0.0001)
	require.InDelta(t, 85, updated.QuantityAvailable, 0.0001)
}

func TestApplyDeltaClampsAvailableAtZero(t *testing.T) {
	store := newMemoryStore()
	record := store.seed(InventoryRecord{QuantityOnHand: 5, QuantityAllocated: 0})
	svc := NewService(store, nil, nil, nil)

	updated, err := svc.ApplyDelta(context.Background(), record.ID, 0, 20, 1, "oversold")
	require.NoError(t, err)
	require.InDelta(t, 0, updated.QuantityAvailable, 0.0001)
	require.InDelta(t, 20, updated.QuantityAllocated, 0.0001)
}

func TestApplyDeltaRejectsNegativeOnHand(t *testing.T) {
	store := newMemoryStore()
	record := store.seed(InventoryRecord{QuantityOnHand: 3})
	svc := NewService(store, nil, nil, nil)

	_, err := svc.ApplyDelta(context.Background(), record.ID, -4, 0, 1, "shrinkage")
	require.ErrorIs(t, err, ErrNegativeQuantity)

	current, err := svc.Get(context.Background(), record.ID)
	require.NoError(t, err)
	require.InDelta(t, 3, current.QuantityOnHand, 0.0001)
}

func TestApplyDeltaUnknownRecord(t *testing.T) {
	svc := NewService(newMemoryStore(), nil, nil, nil)
	_, err := svc.ApplyDelta(context.Background(), 99, 1, 0, 1, "")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestApplyDeltaZeroIsRejected(t *testing.T) {
	svc := NewService(newMemoryStore(), nil, nil, nil)
	_, err := svc.ApplyDelta(context.Background(), 1, 0, 0, 1, "")
	require.ErrorIs(t, err, ErrZeroDelta)
}

func TestDeleteBlockedByHistory(t *testing.T) {
	store := newMemoryStore()
	record := store.seed(InventoryRecord{QuantityOnHand: 1})
	store.history[record.ID] = true
	svc := NewService(store, nil, nil, nil)

	err := svc.DeleteRecord(context.Background(), record.ID, 1)
	require.Error(t, err)

	_, err = svc.Get(context.Background(), record.ID)
	require.NoError(t, err)
}

type blockingStore struct {
	*memoryStore
	gate  chan struct{}
	reads int32
}

func (b *blockingStore) Get(ctx context.Context, recordID int64) (InventoryRecord, error) {
	atomic.AddInt32(&b.reads, 1)
	<-b.gate
	return b.memoryStore.Get(ctx, recordID)
}

func TestGetCollapsesConcurrentMisses(t *testing.T) {
	store := &blockingStore{memoryStore: newMemoryStore(), gate: make(chan struct{})}
	record := store.seed(InventoryRecord{QuantityOnHand: 7})
	svc := NewService(store, nil, nil, nil)

	const readers = 8
	var wg sync.WaitGroup
	results := make([]InventoryRecord, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Get(context.Background(), record.ID)
		}(i)
	}

	// give every reader time to join the in-flight read before releasing it
	time.Sleep(50 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		require.InDelta(t, 7, results[i].QuantityOnHand, 0.0001)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&store.reads))
}

func TestNextWeightedAverageCost(t *testing.T) {
	// 10 on hand at 100, receive 5 at 120 -> 106.67
	wac := NextWeightedAverageCost(15, 100, 5, 120)
	require.InDelta(t, 106.6667, wac, 0.001)

	// first receipt into empty stock takes the receipt cost
	require.InDelta(t, 120, NextWeightedAverageCost(5, 0, 5, 120), 0.0001)
	require.InDelta(t, 120, NextWeightedAverageCost(0, 0, 0, 120), 0.0001)
}
