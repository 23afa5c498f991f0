package fulfillment

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stockline-erp/stockline/internal/shared"
)

type memoryRepo struct {
	orders       map[int64]SalesOrder
	orderLines   map[int64]SalesOrderLine
	invoices     map[int64]Invoice
	invoiceLines map[int64]InvoiceLine
	nextID       int64
	sequence     int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		orders:       make(map[int64]SalesOrder),
		orderLines:   make(map[int64]SalesOrderLine),
		invoices:     make(map[int64]Invoice),
		invoiceLines: make(map[int64]InvoiceLine),
	}
}

func (m *memoryRepo) addOrder(status SalesOrderStatus, quantities ...float64) (int64, []int64) {
	m.nextID++
	orderID := m.nextID
	m.orders[orderID] = SalesOrder{ID: orderID, Number: "SO-TEST", Status: status}
	var lineIDs []int64
	for i, qty := range quantities {
		m.nextID++
		m.orderLines[m.nextID] = SalesOrderLine{
			ID:           m.nextID,
			SalesOrderID: orderID,
			ProductID:    int64(200 + i),
			Quantity:     qty,
			Status:       LineStatusPending,
			UnitPrice:    25,
		}
		lineIDs = append(lineIDs, m.nextID)
	}
	return orderID, lineIDs
}

// The fake applies writes directly; a failing callback leaves partially
// staged state visible, so tests that exercise rollbacks assert on committed
// row counts instead.
type memoryTx struct {
	repo *memoryRepo
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := m.clone()
	if err := fn(ctx, &memoryTx{repo: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

func (m *memoryRepo) clone() *memoryRepo {
	c := newMemoryRepo()
	c.nextID, c.sequence = m.nextID, m.sequence
	for k, v := range m.orders {
		c.orders[k] = v
	}
	for k, v := range m.orderLines {
		c.orderLines[k] = v
	}
	for k, v := range m.invoices {
		c.invoices[k] = v
	}
	for k, v := range m.invoiceLines {
		c.invoiceLines[k] = v
	}
	return c
}

func (m *memoryRepo) restore(snapshot *memoryRepo) {
	m.orders, m.orderLines = snapshot.orders, snapshot.orderLines
	m.invoices, m.invoiceLines = snapshot.invoices, snapshot.invoiceLines
	m.nextID, m.sequence = snapshot.nextID, snapshot.sequence
}

func (m *memoryRepo) GetOrder(ctx context.Context, orderID int64) (SalesOrder, []SalesOrderLine, error) {
	order, ok := m.orders[orderID]
	if !ok {
		return SalesOrder{}, nil, ErrOrderNotFound
	}
	return order, m.linesOf(orderID), nil
}

func (m *memoryRepo) linesOf(orderID int64) []SalesOrderLine {
	var lines []SalesOrderLine
	for _, line := range m.orderLines {
		if line.SalesOrderID == orderID {
			lines = append(lines, line)
		}
	}
	return lines
}

func (m *memoryRepo) GetInvoice(ctx context.Context, invoiceID int64) (Invoice, []InvoiceLine, error) {
	invoice, ok := m.invoices[invoiceID]
	if !ok {
		return Invoice{}, nil, ErrInvoiceNotFound
	}
	var lines []InvoiceLine
	for _, line := range m.invoiceLines {
		if line.InvoiceID == invoiceID {
			lines = append(lines, line)
		}
	}
	return invoice, lines, nil
}

func (m *memoryRepo) ListInvoices(ctx context.Context, orderID int64) ([]Invoice, error) {
	var invoices []Invoice
	for _, invoice := range m.invoices {
		if invoice.SalesOrderID == orderID {
			invoices = append(invoices, invoice)
		}
	}
	return invoices, nil
}

func (t *memoryTx) GetOrderForUpdate(ctx context.Context, orderID int64) (SalesOrder, error) {
	order, ok := t.repo.orders[orderID]
	if !ok {
		return SalesOrder{}, ErrOrderNotFound
	}
	return order, nil
}

func (t *memoryTx) GetOrderLines(ctx context.Context, orderID int64) ([]SalesOrderLine, error) {
	return t.repo.linesOf(orderID), nil
}

func (t *memoryTx) GetInvoice(ctx context.Context, invoiceID int64) (Invoice, []InvoiceLine, error) {
	return t.repo.GetInvoice(ctx, invoiceID)
}

func (t *memoryTx) SumInvoicedByLine(ctx context.Context, orderID, excludeInvoiceID int64) (map[int64]float64, error) {
	sums := make(map[int64]float64)
	for _, line := range t.repo.invoiceLines {
		if excludeInvoiceID != 0 && line.InvoiceID == excludeInvoiceID {
			continue
		}
		orderLine, ok := t.repo.orderLines[line.SalesOrderLineID]
		if !ok || orderLine.SalesOrderID != orderID {
			continue
		}
		sums[line.SalesOrderLineID] += line.Quantity
	}
	return sums, nil
}

func (t *memoryTx) MaxInvoiceSequence(ctx context.Context, orderID int64) (int64, error) {
	var max int64
	for _, invoice := range t.repo.invoices {
		if invoice.SalesOrderID == orderID && invoice.Sequence > max {
			max = invoice.Sequence
		}
	}
	return max, nil
}

func (t *memoryTx) NextInvoiceNumber(ctx context.Context) (string, error) {
	t.repo.sequence++
	return fmt.Sprintf("INV-%06d", t.repo.sequence), nil
}

func (t *memoryTx) InsertInvoice(ctx context.Context, invoice Invoice) (int64, error) {
	t.repo.nextID++
	invoice.ID = t.repo.nextID
	t.repo.invoices[invoice.ID] = invoice
	return invoice.ID, nil
}

func (t *memoryTx) InsertInvoiceLine(ctx context.Context, line InvoiceLine) (int64, error) {
	t.repo.nextID++
	line.ID = t.repo.nextID
	t.repo.invoiceLines[line.ID] = line
	return line.ID, nil
}

func (t *memoryTx) UpdateInvoice(ctx context.Context, invoice Invoice) error {
	if _, ok := t.repo.invoices[invoice.ID]; !ok {
		return ErrInvoiceNotFound
	}
	t.repo.invoices[invoice.ID] = invoice
	return nil
}

func (t *memoryTx) DeleteInvoiceLines(ctx context.Context, invoiceID int64) error {
	for id, line := range t.repo.invoiceLines {
		if line.InvoiceID == invoiceID {
			delete(t.repo.invoiceLines, id)
		}
	}
	return nil
}

func (t *memoryTx) DeleteInvoice(ctx context.Context, invoiceID int64) error {
	if _, ok := t.repo.invoices[invoiceID]; !ok {
		return ErrInvoiceNotFound
	}
	delete(t.repo.invoices, invoiceID)
	return nil
}

func (t *memoryTx) SetLineProgress(ctx context.Context, lineID int64, qtyInvoiced float64, status LineStatus) error {
	line, ok := t.repo.orderLines[lineID]
	if !ok {
		return ErrLineNotFound
	}
	line.QtyInvoiced = qtyInvoiced
	line.Status = status
	t.repo.orderLines[lineID] = line
	return nil
}

func (t *memoryTx) SetOrderStatus(ctx context.Context, orderID int64, status SalesOrderStatus) error {
	order, ok := t.repo.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if order.Status == OrderStatusCancelled {
		return nil
	}
	order.Status = status
	t.repo.orders[orderID] = order
	return nil
}

func (t *memoryTx) ReflagFinal(ctx context.Context, orderID int64, allComplete bool, maxSequence int64) error {
	for id, invoice := range t.repo.invoices {
		if invoice.SalesOrderID != orderID {
			continue
		}
		invoice.IsFinal = allComplete && invoice.Sequence == maxSequence
		t.repo.invoices[id] = invoice
	}
	return nil
}

type recordingHook struct {
	events []FinalInvoiceEvent
}

func (h *recordingHook) OnFinalInvoice(ctx context.Context, event FinalInvoiceEvent) error {
	h.events = append(h.events, event)
	return nil
}

func lineInput(lineID int64, qty float64) InvoiceLineInput {
	return InvoiceLineInput{SalesOrderLineID: lineID, Quantity: qty}
}

func TestCreateInvoiceSequencesPartialThenFinal(t *testing.T) {
	repo := newMemoryRepo()
	orderID, lineIDs := repo.addOrder(OrderStatusOpen, 50)
	service := NewService(repo, nil, nil, nil, nil)

	first, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 30)},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Sequence)
	require.True(t, first.IsPartial)
	require.False(t, first.IsFinal)

	line := repo.orderLines[lineIDs[0]]
	require.Equal(t, 30.0, line.QtyInvoiced)
	require.Equal(t, LineStatusPartial, line.Status)
	require.Equal(t, 20.0, line.Remaining())

	second, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 20)},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Sequence)
	require.True(t, second.IsPartial) // sequence > 1
	require.True(t, second.IsFinal)

	line = repo.orderLines[lineIDs[0]]
	require.Equal(t, LineStatusComplete, line.Status)
	require.Equal(t, OrderStatusInvoiced, repo.orders[orderID].Status)
}

func TestCreateInvoiceExactQuantityIsFinalNotPartial(t *testing.T) {
	repo := newMemoryRepo()
	orderID, lineIDs := repo.addOrder(OrderStatusOpen, 50)
	service := NewService(repo, nil, nil, nil, nil)

	invoice, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 50)},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), invoice.Sequence)
	require.False(t, invoice.IsPartial)
	require.True(t, invoice.IsFinal)
}

func TestCreateInvoiceRejectsOverInvoicing(t *testing.T) {
	repo := newMemoryRepo()
	orderID, lineIDs := repo.addOrder(OrderStatusOpen, 50)
	service := NewService(repo, nil, nil, nil, nil)

	_, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 60)},
	})
	require.ErrorIs(t, err, ErrOverInvoice)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Empty(t, repo.invoices)
	require.Equal(t, 0.0, repo.orderLines[lineIDs[0]].QtyInvoiced)
}

func TestCreateInvoiceFinalRequiresEveryLineComplete(t *testing.T) {
	repo := newMemoryRepo()
	orderID, lineIDs := repo.addOrder(OrderStatusOpen, 10, 5)
	service := NewService(repo, nil, nil, nil, nil)

	// fully bills the first line but leaves the second untouched
	invoice, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 10)},
	})
	require.NoError(t, err)
	require.True(t, invoice.IsPartial)
	require.False(t, invoice.IsFinal)
	require.Equal(t, OrderStatusOpen, repo.orders[orderID].Status)

	final, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[1], 5)},
	})
	require.NoError(t, err)
	require.True(t, final.IsFinal)
	require.Equal(t, OrderStatusInvoiced, repo.orders[orderID].Status)
}

func TestCreateInvoiceOnCancelledOrderRejected(t *testing.T) {
	repo := newMemoryRepo()
	orderID, lineIDs := repo.addOrder(OrderStatusCancelled, 50)
	service := NewService(repo, nil, nil, nil, nil)

	_, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 10)},
	})
	require.ErrorIs(t, err, ErrOrderCancelled)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestCreateInvoiceRejectsZeroQuantityAndEmptyLines(t *testing.T) {
	repo := newMemoryRepo()
	orderID, lineIDs := repo.addOrder(OrderStatusOpen, 50)
	service := NewService(repo, nil, nil, nil, nil)

	_, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{SalesOrderID: orderID})
	require.ErrorIs(t, err, ErrNoLines)

	_, _, err = service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 0)},
	})
	require.ErrorIs(t, err, ErrBadQuantity)
}

func TestUpdateInvoiceReusesOwnContribution(t *testing.T) {
	repo := newMemoryRepo()
	orderID, lineIDs := repo.addOrder(OrderStatusOpen, 50)
	service := NewService(repo, nil, nil, nil, nil)

	invoice, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 30)},
	})
	require.NoError(t, err)

	// 40 exceeds the 20 remaining but fits once the invoice's own 30 is
	// excluded from the sum
	updated, _, err := service.UpdateInvoice(context.Background(), invoice.ID, UpdateInvoiceInput{
		Lines: []InvoiceLineInput{lineInput(lineIDs[0], 40)},
	})
	require.NoError(t, err)
	require.Equal(t, invoice.Sequence, updated.Sequence)
	require.Equal(t, 40.0, repo.orderLines[lineIDs[0]].QtyInvoiced)

	// but it cannot exceed remaining plus its own contribution
	_, _, err = service.UpdateInvoice(context.Background(), invoice.ID, UpdateInvoiceInput{
		Lines: []InvoiceLineInput{lineInput(lineIDs[0], 60)},
	})
	require.ErrorIs(t, err, ErrOverInvoice)
	require.Equal(t, 40.0, repo.orderLines[lineIDs[0]].QtyInvoiced)
}

func TestUpdateInvoiceCanCompleteOrder(t *testing.T) {
	repo := newMemoryRepo()
	orderID, lineIDs := repo.addOrder(OrderStatusOpen, 50)
	service := NewService(repo, nil, nil, nil, nil)

	invoice, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 30)},
	})
	require.NoError(t, err)

	updated, _, err := service.UpdateInvoice(context.Background(), invoice.ID, UpdateInvoiceInput{
		Lines: []InvoiceLineInput{lineInput(lineIDs[0], 50)},
	})
	require.NoError(t, err)
	require.True(t, updated.IsFinal)
	require.Equal(t, OrderStatusInvoiced, repo.orders[orderID].Status)
	require.Equal(t, LineStatusComplete, repo.orderLines[lineIDs[0]].Status)
}

func TestDeleteInvoiceRecomputesFromSurvivors(t *testing.T) {
	repo := newMemoryRepo()
	orderID, lineIDs := repo.addOrder(OrderStatusOpen, 50)
	service := NewService(repo, nil, nil, nil, nil)

	first, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 30)},
	})
	require.NoError(t, err)
	second, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 20)},
	})
	require.NoError(t, err)
	require.Equal(t, OrderStatusInvoiced, repo.orders[orderID].Status)

	require.NoError(t, service.DeleteInvoice(context.Background(), second.ID, 0))

	line := repo.orderLines[lineIDs[0]]
	require.Equal(t, 30.0, line.QtyInvoiced)
	require.Equal(t, 20.0, line.Remaining())
	require.Equal(t, LineStatusPartial, line.Status)
	require.Equal(t, OrderStatusOpen, repo.orders[orderID].Status)
	require.False(t, repo.invoices[first.ID].IsFinal)

	// a new invoice continues past the deleted sequence's slot
	third, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 20)},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), third.Sequence)
	require.True(t, third.IsFinal)
}

func TestDeleteMiddleInvoiceClearsSurvivorFinalFlag(t *testing.T) {
	repo := newMemoryRepo()
	orderID, lineIDs := repo.addOrder(OrderStatusOpen, 50)
	service := NewService(repo, nil, nil, nil, nil)

	first, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 30)},
	})
	require.NoError(t, err)
	second, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 20)},
	})
	require.NoError(t, err)
	require.True(t, second.IsFinal)

	require.NoError(t, service.DeleteInvoice(context.Background(), first.ID, 0))

	// the surviving invoice no longer completes the order
	require.False(t, repo.invoices[second.ID].IsFinal)
	require.Equal(t, 20.0, repo.orderLines[lineIDs[0]].QtyInvoiced)
	require.Equal(t, OrderStatusOpen, repo.orders[orderID].Status)
}

func TestFinalInvoiceFiresHook(t *testing.T) {
	repo := newMemoryRepo()
	orderID, lineIDs := repo.addOrder(OrderStatusOpen, 50)
	hook := &recordingHook{}
	service := NewService(repo, nil, nil, hook, nil)

	_, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 30)},
	})
	require.NoError(t, err)
	require.Empty(t, hook.events)

	final, _, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
		SalesOrderID: orderID,
		Lines:        []InvoiceLineInput{lineInput(lineIDs[0], 20)},
	})
	require.NoError(t, err)
	require.Len(t, hook.events, 1)
	require.Equal(t, final.ID, hook.events[0].InvoiceID)
	require.Equal(t, orderID, hook.events[0].SalesOrderID)
}

func TestGetUnknownInvoice(t *testing.T) {
	service := NewService(newMemoryRepo(), nil, nil, nil, nil)
	_, _, err := service.GetInvoice(context.Background(), 404)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

type fakeIdempotency struct {
	keys    map[string]struct{}
	deleted []string
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{keys: make(map[string]struct{})}
}

func (f *fakeIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if _, ok := f.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = struct{}{}
	return nil
}

func (f *fakeIdempotency) Delete(ctx context.Context, key string) error {
	delete(f.keys, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func TestCreateInvoiceDuplicateReferenceRejected(t *testing.T) {
	repo := newMemoryRepo()
	orderID, lineIDs := repo.addOrder(OrderStatusOpen, 50)
	idem := newFakeIdempotency()
	svc := NewService(repo, nil, idem, nil, nil)
	ctx := context.Background()

	input := CreateInvoiceInput{
		SalesOrderID:    orderID,
		Lines:           []InvoiceLineInput{{SalesOrderLineID: lineIDs[0], Quantity: 10}},
		ReferenceNumber: "POS-7001",
	}
	_, _, err := svc.CreateInvoice(ctx, input)
	require.NoError(t, err)

	_, _, err = svc.CreateInvoice(ctx, input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, repo.invoices, 1)
}

func TestCreateInvoiceFailureReleasesIdempotencyKey(t *testing.T) {
	repo := newMemoryRepo()
	orderID, lineIDs := repo.addOrder(OrderStatusOpen, 50)
	idem := newFakeIdempotency()
	svc := NewService(repo, nil, idem, nil, nil)
	ctx := context.Background()

	_, _, err := svc.CreateInvoice(ctx, CreateInvoiceInput{
		SalesOrderID:    orderID,
		Lines:           []InvoiceLineInput{{SalesOrderLineID: lineIDs[0], Quantity: 60}},
		ReferenceNumber: "POS-7002",
	})
	require.ErrorIs(t, err, ErrOverInvoice)
	require.Equal(t, []string{fmt.Sprintf("INV:%d:%s", orderID, "POS-7002")}, idem.deleted)

	// the released key lets the caller retry with the same reference
	invoice, _, err := svc.CreateInvoice(ctx, CreateInvoiceInput{
		SalesOrderID:    orderID,
		Lines:           []InvoiceLineInput{{SalesOrderLineID: lineIDs[0], Quantity: 30}},
		ReferenceNumber: "POS-7002",
	})
	require.NoError(t, err)
	require.True(t, invoice.IsPartial)
}
