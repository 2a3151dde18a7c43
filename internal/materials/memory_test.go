package materials

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sitestock/sitestock/internal/shared"
)

type memoryStore struct {
	mu     sync.Mutex
	txs    map[int64]Transaction
	pos    map[PurchaseOrderID]PurchaseOrder
	scopes map[string]int64
	nextID int64

	// fetchErr makes every read fail; beforeWrite runs inside writes with the
	// lock released so tests can interleave a competing write.
	fetchErr    error
	beforeWrite func()
	// afterFetch runs once after FetchTransactions took its snapshot, with
	// the lock released.
	afterFetch func()
}

var _ Store = (*memoryStore)(nil)

func newMemoryStore() *memoryStore {
	return &memoryStore{
		txs:    make(map[int64]Transaction),
		pos:    make(map[PurchaseOrderID]PurchaseOrder),
		scopes: make(map[string]int64),
	}
}

func (m *memoryStore) committedLocked() []Transaction {
	out := make([]Transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		if tx.Status == StatusCommitted {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReferenceDate.Equal(out[j].ReferenceDate) {
			return out[i].ReferenceDate.Before(out[j].ReferenceDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memoryStore) FetchPurchaseOrderLines(_ context.Context, poID PurchaseOrderID) ([]PurchaseOrderLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	po, ok := m.pos[poID]
	if !ok {
		return nil, fmt.Errorf("%w: purchase order %s", ErrNotFound, poID)
	}
	return POBalances(po, ReceivedAgainstPO(m.committedLocked(), poID, 0)), nil
}

func (m *memoryStore) FetchLocationInventory(_ context.Context, loc LocationID) ([]StockItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return LocationInventory(m.committedLocked(), loc), nil
}

func (m *memoryStore) FetchTransactions(_ context.Context, filter TransactionFilter) ([]Transaction, error) {
	m.mu.Lock()
	if m.fetchErr != nil {
		m.mu.Unlock()
		return nil, m.fetchErr
	}
	var out []Transaction
	for _, tx := range m.committedLocked() {
		if filter.Matches(tx) {
			out = append(out, tx)
		}
	}
	hook := m.afterFetch
	m.afterFetch = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return filter.Page(out), nil
}

func (m *memoryStore) GetTransaction(_ context.Context, id int64) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return Transaction{}, m.fetchErr
	}
	tx, ok := m.txs[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: transaction %d", ErrNotFound, id)
	}
	return tx.Clone(), nil
}

func (m *memoryStore) ScopeRevisions(_ context.Context, scopes []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	out := make(map[string]int64, len(scopes))
	for _, s := range scopes {
		out[s] = m.scopes[s]
	}
	return out, nil
}

func (m *memoryStore) guardLocked(guard WriteGuard, touched []string) error {
	for scope, expected := range guard.Scopes {
		if actual := m.scopes[scope]; actual != expected {
			return &ConflictError{Scope: scope, Expected: expected, Actual: actual}
		}
	}
	for _, scope := range touched {
		m.scopes[scope]++
	}
	return nil
}

func (m *memoryStore) hook() {
	if m.beforeWrite != nil {
		fn := m.beforeWrite
		m.beforeWrite = nil
		fn()
	}
}

func (m *memoryStore) SubmitTransaction(_ context.Context, tx Transaction, guard WriteGuard) (Transaction, error) {
	m.hook()
	m.mu.Lock()
	defer m.mu.Unlock()
	touched, _ := tx.Scopes()
	if err := m.guardLocked(guard, touched); err != nil {
		return Transaction{}, err
	}
	m.nextID++
	now := time.Now().UTC()
	tx.ID = m.nextID
	tx.ReferenceNumber = ReferenceNumber(tx.MovementType(), tx.ID)
	tx.Status = StatusCommitted
	tx.Version = 1
	tx.CreatedAt, tx.UpdatedAt = now, now
	m.txs[tx.ID] = tx.Clone()
	return tx, nil
}

func (m *memoryStore) currentLocked(id, version int64, next Status) (Transaction, error) {
	current, ok := m.txs[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: transaction %d", ErrNotFound, id)
	}
	if current.Status != StatusCommitted {
		return Transaction{}, &TransitionError{From: current.Status, To: next}
	}
	if version != 0 && version != current.Version {
		return Transaction{}, &ConflictError{Scope: transactionScope(id), Expected: version, Actual: current.Version}
	}
	return current, nil
}

func (m *memoryStore) UpdateTransaction(_ context.Context, id int64, tx Transaction, guard WriteGuard) (Transaction, error) {
	m.hook()
	m.mu.Lock()
	defer m.mu.Unlock()
	current, err := m.currentLocked(id, guard.Version, StatusEditing)
	if err != nil {
		return Transaction{}, err
	}
	oldTouched, _ := current.Scopes()
	newTouched, _ := tx.Scopes()
	if err := m.guardLocked(guard, MergeScopes(oldTouched, newTouched)); err != nil {
		return Transaction{}, err
	}
	tx.ID = id
	tx.ReferenceNumber = current.ReferenceNumber
	tx.Version = current.Version + 1
	tx.Status = StatusCommitted
	tx.UpdatedAt = time.Now().UTC()
	m.txs[id] = tx.Clone()
	return tx, nil
}

func (m *memoryStore) DeleteTransaction(_ context.Context, id int64, guard WriteGuard) error {
	m.hook()
	m.mu.Lock()
	defer m.mu.Unlock()
	current, err := m.currentLocked(id, guard.Version, StatusDeleted)
	if err != nil {
		return err
	}
	touched, _ := current.Scopes()
	if err := m.guardLocked(guard, touched); err != nil {
		return err
	}
	current.Status = StatusDeleted
	current.Version++
	m.txs[id] = current
	return nil
}

func (m *memoryStore) SavePurchaseOrder(_ context.Context, po PurchaseOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos[po.ID] = po
	m.scopes[PurchaseOrderScope(po.ID)]++
	return nil
}

func (m *memoryStore) GetPurchaseOrder(_ context.Context, id PurchaseOrderID) (PurchaseOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	po, ok := m.pos[id]
	if !ok {
		return PurchaseOrder{}, fmt.Errorf("%w: purchase order %s", ErrNotFound, id)
	}
	return po, nil
}

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, log.Action)
	return nil
}

type recordingIntegration struct {
	mu     sync.Mutex
	events []StockChangedEvent
	err    error
}

func (r *recordingIntegration) HandleStockChanged(_ context.Context, evt StockChangedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

var errBackendDown = errors.New("backend down")

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func line(item ItemID, qty string) LedgerEntry {
	return LedgerEntry{ItemID: item, ItemName: string(item), Unit: "bag", Quantity: dec(qty), Rate: dec("10")}
}

func receipt(po PurchaseOrderID, loc LocationID, items ...LedgerEntry) Transaction {
	tx := NewDraft(ReceiptHeader{ReceivingLocationID: loc, SupplierID: "SUP-1", PurchaseOrderID: po}, day)
	tx.Items = items
	return tx
}

func openingBalance(loc LocationID, items ...LedgerEntry) Transaction {
	tx := NewDraft(ReceiptHeader{ReceivingLocationID: loc, OpeningBalance: true}, day)
	tx.Items = items
	return tx
}

func transfer(from, to LocationID, items ...LedgerEntry) Transaction {
	tx := NewDraft(TransferHeader{SourceLocationID: from, ReceivingLocationID: to}, day)
	tx.Items = items
	return tx
}

func issue(from LocationID, items ...LedgerEntry) Transaction {
	tx := NewDraft(IssueHeader{SourceLocationID: from, ProjectID: "PRJ-1"}, day)
	tx.Items = items
	return tx
}

func returnTo(from LocationID, items ...LedgerEntry) Transaction {
	tx := NewDraft(ReturnHeader{SourceLocationID: from, SupplierID: "SUP-1"}, day)
	tx.Items = items
	return tx
}

// committedTx stamps tx as a stored ledger row.
func committedTx(id int64, date time.Time, tx Transaction) Transaction {
	tx.ID = id
	tx.ReferenceNumber = ReferenceNumber(tx.MovementType(), id)
	tx.ReferenceDate = date
	tx.Status = StatusCommitted
	tx.Version = 1
	return tx
}
