// Package sqlite stores the materials ledger in a single SQLite file. It is
// meant for local development, demos and tests; Postgres is the production
// store. Lines and charges are kept as JSON next to each transaction row and
// every derived figure is replayed from committed rows.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/sitestock/sitestock/internal/materials"
)

// Store implements materials.Store on SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ materials.Store = (*Store)(nil)

// New opens the database at path and migrates the schema. Use ":memory:" for
// an in-memory database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serialised.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database file is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS purchase_orders (
	id TEXT PRIMARY KEY,
	supplier_id TEXT NOT NULL,
	lines TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS material_transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	reference_number TEXT UNIQUE,
	reference_date TEXT NOT NULL,
	movement_type TEXT NOT NULL,
	header TEXT NOT NULL,
	items TEXT NOT NULL,
	charges TEXT NOT NULL,
	remarks TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_by INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_material_transactions_status ON material_transactions (status);
CREATE TABLE IF NOT EXISTS ledger_scopes (
	scope TEXT PRIMARY KEY,
	revision INTEGER NOT NULL
);`)
	return err
}

// FetchPurchaseOrderLines returns the PO lines with received totals replayed
// from committed receipts.
func (s *Store) FetchPurchaseOrderLines(ctx context.Context, poID materials.PurchaseOrderID) ([]materials.PurchaseOrderLine, error) {
	po, err := s.GetPurchaseOrder(ctx, poID)
	if err != nil {
		return nil, err
	}
	txs, err := s.FetchTransactions(ctx, materials.TransactionFilter{PurchaseOrderID: poID, MovementType: materials.MovementReceipt})
	if err != nil {
		return nil, err
	}
	return materials.POBalances(po, materials.ReceivedAgainstPO(txs, poID, 0)), nil
}

// FetchLocationInventory replays the location's committed movements.
func (s *Store) FetchLocationInventory(ctx context.Context, loc materials.LocationID) ([]materials.StockItem, error) {
	txs, err := s.FetchTransactions(ctx, materials.TransactionFilter{LocationID: loc})
	if err != nil {
		return nil, err
	}
	return materials.LocationInventory(txs, loc), nil
}

const selectTransaction = `SELECT id, COALESCE(reference_number, ''), reference_date, movement_type, header, items, charges,
	remarks, status, version, created_by, created_at, updated_at FROM material_transactions`

// FetchTransactions lists committed transactions ordered by reference date
// and id.
func (s *Store) FetchTransactions(ctx context.Context, filter materials.TransactionFilter) ([]materials.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectTransaction+` WHERE status = ?`, string(materials.StatusCommitted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []materials.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		if filter.Matches(tx) {
			out = append(out, tx)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReferenceDate.Equal(out[j].ReferenceDate) {
			return out[i].ReferenceDate.Before(out[j].ReferenceDate)
		}
		return out[i].ID < out[j].ID
	})
	return filter.Page(out), nil
}

// GetTransaction loads one transaction, deleted ones included.
func (s *Store) GetTransaction(ctx context.Context, id int64) (materials.Transaction, error) {
	return getTransaction(ctx, s.db, id)
}

// ScopeRevisions returns the current revision of each scope.
func (s *Store) ScopeRevisions(ctx context.Context, scopes []string) (map[string]int64, error) {
	return scopeRevisions(ctx, s.db, scopes)
}

// SubmitTransaction inserts tx and assigns id, reference number and version 1.
func (s *Store) SubmitTransaction(ctx context.Context, t materials.Transaction, guard materials.WriteGuard) (materials.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	t.Status, t.Version, t.CreatedAt, t.UpdatedAt = materials.StatusCommitted, 1, now, now
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		touched, _ := t.Scopes()
		if err := guardScopes(ctx, tx, guard, touched); err != nil {
			return err
		}
		header, items, charges, err := encode(t)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO material_transactions
			(reference_date, movement_type, header, items, charges, remarks, status, version, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			formatTime(t.ReferenceDate), string(t.MovementType()), header, items, charges, t.Remarks,
			string(t.Status), t.Version, t.CreatedBy, formatTime(now), formatTime(now))
		if err != nil {
			return err
		}
		if t.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		t.ReferenceNumber = materials.ReferenceNumber(t.MovementType(), t.ID)
		_, err = tx.ExecContext(ctx, `UPDATE material_transactions SET reference_number = ? WHERE id = ?`, t.ReferenceNumber, t.ID)
		return err
	})
	if err != nil {
		return materials.Transaction{}, err
	}
	return t, nil
}

// UpdateTransaction replaces a committed transaction and bumps its version.
func (s *Store) UpdateTransaction(ctx context.Context, id int64, t materials.Transaction, guard materials.WriteGuard) (materials.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := committed(ctx, tx, id, guard.Version, materials.StatusEditing)
		if err != nil {
			return err
		}
		if current.MovementType() != t.MovementType() {
			return materials.ErrImmutableMovementType
		}
		oldTouched, _ := current.Scopes()
		newTouched, _ := t.Scopes()
		if err := guardScopes(ctx, tx, guard, materials.MergeScopes(oldTouched, newTouched)); err != nil {
			return err
		}
		now := time.Now().UTC()
		t.ID = id
		t.ReferenceNumber = current.ReferenceNumber
		t.CreatedBy = current.CreatedBy
		t.CreatedAt = current.CreatedAt
		t.UpdatedAt = now
		t.Version = current.Version + 1
		t.Status = materials.StatusCommitted
		header, items, charges, err := encode(t)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE material_transactions SET
			reference_date = ?, header = ?, items = ?, charges = ?, remarks = ?, version = ?, updated_at = ?
			WHERE id = ?`,
			formatTime(t.ReferenceDate), header, items, charges, t.Remarks, t.Version, formatTime(now), id)
		return err
	})
	if err != nil {
		return materials.Transaction{}, err
	}
	return t, nil
}

// DeleteTransaction marks a committed transaction deleted.
func (s *Store) DeleteTransaction(ctx context.Context, id int64, guard materials.WriteGuard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := committed(ctx, tx, id, guard.Version, materials.StatusDeleted)
		if err != nil {
			return err
		}
		touched, _ := current.Scopes()
		if err := guardScopes(ctx, tx, guard, touched); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE material_transactions SET status = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			string(materials.StatusDeleted), formatTime(time.Now().UTC()), id)
		return err
	})
}

// SavePurchaseOrder upserts a purchase order and bumps its scope.
func (s *Store) SavePurchaseOrder(ctx context.Context, po materials.PurchaseOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]materials.PurchaseOrderLine, len(po.Lines))
	for i, l := range po.Lines {
		l.PurchaseOrderID = po.ID
		l.TotalReceivedQty = decimal.Zero
		lines[i] = l
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO purchase_orders (id, supplier_id, lines) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET supplier_id = excluded.supplier_id, lines = excluded.lines`,
			string(po.ID), po.SupplierID, string(raw)); err != nil {
			return err
		}
		return guardScopes(ctx, tx, materials.WriteGuard{}, []string{materials.PurchaseOrderScope(po.ID)})
	})
}

// GetPurchaseOrder loads a purchase order with its ordered lines.
func (s *Store) GetPurchaseOrder(ctx context.Context, id materials.PurchaseOrderID) (materials.PurchaseOrder, error) {
	var (
		supplier string
		raw      string
	)
	err := s.db.QueryRowContext(ctx, `SELECT supplier_id, lines FROM purchase_orders WHERE id = ?`, string(id)).Scan(&supplier, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return materials.PurchaseOrder{}, fmt.Errorf("%w: purchase order %s", materials.ErrNotFound, id)
	}
	if err != nil {
		return materials.PurchaseOrder{}, err
	}
	po := materials.PurchaseOrder{ID: id, SupplierID: supplier}
	if err := json.Unmarshal([]byte(raw), &po.Lines); err != nil {
		return materials.PurchaseOrder{}, err
	}
	return po, nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getTransaction(ctx context.Context, q queryer, id int64) (materials.Transaction, error) {
	tx, err := scanTransaction(q.QueryRowContext(ctx, selectTransaction+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return materials.Transaction{}, fmt.Errorf("%w: transaction %d", materials.ErrNotFound, id)
	}
	return tx, err
}

// committed loads a committed transaction and checks the expected version.
func committed(ctx context.Context, q queryer, id, version int64, next materials.Status) (materials.Transaction, error) {
	current, err := getTransaction(ctx, q, id)
	if err != nil {
		return materials.Transaction{}, err
	}
	if current.Status != materials.StatusCommitted {
		return materials.Transaction{}, &materials.TransitionError{From: current.Status, To: next}
	}
	if version != 0 && current.Version != version {
		return materials.Transaction{}, &materials.ConflictError{Scope: fmt.Sprintf("transaction:%d", id), Expected: version, Actual: current.Version}
	}
	return current, nil
}

func scopeRevisions(ctx context.Context, q queryer, scopes []string) (map[string]int64, error) {
	out := make(map[string]int64, len(scopes))
	for _, scope := range scopes {
		var rev int64
		err := q.QueryRowContext(ctx, `SELECT revision FROM ledger_scopes WHERE scope = ?`, scope).Scan(&rev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		out[scope] = rev
	}
	return out, nil
}

// guardScopes compares the guarded revisions and bumps every touched scope.
// Callers hold the store mutex.
func guardScopes(ctx context.Context, tx *sql.Tx, guard materials.WriteGuard, touched []string) error {
	guarded := make([]string, 0, len(guard.Scopes))
	for scope := range guard.Scopes {
		guarded = append(guarded, scope)
	}
	current, err := scopeRevisions(ctx, tx, materials.MergeScopes(guarded))
	if err != nil {
		return err
	}
	for _, scope := range materials.MergeScopes(guarded) {
		if expected := guard.Scopes[scope]; current[scope] != expected {
			return &materials.ConflictError{Scope: scope, Expected: expected, Actual: current[scope]}
		}
	}
	for _, scope := range materials.MergeScopes(touched) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_scopes (scope, revision) VALUES (?, 1)
			ON CONFLICT (scope) DO UPDATE SET revision = revision + 1`, scope); err != nil {
			return err
		}
	}
	return nil
}

func encode(t materials.Transaction) (header, items, charges string, err error) {
	h, err := json.Marshal(t.Header)
	if err != nil {
		return "", "", "", err
	}
	lines := t.Items
	if lines == nil {
		lines = []materials.LedgerEntry{}
	}
	i, err := json.Marshal(lines)
	if err != nil {
		return "", "", "", err
	}
	cs := t.Charges
	if cs == nil {
		cs = []materials.ChargeLine{}
	}
	c, err := json.Marshal(cs)
	if err != nil {
		return "", "", "", err
	}
	return string(h), string(i), string(c), nil
}

func scanTransaction(row scanner) (materials.Transaction, error) {
	var (
		t                               materials.Transaction
		refDate, mt, header, items, chg string
		status, createdAt, updatedAt    string
	)
	if err := row.Scan(&t.ID, &t.ReferenceNumber, &refDate, &mt, &header, &items, &chg,
		&t.Remarks, &status, &t.Version, &t.CreatedBy, &createdAt, &updatedAt); err != nil {
		return materials.Transaction{}, err
	}
	h, err := materials.DecodeHeader(materials.MovementType(mt), json.RawMessage(header))
	if err != nil {
		return materials.Transaction{}, err
	}
	t.Header = h
	t.Status = materials.Status(status)
	if err := json.Unmarshal([]byte(items), &t.Items); err != nil {
		return materials.Transaction{}, err
	}
	if err := json.Unmarshal([]byte(chg), &t.Charges); err != nil {
		return materials.Transaction{}, err
	}
	if t.ReferenceDate, err = parseTime(refDate); err != nil {
		return materials.Transaction{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return materials.Transaction{}, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return materials.Transaction{}, err
	}
	if len(t.Charges) == 0 {
		t.Charges = nil
	}
	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
