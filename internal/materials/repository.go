package materials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sitestock/sitestock/internal/platform/db"
)

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

var _ Store = (*Repository)(nil)

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS purchase_orders (
	id          TEXT PRIMARY KEY,
	supplier_id TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS purchase_order_lines (
	purchase_order_id TEXT NOT NULL REFERENCES purchase_orders(id) ON DELETE CASCADE,
	line_no           INT NOT NULL,
	item_id           TEXT NOT NULL,
	item_name         TEXT NOT NULL DEFAULT '',
	unit              TEXT NOT NULL DEFAULT '',
	ordered_qty       NUMERIC(20,4) NOT NULL,
	rate              NUMERIC(20,4) NOT NULL DEFAULT 0,
	PRIMARY KEY (purchase_order_id, item_id)
);
CREATE TABLE IF NOT EXISTS material_transactions (
	id                    BIGSERIAL PRIMARY KEY,
	reference_number      TEXT UNIQUE,
	reference_date        TIMESTAMPTZ NOT NULL,
	movement_type         TEXT NOT NULL,
	header                JSONB NOT NULL,
	source_location_id    TEXT,
	receiving_location_id TEXT,
	purchase_order_id     TEXT,
	is_opening_balance    BOOLEAN NOT NULL DEFAULT FALSE,
	remarks               TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL,
	version               BIGINT NOT NULL DEFAULT 1,
	created_by            BIGINT NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS material_transactions_source_idx ON material_transactions (source_location_id) WHERE status = 'COMMITTED';
CREATE INDEX IF NOT EXISTS material_transactions_receiving_idx ON material_transactions (receiving_location_id) WHERE status = 'COMMITTED';
CREATE INDEX IF NOT EXISTS material_transactions_po_idx ON material_transactions (purchase_order_id) WHERE status = 'COMMITTED';
CREATE TABLE IF NOT EXISTS material_transaction_lines (
	transaction_id  BIGINT NOT NULL REFERENCES material_transactions(id) ON DELETE CASCADE,
	line_no         INT NOT NULL,
	item_id         TEXT NOT NULL,
	item_name       TEXT NOT NULL DEFAULT '',
	unit            TEXT NOT NULL DEFAULT '',
	ordered_qty     NUMERIC(20,4) NOT NULL DEFAULT 0,
	received_before NUMERIC(20,4) NOT NULL DEFAULT 0,
	quantity        NUMERIC(20,4) NOT NULL,
	rate            NUMERIC(20,4) NOT NULL DEFAULT 0,
	PRIMARY KEY (transaction_id, line_no)
);
CREATE INDEX IF NOT EXISTS material_transaction_lines_item_idx ON material_transaction_lines (item_id);
CREATE TABLE IF NOT EXISTS material_transaction_charges (
	transaction_id BIGINT NOT NULL REFERENCES material_transactions(id) ON DELETE CASCADE,
	line_no        INT NOT NULL,
	charge_type    TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	amount         NUMERIC(20,4) NOT NULL,
	PRIMARY KEY (transaction_id, line_no)
);
CREATE TABLE IF NOT EXISTS material_ledger_scopes (
	scope    TEXT PRIMARY KEY,
	revision BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS audit_logs (
	id          UUID PRIMARY KEY,
	actor_id    BIGINT NOT NULL DEFAULT 0,
	action      TEXT NOT NULL,
	entity      TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	meta        JSONB,
	occurred_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the ledger tables when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, pgSchema)
	return err
}

// FetchPurchaseOrderLines returns the PO's lines with received totals summed
// from committed, PO-backed receipts.
func (r *Repository) FetchPurchaseOrderLines(ctx context.Context, poID PurchaseOrderID) ([]PurchaseOrderLine, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM purchase_orders WHERE id = $1)`, string(poID)).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: purchase order %s", ErrNotFound, poID)
	}
	rows, err := r.pool.Query(ctx, `
SELECT l.item_id, l.item_name, l.unit, l.ordered_qty::text, l.rate::text,
       COALESCE((
           SELECT SUM(ml.quantity)
           FROM material_transaction_lines ml
           JOIN material_transactions mt ON mt.id = ml.transaction_id
           WHERE mt.status = 'COMMITTED'
             AND mt.movement_type = 'RECEIPT'
             AND NOT mt.is_opening_balance
             AND mt.purchase_order_id = l.purchase_order_id
             AND ml.item_id = l.item_id
       ), 0)::text
FROM purchase_order_lines l
WHERE l.purchase_order_id = $1
ORDER BY l.line_no`, string(poID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []PurchaseOrderLine
	for rows.Next() {
		var l PurchaseOrderLine
		var ordered, rate, received string
		if err := rows.Scan(&l.ItemID, &l.ItemName, &l.Unit, &ordered, &rate, &received); err != nil {
			return nil, err
		}
		l.PurchaseOrderID = poID
		if l.OrderedQty, err = decimal.NewFromString(ordered); err != nil {
			return nil, err
		}
		if l.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, err
		}
		if l.TotalReceivedQty, err = decimal.NewFromString(received); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// FetchLocationInventory replays the location's committed movements.
func (r *Repository) FetchLocationInventory(ctx context.Context, locationID LocationID) ([]StockItem, error) {
	txs, err := r.FetchTransactions(ctx, TransactionFilter{LocationID: locationID})
	if err != nil {
		return nil, err
	}
	return LocationInventory(txs, locationID), nil
}

const selectTransaction = `
SELECT id, COALESCE(reference_number, ''), reference_date, movement_type, header, remarks,
       status, version, created_by, created_at, updated_at
FROM material_transactions`

// FetchTransactions lists committed transactions ordered by reference date.
func (r *Repository) FetchTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	where := []string{"status = 'COMMITTED'"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.LocationID != "" {
		p := arg(string(filter.LocationID))
		where = append(where, fmt.Sprintf("(source_location_id = %s OR receiving_location_id = %s)", p, p))
	}
	if filter.PurchaseOrderID != "" {
		where = append(where, "purchase_order_id = "+arg(string(filter.PurchaseOrderID)))
	}
	if filter.MovementType != "" {
		where = append(where, "movement_type = "+arg(string(filter.MovementType)))
	}
	if filter.ItemID != "" {
		where = append(where, "EXISTS (SELECT 1 FROM material_transaction_lines l WHERE l.transaction_id = material_transactions.id AND l.item_id = "+arg(string(filter.ItemID))+")")
	}
	if !filter.From.IsZero() {
		where = append(where, "reference_date >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "reference_date <= "+arg(filter.To))
	}
	query := selectTransaction + " WHERE " + strings.Join(where, " AND ") + " ORDER BY reference_date, id"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}
	return r.queryTransactions(ctx, r.pool, query, args...)
}

// GetTransaction loads one transaction, deleted ones included.
func (r *Repository) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	txs, err := r.queryTransactions(ctx, r.pool, selectTransaction+" WHERE id = $1", id)
	if err != nil {
		return Transaction{}, err
	}
	if len(txs) == 0 {
		return Transaction{}, fmt.Errorf("%w: transaction %d", ErrNotFound, id)
	}
	return txs[0], nil
}

// ScopeRevisions returns the current revision of each scope; unknown scopes
// are at revision 0.
func (r *Repository) ScopeRevisions(ctx context.Context, scopes []string) (map[string]int64, error) {
	out := make(map[string]int64, len(scopes))
	for _, s := range scopes {
		out[s] = 0
	}
	rows, err := r.pool.Query(ctx, `SELECT scope, revision FROM material_ledger_scopes WHERE scope = ANY($1)`, scopes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			scope string
			rev   int64
		)
		if err := rows.Scan(&scope, &rev); err != nil {
			return nil, err
		}
		out[scope] = rev
	}
	return out, rows.Err()
}

// SubmitTransaction inserts tx, assigning id, reference number and version 1.
func (r *Repository) SubmitTransaction(ctx context.Context, t Transaction, guard WriteGuard) (Transaction, error) {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt, t.Version, t.Status = now, now, 1, StatusCommitted
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		touched, _ := t.Scopes()
		if err := guardScopes(ctx, tx, guard, touched); err != nil {
			return err
		}
		header, err := json.Marshal(t.Header)
		if err != nil {
			return err
		}
		src, _ := t.SourceLocation()
		dst, _ := t.ReceivingLocation()
		err = tx.QueryRow(ctx, `
INSERT INTO material_transactions
	(reference_date, movement_type, header, source_location_id, receiving_location_id,
	 purchase_order_id, is_opening_balance, remarks, status, version, created_by, created_at, updated_at)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $12)
RETURNING id`,
			t.ReferenceDate, string(t.MovementType()), header, string(src), string(dst),
			string(t.PurchaseOrderID()), t.IsOpeningBalance(), t.Remarks, string(t.Status), t.Version, t.CreatedBy, now,
		).Scan(&t.ID)
		if err != nil {
			return err
		}
		t.ReferenceNumber = ReferenceNumber(t.MovementType(), t.ID)
		if _, err := tx.Exec(ctx, `UPDATE material_transactions SET reference_number = $1 WHERE id = $2`, t.ReferenceNumber, t.ID); err != nil {
			return err
		}
		return insertLines(ctx, tx, t)
	})
	if err != nil {
		return Transaction{}, mapWriteError(err)
	}
	return t, nil
}

// UpdateTransaction replaces a committed transaction's content and bumps its
// version.
func (r *Repository) UpdateTransaction(ctx context.Context, id int64, t Transaction, guard WriteGuard) (Transaction, error) {
	now := time.Now().UTC()
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := lockTransaction(ctx, tx, id, guard.Version)
		if err != nil {
			return err
		}
		if current.MovementType() != t.MovementType() {
			return ErrImmutableMovementType
		}
		oldTouched, _ := current.Scopes()
		newTouched, _ := t.Scopes()
		if err := guardScopes(ctx, tx, guard, MergeScopes(oldTouched, newTouched)); err != nil {
			return err
		}
		header, err := json.Marshal(t.Header)
		if err != nil {
			return err
		}
		t.ID = id
		t.ReferenceNumber = current.ReferenceNumber
		t.CreatedBy = current.CreatedBy
		t.CreatedAt = current.CreatedAt
		t.UpdatedAt = now
		t.Version = current.Version + 1
		t.Status = StatusCommitted
		src, _ := t.SourceLocation()
		dst, _ := t.ReceivingLocation()
		if _, err := tx.Exec(ctx, `
UPDATE material_transactions SET
	reference_date = $2, header = $3, source_location_id = NULLIF($4, ''), receiving_location_id = NULLIF($5, ''),
	purchase_order_id = NULLIF($6, ''), is_opening_balance = $7, remarks = $8, version = $9, updated_at = $10
WHERE id = $1`,
			id, t.ReferenceDate, header, string(src), string(dst), string(t.PurchaseOrderID()), t.IsOpeningBalance(), t.Remarks, t.Version, now,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM material_transaction_lines WHERE transaction_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM material_transaction_charges WHERE transaction_id = $1`, id); err != nil {
			return err
		}
		return insertLines(ctx, tx, t)
	})
	if err != nil {
		return Transaction{}, mapWriteError(err)
	}
	return t, nil
}

// DeleteTransaction marks a committed transaction deleted so it leaves every
// replay.
func (r *Repository) DeleteTransaction(ctx context.Context, id int64, guard WriteGuard) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := lockTransaction(ctx, tx, id, guard.Version)
		if err != nil {
			return err
		}
		touched, _ := current.Scopes()
		if err := guardScopes(ctx, tx, guard, touched); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE material_transactions SET status = $2, version = version + 1, updated_at = $3 WHERE id = $1`,
			id, string(StatusDeleted), time.Now().UTC())
		return err
	})
	return mapWriteError(err)
}

// SavePurchaseOrder upserts a purchase order and its lines. The PO scope is
// bumped because ordered quantities bound receipts.
func (r *Repository) SavePurchaseOrder(ctx context.Context, po PurchaseOrder) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO purchase_orders (id, supplier_id, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (id) DO UPDATE SET supplier_id = EXCLUDED.supplier_id, updated_at = NOW()`,
			string(po.ID), po.SupplierID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM purchase_order_lines WHERE purchase_order_id = $1`, string(po.ID)); err != nil {
			return err
		}
		for i, l := range po.Lines {
			if _, err := tx.Exec(ctx, `
INSERT INTO purchase_order_lines (purchase_order_id, line_no, item_id, item_name, unit, ordered_qty, rate)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric)`,
				string(po.ID), i+1, string(l.ItemID), l.ItemName, l.Unit, l.OrderedQty.String(), l.Rate.String()); err != nil {
				return err
			}
		}
		return guardScopes(ctx, tx, WriteGuard{}, []string{PurchaseOrderScope(po.ID)})
	})
}

// GetPurchaseOrder loads a purchase order with its ordered lines.
func (r *Repository) GetPurchaseOrder(ctx context.Context, id PurchaseOrderID) (PurchaseOrder, error) {
	po := PurchaseOrder{ID: id}
	err := r.pool.QueryRow(ctx, `SELECT supplier_id FROM purchase_orders WHERE id = $1`, string(id)).Scan(&po.SupplierID)
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, fmt.Errorf("%w: purchase order %s", ErrNotFound, id)
	}
	if err != nil {
		return PurchaseOrder{}, err
	}
	lines, err := r.FetchPurchaseOrderLines(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	for i := range lines {
		lines[i].TotalReceivedQty = decimal.Zero
	}
	po.Lines = lines
	return po, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *Repository) queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]Transaction, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var (
		txs   []Transaction
		index = map[int64]int{}
	)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[t.ID] = len(txs)
		txs = append(txs, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(txs))
	for id := range index {
		ids = append(ids, id)
	}
	if err := loadLines(ctx, q, ids, txs, index); err != nil {
		return nil, err
	}
	if err := loadCharges(ctx, q, ids, txs, index); err != nil {
		return nil, err
	}
	return txs, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t      Transaction
		mt     string
		header []byte
		status string
	)
	if err := row.Scan(&t.ID, &t.ReferenceNumber, &t.ReferenceDate, &mt, &header, &t.Remarks,
		&status, &t.Version, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	h, err := DecodeHeader(MovementType(mt), header)
	if err != nil {
		return Transaction{}, err
	}
	t.Header = h
	t.Status = Status(status)
	return t, nil
}

func loadLines(ctx context.Context, q querier, ids []int64, txs []Transaction, index map[int64]int) error {
	rows, err := q.Query(ctx, `
SELECT transaction_id, item_id, item_name, unit, ordered_qty::text, received_before::text, quantity::text, rate::text
FROM material_transaction_lines WHERE transaction_id = ANY($1) ORDER BY transaction_id, line_no`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var txID int64
		var e LedgerEntry
		var ordered, before, quantity, rateText string
		if err := rows.Scan(&txID, &e.ItemID, &e.ItemName, &e.Unit, &ordered, &before, &quantity, &rateText); err != nil {
			return err
		}
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{{&e.OrderedQty, ordered}, {&e.ReceivedBefore, before}, {&e.Quantity, quantity}, {&e.Rate, rateText}} {
			if *f.dst, err = decimal.NewFromString(f.src); err != nil {
				return err
			}
		}
		i := index[txID]
		txs[i].Items = append(txs[i].Items, e)
	}
	return rows.Err()
}

func loadCharges(ctx context.Context, q querier, ids []int64, txs []Transaction, index map[int64]int) error {
	rows, err := q.Query(ctx, `
SELECT transaction_id, charge_type, description, amount::text
FROM material_transaction_charges WHERE transaction_id = ANY($1) ORDER BY transaction_id, line_no`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var txID int64
		var chargeType, desc, amountTxt string
		if err := rows.Scan(&txID, &chargeType, &desc, &amountTxt); err != nil {
			return err
		}
		amount, err := decimal.NewFromString(amountTxt)
		if err != nil {
			return err
		}
		i := index[txID]
		txs[i].Charges = append(txs[i].Charges, NewChargeLine(chargeType, desc, amount))
	}
	return rows.Err()
}

func insertLines(ctx context.Context, tx pgx.Tx, t Transaction) error {
	for i, e := range t.Items {
		if _, err := tx.Exec(ctx, `
INSERT INTO material_transaction_lines
	(transaction_id, line_no, item_id, item_name, unit, ordered_qty, received_before, quantity, rate)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric)`,
			t.ID, i+1, string(e.ItemID), e.ItemName, e.Unit,
			e.OrderedQty.String(), e.ReceivedBefore.String(), e.Quantity.String(), e.Rate.String()); err != nil {
			return err
		}
	}
	for i, c := range t.Charges {
		if _, err := tx.Exec(ctx, `
INSERT INTO material_transaction_charges (transaction_id, line_no, charge_type, description, amount)
VALUES ($1, $2, $3, $4, $5::numeric)`,
			t.ID, i+1, c.Type(), c.Description, c.Amount().String()); err != nil {
			return err
		}
	}
	return nil
}

// lockTransaction row-locks a committed transaction and checks its version.
func lockTransaction(ctx context.Context, tx pgx.Tx, id, version int64) (Transaction, error) {
	row := tx.QueryRow(ctx, selectTransaction+" WHERE id = $1 FOR UPDATE", id)
	current, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("%w: transaction %d", ErrNotFound, id)
	}
	if err != nil {
		return Transaction{}, err
	}
	if current.Status != StatusCommitted {
		return Transaction{}, &TransitionError{From: current.Status, To: StatusEditing}
	}
	if version != 0 && current.Version != version {
		return Transaction{}, &ConflictError{Scope: transactionScope(id), Expected: version, Actual: current.Version}
	}
	return current, nil
}

// guardScopes locks the scope rows, compares the guarded revisions and bumps
// every touched scope.
func guardScopes(ctx context.Context, tx pgx.Tx, guard WriteGuard, touched []string) error {
	guarded := make([]string, 0, len(guard.Scopes))
	for s := range guard.Scopes {
		guarded = append(guarded, s)
	}
	all := MergeScopes(guarded, touched)
	if len(all) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO material_ledger_scopes (scope, revision)
SELECT s, 0 FROM unnest($1::text[]) AS s
ON CONFLICT (scope) DO NOTHING`, all); err != nil {
		return err
	}
	rows, err := tx.Query(ctx, `SELECT scope, revision FROM material_ledger_scopes WHERE scope = ANY($1) ORDER BY scope FOR UPDATE`, all)
	if err != nil {
		return err
	}
	current := make(map[string]int64, len(all))
	for rows.Next() {
		var (
			scope string
			rev   int64
		)
		if err := rows.Scan(&scope, &rev); err != nil {
			rows.Close()
			return err
		}
		current[scope] = rev
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, scope := range MergeScopes(guarded) {
		if expected := guard.Scopes[scope]; current[scope] != expected {
			return &ConflictError{Scope: scope, Expected: expected, Actual: current[scope]}
		}
	}
	if len(touched) == 0 {
		return nil
	}
	_, err = tx.Exec(ctx, `UPDATE material_ledger_scopes SET revision = revision + 1 WHERE scope = ANY($1)`, MergeScopes(touched))
	return err
}

// mapWriteError turns repeatable-read failures and racing scope inserts into
// conflicts.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if db.IsSerializationFailure(err) || db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", &ConflictError{Scope: "ledger"}, err)
	}
	return err
}
