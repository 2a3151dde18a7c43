package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitestock/sitestock/internal/materials"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var day = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func qty(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func receiptTx(po materials.PurchaseOrderID, loc materials.LocationID, item materials.ItemID, q string) materials.Transaction {
	tx := materials.NewDraft(materials.ReceiptHeader{ReceivingLocationID: loc, SupplierID: "SUP-1", PurchaseOrderID: po}, day)
	tx.Items = []materials.LedgerEntry{{ItemID: item, ItemName: "Cement", Unit: "bag", Quantity: qty(q), Rate: qty("380")}}
	tx.Charges = []materials.ChargeLine{materials.NewChargeLine(materials.ChargeDiscount, "early payment", qty("15"))}
	tx.Status = materials.StatusCommitted
	return tx
}

func transferTx(from, to materials.LocationID, item materials.ItemID, q string) materials.Transaction {
	tx := materials.NewDraft(materials.TransferHeader{SourceLocationID: from, ReceivingLocationID: to}, day.Add(time.Hour))
	tx.Items = []materials.LedgerEntry{{ItemID: item, Unit: "bag", Quantity: qty(q), Rate: qty("0")}}
	tx.Status = materials.StatusCommitted
	return tx
}

func seedPO(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.SavePurchaseOrder(context.Background(), materials.PurchaseOrder{
		ID:         "PO-1",
		SupplierID: "SUP-1",
		Lines: []materials.PurchaseOrderLine{
			{ItemID: "CEM", ItemName: "Cement", Unit: "bag", OrderedQty: qty("100"), Rate: qty("380")},
		},
	}))
}

func TestSubmitAssignsReferenceAndRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPO(t, s)

	saved, err := s.SubmitTransaction(ctx, receiptTx("PO-1", "SITE-A", "CEM", "12.5"), materials.WriteGuard{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.ID)
	assert.Equal(t, "GRN-000001", saved.ReferenceNumber)
	assert.Equal(t, int64(1), saved.Version)

	got, err := s.GetTransaction(ctx, saved.ID)
	require.NoError(t, err)
	h, ok := got.Receipt()
	require.True(t, ok)
	assert.Equal(t, materials.PurchaseOrderID("PO-1"), h.PurchaseOrderID)
	assert.True(t, got.ReferenceDate.Equal(day))
	require.Len(t, got.Items, 1)
	assert.True(t, got.Items[0].Quantity.Equal(qty("12.5")))
	require.Len(t, got.Charges, 1)
	assert.True(t, got.Charges[0].Amount().Equal(qty("-15")))
}

func TestPurchaseOrderBalancesReplayReceipts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPO(t, s)
	_, err := s.SubmitTransaction(ctx, receiptTx("PO-1", "SITE-A", "CEM", "60"), materials.WriteGuard{})
	require.NoError(t, err)

	lines, err := s.FetchPurchaseOrderLines(ctx, "PO-1")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, lines[0].TotalReceivedQty.Equal(qty("60")))
	assert.True(t, lines[0].BalanceQty().Equal(qty("40")))

	_, err = s.FetchPurchaseOrderLines(ctx, "PO-404")
	require.ErrorIs(t, err, materials.ErrNotFound)
}

func TestInventoryAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPO(t, s)
	_, err := s.SubmitTransaction(ctx, receiptTx("PO-1", "YARD", "CEM", "80"), materials.WriteGuard{})
	require.NoError(t, err)
	moved, err := s.SubmitTransaction(ctx, transferTx("YARD", "SITE-A", "CEM", "30"), materials.WriteGuard{})
	require.NoError(t, err)
	assert.Equal(t, "TRF-000002", moved.ReferenceNumber)

	yard, err := s.FetchLocationInventory(ctx, "YARD")
	require.NoError(t, err)
	require.Len(t, yard, 1)
	assert.True(t, yard[0].StockQty.Equal(qty("50")))

	site, err := s.FetchTransactions(ctx, materials.TransactionFilter{LocationID: "SITE-A"})
	require.NoError(t, err)
	require.Len(t, site, 1)

	all, err := s.FetchTransactions(ctx, materials.TransactionFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, moved.ID, all[0].ID)
}

func TestScopeGuardDetectsInterveningWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPO(t, s)

	revs, err := s.ScopeRevisions(ctx, []string{"po:PO-1", "loc:NEW"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), revs["po:PO-1"])
	assert.Equal(t, int64(0), revs["loc:NEW"])

	guard := materials.WriteGuard{Scopes: map[string]int64{"po:PO-1": revs["po:PO-1"]}}
	_, err = s.SubmitTransaction(ctx, receiptTx("PO-1", "SITE-A", "CEM", "10"), guard)
	require.NoError(t, err)

	_, err = s.SubmitTransaction(ctx, receiptTx("PO-1", "SITE-A", "CEM", "10"), guard)
	var conflict *materials.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "po:PO-1", conflict.Scope)
	assert.Equal(t, int64(2), conflict.Actual)
}

func TestUpdateAndDeleteCheckVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPO(t, s)
	saved, err := s.SubmitTransaction(ctx, receiptTx("PO-1", "SITE-A", "CEM", "10"), materials.WriteGuard{})
	require.NoError(t, err)

	_, err = s.UpdateTransaction(ctx, saved.ID, receiptTx("PO-1", "SITE-A", "CEM", "20"), materials.WriteGuard{Version: 9})
	var conflict *materials.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "transaction:1", conflict.Scope)

	updated, err := s.UpdateTransaction(ctx, saved.ID, receiptTx("PO-1", "SITE-B", "CEM", "20"), materials.WriteGuard{Version: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, saved.ReferenceNumber, updated.ReferenceNumber)

	revs, err := s.ScopeRevisions(ctx, []string{"loc:SITE-A", "loc:SITE-B"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), revs["loc:SITE-A"])
	assert.Equal(t, int64(1), revs["loc:SITE-B"])

	_, err = s.UpdateTransaction(ctx, saved.ID, transferTx("A", "B", "CEM", "1"), materials.WriteGuard{})
	require.ErrorIs(t, err, materials.ErrImmutableMovementType)

	require.NoError(t, s.DeleteTransaction(ctx, saved.ID, materials.WriteGuard{Version: 2}))
	got, err := s.GetTransaction(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, materials.StatusDeleted, got.Status)
	assert.Equal(t, int64(3), got.Version)

	err = s.DeleteTransaction(ctx, saved.ID, materials.WriteGuard{})
	require.ErrorIs(t, err, materials.ErrInvalidTransition)

	listed, err := s.FetchTransactions(ctx, materials.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestGetMissingTransaction(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTransaction(context.Background(), 99)
	require.ErrorIs(t, err, materials.ErrNotFound)
}
