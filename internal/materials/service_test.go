package materials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitestock/sitestock/internal/shared"
)

type serviceFixture struct {
	store       *memoryStore
	svc         *Service
	audit       *recordingAudit
	integration *recordingIntegration
	redis       *miniredis.Miniredis
	registry    *prometheus.Registry
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &serviceFixture{
		store:       newMemoryStore(),
		audit:       &recordingAudit{},
		integration: &recordingIntegration{},
		redis:       mr,
		registry:    prometheus.NewRegistry(),
	}
	f.svc = NewService(
		f.store,
		f.audit,
		shared.NewIdempotencyStore(client, time.Hour),
		NewStockCache(client, time.Minute, nil),
		f.integration,
		ServiceConfig{AggregateWorkers: 2, Metrics: NewMetrics(f.registry)},
	)
	require.NoError(t, f.svc.SavePurchaseOrder(context.Background(), PurchaseOrder{
		ID:         "PO-1",
		SupplierID: "SUP-1",
		Lines: []PurchaseOrderLine{
			{ItemID: "CEM", ItemName: "Cement", Unit: "bag", OrderedQty: dec("100"), Rate: dec("380")},
			{ItemID: "STEEL", ItemName: "Steel", Unit: "kg", OrderedQty: dec("50"), Rate: dec("60")},
		},
	}))
	return f
}

func (f *serviceFixture) submit(t *testing.T, tx Transaction) Transaction {
	t.Helper()
	saved, err := f.svc.Submit(context.Background(), SubmitInput{Transaction: tx, ActorID: 7})
	require.NoError(t, err)
	return saved
}

func (f *serviceFixture) net(t *testing.T, loc LocationID, item ItemID) string {
	t.Helper()
	views, err := f.svc.StockViews(context.Background(), []StockKey{{LocationID: loc, ItemID: item}})
	require.NoError(t, err)
	require.Len(t, views, 1)
	return views[0].NetStock().String()
}

// counter returns the value of the series of name carrying label value lv.
func (f *serviceFixture) counter(t *testing.T, name, lv string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == lv {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestSubmitReceiptConsumesPOBalance(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.submit(t, receipt("PO-1", "SITE-A", line("CEM", "60")))

	saved := f.submit(t, receipt("PO-1", "SITE-A", line("CEM", "40")))
	assert.Equal(t, StatusCommitted, saved.Status)
	assert.Equal(t, int64(1), saved.Version)
	assert.Equal(t, "GRN-000002", saved.ReferenceNumber)
	require.Len(t, saved.Items, 1)
	assert.True(t, saved.Items[0].OrderedQty.Equal(dec("100")))
	assert.True(t, saved.Items[0].ReceivedBefore.Equal(dec("60")))
	assert.True(t, saved.Items[0].BalanceQty().Equal(dec("40")))

	lines, err := f.svc.PurchaseOrderBalances(ctx, "PO-1")
	require.NoError(t, err)
	assert.True(t, lines[0].BalanceQty().IsZero())

	_, err = f.svc.Submit(ctx, SubmitInput{Transaction: receipt("PO-1", "SITE-A", line("CEM", "1"))})
	var over *OverReceiptError
	require.True(t, errors.As(err, &over))
	assert.True(t, over.Allowed.IsZero())
	assert.Equal(t, 1.0, f.counter(t, "sitestock_material_rejections_total", "over_receipt"))
}

func TestSubmitOverReceiptReportsAllowed(t *testing.T) {
	f := newServiceFixture(t)
	f.submit(t, receipt("PO-1", "SITE-A", line("CEM", "60")))

	_, err := f.svc.Submit(context.Background(), SubmitInput{Transaction: receipt("PO-1", "SITE-A", line("CEM", "41"))})
	var over *OverReceiptError
	require.True(t, errors.As(err, &over))
	assert.True(t, over.Allowed.Equal(dec("40")))
	assert.True(t, over.Attempted.Equal(dec("41")))
}

func TestSubmitOpeningBalanceNeedsNoPO(t *testing.T) {
	f := newServiceFixture(t)
	saved := f.submit(t, openingBalance("SITE-A", line("CEM", "500")))
	assert.True(t, saved.Items[0].OrderedQty.IsZero())
	assert.Equal(t, "500", f.net(t, "SITE-A", "CEM"))
}

func TestSubmitReceiptAgainstUnknownPO(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Submit(context.Background(), SubmitInput{Transaction: receipt("PO-404", "SITE-A", line("CEM", "1"))})
	var header *InvalidHeaderError
	require.True(t, errors.As(err, &header))
	assert.Equal(t, "purchase_order_id", header.Field)
}

func TestIssueDrawsDownStock(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.submit(t, openingBalance("X", line("CEM", "200")))

	_, err := f.svc.Submit(ctx, SubmitInput{Transaction: issue("X", line("CEM", "250"))})
	var short *InsufficientStockError
	require.True(t, errors.As(err, &short))
	assert.True(t, short.Available.Equal(dec("200")))

	f.submit(t, issue("X", line("CEM", "200")))
	assert.Equal(t, "0", f.net(t, "X", "CEM"))
}

func TestTransferMovesStockBetweenLocations(t *testing.T) {
	f := newServiceFixture(t)
	f.submit(t, openingBalance("YARD", line("CEM", "300")))
	assert.Equal(t, "300", f.net(t, "YARD", "CEM"))

	f.submit(t, transfer("YARD", "SITE-A", line("CEM", "120")))
	assert.Equal(t, "180", f.net(t, "YARD", "CEM"))
	assert.Equal(t, "120", f.net(t, "SITE-A", "CEM"))

	items, err := f.svc.LocationInventory(context.Background(), "SITE-A")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].StockQty.Equal(dec("120")))
}

func TestDeleteReceiptReducesStock(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.submit(t, openingBalance("Y", line("CEM", "10")))
	saved := f.submit(t, receipt("PO-1", "Y", line("CEM", "50")))
	assert.Equal(t, "60", f.net(t, "Y", "CEM"))

	require.NoError(t, f.svc.Delete(ctx, saved.ID, saved.Version, 7))
	assert.Equal(t, "10", f.net(t, "Y", "CEM"))

	deleted, err := f.svc.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, deleted.Status)

	lines, err := f.svc.PurchaseOrderBalances(ctx, "PO-1")
	require.NoError(t, err)
	assert.True(t, lines[0].BalanceQty().Equal(dec("100")))

	err = f.svc.Delete(ctx, saved.ID, 0, 7)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, f.audit.actions, "materials.transaction.deleted")
}

func TestUpdateExcludesOwnPreviousVersion(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	saved := f.submit(t, receipt("PO-1", "SITE-A", line("CEM", "90")))

	// 100 ordered: raising 90 to 100 is fine only if the old 90 is not counted.
	updated, err := f.svc.Update(ctx, saved.ID, UpdateInput{Transaction: receipt("PO-1", "SITE-A", line("CEM", "100")), Version: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, saved.ReferenceNumber, updated.ReferenceNumber)
	assert.True(t, updated.Items[0].ReceivedBefore.IsZero())
	assert.Equal(t, "100", f.net(t, "SITE-A", "CEM"))

	_, err = f.svc.Update(ctx, saved.ID, UpdateInput{Transaction: receipt("PO-1", "SITE-A", line("CEM", "101"))})
	require.ErrorIs(t, err, ErrOverReceipt)
}

func TestUpdateIssueExcludesOwnDrawdown(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.submit(t, openingBalance("X", line("CEM", "100")))
	saved := f.submit(t, issue("X", line("CEM", "80")))

	_, err := f.svc.Update(ctx, saved.ID, UpdateInput{Transaction: issue("X", line("CEM", "100"))})
	require.NoError(t, err)
	assert.Equal(t, "0", f.net(t, "X", "CEM"))
}

func TestUpdateRejectsStaleVersion(t *testing.T) {
	f := newServiceFixture(t)
	saved := f.submit(t, openingBalance("X", line("CEM", "10")))
	_, err := f.svc.Update(context.Background(), saved.ID, UpdateInput{Transaction: openingBalance("X", line("CEM", "12")), Version: 5})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, transactionScope(saved.ID), conflict.Scope)
}

func TestUpdateCannotChangeMovementType(t *testing.T) {
	f := newServiceFixture(t)
	f.submit(t, openingBalance("X", line("CEM", "10")))
	saved := f.submit(t, issue("X", line("CEM", "1")))
	_, err := f.svc.Update(context.Background(), saved.ID, UpdateInput{Transaction: returnTo("X", line("CEM", "1"))})
	require.ErrorIs(t, err, ErrImmutableMovementType)
}

func TestConcurrentIssueLosesRace(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.submit(t, openingBalance("X", line("CEM", "100")))

	// A competing issue commits between validation and write.
	f.store.beforeWrite = func() {
		_, err := f.store.SubmitTransaction(ctx, committedTx(0, day, issue("X", line("CEM", "80"))), WriteGuard{})
		require.NoError(t, err)
	}
	_, err := f.svc.Submit(ctx, SubmitInput{Transaction: issue("X", line("CEM", "80"))})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "loc:X", conflict.Scope)
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, "20", f.net(t, "X", "CEM"))
}

func TestIdempotentSubmit(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	key := uuid.NewString()

	_, err := f.svc.Submit(ctx, SubmitInput{Transaction: openingBalance("X", line("CEM", "10")), IdempotencyKey: key})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, SubmitInput{Transaction: openingBalance("X", line("CEM", "10")), IdempotencyKey: key})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	assert.Equal(t, "10", f.net(t, "X", "CEM"))
}

func TestRejectedSubmitReleasesIdempotencyKey(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	key := uuid.NewString()

	_, err := f.svc.Submit(ctx, SubmitInput{Transaction: issue("X", line("CEM", "5")), IdempotencyKey: key})
	require.ErrorIs(t, err, ErrInsufficientStock)

	f.submit(t, openingBalance("X", line("CEM", "5")))
	_, err = f.svc.Submit(ctx, SubmitInput{Transaction: issue("X", line("CEM", "5")), IdempotencyKey: key})
	require.NoError(t, err)
}

func TestDataUnavailableIsNotAValidationFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.store.fetchErr = errBackendDown
	_, err := f.svc.Submit(context.Background(), SubmitInput{Transaction: issue("X", line("CEM", "5"))})
	require.ErrorIs(t, err, ErrDataUnavailable)
	require.ErrorIs(t, err, errBackendDown)
	assert.False(t, IsValidationError(err))
}

func TestValidateIsDryRun(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.submit(t, receipt("PO-1", "SITE-A", line("CEM", "30")))

	item := line("CEM", "20")
	item.Unit = ""
	item.ItemName = ""
	checked, err := f.svc.Validate(ctx, receipt("PO-1", "SITE-A", item))
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, checked.Status)
	assert.Equal(t, "bag", checked.Items[0].Unit)
	assert.Equal(t, "Cement", checked.Items[0].ItemName)
	assert.True(t, checked.Items[0].ReceivedBefore.Equal(dec("30")))

	list, err := f.svc.List(ctx, TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWritesNotifyIntegrationAndInvalidateCache(t *testing.T) {
	f := newServiceFixture(t)
	f.submit(t, openingBalance("YARD", line("CEM", "300")))
	assert.Equal(t, "300", f.net(t, "YARD", "CEM"))

	saved := f.submit(t, transfer("YARD", "SITE-A", line("CEM", "50")))
	assert.Equal(t, "250", f.net(t, "YARD", "CEM"))

	require.Len(t, f.integration.events, 2)
	evt := f.integration.events[1]
	assert.Equal(t, saved.ID, evt.TransactionID)
	assert.Equal(t, ChangeCommitted, evt.Reason)
	assert.ElementsMatch(t, []StockKey{{LocationID: "YARD", ItemID: "CEM"}, {LocationID: "SITE-A", ItemID: "CEM"}}, evt.Keys)

	ver, err := f.redis.Get(versionKey("YARD"))
	require.NoError(t, err)
	assert.Equal(t, "2", ver)
}

func TestIntegrationFailureDoesNotFailWrite(t *testing.T) {
	f := newServiceFixture(t)
	f.integration.err = errors.New("queue down")
	saved := f.submit(t, openingBalance("X", line("CEM", "1")))
	assert.Equal(t, StatusCommitted, saved.Status)
}

func TestReconcileDropsDriftedViews(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.submit(t, openingBalance("X", line("CEM", "10")))
	require.NoError(t, f.svc.RefreshStock(ctx, []StockKey{{LocationID: "X", ItemID: "CEM"}}))

	k := StockKey{LocationID: "X", ItemID: "CEM"}
	require.NoError(t, f.svc.cache.Put(ctx, LocationStockView{LocationID: "X", ItemID: "CEM", TotalIn: dec("999")}))

	report, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, []StockKey{k}, report.Drifted)
	assert.Equal(t, "10", f.net(t, "X", "CEM"))
}

func TestSettlementOnlyForReceipts(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	tx := receipt("PO-1", "SITE-A", LedgerEntry{ItemID: "CEM", Unit: "bag", Quantity: dec("50"), Rate: dec("10")})
	tx.Charges = []ChargeLine{
		NewChargeLine(ChargeFreight, "", dec("100")),
		NewChargeLine(ChargeDiscount, "", dec("30")),
		NewChargeLine(ChargeLoading, "", dec("20")),
	}
	saved := f.submit(t, tx)
	s, err := f.svc.Settlement(ctx, saved.ID)
	require.NoError(t, err)
	assert.True(t, s.NetPayable.Equal(dec("590")))

	f.submit(t, openingBalance("X", line("CEM", "1")))
	is := f.submit(t, issue("X", line("CEM", "1")))
	_, err = f.svc.Settlement(ctx, is.ID)
	require.ErrorIs(t, err, ErrSettlementNotSupported)
}

func TestSavePurchaseOrderRejectsDuplicates(t *testing.T) {
	f := newServiceFixture(t)
	err := f.svc.SavePurchaseOrder(context.Background(), PurchaseOrder{
		ID: "PO-2",
		Lines: []PurchaseOrderLine{
			{ItemID: "CEM", OrderedQty: dec("1")},
			{ItemID: "CEM", OrderedQty: dec("2")},
		},
	})
	require.ErrorIs(t, err, ErrInvalidPurchaseOrder)
}

func TestRefreshStockDoesNotMaskConcurrentWrite(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	k := StockKey{LocationID: "YARD", ItemID: "CEM"}
	f.submit(t, openingBalance("YARD", line("CEM", "100")))

	// The issue commits after the refresh took its ledger snapshot.
	f.store.afterFetch = func() {
		f.submit(t, issue("YARD", line("CEM", "40")))
	}
	require.NoError(t, f.svc.RefreshStock(ctx, []StockKey{k}))

	ledger, err := f.svc.Recompute(ctx, []StockKey{k})
	require.NoError(t, err)
	assert.Equal(t, "60", ledger[k].NetStock().String())
	assert.Equal(t, "60", f.net(t, "YARD", "CEM"))
}

func TestRefreshStockWithoutKeysIsNoop(t *testing.T) {
	f := newServiceFixture(t)
	f.store.fetchErr = errBackendDown
	assert.NoError(t, f.svc.RefreshStock(context.Background(), nil))
}

func TestSubmitIdempotencyBackendDown(t *testing.T) {
	f := newServiceFixture(t)
	f.redis.SetError("ERR server unavailable")

	_, err := f.svc.Submit(context.Background(), SubmitInput{
		Transaction:    openingBalance("X", line("CEM", "5")),
		IdempotencyKey: uuid.NewString(),
	})
	require.ErrorIs(t, err, ErrDataUnavailable)
	var unavailable *DataUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "idempotency", unavailable.Resource)
	assert.Empty(t, f.store.txs)
}
