package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sitestock/sitestock/internal/app"
	"github.com/sitestock/sitestock/internal/materials"
	"github.com/sitestock/sitestock/internal/materials/sqlite"
	"github.com/sitestock/sitestock/internal/platform/db"
)

// seed loads a small demo ledger: two sites, one purchase order and a handful
// of movements covering every movement type.
func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	svc := materials.NewService(store, nil, nil, nil, nil, materials.ServiceConfig{Logger: app.NewLogger(cfg)})

	fmt.Println("→ Seeding purchase orders...")
	if err := seedPurchaseOrders(ctx, svc); err != nil {
		log.Fatalf("seed purchase orders: %v", err)
	}

	fmt.Println("→ Seeding movements...")
	if err := seedMovements(ctx, svc); err != nil {
		log.Fatalf("seed movements: %v", err)
	}

	fmt.Println("✓ Seed complete")
}

func openStore(ctx context.Context, cfg *app.Config) (materials.Store, func(), error) {
	if cfg.StoreDriver == app.StoreDriverSQLite {
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 2})
	if err != nil {
		return nil, nil, err
	}
	repo := materials.NewRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repo, pool.Close, nil
}

func seedPurchaseOrders(ctx context.Context, svc *materials.Service) error {
	return svc.SavePurchaseOrder(ctx, materials.PurchaseOrder{
		ID:         "PO-2024-001",
		SupplierID: "SUP-BETON",
		Lines: []materials.PurchaseOrderLine{
			{ItemID: "CEM-50", ItemName: "Portland cement 50kg", Unit: "bag", OrderedQty: qty("400"), Rate: qty("6.25")},
			{ItemID: "RB-12", ItemName: "Rebar 12mm", Unit: "kg", OrderedQty: qty("2500"), Rate: qty("0.92")},
			{ItemID: "SAND", ItemName: "River sand", Unit: "m3", OrderedQty: qty("60"), Rate: qty("18")},
		},
	})
}

func seedMovements(ctx context.Context, svc *materials.Service) error {
	day := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	opening := materials.NewDraft(materials.ReceiptHeader{ReceivingLocationID: "YARD", OpeningBalance: true}, day)
	opening.Items = []materials.LedgerEntry{
		entry("CEM-50", "40", "6.10"),
		entry("RB-12", "300", "0.90"),
	}
	opening.Remarks = "stock count carried over"

	grn := materials.NewDraft(materials.ReceiptHeader{
		ReceivingLocationID: "SITE-A",
		SupplierID:          "SUP-BETON",
		PurchaseOrderID:     "PO-2024-001",
		InvoiceNumber:       "INV-88102",
		VehicleNumber:       "B 9123 KX",
	}, day.AddDate(0, 0, 1))
	grn.Items = []materials.LedgerEntry{
		entry("CEM-50", "150", "6.25"),
		entry("SAND", "20", "18"),
	}
	grn.Charges = []materials.ChargeLine{
		materials.NewChargeLine(materials.ChargeFreight, "truck hire", qty("35")),
		materials.NewChargeLine(materials.ChargeDiscount, "early payment", qty("12.50")),
	}

	trf := materials.NewDraft(materials.TransferHeader{SourceLocationID: "YARD", ReceivingLocationID: "SITE-A"}, day.AddDate(0, 0, 2))
	trf.Items = []materials.LedgerEntry{entry("RB-12", "120", "0.90")}

	iss := materials.NewDraft(materials.IssueHeader{SourceLocationID: "SITE-A", ProjectID: "TOWER-B", Floor: "L3", Event: "slab pour"}, day.AddDate(0, 0, 3))
	iss.Items = []materials.LedgerEntry{
		entry("CEM-50", "90", "6.25"),
		entry("RB-12", "100", "0.90"),
	}

	rtn := materials.NewDraft(materials.ReturnHeader{SourceLocationID: "SITE-A", SupplierID: "SUP-BETON", PurchaseOrderID: "PO-2024-001"}, day.AddDate(0, 0, 4))
	rtn.Items = []materials.LedgerEntry{entry("SAND", "2", "18")}
	rtn.Remarks = "wet load"

	for _, draft := range []materials.Transaction{opening, grn, trf, iss, rtn} {
		saved, err := svc.Submit(ctx, materials.SubmitInput{Transaction: draft})
		if err != nil {
			return fmt.Errorf("%s: %w", draft.MovementType(), err)
		}
		fmt.Printf("  %s %s\n", saved.ReferenceNumber, saved.MovementType())
	}
	return nil
}

func entry(item, quantity, rate string) materials.LedgerEntry {
	return materials.LedgerEntry{ItemID: materials.ItemID(item), Quantity: qty(quantity), Rate: qty(rate)}
}

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
