package materials

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

// Snapshot is the current state a draft is checked against. POLines is keyed
// by item for the receipt's purchase order; Stock holds the source location's
// inventory for transfers and issues.
type Snapshot struct {
	POLines map[ItemID]PurchaseOrderLine
	Stock   map[ItemID]StockItem
}

// NewSnapshot indexes fetched PO lines and inventory rows by item.
func NewSnapshot(lines []PurchaseOrderLine, stock []StockItem) Snapshot {
	snap := Snapshot{
		POLines: make(map[ItemID]PurchaseOrderLine, len(lines)),
		Stock:   make(map[ItemID]StockItem, len(stock)),
	}
	for _, l := range lines {
		snap.POLines[l.ItemID] = l
	}
	for _, s := range stock {
		snap.Stock[s.ItemID] = s
	}
	return snap
}

var headerValidate = newHeaderValidator()

func newHeaderValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate decides whether tx may be committed given snap. It has no side
// effects and reports the first rule that fails.
func Validate(tx Transaction, snap Snapshot) error {
	if err := CheckDraft(tx); err != nil {
		return err
	}
	for i, item := range tx.Items {
		if expected, ok := canonicalUnit(item.ItemID, snap); ok && !sameUnit(item.Unit, expected) {
			return &UnitMismatchError{Line: i + 1, ItemName: item.ItemName, Unit: item.Unit, Expected: expected}
		}
	}
	switch h := tx.Header.(type) {
	case ReceiptHeader:
		if h.OpeningBalance {
			return nil
		}
		return checkReceiptBalance(tx.Items, h.PurchaseOrderID, snap)
	case TransferHeader:
		return checkSourceStock(tx.Items, h.SourceLocationID, snap)
	case IssueHeader:
		return checkSourceStock(tx.Items, h.SourceLocationID, snap)
	}
	// Returns are not bounded by stock.
	return nil
}

// CheckDraft runs the rules that need no ledger state: header fields, at
// least one line, charges, positive quantities and non-negative rates.
func CheckDraft(tx Transaction) error {
	if tx.Header == nil {
		return ErrUnknownMovementType
	}
	if err := validateHeader(tx.Header); err != nil {
		return err
	}
	if len(tx.Items) == 0 {
		return &EmptyTransactionError{MovementType: tx.MovementType()}
	}
	if err := validateCharges(tx); err != nil {
		return err
	}
	for i, item := range tx.Items {
		if !item.Quantity.IsPositive() {
			return &InvalidQuantityError{Line: i + 1, ItemID: item.ItemID, ItemName: item.ItemName, Quantity: item.Quantity}
		}
		if item.Rate.IsNegative() {
			return &InvalidRateError{Line: i + 1, ItemName: item.ItemName, Rate: item.Rate}
		}
	}
	return nil
}

func validateHeader(h Header) error {
	err := headerValidate.Struct(h)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &InvalidHeaderError{MovementType: h.MovementType(), Field: "header", Rule: err.Error()}
	}
	fe := verrs[0]
	if strings.HasPrefix(fe.Tag(), "required") {
		return &MissingRequiredFieldError{MovementType: h.MovementType(), Field: fe.Field()}
	}
	return &InvalidHeaderError{MovementType: h.MovementType(), Field: fe.Field(), Rule: fe.Tag()}
}

func validateCharges(tx Transaction) error {
	if len(tx.Charges) == 0 {
		return nil
	}
	if tx.MovementType() != MovementReceipt {
		return &InvalidChargeError{Line: 1, ChargeType: tx.Charges[0].Type(), Reason: "charges only apply to receipts"}
	}
	for i, c := range tx.Charges {
		if !IsKnownChargeType(c.Type()) {
			return &InvalidChargeError{Line: i + 1, ChargeType: c.Type(), Reason: "unknown charge type"}
		}
		if c.Amount().IsZero() {
			return &InvalidChargeError{Line: i + 1, ChargeType: c.Type(), Reason: "amount must be non-zero"}
		}
	}
	return nil
}

func checkReceiptBalance(items []LedgerEntry, po PurchaseOrderID, snap Snapshot) error {
	used := make(map[ItemID]decimal.Decimal)
	for i, item := range items {
		allowed := decimal.Zero
		if l, ok := snap.POLines[item.ItemID]; ok {
			allowed = nonNegative(l.BalanceQty().Sub(used[item.ItemID]))
		}
		if item.Quantity.GreaterThan(allowed) {
			return &OverReceiptError{
				Line:            i + 1,
				ItemID:          item.ItemID,
				ItemName:        item.ItemName,
				PurchaseOrderID: po,
				Attempted:       item.Quantity,
				Allowed:         allowed,
			}
		}
		used[item.ItemID] = used[item.ItemID].Add(item.Quantity)
	}
	return nil
}

func checkSourceStock(items []LedgerEntry, source LocationID, snap Snapshot) error {
	used := make(map[ItemID]decimal.Decimal)
	for i, item := range items {
		available := decimal.Zero
		if s, ok := snap.Stock[item.ItemID]; ok {
			available = nonNegative(s.StockQty.Sub(used[item.ItemID]))
		}
		if item.Quantity.GreaterThan(available) {
			return &InsufficientStockError{
				Line:       i + 1,
				ItemID:     item.ItemID,
				ItemName:   item.ItemName,
				LocationID: source,
				Requested:  item.Quantity,
				Available:  available,
			}
		}
		used[item.ItemID] = used[item.ItemID].Add(item.Quantity)
	}
	return nil
}

func canonicalUnit(id ItemID, snap Snapshot) (string, bool) {
	if l, ok := snap.POLines[id]; ok && l.Unit != "" {
		return l.Unit, true
	}
	if s, ok := snap.Stock[id]; ok && s.Unit != "" {
		return s.Unit, true
	}
	return "", false
}

// sameUnit compares units of measure ignoring case and surrounding space. An
// empty line unit is accepted and filled from the item later.
func sameUnit(unit, expected string) bool {
	if strings.TrimSpace(unit) == "" {
		return true
	}
	return cases.Fold().String(strings.TrimSpace(unit)) == cases.Fold().String(strings.TrimSpace(expected))
}
