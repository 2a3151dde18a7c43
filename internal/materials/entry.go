package materials

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// LedgerEntry is one item line of a transaction. Its amount is always
// Quantity × Rate and is never stored.
type LedgerEntry struct {
	ItemID   ItemID
	ItemName string
	Unit     string
	// OrderedQty and ReceivedBefore are only meaningful on PO-backed receipts.
	OrderedQty     decimal.Decimal
	ReceivedBefore decimal.Decimal
	Quantity       decimal.Decimal
	Rate           decimal.Decimal
}

// Amount returns Quantity × Rate.
func (e LedgerEntry) Amount() decimal.Decimal {
	return e.Quantity.Mul(e.Rate)
}

// BalanceQty returns what was still open on the PO line before this entry.
func (e LedgerEntry) BalanceQty() decimal.Decimal {
	return nonNegative(e.OrderedQty.Sub(e.ReceivedBefore))
}

type ledgerEntryJSON struct {
	ItemID         ItemID          `json:"item_id"`
	ItemName       string          `json:"item_name"`
	Unit           string          `json:"unit"`
	OrderedQty     decimal.Decimal `json:"ordered_qty"`
	ReceivedBefore decimal.Decimal `json:"total_received_qty_before"`
	BalanceQty     decimal.Decimal `json:"balance_qty"`
	Quantity       decimal.Decimal `json:"quantity"`
	Rate           decimal.Decimal `json:"rate"`
	Amount         decimal.Decimal `json:"amount"`
}

// MarshalJSON includes the derived balance and amount.
func (e LedgerEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(ledgerEntryJSON{
		ItemID:         e.ItemID,
		ItemName:       e.ItemName,
		Unit:           e.Unit,
		OrderedQty:     e.OrderedQty,
		ReceivedBefore: e.ReceivedBefore,
		BalanceQty:     e.BalanceQty(),
		Quantity:       e.Quantity,
		Rate:           e.Rate,
		Amount:         e.Amount(),
	})
}

// UnmarshalJSON drops any client supplied balance or amount.
func (e *LedgerEntry) UnmarshalJSON(data []byte) error {
	var raw ledgerEntryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = LedgerEntry{
		ItemID:         raw.ItemID,
		ItemName:       raw.ItemName,
		Unit:           raw.Unit,
		OrderedQty:     raw.OrderedQty,
		ReceivedBefore: raw.ReceivedBefore,
		Quantity:       raw.Quantity,
		Rate:           raw.Rate,
	}
	return nil
}
