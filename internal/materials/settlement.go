package materials

import "github.com/shopspring/decimal"

// Settlement is the payable summary of a receipt.
type Settlement struct {
	MaterialTotal decimal.Decimal `json:"material_total"`
	TotalCharges  decimal.Decimal `json:"total_charges"`
	TotalDiscount decimal.Decimal `json:"total_discount"`
	NetPayable    decimal.Decimal `json:"net_payable"`
}

// Settle splits charges into additions and discounts and computes the net
// payable. It is meant for receipts only but accepts any input, and returns
// zeros for empty lists.
func Settle(items []LedgerEntry, charges []ChargeLine) Settlement {
	var s Settlement
	for _, item := range items {
		s.MaterialTotal = s.MaterialTotal.Add(item.Amount())
	}
	for _, c := range charges {
		amt := c.Amount()
		switch {
		case amt.IsPositive():
			s.TotalCharges = s.TotalCharges.Add(amt)
		case amt.IsNegative():
			s.TotalDiscount = s.TotalDiscount.Add(amt.Abs())
		}
	}
	s.NetPayable = s.MaterialTotal.Add(s.TotalCharges).Sub(s.TotalDiscount)
	return s
}
