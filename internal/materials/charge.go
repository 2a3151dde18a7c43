package materials

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Charge types accepted on a receipt.
const (
	ChargeFreight  = "Freight"
	ChargeLoading  = "Loading/Unloading"
	ChargePacking  = "Packing & Forwarding"
	ChargeInsure   = "Insurance"
	ChargeOther    = "Other Charges"
	ChargeDiscount = "Discount/Rebate (-)"
)

var chargeVocabulary = map[string]struct{}{
	ChargeFreight:  {},
	ChargeLoading:  {},
	ChargePacking:  {},
	ChargeInsure:   {},
	ChargeOther:    {},
	ChargeDiscount: {},
}

// IsKnownChargeType reports whether t belongs to the charge vocabulary.
func IsKnownChargeType(t string) bool {
	_, ok := chargeVocabulary[t]
	return ok
}

// ChargeLine is one row of a receipt's charges table. The sign of amount
// follows the type: discounts are never positive, everything else never
// negative. Fields are private so every mutation goes through normalize.
type ChargeLine struct {
	chargeType  string
	Description string
	amount      decimal.Decimal
}

// NewChargeLine builds a normalised charge line.
func NewChargeLine(chargeType, description string, amount decimal.Decimal) ChargeLine {
	c := ChargeLine{chargeType: chargeType, Description: description, amount: amount}
	c.normalize()
	return c
}

// Type returns the charge type.
func (c ChargeLine) Type() string { return c.chargeType }

// Amount returns the signed amount.
func (c ChargeLine) Amount() decimal.Decimal { return c.amount }

// IsDiscount reports whether the line is a deduction.
func (c ChargeLine) IsDiscount() bool { return c.chargeType == ChargeDiscount }

// SetType changes the type and re-applies the sign rule.
func (c *ChargeLine) SetType(chargeType string) {
	c.chargeType = chargeType
	c.normalize()
}

// SetAmount changes the amount and re-applies the sign rule.
func (c *ChargeLine) SetAmount(amount decimal.Decimal) {
	c.amount = amount
	c.normalize()
}

func (c *ChargeLine) normalize() {
	if c.IsDiscount() {
		c.amount = c.amount.Abs().Neg()
		return
	}
	c.amount = c.amount.Abs()
}

type chargeLineJSON struct {
	ChargeType  string          `json:"charge_type"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// MarshalJSON exposes the private fields.
func (c ChargeLine) MarshalJSON() ([]byte, error) {
	return json.Marshal(chargeLineJSON{ChargeType: c.chargeType, Description: c.Description, Amount: c.amount})
}

// UnmarshalJSON normalises the decoded sign.
func (c *ChargeLine) UnmarshalJSON(data []byte) error {
	var raw chargeLineJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = NewChargeLine(raw.ChargeType, raw.Description, raw.Amount)
	return nil
}
