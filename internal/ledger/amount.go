package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnitExp is the number of decimal places of the ledger currency.
const MinorUnitExp = 2

// ParseAmount converts decimal text such as "12.50" into minor units (1250).
// More precision than the currency allows is rejected rather than rounded.
func ParseAmount(text string) (int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, &ValidationError{Field: "amount", Msg: "is required"}
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, &ValidationError{Field: "amount", Msg: fmt.Sprintf("%q is not a number", text)}
	}
	minor := d.Shift(MinorUnitExp)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, &ValidationError{Field: "amount", Msg: fmt.Sprintf("at most %d decimal places", MinorUnitExp)}
	}
	if !minor.IsPositive() {
		return 0, &ValidationError{Field: "amount", Msg: "must be greater than 0"}
	}
	if !minor.LessThanOrEqual(decimal.NewFromInt(maxAmount)) {
		return 0, &ValidationError{Field: "amount", Msg: "is too large"}
	}
	return minor.IntPart(), nil
}

// FormatAmount renders minor units as decimal text.
func FormatAmount(minor int64) string {
	return decimal.New(minor, -MinorUnitExp).StringFixed(MinorUnitExp)
}
