package stripe

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies Stripe charges without a minor unit.
var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {}, "mga": {},
	"pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
}

func minorUnitExponent(currency string) int32 {
	if _, ok := zeroDecimalCurrencies[strings.ToLower(currency)]; ok {
		return 0
	}
	return 2
}

// ToMinorUnits converts a decimal currency amount into the integer Stripe expects.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	exp := minorUnitExponent(currency)
	scaled := amount.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", amount.String(), strings.ToLower(currency))
	}
	return scaled.IntPart(), nil
}

// FromMinorUnits converts a Stripe integer amount back into currency units.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -minorUnitExponent(currency))
}
