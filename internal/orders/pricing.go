package orders

import (
	"crypto/rand"
	"time"

	"github.com/shopspring/decimal"
)

var (
	FreeShippingThreshold = decimal.NewFromInt(500)
	FlatShippingFee       = decimal.NewFromInt(50)
	TaxRate               = decimal.RequireFromString("0.18")
)

type Totals struct {
	Subtotal    decimal.Decimal
	ShippingFee decimal.Decimal
	Tax         decimal.Decimal
	Discount    decimal.Decimal
	Total       decimal.Decimal
}

func LineTotal(price decimal.Decimal, qty int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(qty)))
}

// PriceOrder computes order totals from line totals. Tax is rounded half-up to
// two decimal places.
func PriceOrder(lines []OrderItem) Totals {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.Total)
	}
	return PriceSubtotal(subtotal)
}

func PriceSubtotal(subtotal decimal.Decimal) Totals {
	fee := FlatShippingFee
	if subtotal.GreaterThanOrEqual(FreeShippingThreshold) {
		fee = decimal.Zero
	}
	tax := subtotal.Mul(TaxRate).Round(2)
	return Totals{
		Subtotal:    subtotal,
		ShippingFee: fee,
		Tax:         tax,
		Discount:    decimal.Zero,
		Total:       subtotal.Add(fee).Add(tax),
	}
}

// MinorUnits converts an amount to the gateway's integer minor unit (paise).
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

const orderNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewOrderNumber returns ORD + yymmddHHMMSS + four random characters.
func NewOrderNumber(now time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	suffix := make([]byte, len(b))
	for i, v := range b {
		suffix[i] = orderNumberAlphabet[int(v)%len(orderNumberAlphabet)]
	}
	return "ORD" + now.UTC().Format("060102150405") + string(suffix)
}
