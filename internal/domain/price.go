package domain

import "github.com/shopspring/decimal"

// PriceState is the spot price of the native coin.
type PriceState struct {
	USD       decimal.Decimal            `json:"usd"`
	Rates     map[string]decimal.Decimal `json:"rates,omitempty"` // currency code -> USD rate
	UpdatedAt int64                      `json:"updatedAt"`       // unix seconds reported by the source
}

// In converts the USD price into currency using Rates. Returns false if the rate is unknown.
func (p *PriceState) In(currency string) (decimal.Decimal, bool) {
	if currency == "" || currency == "USD" {
		return p.USD, true
	}
	rate, ok := p.Rates[currency]
	if !ok {
		return decimal.Zero, false
	}
	return p.USD.Mul(rate), true
}
