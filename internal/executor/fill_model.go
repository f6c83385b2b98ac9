package executor

import (
	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/trade-guard/pkg/types"
)

const pricePlaces = 8

var bpsDivisor = decimal.NewFromInt(10000)

// FillModel prices simulated fills
type FillModel struct {
	FeeRate     decimal.Decimal `yaml:"fee_rate"`     // e.g. 0.001 = 10 bps taker fee
	SlippageBps decimal.Decimal `yaml:"slippage_bps"` // applied against the taker
}

// Fill is a priced simulated execution
type Fill struct {
	Price decimal.Decimal
	Fees  decimal.Decimal
}

// Price computes the fill for order against ref. It returns the rejection code when the
// order cannot fill.
func (m FillModel) Price(order types.Order, ref decimal.Decimal) (Fill, string) {
	slip := m.SlippageBps.Div(bpsDivisor)
	var price decimal.Decimal
	if order.Side == types.SideBuy {
		price = ref.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		price = ref.Mul(decimal.NewFromInt(1).Sub(slip))
	}

	if order.Type == types.OrderTypeLimit && order.LimitPrice.Valid {
		limit := order.LimitPrice.Decimal
		if order.Side == types.SideBuy {
			if ref.GreaterThan(limit) {
				return Fill{}, CodeLimitNotMarketable
			}
			price = decimal.Min(price, limit)
		} else {
			if ref.LessThan(limit) {
				return Fill{}, CodeLimitNotMarketable
			}
			price = decimal.Max(price, limit)
		}
	}

	price = price.Round(pricePlaces)
	fees := price.Mul(order.Quantity).Mul(m.FeeRate).Round(pricePlaces)
	return Fill{Price: price, Fees: fees}, ""
}
