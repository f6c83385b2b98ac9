package types

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side represents the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType represents the execution style of an order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Order is a trade intent produced by a strategy or session runner.
// It is immutable once handed to the pipeline and never reused across calls.
type Order struct {
	ClientOrderID string              `json:"client_order_id"`
	Symbol        string              `json:"symbol"`
	Side          Side                `json:"side"`
	Type          OrderType           `json:"order_type"`
	Quantity      decimal.Decimal     `json:"quantity"`
	LimitPrice    decimal.NullDecimal `json:"limit_price"`
	Notional      decimal.NullDecimal `json:"notional"` // Caller-supplied monetary size, optional
}

// NewClientOrderID returns a fresh client order id
func NewClientOrderID() string {
	return uuid.NewString()
}

// NewMarketOrder builds a market order with a generated client order id
func NewMarketOrder(symbol string, side Side, quantity decimal.Decimal) Order {
	return Order{
		ClientOrderID: NewClientOrderID(),
		Symbol:        symbol,
		Side:          side,
		Type:          OrderTypeMarket,
		Quantity:      quantity,
	}
}

// NewLimitOrder builds a limit order with a generated client order id
func NewLimitOrder(symbol string, side Side, quantity, limit decimal.Decimal) Order {
	return Order{
		ClientOrderID: NewClientOrderID(),
		Symbol:        symbol,
		Side:          side,
		Type:          OrderTypeLimit,
		Quantity:      quantity,
		LimitPrice:    decimal.NewNullDecimal(limit),
	}
}

// NotionalAt returns the monetary size of the order. An explicit notional wins,
// then quantity x limit price for limit orders, then quantity x ref.
func (o Order) NotionalAt(ref decimal.Decimal) decimal.Decimal {
	if o.Notional.Valid {
		return o.Notional.Decimal.Abs()
	}
	if o.Type == OrderTypeLimit && o.LimitPrice.Valid {
		return o.Quantity.Mul(o.LimitPrice.Decimal).Abs()
	}
	return o.Quantity.Mul(ref).Abs()
}

// HasIntrinsicNotional reports whether NotionalAt can be computed without a reference price
func (o Order) HasIntrinsicNotional() bool {
	return o.Notional.Valid || (o.Type == OrderTypeLimit && o.LimitPrice.Valid)
}
