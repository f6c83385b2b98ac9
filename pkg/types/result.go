package types

import "github.com/shopspring/decimal"

// ExecutionStatus is the terminal outcome of one order after the gate chain
type ExecutionStatus string

const (
	StatusFilled   ExecutionStatus = "filled"
	StatusRejected ExecutionStatus = "rejected"
	StatusBlocked  ExecutionStatus = "blocked"
	// StatusValidated means a venue's validate-only endpoint accepted the order; nothing was filled.
	StatusValidated ExecutionStatus = "validated"
)

// Metadata keys carried on every result
const (
	MetaMode       = "mode"
	MetaReason     = "reason"
	MetaReasonCode = "reason_code"
	MetaExecutor   = "executor"
)

// Mode values written under MetaMode
const (
	ModePaper         = "paper"
	ModeShadowRun     = "shadow_run"
	ModeTestnetDryRun = "testnet_dry_run"
	ModeLive          = "live"
	ModeLiveBlocked   = "live_blocked"
)

// OrderExecutionResult is owned by the pipeline call that produced it and read-only afterwards
type OrderExecutionResult struct {
	ClientOrderID  string            `json:"client_order_id"`
	Symbol         string            `json:"symbol"`
	Side           Side              `json:"side"`
	Status         ExecutionStatus   `json:"status"`
	FillPrice      decimal.Decimal   `json:"fill_price"`
	FilledQuantity decimal.Decimal   `json:"filled_quantity"`
	Fees           decimal.Decimal   `json:"fees"`
	Metadata       map[string]string `json:"metadata"`
}

// IsFilled reports whether the result moved position state
func (r OrderExecutionResult) IsFilled() bool {
	return r.Status == StatusFilled && r.FilledQuantity.IsPositive()
}

// Notional returns fill price x filled quantity
func (r OrderExecutionResult) Notional() decimal.Decimal {
	return r.FillPrice.Mul(r.FilledQuantity)
}

// Reason returns the reason code, if any
func (r OrderExecutionResult) Reason() string {
	return r.Metadata[MetaReasonCode]
}

// NewBlockedResult builds a blocked result for an order that never reached an executor
func NewBlockedResult(order Order, mode, code, reason string) OrderExecutionResult {
	return OrderExecutionResult{
		ClientOrderID:  order.ClientOrderID,
		Symbol:         order.Symbol,
		Side:           order.Side,
		Status:         StatusBlocked,
		FillPrice:      decimal.Zero,
		FilledQuantity: decimal.Zero,
		Fees:           decimal.Zero,
		Metadata: map[string]string{
			MetaMode:       mode,
			MetaReasonCode: code,
			MetaReason:     reason,
		},
	}
}

// NewRejectedResult builds a rejected result for a normal business outcome
func NewRejectedResult(order Order, mode, code, reason string) OrderExecutionResult {
	res := NewBlockedResult(order, mode, code, reason)
	res.Status = StatusRejected
	return res
}

// VenueValidation is a venue's verdict on an order it was asked to check but not place
type VenueValidation struct {
	Accepted       bool            `json:"accepted"`
	Code           string          `json:"code,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
}
