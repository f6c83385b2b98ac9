package safety

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	Valid   bool
	Message string
	Code    string
}

// Err converts a failed result into an error wrapping ErrMalformedOrder
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrMalformedOrder, r.Code, r.Message)
}

var (
	maxReasonablePrice    = decimal.New(1, 10) // 1e10 per unit
	maxReasonableQuantity = decimal.New(1, 12)
)

// Validator rejects orders that no executor may ever see
type Validator struct{}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePrice validates a price value for trading
func (v *Validator) ValidatePrice(price decimal.Decimal, symbol string) ValidationResult {
	if !price.IsPositive() {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("invalid price %s for %s: price must be positive", price, symbol),
			Code:    "INVALID_PRICE_NEGATIVE",
		}
	}

	// Reject obvious data errors
	if price.GreaterThan(maxReasonablePrice) {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("suspicious price %s for %s: exceeds reasonable bounds", price, symbol),
			Code:    "PRICE_OUT_OF_BOUNDS",
		}
	}

	return ValidationResult{Valid: true}
}

// ValidateQuantity validates a quantity value for trading
func (v *Validator) ValidateQuantity(quantity decimal.Decimal, symbol string) ValidationResult {
	if !quantity.IsPositive() {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("invalid quantity %s for %s: quantity must be positive", quantity, symbol),
			Code:    "INVALID_QUANTITY_NEGATIVE",
		}
	}

	if quantity.GreaterThan(maxReasonableQuantity) {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("suspicious quantity %s for %s: exceeds reasonable bounds", quantity, symbol),
			Code:    "QUANTITY_OUT_OF_BOUNDS",
		}
	}

	return ValidationResult{Valid: true}
}

// ValidateOrder checks the structural fields of a single order
func (v *Validator) ValidateOrder(order types.Order) ValidationResult {
	if strings.TrimSpace(order.ClientOrderID) == "" {
		return ValidationResult{Message: "client order id is empty", Code: "MISSING_CLIENT_ORDER_ID"}
	}
	if strings.TrimSpace(order.Symbol) == "" {
		return ValidationResult{Message: fmt.Sprintf("order %s has no symbol", order.ClientOrderID), Code: "MISSING_SYMBOL"}
	}

	switch order.Side {
	case types.SideBuy, types.SideSell:
	default:
		return ValidationResult{
			Message: fmt.Sprintf("order %s has unknown side %q", order.ClientOrderID, order.Side),
			Code:    "INVALID_SIDE",
		}
	}

	if res := v.ValidateQuantity(order.Quantity, order.Symbol); !res.Valid {
		return res
	}

	switch order.Type {
	case types.OrderTypeMarket:
		if order.LimitPrice.Valid {
			return ValidationResult{
				Message: fmt.Sprintf("market order %s carries a limit price", order.ClientOrderID),
				Code:    "UNEXPECTED_LIMIT_PRICE",
			}
		}
	case types.OrderTypeLimit:
		if !order.LimitPrice.Valid {
			return ValidationResult{
				Message: fmt.Sprintf("limit order %s has no limit price", order.ClientOrderID),
				Code:    "MISSING_LIMIT_PRICE",
			}
		}
		if res := v.ValidatePrice(order.LimitPrice.Decimal, order.Symbol); !res.Valid {
			return res
		}
	default:
		return ValidationResult{
			Message: fmt.Sprintf("order %s has unknown type %q", order.ClientOrderID, order.Type),
			Code:    "INVALID_ORDER_TYPE",
		}
	}

	if order.Notional.Valid && !order.Notional.Decimal.IsPositive() {
		return ValidationResult{
			Message: fmt.Sprintf("order %s has non-positive notional %s", order.ClientOrderID, order.Notional.Decimal),
			Code:    "INVALID_NOTIONAL",
		}
	}

	return ValidationResult{Valid: true}
}

// ValidateBatch validates every order and rejects client order ids reused within the batch
func (v *Validator) ValidateBatch(orders []types.Order) error {
	seen := make(map[string]struct{}, len(orders))
	for _, order := range orders {
		if err := v.ValidateOrder(order).Err(); err != nil {
			return err
		}
		if _, dup := seen[order.ClientOrderID]; dup {
			return ValidationResult{
				Message: fmt.Sprintf("client order id %s appears more than once", order.ClientOrderID),
				Code:    "DUPLICATE_CLIENT_ORDER_ID",
			}.Err()
		}
		seen[order.ClientOrderID] = struct{}{}
	}
	return nil
}
