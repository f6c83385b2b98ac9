package safety

import (
	"errors"
	"fmt"

	"github.com/ducminhle1904/trade-guard/internal/environment"
	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
)

// Placement denials. Callers match these with errors.Is to pick remediation messaging.
var (
	ErrPaperModeOrder      = errors.New("paper or shadow mode: real order placement refused")
	ErrTestnetDryRunOnly   = errors.New("testnet mode: only validate-only dry runs are permitted")
	ErrLiveNotImplemented  = errors.New("live execution is not implemented")
	ErrLiveTradingDisabled = errors.New("live trading is disabled")
	ErrConfirmTokenInvalid = errors.New("confirm token missing or invalid")
)

// ErrMalformedOrder is returned for orders that can never be valid
var ErrMalformedOrder = errors.New("malformed order")

var blockCodes = []struct {
	err  error
	code string
}{
	{ErrPaperModeOrder, "paper_mode_order"},
	{ErrTestnetDryRunOnly, "testnet_dry_run_only"},
	{ErrLiveNotImplemented, "live_not_implemented"},
	{ErrLiveTradingDisabled, "live_trading_disabled"},
	{ErrConfirmTokenInvalid, "confirm_token_invalid"},
	{ErrMalformedOrder, "malformed_order"},
}

// Code returns the stable reason code for a safety error, or "safety_blocked"
func Code(err error) string {
	for _, bc := range blockCodes {
		if errors.Is(err, bc.err) {
			return bc.code
		}
	}
	return "safety_blocked"
}

// BlockedError is the structured denial returned by the guard
type BlockedError struct {
	Kind   error
	Reason string
	Mode   environment.EffectiveMode
}

func (e *BlockedError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v (%s)", e.Kind, e.Reason)
}

// Unwrap returns the sentinel kind
func (e *BlockedError) Unwrap() error {
	return e.Kind
}

// Category implements errors.Categorized
func (e *BlockedError) Category() guarderrors.ErrorCategory {
	return guarderrors.ErrorCategorySafety
}

// Code returns the stable reason code for the denial
func (e *BlockedError) Code() string {
	return Code(e.Kind)
}
