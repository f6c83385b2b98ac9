package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
)

// Violation codes. Each threshold code equals its configuration key.
const (
	CodeMaxOrderNotional          = "max_order_notional"
	CodeMaxSymbolExposureNotional = "max_symbol_exposure_notional"
	CodeMaxTotalExposureNotional  = "max_total_exposure_notional"
	CodeMaxOpenPositions          = "max_open_positions"
	CodeMaxDailyLossAbs           = "max_daily_loss_abs"
	CodeMaxDailyLossPct           = "max_daily_loss_pct"
	CodeMissingReferencePrice     = "missing_reference_price"
)

// Config holds operator-set thresholds. A zero threshold disables that check.
type Config struct {
	MaxOrderNotional          decimal.Decimal `yaml:"max_order_notional" json:"max_order_notional"`
	MaxSymbolExposureNotional decimal.Decimal `yaml:"max_symbol_exposure_notional" json:"max_symbol_exposure_notional"`
	MaxTotalExposureNotional  decimal.Decimal `yaml:"max_total_exposure_notional" json:"max_total_exposure_notional"`
	MaxOpenPositions          int             `yaml:"max_open_positions" json:"max_open_positions"`
	MaxDailyLossAbs           decimal.Decimal `yaml:"max_daily_loss_abs" json:"max_daily_loss_abs"`
	MaxDailyLossPct           decimal.Decimal `yaml:"max_daily_loss_pct" json:"max_daily_loss_pct"` // Percent points of StartingCash
	StartingCash              decimal.Decimal `yaml:"starting_cash" json:"starting_cash"`           // Baseline for MaxDailyLossPct
	BlockOnViolation          bool            `yaml:"-" json:"block_on_violation"` // Set through config.LiveRiskConfig
}

// Validate rejects negative thresholds
func (c Config) Validate() error {
	for name, v := range map[string]decimal.Decimal{
		CodeMaxOrderNotional:          c.MaxOrderNotional,
		CodeMaxSymbolExposureNotional: c.MaxSymbolExposureNotional,
		CodeMaxTotalExposureNotional:  c.MaxTotalExposureNotional,
		CodeMaxDailyLossAbs:           c.MaxDailyLossAbs,
		CodeMaxDailyLossPct:           c.MaxDailyLossPct,
		"starting_cash":               c.StartingCash,
	} {
		if v.IsNegative() {
			return guarderrors.NewConfigurationError("risk", "validate", fmt.Sprintf("%s must not be negative", name))
		}
	}
	if c.MaxOpenPositions < 0 {
		return guarderrors.NewConfigurationError("risk", "validate", "max_open_positions must not be negative")
	}
	return nil
}

// Violation is one exceeded threshold
type Violation struct {
	Code     string          `json:"code"`
	Symbol   string          `json:"symbol,omitempty"`
	Limit    decimal.Decimal `json:"limit"`
	Observed decimal.Decimal `json:"observed"`
	Message  string          `json:"message"`
}

// Evaluated holds the values a decision was made on, so it can be reproduced from the audit trail
type Evaluated struct {
	OrderCount              int                        `json:"order_count"`
	BatchNotional           decimal.Decimal            `json:"batch_notional"`
	ProjectedSymbolNotional map[string]decimal.Decimal `json:"projected_symbol_notional,omitempty"`
	ProjectedTotalExposure  decimal.Decimal            `json:"projected_total_exposure"`
	ProjectedOpenPositions  int                        `json:"projected_open_positions"`
	DailyLoss               decimal.Decimal            `json:"daily_loss"`
	DailyLossPct            decimal.Decimal            `json:"daily_loss_pct"`
}

// CheckResult is the outcome of one risk check
type CheckResult struct {
	Kind       string      `json:"kind"` // orders or portfolio
	Allowed    bool        `json:"allowed"`
	Enforced   bool        `json:"enforced"` // block_on_violation at check time
	Violations []Violation `json:"violations,omitempty"`
	Evaluated  Evaluated   `json:"evaluated"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Blocks reports whether the result must stop the batch
func (r CheckResult) Blocks() bool {
	return !r.Allowed && r.Enforced
}

// Codes lists violation codes in the order they were found
func (r CheckResult) Codes() []string {
	codes := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		codes = append(codes, v.Code)
	}
	return codes
}

// Reason joins violation messages for operator display
func (r CheckResult) Reason() string {
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.Message)
	}
	return strings.Join(msgs, "; ")
}
