package environment

import (
	"crypto/subtle"
	"fmt"
	"strings"

	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// Mode is the nominal execution mode requested by configuration
type Mode string

const (
	ModePaper   Mode = "paper"
	ModeShadow  Mode = "shadow"
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

// ParseMode converts a configuration string to a Mode
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePaper:
		return ModePaper, nil
	case ModeShadow:
		return ModeShadow, nil
	case ModeTestnet:
		return ModeTestnet, nil
	case ModeLive:
		return ModeLive, nil
	default:
		return "", &ConfigError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", s)}
	}
}

// EffectiveMode is the classification actually in force once every gate flag is combined
type EffectiveMode string

const (
	EffectivePaper          EffectiveMode = "paper"
	EffectiveShadow         EffectiveMode = "shadow"
	EffectiveTestnetDryRun  EffectiveMode = "testnet_dry_run"
	EffectiveTestnetBlocked EffectiveMode = "testnet_blocked"
	EffectiveLive           EffectiveMode = "live"
	EffectiveLiveBlocked    EffectiveMode = "live_blocked"
)

// ResultMode returns the value written to an execution result's mode metadata
func (m EffectiveMode) ResultMode() string {
	switch m {
	case EffectivePaper:
		return types.ModePaper
	case EffectiveShadow:
		return types.ModeShadowRun
	case EffectiveTestnetDryRun:
		return types.ModeTestnetDryRun
	case EffectiveLive:
		return types.ModeLive
	case EffectiveTestnetBlocked:
		return string(EffectiveTestnetBlocked)
	default:
		return types.ModeLiveBlocked
	}
}

// Stable reason strings produced by Evaluate
const (
	ReasonEnableLiveTradingOff = "enable_live_trading=false"
	ReasonLiveModeNotArmed     = "live_mode_armed=false"
	ReasonDryRunStillSet       = "testnet_dry_run=true"
	ReasonDryRunDisabled       = "testnet_dry_run=false"
	ReasonConfirmTokenMissing  = "confirm_token_missing"
	ReasonConfirmTokenInvalid  = "confirm_token_invalid"
)

// Config is the immutable per-run environment configuration
type Config struct {
	Mode                 Mode   `yaml:"mode" json:"mode"`
	EnableLiveTrading    bool   `yaml:"enable_live_trading" json:"enable_live_trading"`
	LiveModeArmed        bool   `yaml:"live_mode_armed" json:"live_mode_armed"`
	TestnetDryRun        bool   `yaml:"testnet_dry_run" json:"testnet_dry_run"`
	ConfirmToken         string `yaml:"confirm_token" json:"-"`          // Usually injected from TRADE_GUARD_CONFIRM_TOKEN
	ExpectedConfirmToken string `yaml:"expected_confirm_token" json:"-"` // Empty accepts any non-empty token
	RequireConfirmToken  bool   `yaml:"require_confirm_token" json:"require_confirm_token"`
}

// ConfigError reports an ambiguous or incomplete environment configuration
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("environment config: %s: %s", e.Field, e.Reason)
}

// Category implements errors.Categorized
func (e *ConfigError) Category() guarderrors.ErrorCategory {
	return guarderrors.ErrorCategoryConfiguration
}

// Validate fails fast on configurations that must never reach a running session
func (c Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Mode == ModeLive && c.RequireConfirmToken && strings.TrimSpace(c.ConfirmToken) == "" {
		return &ConfigError{Field: "confirm_token", Reason: "mode=live requires a confirm token but none was supplied"}
	}
	return nil
}

// New validates cfg and returns it with a normalized mode
func New(cfg Config) (Config, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decision is the output of Evaluate
type Decision struct {
	Nominal   Mode          `json:"nominal"`
	Effective EffectiveMode `json:"effective"`
	Reasons   []string      `json:"reasons,omitempty"`
}

// LiveExecuting reports whether real orders could be sent under this decision
func (d Decision) LiveExecuting() bool {
	return d.Effective == EffectiveLive
}

// Simulated reports whether the decision routes to an executor with no external effect
func (d Decision) Simulated() bool {
	switch d.Effective {
	case EffectivePaper, EffectiveShadow, EffectiveTestnetDryRun:
		return true
	default:
		return false
	}
}

// Reason joins all reasons into one operator-facing string
func (d Decision) Reason() string {
	return strings.Join(d.Reasons, "; ")
}

// Evaluate derives the effective mode from cfg. It is pure: identical input always
// produces an identical Decision. Every missing live gate is listed, in fixed order.
func Evaluate(cfg Config) Decision {
	d := Decision{Nominal: cfg.Mode}

	switch cfg.Mode {
	case ModePaper:
		d.Effective = EffectivePaper
		return d
	case ModeShadow:
		d.Effective = EffectiveShadow
		return d
	case ModeTestnet:
		if cfg.TestnetDryRun {
			d.Effective = EffectiveTestnetDryRun
			return d
		}
		d.Effective = EffectiveTestnetBlocked
		d.Reasons = []string{ReasonDryRunDisabled}
		return d
	case ModeLive:
	default:
		d.Effective = EffectiveLiveBlocked
		d.Reasons = []string{fmt.Sprintf("mode=%s", cfg.Mode)}
		return d
	}

	var reasons []string
	if !cfg.EnableLiveTrading {
		reasons = append(reasons, ReasonEnableLiveTradingOff)
	}
	if !cfg.LiveModeArmed {
		reasons = append(reasons, ReasonLiveModeNotArmed)
	}
	if cfg.TestnetDryRun {
		reasons = append(reasons, ReasonDryRunStillSet)
	}
	if cfg.RequireConfirmToken {
		if reason := confirmTokenReason(cfg); reason != "" {
			reasons = append(reasons, reason)
		}
	}

	if len(reasons) > 0 {
		d.Effective = EffectiveLiveBlocked
		d.Reasons = reasons
		return d
	}
	d.Effective = EffectiveLive
	return d
}

// ConfirmTokenValid reports whether the supplied confirm token is acceptable
func ConfirmTokenValid(cfg Config) bool {
	return confirmTokenReason(cfg) == ""
}

func confirmTokenReason(cfg Config) string {
	token := strings.TrimSpace(cfg.ConfirmToken)
	if token == "" {
		return ReasonConfirmTokenMissing
	}
	expected := strings.TrimSpace(cfg.ExpectedConfirmToken)
	if expected != "" && subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return ReasonConfirmTokenInvalid
	}
	return ""
}
