package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ducminhle1904/trade-guard/internal/environment"
	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
	"github.com/ducminhle1904/trade-guard/internal/exchange/bybit"
	"github.com/ducminhle1904/trade-guard/internal/executor"
	"github.com/ducminhle1904/trade-guard/internal/invariants"
	"github.com/ducminhle1904/trade-guard/internal/killswitch"
	"github.com/ducminhle1904/trade-guard/internal/logger"
	"github.com/ducminhle1904/trade-guard/internal/notifications"
	"github.com/ducminhle1904/trade-guard/internal/risk"
	"github.com/ducminhle1904/trade-guard/internal/safety"
)

// Environment variables that carry secrets. Secrets are never read from YAML.
const (
	EnvConfirmToken         = "TRADE_GUARD_CONFIRM_TOKEN"
	EnvExpectedConfirmToken = "TRADE_GUARD_EXPECTED_CONFIRM_TOKEN"
	EnvApprovalCode         = "KILL_SWITCH_APPROVAL_CODE"
	EnvBybitAPIKey          = "BYBIT_API_KEY"
	EnvBybitAPISecret       = "BYBIT_API_SECRET"
	EnvTelegramToken        = "TELEGRAM_TOKEN"
	EnvTelegramChatID       = "TELEGRAM_CHAT_ID"
	EnvAlertWebhookURL      = "ALERT_WEBHOOK_URL"
)

// Config is the complete gatekeeper configuration
type Config struct {
	Session     SessionConfig      `yaml:"session"`
	Environment environment.Config `yaml:"environment"`
	LiveRisk    LiveRiskConfig     `yaml:"live_risk"`
	KillSwitch  KillSwitchConfig   `yaml:"kill_switch"`
	Executor    ExecutorConfig     `yaml:"executor"`
	Invariants  invariants.Config  `yaml:"invariants"`
	Alerts      AlertsConfig       `yaml:"alerts"`
	Audit       AuditConfig        `yaml:"audit"`
	Logging     logger.Options     `yaml:"logging"`
	Monitoring  MonitoringConfig   `yaml:"monitoring"`
	Bybit       BybitConfig        `yaml:"bybit"`
}

// SessionConfig describes one runner session
type SessionConfig struct {
	Name         string          `yaml:"name"`
	OrdersFile   string          `yaml:"orders_file"`   // JSONL order feed replayed by the runner
	BatchSize    int             `yaml:"batch_size"`    // Orders per pipeline batch
	StartingCash decimal.Decimal `yaml:"starting_cash"` // Ledger opening balance
	SnapshotPath string          `yaml:"snapshot_path"` // Ledger snapshot written at clean shutdown
	ShadowExport string          `yaml:"shadow_export"` // Shadow order workbook written at shutdown

	MonitorInterval time.Duration `yaml:"monitor_interval"` // Periodic portfolio limit check; zero checks only after batches
}

// LiveRiskConfig is the YAML form of risk.Config. BlockOnViolation is a pointer so a
// file that leaves it out still blocks.
type LiveRiskConfig struct {
	risk.Config      `yaml:",inline"`
	BlockOnViolation *bool `yaml:"block_on_violation"`
}

// Risk returns the evaluator thresholds with block_on_violation resolved
func (l LiveRiskConfig) Risk() risk.Config {
	cfg := l.Config
	cfg.BlockOnViolation = l.BlockOnViolation == nil || *l.BlockOnViolation
	return cfg
}

// KillSwitchConfig is the YAML form of killswitch.Config. Pointer fields distinguish
// "unset" from an explicit false or zero so safe defaults survive partial files.
type KillSwitchConfig struct {
	StateFile                     string          `yaml:"state_file"`
	AuditDir                      string          `yaml:"audit_dir"`
	RequireApprovalCode           *bool           `yaml:"require_approval_code"`
	ApprovalCodeSHA256            string          `yaml:"approval_code_sha256"`
	MaxConsecutiveViolations      *int            `yaml:"max_consecutive_violations"`
	ViolationWindow               time.Duration   `yaml:"violation_window"`
	TriggerOnDataAnomaly          *bool           `yaml:"trigger_on_data_anomaly"`
	TriggerOnUnenforcedViolations *bool           `yaml:"trigger_on_unenforced_violations"`
	DailyLossTriggerAbs           decimal.Decimal `yaml:"daily_loss_trigger_abs"`

	approvalCode string
}

// Switch returns the kill switch configuration with defaults applied
func (k KillSwitchConfig) Switch() killswitch.Config {
	cfg := killswitch.DefaultConfig()
	if k.StateFile != "" {
		cfg.StateFile = k.StateFile
	}
	if k.AuditDir != "" {
		cfg.AuditDir = k.AuditDir
	}
	if k.RequireApprovalCode != nil {
		cfg.RequireApprovalCode = *k.RequireApprovalCode
	}
	cfg.ApprovalCode = k.approvalCode
	cfg.ApprovalCodeSHA256 = k.ApprovalCodeSHA256
	if k.MaxConsecutiveViolations != nil {
		cfg.MaxConsecutiveViolations = *k.MaxConsecutiveViolations
	}
	if k.ViolationWindow != 0 {
		cfg.ViolationWindow = k.ViolationWindow
	}
	if k.TriggerOnDataAnomaly != nil {
		cfg.TriggerOnDataAnomaly = *k.TriggerOnDataAnomaly
	}
	if k.TriggerOnUnenforcedViolations != nil {
		cfg.TriggerOnUnenforcedViolations = *k.TriggerOnUnenforcedViolations
	}
	cfg.DailyLossTriggerAbs = k.DailyLossTriggerAbs
	return cfg
}

// ExecutorConfig configures the simulated and testnet executors
type ExecutorConfig struct {
	Fill            executor.FillModel         `yaml:"fill"`
	Timeout         time.Duration              `yaml:"timeout"`          // Per-order executor bound
	ReferencePrices map[string]decimal.Decimal `yaml:"reference_prices"` // Seed prices for paper and shadow fills
	Testnet         TestnetConfig              `yaml:"testnet"`
}

// TestnetConfig configures the validate-only testnet executor
type TestnetConfig struct {
	ValidateOnly   *bool                       `yaml:"validate_only"` // Defaults to true; false is refused
	CircuitBreaker safety.CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// Options returns the executor options
func (t TestnetConfig) Options() executor.TestnetOptions {
	return executor.TestnetOptions{
		ValidateOnly: t.ValidateOnly == nil || *t.ValidateOnly,
		Breaker:      t.CircuitBreaker,
	}
}

// AlertsConfig selects alert sinks. Remote credentials come from the environment.
type AlertsConfig struct {
	Log        bool                            `yaml:"log"`
	Stderr     bool                            `yaml:"stderr"`
	WebhookURL string                          `yaml:"webhook_url"`
	Dispatcher notifications.DispatcherOptions `yaml:"dispatcher"`

	TelegramToken  string `yaml:"-"`
	TelegramChatID string `yaml:"-"`
}

// TelegramEnabled reports whether both Telegram credentials are present
func (a AlertsConfig) TelegramEnabled() bool {
	return a.TelegramToken != "" && a.TelegramChatID != ""
}

// AuditConfig selects audit sinks
type AuditConfig struct {
	JSONLPath  string `yaml:"jsonl_path"`
	SQLitePath string `yaml:"sqlite_path"`
}

// MonitoringConfig configures the status and metrics listener
type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// BybitConfig configures the testnet validation client
type BybitConfig struct {
	Client        bybit.Config      `yaml:",inline"`
	InstrumentTTL time.Duration     `yaml:"instrument_ttl"`
	Retry         bybit.RetryConfig `yaml:"retry"`
}

// ValidateOnlyOptions returns the validator options
func (b BybitConfig) ValidateOnlyOptions() bybit.ValidateOnlyOptions {
	return bybit.ValidateOnlyOptions{InstrumentTTL: b.InstrumentTTL, Retry: b.Retry}
}

// LoadEnv loads a .env file into the process environment. A missing file is not an error.
func LoadEnv(file string) error {
	if file == "" {
		file = ".env"
	}
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(file); err != nil {
		return guarderrors.Wrap(err, guarderrors.ErrorCategoryConfiguration, "config", "load_env")
	}
	return nil
}

// Load reads a YAML file, applies secrets from the environment and defaults, and validates
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, guarderrors.Wrap(fmt.Errorf("failed to read config file %s: %w", path, err),
			guarderrors.ErrorCategoryConfiguration, "config", "load")
	}
	return Parse(data)
}

// Parse decodes YAML config data. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, guarderrors.Wrap(fmt.Errorf("failed to parse config: %w", err),
			guarderrors.ErrorCategoryConfiguration, "config", "parse")
	}

	cfg.applyEnv()
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv copies secrets from the environment. Environment values win over YAML.
func (c *Config) applyEnv() {
	setFromEnv(&c.Environment.ConfirmToken, EnvConfirmToken)
	setFromEnv(&c.Environment.ExpectedConfirmToken, EnvExpectedConfirmToken)
	setFromEnv(&c.KillSwitch.approvalCode, EnvApprovalCode)
	setFromEnv(&c.Bybit.Client.APIKey, EnvBybitAPIKey)
	setFromEnv(&c.Bybit.Client.APISecret, EnvBybitAPISecret)
	setFromEnv(&c.Alerts.TelegramToken, EnvTelegramToken)
	setFromEnv(&c.Alerts.TelegramChatID, EnvTelegramChatID)
	setFromEnv(&c.Alerts.WebhookURL, EnvAlertWebhookURL)
}

func setFromEnv(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// setDefaults fills in values a minimal config file leaves out
func (c *Config) setDefaults() {
	if c.Session.Name == "" {
		c.Session.Name = "gatekeeper"
	}
	if c.Session.BatchSize <= 0 {
		c.Session.BatchSize = 1
	}
	if c.Session.StartingCash.IsZero() {
		c.Session.StartingCash = decimal.NewFromInt(10000)
	}
	if c.LiveRisk.StartingCash.IsZero() {
		c.LiveRisk.StartingCash = c.Session.StartingCash
	}
	if c.LiveRisk.BlockOnViolation == nil {
		block := true
		c.LiveRisk.BlockOnViolation = &block
	}

	if c.Environment.Mode == "" {
		c.Environment.Mode = environment.ModePaper
	}
	if mode, err := environment.ParseMode(string(c.Environment.Mode)); err == nil {
		c.Environment.Mode = mode
	}

	if c.Executor.Timeout <= 0 {
		c.Executor.Timeout = 10 * time.Second
	}
	if c.Invariants.Mode == "" {
		c.Invariants.Mode = invariants.ModeStartEnd
	}
	if c.Invariants.MaxLeverage <= 0 {
		c.Invariants.MaxLeverage = 1
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Session == "" {
		c.Logging.Session = c.Session.Name
	}

	if c.Monitoring.Addr == "" {
		c.Monitoring.Addr = ":9090"
	}
	if c.Bybit.Retry == (bybit.RetryConfig{}) {
		c.Bybit.Retry = bybit.DefaultRetryConfig()
	}
	if c.Bybit.InstrumentTTL <= 0 {
		c.Bybit.InstrumentTTL = time.Hour
	}
	if !c.Bybit.Client.Testnet && !c.Bybit.Client.Demo {
		c.Bybit.Client.Testnet = true
	}
}

// Validate fails fast on configurations that must never reach a running session
func (c *Config) Validate() error {
	if err := c.Environment.Validate(); err != nil {
		return err
	}
	if err := c.LiveRisk.Risk().Validate(); err != nil {
		return err
	}
	if err := c.KillSwitch.Switch().Validate(); err != nil {
		return err
	}

	invalid := func(msg string) error {
		return guarderrors.NewConfigurationError("config", "validate", msg)
	}
	switch c.Invariants.Mode {
	case invariants.ModeAlways, invariants.ModeStartEnd, invariants.ModeNever:
	default:
		return invalid(fmt.Sprintf("invariants.mode %q must be always, start_end or never", c.Invariants.Mode))
	}
	if c.Executor.Fill.FeeRate.IsNegative() || c.Executor.Fill.SlippageBps.IsNegative() {
		return invalid("executor.fill fee_rate and slippage_bps must not be negative")
	}
	if c.Environment.Mode == environment.ModeTestnet && !c.Executor.Testnet.Options().ValidateOnly {
		return invalid("executor.testnet.validate_only=false is not supported")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return invalid(fmt.Sprintf("logging.format %q must be json or console", c.Logging.Format))
	}
	if c.Alerts.TelegramToken != "" && c.Alerts.TelegramChatID == "" {
		return invalid(EnvTelegramChatID + " is required when " + EnvTelegramToken + " is set")
	}
	return nil
}
