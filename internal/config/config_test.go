package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/trade-guard/internal/environment"
	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
	"github.com/ducminhle1904/trade-guard/internal/invariants"
)

const fullConfig = `
session:
  name: btc-shadow
  orders_file: feeds/orders.jsonl
  batch_size: 3
  starting_cash: "25000"
environment:
  mode: shadow
  enable_live_trading: false
live_risk:
  max_order_notional: "2000"
  max_total_exposure_notional: 5000
  max_open_positions: 3
  max_daily_loss_pct: "2.5"
  block_on_violation: true
kill_switch:
  state_file: /var/lib/guard/ks.json
  require_approval_code: false
  max_consecutive_violations: 5
  violation_window: 30m
  trigger_on_unenforced_violations: false
executor:
  fill:
    fee_rate: "0.001"
    slippage_bps: "5"
  timeout: 3s
  reference_prices:
    BTCUSDT: "60000"
invariants:
  mode: always
  max_leverage: 2
logging:
  level: debug
bybit:
  demo: true
  category: linear
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "btc-shadow", cfg.Session.Name)
	assert.Equal(t, 3, cfg.Session.BatchSize)
	assert.True(t, decimal.NewFromInt(25000).Equal(cfg.Session.StartingCash))
	assert.True(t, decimal.NewFromInt(25000).Equal(cfg.LiveRisk.StartingCash), "risk baseline follows the ledger")

	assert.Equal(t, environment.ModeShadow, cfg.Environment.Mode)
	assert.True(t, decimal.NewFromInt(5000).Equal(cfg.LiveRisk.MaxTotalExposureNotional))
	assert.True(t, decimal.RequireFromString("2.5").Equal(cfg.LiveRisk.MaxDailyLossPct))
	assert.True(t, cfg.LiveRisk.Risk().BlockOnViolation)

	ks := cfg.KillSwitch.Switch()
	assert.Equal(t, "/var/lib/guard/ks.json", ks.StateFile)
	assert.False(t, ks.RequireApprovalCode)
	assert.Equal(t, 5, ks.MaxConsecutiveViolations)
	assert.Equal(t, 30*time.Minute, ks.ViolationWindow)
	assert.False(t, ks.TriggerOnUnenforcedViolations)
	assert.True(t, ks.TriggerOnDataAnomaly, "unset booleans keep their safe default")

	assert.Equal(t, 3*time.Second, cfg.Executor.Timeout)
	assert.True(t, decimal.RequireFromString("0.001").Equal(cfg.Executor.Fill.FeeRate))
	assert.True(t, decimal.NewFromInt(60000).Equal(cfg.Executor.ReferencePrices["BTCUSDT"]))
	assert.True(t, cfg.Executor.Testnet.Options().ValidateOnly)

	assert.Equal(t, invariants.ModeAlways, cfg.Invariants.Mode)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "btc-shadow", cfg.Logging.Session)
	assert.True(t, cfg.Bybit.Client.Demo)
	assert.False(t, cfg.Bybit.Client.Testnet)
	assert.Equal(t, "linear", cfg.Bybit.Client.Category)
	assert.Equal(t, 2, cfg.Bybit.Retry.MaxRetries)
}

func TestParseEmptyConfigUsesSafeDefaults(t *testing.T) {
	t.Setenv(EnvApprovalCode, "approve")
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, environment.ModePaper, cfg.Environment.Mode)
	assert.Equal(t, invariants.ModeStartEnd, cfg.Invariants.Mode)
	assert.Equal(t, ":9090", cfg.Monitoring.Addr)
	assert.True(t, cfg.Bybit.Client.Testnet)
	assert.True(t, cfg.LiveRisk.Risk().BlockOnViolation)

	ks := cfg.KillSwitch.Switch()
	assert.True(t, ks.RequireApprovalCode)
	assert.Equal(t, "approve", ks.ApprovalCode)
	assert.Equal(t, 3, ks.MaxConsecutiveViolations)
	assert.True(t, ks.TriggerOnUnenforcedViolations)
}

func TestBlockOnViolationDefaultsToTrue(t *testing.T) {
	t.Setenv(EnvApprovalCode, "approve")
	tests := []struct {
		name string
		yaml string
		want bool
	}{
		{"omitted", "live_risk:\n  max_total_exposure_notional: 5000\n", true},
		{"explicit true", "live_risk:\n  block_on_violation: true\n", true},
		{"explicit false", "live_risk:\n  block_on_violation: false\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.LiveRisk.Risk().BlockOnViolation)
		})
	}
}

func TestSecretsComeFromEnvironment(t *testing.T) {
	t.Setenv(EnvConfirmToken, "tok-123")
	t.Setenv(EnvApprovalCode, "approve")
	t.Setenv(EnvBybitAPIKey, "key")
	t.Setenv(EnvBybitAPISecret, "secret")
	t.Setenv(EnvTelegramToken, "bot-token")
	t.Setenv(EnvTelegramChatID, "42")

	cfg, err := Parse([]byte("environment:\n  mode: live\n  require_confirm_token: true\n"))
	require.NoError(t, err)
	assert.Equal(t, "tok-123", cfg.Environment.ConfirmToken)
	assert.Equal(t, "key", cfg.Bybit.Client.APIKey)
	assert.Equal(t, "secret", cfg.Bybit.Client.APISecret)
	assert.True(t, cfg.Alerts.TelegramEnabled())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown mode", "environment:\n  mode: yolo\n"},
		{"live without confirm token", "environment:\n  mode: live\n  require_confirm_token: true\n"},
		{"negative risk threshold", "live_risk:\n  max_order_notional: -1\n"},
		{"approval required without code", "kill_switch:\n  require_approval_code: true\n"},
		{"testnet without validate only", "environment:\n  mode: testnet\nexecutor:\n  testnet:\n    validate_only: false\n"},
		{"bad invariant mode", "invariants:\n  mode: sometimes\n"},
		{"unknown key", "environment:\n  mood: paper\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvConfirmToken, "")
			if tt.name != "approval required without code" {
				t.Setenv(EnvApprovalCode, "approve")
			} else {
				t.Setenv(EnvApprovalCode, "")
			}
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, guarderrors.ExitConfiguration, guarderrors.ExitCode(err))
		})
	}
}

func TestLoadAndLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(EnvApprovalCode+"=from-dotenv\n"), 0o600))
	t.Setenv(EnvApprovalCode, "")
	os.Unsetenv(EnvApprovalCode)

	require.NoError(t, LoadEnv(envFile))
	require.NoError(t, LoadEnv(filepath.Join(dir, "missing.env")))

	path := filepath.Join(dir, "guard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session:\n  name: from-file\n"), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Session.Name)
	assert.Equal(t, "from-dotenv", cfg.KillSwitch.Switch().ApprovalCode)

	_, err = Load(filepath.Join(dir, "nope.yaml"))
	assert.Equal(t, guarderrors.ExitConfiguration, guarderrors.ExitCode(err))
}
