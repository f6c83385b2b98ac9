package reporting

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ducminhle1904/trade-guard/internal/audit"
	"github.com/ducminhle1904/trade-guard/internal/environment"
	"github.com/ducminhle1904/trade-guard/internal/executor"
	"github.com/ducminhle1904/trade-guard/internal/killswitch"
	"github.com/ducminhle1904/trade-guard/internal/pipeline"
	"github.com/ducminhle1904/trade-guard/internal/safety"
	"github.com/ducminhle1904/trade-guard/pkg/types"
)

func shadowRecords(t *testing.T) []executor.ShadowRecord {
	t.Helper()
	prices := types.NewStaticPrices(map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(60000)})
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	shadow := executor.NewShadowExecutor(prices, executor.FillModel{FeeRate: decimal.RequireFromString("0.001")}).
		WithClock(func() time.Time { return at })

	orders := []types.Order{
		types.NewMarketOrder("BTCUSDT", types.SideBuy, decimal.RequireFromString("0.01")),
		types.NewLimitOrder("BTCUSDT", types.SideBuy, decimal.RequireFromString("0.01"), decimal.NewFromInt(50000)),
		types.NewMarketOrder("ETHUSDT", types.SideSell, decimal.NewFromInt(1)),
	}
	for _, o := range orders {
		_, err := shadow.ExecuteOrder(context.Background(), o)
		require.NoError(t, err)
	}
	return shadow.Log()
}

func TestWriteShadowOrdersXLSX(t *testing.T) {
	records := shadowRecords(t)
	path := filepath.Join(t.TempDir(), "nested", "shadow.xlsx")

	require.NoError(t, WriteShadowOrdersXLSX(records, path))

	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer fx.Close()

	rows, err := fx.GetRows(ShadowOrdersSheet)
	require.NoError(t, err)
	require.Len(t, rows, len(records)+1)
	assert.Equal(t, shadowHeaders, rows[0])
	assert.Equal(t, records[0].Order.ClientOrderID, rows[1][1])
	assert.Equal(t, "filled", rows[1][7])
	assert.Equal(t, "50000", rows[2][6])
	assert.Equal(t, "rejected", rows[2][7])

	summary, err := fx.GetRows(SummarySheet)
	require.NoError(t, err)
	require.Len(t, summary, 4) // header, filled, rejected, total
	assert.Equal(t, "filled", summary[1][0])
	assert.Equal(t, "1", summary[1][1])
	assert.Equal(t, "rejected", summary[2][0])
	assert.Equal(t, "2", summary[2][1])
	assert.Equal(t, "Total", summary[3][0])
	assert.Equal(t, "3", summary[3][1])
}

func TestWriteShadowOrdersCSV(t *testing.T) {
	records := shadowRecords(t)
	path := filepath.Join(t.TempDir(), "shadow.csv")

	require.NoError(t, WriteShadowOrders(records, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Recorded At", rows[0][0])
	assert.Equal(t, "2026-03-01T12:00:00Z", rows[1][0])
	assert.Equal(t, "600", rows[1][10])
}

func TestWriteShadowOrdersDelegatesXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shadow.XLSX")
	require.NoError(t, WriteShadowOrders(shadowRecords(t), path))

	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer fx.Close()
	assert.Contains(t, fx.GetSheetList(), SummarySheet)
}

func TestWriteAuditXLSX(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	entries := []audit.Entry{
		{ID: "a", Timestamp: at, Component: "kill_switch", Decision: audit.DecisionDenied,
			Context: map[string]string{"reason": "manual", "actor": "ops"}},
		{ID: "b", Timestamp: at.Add(time.Minute), Component: "safety_guard", Decision: audit.DecisionAllowed},
	}
	path := filepath.Join(t.TempDir(), "audit.xlsx")
	require.NoError(t, WriteAuditXLSX(entries, path))

	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer fx.Close()

	rows, err := fx.GetRows(AuditSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, auditHeaders, rows[0])
	assert.Equal(t, "kill_switch", rows[1][1])
	assert.Equal(t, "actor=ops; reason=manual", rows[1][4])
	assert.Equal(t, "allowed", rows[2][2])
}

func TestConsoleReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewConsoleReporter(&buf)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r.PrintKillSwitchState(killswitch.State{
		Status:        killswitch.StatusTriggered,
		TriggerReason: killswitch.ReasonManual,
		TriggeredAt:   &now,
		Version:       3,
		UpdatedAt:     now,
	})
	out := buf.String()
	assert.Contains(t, out, "KILL SWITCH")
	assert.Contains(t, out, "TRIGGERED")
	assert.Contains(t, out, killswitch.ReasonManual)

	buf.Reset()
	r.PrintEnvironment(environment.Evaluate(environment.Config{Mode: environment.ModeLive}))
	assert.Contains(t, buf.String(), "BLOCKED")
	assert.Contains(t, buf.String(), string(environment.EffectiveLiveBlocked))

	buf.Reset()
	records := shadowRecords(t)
	batch := &pipeline.BatchResult{ID: "batch-0001", Route: environment.EffectiveShadow}
	for _, rec := range records {
		batch.Results = append(batch.Results, rec.Result)
	}
	r.PrintBatchSummary(batch)
	footer := strings.ToLower(buf.String())
	assert.Contains(t, footer, "1 filled")
	assert.Contains(t, footer, "2 rejected")

	buf.Reset()
	r.PrintAuditTrail([]audit.Entry{
		{Timestamp: now, Component: "risk_limits", Decision: audit.DecisionAllowed},
		{Timestamp: now, Component: "pipeline", Decision: audit.DecisionDenied},
	}, 1)
	assert.Contains(t, buf.String(), "AUDIT TRAIL (1)")
	assert.Contains(t, buf.String(), "pipeline")
	assert.NotContains(t, buf.String(), "risk_limits")
}

func TestPrintGuardDecision(t *testing.T) {
	var buf bytes.Buffer
	guard := safety.NewGuard(environment.Config{Mode: environment.ModeLive}, nil, nil)
	NewConsoleReporter(&buf).PrintGuardDecision(guard.Authorize(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "DENIED")
	assert.Contains(t, out, "live_trading_disabled")
	assert.Contains(t, out, string(environment.EffectiveLiveBlocked))
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintJSON(&buf, map[string]string{"status": "active"}))
	assert.JSONEq(t, `{"status":"active"}`, buf.String())
}

func TestDefaultOutputDir(t *testing.T) {
	assert.Equal(t, filepath.Join("results", "gatekeeper"), DefaultOutputDir("gatekeeper"))
	assert.Equal(t, filepath.Join("results", "unknown"), DefaultOutputDir("  "))
	assert.Equal(t,
		filepath.Join("results", "s", "shadow_orders_2026-03-01.xlsx"),
		DefaultShadowExportPath("s", time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)))
}
