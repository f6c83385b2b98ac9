package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ducminhle1904/trade-guard/internal/audit"
	"github.com/ducminhle1904/trade-guard/internal/notifications"
	"github.com/ducminhle1904/trade-guard/internal/portfolio"
	"github.com/ducminhle1904/trade-guard/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixedSnapshot struct{ snap portfolio.Snapshot }

func (f fixedSnapshot) Snapshot() portfolio.Snapshot { return f.snap }

func emptySnapshot() portfolio.Snapshot {
	return portfolio.Snapshot{StartingCash: d("10000"), Cash: d("10000"), Equity: d("10000")}
}

func newEvaluator(cfg Config, snap portfolio.Snapshot) (*Evaluator, *audit.MemorySink, *notifications.Recorder) {
	sink := audit.NewMemorySink()
	alerts := &notifications.Recorder{}
	prices := types.NewStaticPrices(map[string]decimal.Decimal{
		"BTCUSDT": d("60000"),
		"ETHUSDT": d("3000"),
	})
	e := NewEvaluator(cfg, fixedSnapshot{snap}, prices, audit.NewRecorder(zap.NewNop(), sink), alerts, zap.NewNop()).
		WithClock(func() time.Time { return time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC) })
	return e, sink, alerts
}

func notionalOrder(symbol string, notional string) types.Order {
	o := types.NewMarketOrder(symbol, types.SideBuy, d("1"))
	o.Notional = decimal.NewNullDecimal(d(notional))
	return o
}

func TestCheckOrdersTotalExposure(t *testing.T) {
	e, sink, alerts := newEvaluator(Config{MaxTotalExposureNotional: d("5000"), BlockOnViolation: true}, emptySnapshot())

	res := e.CheckOrders(context.Background(), []types.Order{
		notionalOrder("BTCUSDT", "3500"),
		notionalOrder("ETHUSDT", "2500"),
	})

	assert.False(t, res.Allowed)
	assert.True(t, res.Blocks())
	assert.Equal(t, []string{CodeMaxTotalExposureNotional}, res.Codes())
	assert.True(t, d("6000").Equal(res.Evaluated.BatchNotional))

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.DecisionDenied, entries[0].Decision)
	assert.Equal(t, "true", entries[0].Context["block_on_violation"])

	events := alerts.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notifications.SeverityCritical, events[0].Severity)
	assert.Equal(t, AlertCode, events[0].Code)
}

func TestCheckOrdersAccumulatesViolations(t *testing.T) {
	snap := emptySnapshot()
	snap.Positions = []portfolio.Position{
		{Symbol: "BTCUSDT", Quantity: d("0.05"), AvgPrice: d("60000"), MarkPrice: d("60000")},
	}
	snap.RealizedPnLToday = d("-600")

	cfg := Config{
		MaxOrderNotional:          d("2000"),
		MaxSymbolExposureNotional: d("4000"),
		MaxTotalExposureNotional:  d("5000"),
		MaxOpenPositions:          1,
		MaxDailyLossAbs:           d("500"),
		MaxDailyLossPct:           d("5"),
		StartingCash:              d("10000"),
		BlockOnViolation:          true,
	}
	e, _, alerts := newEvaluator(cfg, snap)

	// 0.05 BTC at 60000 = 3000 notional, 1 ETH at 3000 = 3000 notional
	res := e.CheckOrders(context.Background(), []types.Order{
		types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.05")),
		types.NewMarketOrder("ETHUSDT", types.SideBuy, d("1")),
	})

	assert.Equal(t, []string{
		CodeMaxOrderNotional,
		CodeMaxOrderNotional,
		CodeMaxSymbolExposureNotional,
		CodeMaxTotalExposureNotional,
		CodeMaxOpenPositions,
		CodeMaxDailyLossAbs,
		CodeMaxDailyLossPct,
	}, res.Codes())
	assert.True(t, d("6000").Equal(res.Evaluated.ProjectedSymbolNotional["BTCUSDT"]))
	assert.True(t, d("9000").Equal(res.Evaluated.ProjectedTotalExposure))
	assert.Equal(t, 2, res.Evaluated.ProjectedOpenPositions)
	assert.True(t, d("6").Equal(res.Evaluated.DailyLossPct))
	assert.Len(t, alerts.Events(), 1)
}

func TestCheckOrdersNetsAgainstHeldPosition(t *testing.T) {
	// 0.1 BTC long bought at 50000, valued at the 60000 reference price
	snap := emptySnapshot()
	snap.Positions = []portfolio.Position{
		{Symbol: "BTCUSDT", Quantity: d("0.1"), AvgPrice: d("50000"), MarkPrice: d("50000")},
	}
	cfg := Config{
		MaxSymbolExposureNotional: d("6000"),
		MaxTotalExposureNotional:  d("6000"),
		MaxOpenPositions:          1,
		BlockOnViolation:          true,
	}

	tests := []struct {
		name      string
		side      types.Side
		qty       string
		wantCodes []string
		wantSym   string
		wantTotal string
		wantOpen  int
	}{
		{"reducing sell", types.SideSell, "0.05", []string{}, "3000", "3000", 1},
		{"full close", types.SideSell, "0.1", []string{}, "0", "0", 0},
		{"flip to short", types.SideSell, "0.3", []string{CodeMaxSymbolExposureNotional, CodeMaxTotalExposureNotional}, "12000", "12000", 1},
		{"adding buy", types.SideBuy, "0.05", []string{CodeMaxSymbolExposureNotional, CodeMaxTotalExposureNotional}, "9000", "9000", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newEvaluator(cfg, snap)
			res := e.CheckOrders(context.Background(), []types.Order{
				types.NewMarketOrder("BTCUSDT", tt.side, d(tt.qty)),
			})
			assert.Equal(t, tt.wantCodes, res.Codes())
			assert.Equal(t, len(tt.wantCodes) == 0, res.Allowed)
			assert.True(t, d(tt.wantSym).Equal(res.Evaluated.ProjectedSymbolNotional["BTCUSDT"]),
				"symbol exposure %s", res.Evaluated.ProjectedSymbolNotional["BTCUSDT"])
			assert.True(t, d(tt.wantTotal).Equal(res.Evaluated.ProjectedTotalExposure),
				"total exposure %s", res.Evaluated.ProjectedTotalExposure)
			assert.Equal(t, tt.wantOpen, res.Evaluated.ProjectedOpenPositions)
		})
	}
}

func TestCheckOrdersNetsWithinBatch(t *testing.T) {
	e, _, _ := newEvaluator(Config{
		MaxTotalExposureNotional: d("5000"),
		MaxOpenPositions:         1,
		BlockOnViolation:         true,
	}, emptySnapshot())

	res := e.CheckOrders(context.Background(), []types.Order{
		types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.05")),
		types.NewMarketOrder("BTCUSDT", types.SideSell, d("0.05")),
		types.NewMarketOrder("ETHUSDT", types.SideSell, d("1")),
	})
	assert.True(t, res.Allowed, res.Reason())
	assert.True(t, d("9000").Equal(res.Evaluated.BatchNotional))
	assert.True(t, d("3000").Equal(res.Evaluated.ProjectedTotalExposure))
	assert.Equal(t, 1, res.Evaluated.ProjectedOpenPositions)
}

func TestCheckOrdersWithinLimits(t *testing.T) {
	e, sink, alerts := newEvaluator(Config{MaxTotalExposureNotional: d("5000"), BlockOnViolation: true}, emptySnapshot())

	res := e.CheckOrders(context.Background(), []types.Order{notionalOrder("ETHUSDT", "4999.99")})
	assert.True(t, res.Allowed)
	assert.False(t, res.Blocks())
	assert.Empty(t, alerts.Events())
	assert.Equal(t, audit.DecisionAllowed, sink.Entries()[0].Decision)

	last, ok := e.LastResult()
	require.True(t, ok)
	assert.Equal(t, res.CheckedAt, last.CheckedAt)
}

func TestCheckOrdersMissingPrice(t *testing.T) {
	e, _, _ := newEvaluator(Config{BlockOnViolation: true}, emptySnapshot())
	res := e.CheckOrders(context.Background(), []types.Order{types.NewMarketOrder("DOGEUSDT", types.SideBuy, d("100"))})
	assert.Equal(t, []string{CodeMissingReferencePrice}, res.Codes())
}

func TestBlockOnViolationFalseStillAudits(t *testing.T) {
	e, sink, alerts := newEvaluator(Config{MaxOrderNotional: d("100")}, emptySnapshot())

	res := e.CheckOrders(context.Background(), []types.Order{notionalOrder("ETHUSDT", "150")})
	assert.False(t, res.Allowed)
	assert.False(t, res.Enforced)
	assert.False(t, res.Blocks())

	entry := sink.Entries()[0]
	assert.Equal(t, DecisionViolationNotEnforced, entry.Decision)
	assert.Equal(t, "false", entry.Context["block_on_violation"])
	assert.Len(t, alerts.Events(), 1)
}

func TestEvaluatePortfolio(t *testing.T) {
	snap := emptySnapshot()
	snap.Positions = []portfolio.Position{
		{Symbol: "BTCUSDT", Quantity: d("0.1"), MarkPrice: d("60000")},
		{Symbol: "ETHUSDT", Quantity: d("-1"), MarkPrice: d("3000")},
	}
	e, sink, _ := newEvaluator(Config{
		MaxSymbolExposureNotional: d("5000"),
		MaxTotalExposureNotional:  d("8000"),
		BlockOnViolation:          true,
	}, emptySnapshot())

	res := e.EvaluatePortfolio(context.Background(), snap)
	assert.Equal(t, "portfolio", res.Kind)
	assert.Equal(t, []string{CodeMaxSymbolExposureNotional, CodeMaxTotalExposureNotional}, res.Codes())
	assert.True(t, d("9000").Equal(res.Evaluated.ProjectedTotalExposure))
	assert.Equal(t, "portfolio", sink.Entries()[0].Context["operation"])
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{MaxOrderNotional: d("10")}.Validate())
	assert.Error(t, Config{MaxDailyLossPct: d("-1")}.Validate())
	assert.Error(t, Config{MaxOpenPositions: -1}.Validate())
}
