package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ducminhle1904/trade-guard/internal/audit"
	"github.com/ducminhle1904/trade-guard/internal/environment"
	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
	"github.com/ducminhle1904/trade-guard/internal/executor"
	"github.com/ducminhle1904/trade-guard/internal/invariants"
	"github.com/ducminhle1904/trade-guard/internal/killswitch"
	"github.com/ducminhle1904/trade-guard/internal/monitoring"
	"github.com/ducminhle1904/trade-guard/internal/notifications"
	"github.com/ducminhle1904/trade-guard/internal/portfolio"
	"github.com/ducminhle1904/trade-guard/internal/risk"
	"github.com/ducminhle1904/trade-guard/internal/safety"
	"github.com/ducminhle1904/trade-guard/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// tickingClock advances one millisecond per reading so fill timestamps stay strictly increasing
type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type harness struct {
	p      *Pipeline
	sink   *audit.MemorySink
	alerts *notifications.Recorder
	ks     *killswitch.Switch
	ledger *portfolio.Ledger
	prices *types.StaticPrices
}

type options struct {
	env          environment.Config
	risk         risk.Config
	startingCash string
	testnet      executor.ValidationClient
	timeout      time.Duration
	snapshotPath string
	clock        func() time.Time
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	if opts.startingCash == "" {
		opts.startingCash = "100000"
	}
	now := opts.clock
	if now == nil {
		now = (&tickingClock{t: time.Date(2025, 6, 3, 9, 30, 0, 0, time.UTC)}).Now
	}

	h := &harness{
		sink:   audit.NewMemorySink(),
		alerts: &notifications.Recorder{},
		prices: types.NewStaticPrices(map[string]decimal.Decimal{
			"BTCUSDT": d("60000"),
			"ETHUSDT": d("3000"),
		}),
	}
	rec := audit.NewRecorder(zap.NewNop(), h.sink)

	checker := invariants.NewChecker(invariants.Config{Mode: invariants.ModeAlways, MaxLeverage: 5})
	h.ledger = portfolio.NewLedger(d(opts.startingCash), checker)

	ksCfg := killswitch.DefaultConfig()
	ksCfg.StateFile = ""
	ksCfg.AuditDir = ""
	ksCfg.ApprovalCode = "let-me-in"
	ks, err := killswitch.New(context.Background(), ksCfg, nil, rec, h.alerts, zap.NewNop())
	require.NoError(t, err)
	h.ks = ks

	model := executor.FillModel{FeeRate: d("0.001")}
	set := executor.Set{
		Paper:  executor.NewPaperExecutor(h.prices, model),
		Shadow: executor.NewShadowExecutor(h.prices, model),
		Live:   executor.NewLiveExecutor(),
	}
	if opts.testnet != nil {
		set.Testnet, err = executor.NewTestnetExecutor(opts.testnet, executor.TestnetOptions{ValidateOnly: true}, zap.NewNop())
		require.NoError(t, err)
	}

	h.p, err = New(Deps{
		Guard:           safety.NewGuard(opts.env, rec, zap.NewNop()),
		Risk:            risk.NewEvaluator(opts.risk, h.ledger, h.prices, rec, h.alerts, zap.NewNop()),
		KillSwitch:      ks,
		Executors:       set,
		Ledger:          h.ledger,
		Recorder:        rec,
		Logger:          zap.NewNop(),
		Clock:           now,
		ExecutorTimeout: opts.timeout,
		SnapshotPath:    opts.snapshotPath,
	})
	require.NoError(t, err)
	return h
}

func paperEnv() environment.Config {
	return environment.Config{Mode: environment.ModePaper}
}

func components(entries []audit.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Component)
	}
	return out
}

func TestPaperBatchFillsAndBooksLedger(t *testing.T) {
	h := newHarness(t, options{env: paperEnv()})

	batch, err := h.p.ExecuteWithSafety(context.Background(), []types.Order{
		types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.01")),
		types.NewMarketOrder("ETHUSDT", types.SideBuy, d("1")),
	})
	require.NoError(t, err)
	assert.Equal(t, environment.EffectivePaper, batch.Route)
	assert.Equal(t, 2, batch.Count(types.StatusFilled))
	for _, res := range batch.Results {
		assert.Equal(t, types.ModePaper, res.Metadata[types.MetaMode])
	}

	snap := h.ledger.Snapshot()
	assert.Equal(t, 2, snap.OpenPositions())
	assert.True(t, d("3600").Equal(snap.GrossExposure()), snap.GrossExposure().String())

	assert.Equal(t, []string{
		safety.Component,
		risk.Component,
		killswitch.Component,
		Component,
	}, components(h.sink.Entries()))
}

func TestLiveDisabledBlocksWithoutExecuting(t *testing.T) {
	h := newHarness(t, options{env: environment.Config{
		Mode:              environment.ModeLive,
		EnableLiveTrading: false,
		LiveModeArmed:     true,
	}})

	batch, err := h.p.ExecuteWithSafety(context.Background(), []types.Order{
		types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.01")),
	})
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)

	res := batch.Results[0]
	assert.Equal(t, types.StatusBlocked, res.Status)
	assert.Equal(t, "live_trading_disabled", res.Reason())
	assert.Contains(t, res.Metadata[types.MetaReason], "enable_live_trading")
	assert.Equal(t, types.ModeLiveBlocked, res.Metadata[types.MetaMode])
	assert.Equal(t, 0, h.ledger.Snapshot().OpenPositions())

	// Risk and kill switch still ran and audited
	assert.NotEmpty(t, h.sink.ByComponent(risk.Component))
	assert.NotEmpty(t, h.sink.ByComponent(killswitch.Component))
}

func TestStaleDryRunFlagBlocksLive(t *testing.T) {
	h := newHarness(t, options{env: environment.Config{
		Mode:              environment.ModeLive,
		EnableLiveTrading: true,
		LiveModeArmed:     true,
		TestnetDryRun:     true,
		ConfirmToken:      "token",
	}})

	batch, err := h.p.ExecuteWithSafety(context.Background(), []types.Order{
		types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.01")),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, batch.Results[0].Status)
	assert.Contains(t, batch.Results[0].Metadata[types.MetaReason], "dry_run")
}

func TestRepeatedRiskViolationsHaltSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{
		env:  paperEnv(),
		risk: risk.Config{MaxTotalExposureNotional: d("5000"), BlockOnViolation: true},
	})
	oversized := func() []types.Order {
		return []types.Order{types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.1"))}
	}

	for i := 0; i < 2; i++ {
		batch, err := h.p.ExecuteWithSafety(ctx, oversized())
		require.NoError(t, err)
		assert.Equal(t, CodeRiskLimitViolation, batch.Results[0].Reason())
	}

	batch, err := h.p.ExecuteWithSafety(ctx, oversized())
	var halt *KillSwitchHaltError
	require.True(t, errors.As(err, &halt))
	assert.Equal(t, killswitch.ReasonRepeatedViolations, halt.TriggerReason)
	assert.Equal(t, killswitch.ReasonTriggered, batch.Results[0].Reason())

	// A clean order after the trip is still blocked
	batch, err = h.p.ExecuteWithSafety(ctx, []types.Order{types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.01"))})
	require.Error(t, err)
	assert.Equal(t, guarderrors.ExitKillSwitch, guarderrors.ExitCode(err))
	assert.True(t, batch.Risk.Allowed)
	assert.Equal(t, types.StatusBlocked, batch.Results[0].Status)
	assert.Equal(t, killswitch.ReasonTriggered, batch.Results[0].Reason())
	assert.Equal(t, 0, h.ledger.Snapshot().OpenPositions())

	events := h.alerts.Events()
	var codes []string
	for _, ev := range events {
		codes = append(codes, ev.Code)
	}
	assert.Contains(t, codes, killswitch.AlertCodeTriggered)
	assert.Contains(t, codes, risk.AlertCode)
}

func TestRecoveredSwitchLetsOrdersThrough(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{env: paperEnv()})
	require.NoError(t, h.ks.Trigger(ctx, killswitch.ReasonManual, "operator"))

	_, err := h.p.ExecuteWithSafety(ctx, []types.Order{types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.01"))})
	require.Error(t, err)

	require.NoError(t, h.ks.Recover(ctx, "let-me-in", "ops"))
	batch, err := h.p.ExecuteWithSafety(ctx, []types.Order{types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.01"))})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, batch.Results[0].Status)
}

func TestUnenforcedViolationStillExecutes(t *testing.T) {
	h := newHarness(t, options{
		env:  paperEnv(),
		risk: risk.Config{MaxOrderNotional: d("1000"), BlockOnViolation: false},
	})

	batch, err := h.p.ExecuteWithSafety(context.Background(), []types.Order{
		types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.1")),
	})
	require.NoError(t, err)
	assert.False(t, batch.Risk.Allowed)
	assert.False(t, batch.Risk.Blocks())
	assert.Equal(t, types.StatusFilled, batch.Results[0].Status)
}

func TestMalformedOrderRejectedOthersProceed(t *testing.T) {
	h := newHarness(t, options{env: paperEnv()})
	bad := types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0"))
	good := types.NewMarketOrder("ETHUSDT", types.SideSell, d("1"))

	batch, err := h.p.ExecuteWithSafety(context.Background(), []types.Order{bad, good, good})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, batch.Results[0].Status)
	assert.Equal(t, "malformed_order", batch.Results[0].Reason())
	assert.Equal(t, types.StatusFilled, batch.Results[1].Status)
	assert.Equal(t, "malformed_order", batch.Results[2].Reason(), "duplicate client order id")
}

func TestResubmittedOrderIsRejected(t *testing.T) {
	h := newHarness(t, options{env: paperEnv()})
	order := types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.01"))

	first, err := h.p.ExecuteWithSafety(context.Background(), []types.Order{order})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, first.Results[0].Status)

	second, err := h.p.ExecuteWithSafety(context.Background(), []types.Order{
		order,
		types.NewMarketOrder("ETHUSDT", types.SideBuy, d("1")),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, second.Results[0].Status)
	assert.Equal(t, "malformed_order", second.Results[0].Reason())
	assert.Equal(t, types.StatusFilled, second.Results[1].Status)
	assert.True(t, d("0.01").Equal(h.ledger.Snapshot().Positions[0].Quantity), "BTC booked once")
}

func TestSubmittedIDsForgetOldest(t *testing.T) {
	ids := newSubmittedIDs(2)
	ids.add("a")
	ids.add("b")
	ids.add("a")
	ids.add("c")
	assert.False(t, ids.has("a"))
	assert.True(t, ids.has("b"))
	assert.True(t, ids.has("c"))
}

type stalledVenue struct{}

func (stalledVenue) ValidateOrder(ctx context.Context, _ types.Order) (types.VenueValidation, error) {
	<-ctx.Done()
	return types.VenueValidation{}, ctx.Err()
}

func (stalledVenue) Name() string { return "stalled" }

func TestExecutorTimeoutRejects(t *testing.T) {
	h := newHarness(t, options{
		env:     environment.Config{Mode: environment.ModeTestnet, TestnetDryRun: true},
		testnet: stalledVenue{},
		timeout: 20 * time.Millisecond,
	})

	batch, err := h.p.ExecuteWithSafety(context.Background(), []types.Order{
		types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.01")),
	})
	require.NoError(t, err)
	assert.Equal(t, environment.EffectiveTestnetDryRun, batch.Route)
	assert.Equal(t, types.StatusRejected, batch.Results[0].Status)
	assert.Equal(t, CodeExecutorTimeout, batch.Results[0].Reason())
	assert.Equal(t, types.ModeTestnetDryRun, batch.Results[0].Metadata[types.MetaMode])
}

func TestMissingExecutorIsConfigurationError(t *testing.T) {
	h := newHarness(t, options{env: environment.Config{Mode: environment.ModeTestnet, TestnetDryRun: true}})

	batch, err := h.p.ExecuteWithSafety(context.Background(), []types.Order{
		types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.01")),
	})
	require.Error(t, err)
	assert.Equal(t, guarderrors.ExitConfiguration, guarderrors.ExitCode(err))
	assert.Equal(t, types.StatusBlocked, batch.Results[0].Status)
}

func TestInvariantViolationIsFatal(t *testing.T) {
	h := newHarness(t, options{env: paperEnv(), startingCash: "100"})

	batch, err := h.p.ExecuteWithSafety(context.Background(), []types.Order{
		types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.01")),
		types.NewMarketOrder("ETHUSDT", types.SideBuy, d("0.01")),
	})
	var violation *invariants.ViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, guarderrors.ExitInvariant, guarderrors.ExitCode(err))

	assert.Equal(t, CodeInvariantViolation, batch.Results[0].Reason())
	assert.Equal(t, types.StatusBlocked, batch.Results[1].Status)
	assert.Equal(t, CodeInvariantViolation, batch.Results[1].Reason())

	snap := h.ledger.Snapshot()
	assert.Equal(t, 0, snap.OpenPositions())
	assert.True(t, d("100").Equal(snap.Cash))
}

func TestFixedClockFillsStayOrdered(t *testing.T) {
	fixed := time.Date(2025, 6, 3, 9, 30, 0, 0, time.UTC)
	h := newHarness(t, options{env: paperEnv(), clock: func() time.Time { return fixed }})

	for i := 0; i < 2; i++ {
		batch, err := h.p.ExecuteWithSafety(context.Background(), []types.Order{
			types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.01")),
			types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.01")),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, batch.Count(types.StatusFilled))
	}

	stamps := h.ledger.InvariantState().Timestamps
	require.Len(t, stamps, 4)
	assert.Equal(t, fixed, stamps[0])
	for i := 1; i < len(stamps); i++ {
		assert.True(t, stamps[i].After(stamps[i-1]))
	}
	assert.NoError(t, h.ledger.CheckInvariants(invariants.PointEnd))
}

func TestStartRefusesHaltedSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{env: paperEnv()})
	require.NoError(t, h.p.Start(ctx))

	require.NoError(t, h.ks.Trigger(ctx, killswitch.ReasonManual, "operator"))
	var halt *KillSwitchHaltError
	assert.True(t, errors.As(h.p.Start(ctx), &halt))
}

func TestFinishPersistsLedgerSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")
	h := newHarness(t, options{env: paperEnv(), snapshotPath: path})

	_, err := h.p.ExecuteWithSafety(ctx, []types.Order{types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.01"))})
	require.NoError(t, err)
	require.NoError(t, h.p.Finish(ctx))

	_, err = os.Stat(path)
	require.NoError(t, err)
	loaded, found, err := portfolio.LoadLedger(path, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, loaded.Snapshot().HasPosition("BTCUSDT"))
}

func TestStatusIsSideEffectFree(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{
		env:  paperEnv(),
		risk: risk.Config{MaxOrderNotional: d("100"), BlockOnViolation: true},
	})

	st := h.p.Status()
	assert.Equal(t, environment.EffectivePaper, st.EffectiveMode)
	assert.Equal(t, killswitch.StatusArmed, st.KillSwitch)
	assert.Nil(t, st.LastRisk)
	assert.Empty(t, h.sink.Entries())

	_, err := h.p.ExecuteWithSafety(ctx, []types.Order{types.NewMarketOrder("BTCUSDT", types.SideBuy, d("0.01"))})
	require.NoError(t, err)

	before := len(h.sink.Entries())
	report := h.p.Report()
	assert.Equal(t, monitoring.HealthDegraded, report.Status)
	require.NotNil(t, h.p.Status().LastRisk)
	assert.Equal(t, before, len(h.sink.Entries()))

	require.NoError(t, h.ks.Trigger(ctx, killswitch.ReasonManual, "operator"))
	assert.Equal(t, monitoring.HealthHalted, h.p.Report().Status)
}
