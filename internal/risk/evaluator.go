package risk

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ducminhle1904/trade-guard/internal/audit"
	"github.com/ducminhle1904/trade-guard/internal/logger"
	"github.com/ducminhle1904/trade-guard/internal/monitoring"
	"github.com/ducminhle1904/trade-guard/internal/notifications"
	"github.com/ducminhle1904/trade-guard/internal/portfolio"
	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// Component is the audit component name used by the evaluator
const Component = "risk_limits"

// AlertCode is the alert code emitted for violating checks
const AlertCode = "risk_limit_violation"

// Decision recorded when violations are found but block_on_violation is off
const DecisionViolationNotEnforced = "violation_not_enforced"

var hundred = decimal.NewFromInt(100)

// SnapshotSource supplies the shared exposure and daily PnL aggregate
type SnapshotSource interface {
	Snapshot() portfolio.Snapshot
}

// Evaluator is the risk limit veto authority. It never computes PnL itself; the day's
// realized PnL comes from the injected SnapshotSource.
type Evaluator struct {
	cfg      Config
	source   SnapshotSource
	prices   types.PriceSource
	recorder *audit.Recorder
	alerts   notifications.Alerter
	log      *zap.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last *CheckResult
}

// NewEvaluator creates a risk evaluator
func NewEvaluator(cfg Config, source SnapshotSource, prices types.PriceSource, recorder *audit.Recorder, alerts notifications.Alerter, log *zap.Logger) *Evaluator {
	return &Evaluator{
		cfg:      cfg,
		source:   source,
		prices:   prices,
		recorder: recorder,
		alerts:   notifications.OrNop(alerts),
		log:      logger.OrNop(log).With(zap.String("component", Component)),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Config returns the thresholds in force
func (e *Evaluator) Config() Config {
	return e.cfg
}

func (e *Evaluator) snapshot() portfolio.Snapshot {
	if e.source == nil {
		return portfolio.Snapshot{StartingCash: e.cfg.StartingCash, Cash: e.cfg.StartingCash, Equity: e.cfg.StartingCash}
	}
	return e.source.Snapshot()
}

// CheckOrders evaluates a candidate batch against the current exposure. Every
// threshold is checked; violations accumulate instead of short-circuiting.
//
// Exposure is projected per symbol on signed notional: the current position plus
// buys minus sells, netted before taking the absolute value, so orders that reduce
// or close a position lower the projection.
func (e *Evaluator) CheckOrders(ctx context.Context, orders []types.Order) CheckResult {
	snap := e.snapshot()
	result := CheckResult{Kind: "orders", CheckedAt: e.now()}
	ev := Evaluated{OrderCount: len(orders), BatchNotional: decimal.Zero}

	batchBySymbol := make(map[string]decimal.Decimal)
	for _, order := range orders {
		notional, ok := e.orderNotional(order)
		if !ok {
			result.Violations = append(result.Violations, Violation{
				Code:    CodeMissingReferencePrice,
				Symbol:  order.Symbol,
				Message: fmt.Sprintf("%s: no reference price to value order %s", CodeMissingReferencePrice, order.ClientOrderID),
			})
			continue
		}
		ev.BatchNotional = ev.BatchNotional.Add(notional)
		signed := notional
		if order.Side == types.SideSell {
			signed = signed.Neg()
		}
		batchBySymbol[order.Symbol] = batchBySymbol[order.Symbol].Add(signed)

		if exceeds(notional, e.cfg.MaxOrderNotional) {
			result.Violations = append(result.Violations, Violation{
				Code:     CodeMaxOrderNotional,
				Symbol:   order.Symbol,
				Limit:    e.cfg.MaxOrderNotional,
				Observed: notional,
				Message: fmt.Sprintf("%s: order %s notional %s exceeds %s",
					CodeMaxOrderNotional, order.ClientOrderID, notional.StringFixed(2), e.cfg.MaxOrderNotional),
			})
		}
	}

	ev.ProjectedSymbolNotional = make(map[string]decimal.Decimal, len(batchBySymbol))
	total := decimal.Zero
	open := 0
	for _, p := range snap.Positions {
		if _, touched := batchBySymbol[p.Symbol]; touched {
			continue
		}
		total = total.Add(p.Notional())
		open++
	}
	for _, symbol := range sortedKeys(batchBySymbol) {
		projected := e.positionNotional(snap, symbol).Add(batchBySymbol[symbol]).Abs()
		ev.ProjectedSymbolNotional[symbol] = projected
		total = total.Add(projected)
		if !projected.IsZero() {
			open++
		}
		if exceeds(projected, e.cfg.MaxSymbolExposureNotional) {
			result.Violations = append(result.Violations, symbolViolation(symbol, projected, e.cfg.MaxSymbolExposureNotional))
		}
	}

	ev.ProjectedTotalExposure = total
	if exceeds(ev.ProjectedTotalExposure, e.cfg.MaxTotalExposureNotional) {
		result.Violations = append(result.Violations, totalViolation(ev.ProjectedTotalExposure, e.cfg.MaxTotalExposureNotional))
	}

	ev.ProjectedOpenPositions = open
	if e.cfg.MaxOpenPositions > 0 && ev.ProjectedOpenPositions > e.cfg.MaxOpenPositions {
		result.Violations = append(result.Violations, openPositionsViolation(ev.ProjectedOpenPositions, e.cfg.MaxOpenPositions))
	}

	result.Violations = append(result.Violations, e.dailyLoss(snap, &ev)...)
	result.Evaluated = ev
	return e.finish(ctx, result)
}

// positionNotional values the held position in symbol as signed notional, at the
// reference price when one is known and at the last mark otherwise
func (e *Evaluator) positionNotional(snap portfolio.Snapshot, symbol string) decimal.Decimal {
	pos, ok := snap.Position(symbol)
	if !ok {
		return decimal.Zero
	}
	price := pos.MarkPrice
	if e.prices != nil {
		if ref, ok := e.prices.ReferencePrice(symbol); ok && ref.IsPositive() {
			price = ref
		}
	}
	return pos.Quantity.Mul(price)
}

// EvaluatePortfolio applies the exposure and daily loss limits to a snapshot, with no pending orders
func (e *Evaluator) EvaluatePortfolio(ctx context.Context, snap portfolio.Snapshot) CheckResult {
	result := CheckResult{Kind: "portfolio", CheckedAt: e.now()}
	ev := Evaluated{
		BatchNotional:           decimal.Zero,
		ProjectedSymbolNotional: make(map[string]decimal.Decimal, len(snap.Positions)),
		ProjectedTotalExposure:  snap.GrossExposure(),
		ProjectedOpenPositions:  snap.OpenPositions(),
	}

	for _, p := range snap.Positions {
		notional := p.Notional()
		ev.ProjectedSymbolNotional[p.Symbol] = notional
		if exceeds(notional, e.cfg.MaxSymbolExposureNotional) {
			result.Violations = append(result.Violations, symbolViolation(p.Symbol, notional, e.cfg.MaxSymbolExposureNotional))
		}
	}
	if exceeds(ev.ProjectedTotalExposure, e.cfg.MaxTotalExposureNotional) {
		result.Violations = append(result.Violations, totalViolation(ev.ProjectedTotalExposure, e.cfg.MaxTotalExposureNotional))
	}
	if e.cfg.MaxOpenPositions > 0 && ev.ProjectedOpenPositions > e.cfg.MaxOpenPositions {
		result.Violations = append(result.Violations, openPositionsViolation(ev.ProjectedOpenPositions, e.cfg.MaxOpenPositions))
	}

	result.Violations = append(result.Violations, e.dailyLoss(snap, &ev)...)
	result.Evaluated = ev
	return e.finish(ctx, result)
}

// LastResult returns the most recent check, if any
func (e *Evaluator) LastResult() (CheckResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return CheckResult{}, false
	}
	return *e.last, true
}

func (e *Evaluator) orderNotional(order types.Order) (decimal.Decimal, bool) {
	if order.HasIntrinsicNotional() {
		return order.NotionalAt(decimal.Zero), true
	}
	if e.prices == nil {
		return decimal.Zero, false
	}
	ref, ok := e.prices.ReferencePrice(order.Symbol)
	if !ok {
		return decimal.Zero, false
	}
	return order.NotionalAt(ref), true
}

func (e *Evaluator) dailyLoss(snap portfolio.Snapshot, ev *Evaluated) []Violation {
	var violations []Violation
	loss := snap.DailyLoss()
	ev.DailyLoss = loss

	if exceeds(loss, e.cfg.MaxDailyLossAbs) {
		violations = append(violations, Violation{
			Code:     CodeMaxDailyLossAbs,
			Limit:    e.cfg.MaxDailyLossAbs,
			Observed: loss,
			Message:  fmt.Sprintf("%s: daily loss %s exceeds %s", CodeMaxDailyLossAbs, loss.StringFixed(2), e.cfg.MaxDailyLossAbs),
		})
	}

	base := e.cfg.StartingCash
	if !base.IsPositive() {
		base = snap.StartingCash
	}
	if base.IsPositive() {
		ev.DailyLossPct = loss.Div(base).Mul(hundred).Round(4)
		if exceeds(ev.DailyLossPct, e.cfg.MaxDailyLossPct) {
			violations = append(violations, Violation{
				Code:     CodeMaxDailyLossPct,
				Limit:    e.cfg.MaxDailyLossPct,
				Observed: ev.DailyLossPct,
				Message: fmt.Sprintf("%s: daily loss %s%% of %s exceeds %s%%",
					CodeMaxDailyLossPct, ev.DailyLossPct, base, e.cfg.MaxDailyLossPct),
			})
		}
	}
	return violations
}

func (e *Evaluator) finish(ctx context.Context, result CheckResult) CheckResult {
	result.Allowed = len(result.Violations) == 0
	result.Enforced = e.cfg.BlockOnViolation

	decision := audit.DecisionAllowed
	switch {
	case result.Blocks():
		decision = audit.DecisionDenied
	case !result.Allowed:
		decision = DecisionViolationNotEnforced
	}

	fields := map[string]string{
		"operation":                result.Kind,
		"block_on_violation":       strconv.FormatBool(e.cfg.BlockOnViolation),
		"order_count":              strconv.Itoa(result.Evaluated.OrderCount),
		"batch_notional":           result.Evaluated.BatchNotional.String(),
		"projected_total_exposure": result.Evaluated.ProjectedTotalExposure.String(),
		"projected_open_positions": strconv.Itoa(result.Evaluated.ProjectedOpenPositions),
		"daily_loss":               result.Evaluated.DailyLoss.String(),
	}
	if !result.Allowed {
		fields["violations"] = strings.Join(result.Codes(), ",")
		fields["reason"] = result.Reason()
	}
	e.recorder.Record(ctx, Component, decision, fields)

	if !result.Allowed {
		for _, v := range result.Violations {
			monitoring.RecordRiskViolation(v.Code)
		}
		e.log.Warn("risk limits violated",
			zap.Strings("violations", result.Codes()),
			zap.Bool("block_on_violation", e.cfg.BlockOnViolation),
			zap.String("kind", result.Kind))

		e.alerts.Dispatch(ctx, notifications.AlertEvent{
			Severity: notifications.SeverityCritical,
			Source:   Component,
			Code:     AlertCode,
			Message:  result.Reason(),
			Context: map[string]string{
				"violations":         fields["violations"],
				"block_on_violation": fields["block_on_violation"],
				"kind":               result.Kind,
			},
			Timestamp: result.CheckedAt,
		})
	}

	e.mu.Lock()
	stored := result
	e.last = &stored
	e.mu.Unlock()
	return result
}

func exceeds(observed, limit decimal.Decimal) bool {
	return limit.IsPositive() && observed.GreaterThan(limit)
}

func symbolViolation(symbol string, projected, limit decimal.Decimal) Violation {
	return Violation{
		Code:     CodeMaxSymbolExposureNotional,
		Symbol:   symbol,
		Limit:    limit,
		Observed: projected,
		Message: fmt.Sprintf("%s: %s exposure %s exceeds %s",
			CodeMaxSymbolExposureNotional, symbol, projected.StringFixed(2), limit),
	}
}

func totalViolation(total, limit decimal.Decimal) Violation {
	return Violation{
		Code:     CodeMaxTotalExposureNotional,
		Limit:    limit,
		Observed: total,
		Message:  fmt.Sprintf("%s: total exposure %s exceeds %s", CodeMaxTotalExposureNotional, total.StringFixed(2), limit),
	}
}

func openPositionsViolation(projected, limit int) Violation {
	return Violation{
		Code:     CodeMaxOpenPositions,
		Limit:    decimal.NewFromInt(int64(limit)),
		Observed: decimal.NewFromInt(int64(projected)),
		Message:  fmt.Sprintf("%s: %d open positions exceeds %d", CodeMaxOpenPositions, projected, limit),
	}
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
