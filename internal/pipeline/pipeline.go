package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ducminhle1904/trade-guard/internal/audit"
	"github.com/ducminhle1904/trade-guard/internal/environment"
	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
	"github.com/ducminhle1904/trade-guard/internal/executor"
	"github.com/ducminhle1904/trade-guard/internal/invariants"
	"github.com/ducminhle1904/trade-guard/internal/killswitch"
	"github.com/ducminhle1904/trade-guard/internal/logger"
	"github.com/ducminhle1904/trade-guard/internal/monitoring"
	"github.com/ducminhle1904/trade-guard/internal/portfolio"
	"github.com/ducminhle1904/trade-guard/internal/risk"
	"github.com/ducminhle1904/trade-guard/internal/safety"
	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// Component is the audit component name used by the pipeline
const Component = "pipeline"

// DefaultExecutorTimeout bounds one executor call when Deps.ExecutorTimeout is unset
const DefaultExecutorTimeout = 10 * time.Second

// submittedWindow bounds how many client order ids are remembered across batches
const submittedWindow = 10000

// Reason codes the pipeline writes itself
const (
	CodeRiskLimitViolation = "risk_limit_violation"
	CodeExecutorTimeout    = "executor_timeout"
	CodeExecutorError      = "executor_error"
	CodeInvariantViolation = "invariant_violation"
)

// Deps are the components a pipeline is assembled from. Guard, Risk, KillSwitch
// and Ledger are required.
type Deps struct {
	Guard           *safety.Guard
	Validator       *safety.Validator
	Risk            *risk.Evaluator
	KillSwitch      *killswitch.Switch
	Executors       executor.Set
	Ledger          *portfolio.Ledger
	Recorder        *audit.Recorder
	Logger          *zap.Logger
	Clock           func() time.Time
	ExecutorTimeout time.Duration
	SnapshotPath    string // Ledger snapshot written by Finish; empty disables
}

// Pipeline runs order batches through guard, risk limits and kill switch before
// any executor sees them. Batches are processed one at a time.
type Pipeline struct {
	deps    Deps
	log     *zap.Logger
	now     func() time.Time
	timeout time.Duration
	batches chan struct{}

	// guarded by batches
	submitted *submittedIDs
}

// New validates deps and assembles a pipeline
func New(deps Deps) (*Pipeline, error) {
	missing := func(name string) error {
		return guarderrors.NewConfigurationError(Component, "new", name+" is required")
	}
	switch {
	case deps.Guard == nil:
		return nil, missing("guard")
	case deps.Risk == nil:
		return nil, missing("risk evaluator")
	case deps.KillSwitch == nil:
		return nil, missing("kill switch")
	case deps.Ledger == nil:
		return nil, missing("ledger")
	}
	if deps.Validator == nil {
		deps.Validator = safety.NewValidator()
	}

	p := &Pipeline{
		deps:    deps,
		log:     logger.OrNop(deps.Logger).With(zap.String("component", Component)),
		now:     deps.Clock,
		timeout: deps.ExecutorTimeout,
		batches: make(chan struct{}, 1),

		submitted: newSubmittedIDs(submittedWindow),
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	if p.timeout <= 0 {
		p.timeout = DefaultExecutorTimeout
	}
	return p, nil
}

// BatchResult holds every gate decision and one result per order, in input order
type BatchResult struct {
	ID         string                       `json:"id"`
	Route      environment.EffectiveMode    `json:"route"`
	Guard      safety.Decision              `json:"-"`
	Risk       risk.CheckResult             `json:"risk"`
	KillSwitch killswitch.CheckDecision     `json:"kill_switch"`
	Results    []types.OrderExecutionResult `json:"results"`
	StartedAt  time.Time                    `json:"started_at"`
	FinishedAt time.Time                    `json:"finished_at"`
}

// Count returns the number of results with status
func (b *BatchResult) Count(status types.ExecutionStatus) int {
	n := 0
	for _, r := range b.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Start checks invariants at the run boundary and refuses to start a halted session
func (p *Pipeline) Start(ctx context.Context) error {
	p.deps.Recorder.Record(ctx, Component, "session_start", map[string]string{
		"effective_mode": string(p.deps.Guard.Environment().Effective),
	})
	if err := p.deps.Ledger.CheckInvariants(invariants.PointStart); err != nil {
		p.log.Error("invariants failed at session start", zap.Error(err))
		return err
	}
	if d := p.deps.KillSwitch.Check(ctx); !d.Allowed {
		return &KillSwitchHaltError{Status: d.Status, TriggerReason: d.TriggerReason}
	}
	return nil
}

// Finish checks invariants at the end boundary and persists the ledger snapshot.
// The snapshot is written even when the invariant check fails.
func (p *Pipeline) Finish(ctx context.Context) error {
	var err error
	if checkErr := p.deps.Ledger.CheckInvariants(invariants.PointEnd); checkErr != nil {
		p.log.Error("invariants failed at session end", zap.Error(checkErr))
		err = multierr.Append(err, checkErr)
	}
	if p.deps.SnapshotPath != "" {
		if saveErr := p.deps.Ledger.SaveSnapshot(p.deps.SnapshotPath); saveErr != nil {
			err = multierr.Append(err, fmt.Errorf("persist ledger snapshot: %w", saveErr))
		}
	}
	decision := "session_end"
	if err != nil {
		decision = "session_end_failed"
	}
	p.deps.Recorder.Record(ctx, Component, decision, map[string]string{
		"snapshot_path": p.deps.SnapshotPath,
	})
	return err
}

// ExecuteWithSafety runs one batch through every gate. Guard, risk limits and kill
// switch always run and audit, in that order, even when an earlier gate denies.
//
// Denials are reported through result statuses. The error return is reserved for
// session-fatal conditions: a halting kill switch (*KillSwitchHaltError) and
// invariant violations (*invariants.ViolationError).
func (p *Pipeline) ExecuteWithSafety(ctx context.Context, orders []types.Order) (*BatchResult, error) {
	select {
	case p.batches <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.batches }()

	batch := &BatchResult{
		ID:        uuid.NewString(),
		StartedAt: p.now(),
		Results:   make([]types.OrderExecutionResult, len(orders)),
	}
	log := p.log.With(zap.String("batch_id", batch.ID), zap.Int("orders", len(orders)))

	valid, malformed := p.validate(orders)

	batch.Guard = p.deps.Guard.Authorize(ctx)
	batch.Route = batch.Guard.Route
	mode := batch.Route.ResultMode()

	batch.Risk = p.deps.Risk.CheckOrders(ctx, ordersAt(orders, valid))

	if _, err := p.deps.KillSwitch.RecordRiskCheck(ctx, !batch.Risk.Allowed, batch.Risk.Enforced); err != nil {
		log.Error("kill switch failed to persist risk trigger", zap.Error(err))
	}
	if _, err := p.deps.KillSwitch.ReportDailyLoss(ctx, p.deps.Ledger.Snapshot().DailyLoss()); err != nil {
		log.Error("kill switch failed to persist daily loss trigger", zap.Error(err))
	}
	batch.KillSwitch = p.deps.KillSwitch.Check(ctx)

	for i, res := range malformed {
		batch.Results[i] = res
	}

	var fatal error
	switch {
	case !batch.KillSwitch.Allowed:
		blockAll(batch, orders, valid, mode, killswitch.ReasonTriggered,
			fmt.Sprintf("kill switch %s: %s", batch.KillSwitch.Status, batch.KillSwitch.TriggerReason))
		fatal = &KillSwitchHaltError{Status: batch.KillSwitch.Status, TriggerReason: batch.KillSwitch.TriggerReason}
		log.Error("kill switch halted the session", zap.String("trigger_reason", batch.KillSwitch.TriggerReason))
	case !batch.Guard.Allowed():
		blockAll(batch, orders, valid, mode, batch.Guard.Err.Code(), batch.Guard.Err.Error())
		log.Warn("safety guard denied batch", zap.String("reason", batch.Guard.Err.Error()))
	case batch.Risk.Blocks():
		blockAll(batch, orders, valid, mode, CodeRiskLimitViolation, batch.Risk.Reason())
		log.Warn("risk limits denied batch", zap.Strings("violations", batch.Risk.Codes()))
	default:
		fatal = p.execute(ctx, batch, orders, valid, log)
	}

	batch.FinishedAt = p.now()
	for _, res := range batch.Results {
		monitoring.RecordOrderOutcome(string(res.Status), res.Metadata[types.MetaMode])
	}
	p.deps.Recorder.Record(ctx, Component, "batch_complete", map[string]string{
		"batch_id":  batch.ID,
		"route":     string(batch.Route),
		"orders":    strconv.Itoa(len(orders)),
		"filled":    strconv.Itoa(batch.Count(types.StatusFilled)),
		"validated": strconv.Itoa(batch.Count(types.StatusValidated)),
		"rejected":  strconv.Itoa(batch.Count(types.StatusRejected)),
		"blocked":   strconv.Itoa(batch.Count(types.StatusBlocked)),
	})
	return batch, fatal
}

// validate returns the indexes of well-formed orders and rejected results for the rest
func (p *Pipeline) validate(orders []types.Order) ([]int, map[int]types.OrderExecutionResult) {
	mode := p.deps.Guard.Environment().Effective.ResultMode()
	valid := make([]int, 0, len(orders))
	malformed := make(map[int]types.OrderExecutionResult)
	seen := make(map[string]struct{}, len(orders))
	for i, order := range orders {
		err := p.deps.Validator.ValidateOrder(order).Err()
		if err == nil {
			if _, dup := seen[order.ClientOrderID]; dup {
				err = fmt.Errorf("%w: client order id %s appears more than once", safety.ErrMalformedOrder, order.ClientOrderID)
			} else if p.submitted.has(order.ClientOrderID) {
				err = fmt.Errorf("%w: client order id %s was already submitted", safety.ErrMalformedOrder, order.ClientOrderID)
			}
		}
		if err != nil {
			malformed[i] = types.NewRejectedResult(order, mode, safety.Code(err), err.Error())
			continue
		}
		seen[order.ClientOrderID] = struct{}{}
		valid = append(valid, i)
	}
	return valid, malformed
}

func blockAll(batch *BatchResult, orders []types.Order, idx []int, mode, code, reason string) {
	for _, i := range idx {
		batch.Results[i] = types.NewBlockedResult(orders[i], mode, code, reason)
	}
}

func (p *Pipeline) execute(ctx context.Context, batch *BatchResult, orders []types.Order, idx []int, log *zap.Logger) error {
	mode := batch.Route.ResultMode()
	ex, err := executor.ForMode(batch.Route, p.deps.Executors)
	if err != nil {
		blockAll(batch, orders, idx, mode, "executor_unavailable", err.Error())
		return guarderrors.Wrap(err, guarderrors.ErrorCategoryConfiguration, Component, "select_executor")
	}

	for n, i := range idx {
		order := orders[i]
		p.submitted.add(order.ClientOrderID)
		res := p.executeOne(ctx, ex, order, mode)
		if res.IsFilled() {
			if _, err := p.deps.Ledger.BookFill(res, p.now()); err != nil {
				var violation *invariants.ViolationError
				if errors.As(err, &violation) {
					log.Error("invariant violated applying fill",
						zap.String("client_order_id", order.ClientOrderID),
						zap.String("invariant", violation.Name))
					batch.Results[i] = types.NewRejectedResult(order, mode, CodeInvariantViolation, err.Error())
					blockAll(batch, orders, idx[n+1:], mode, CodeInvariantViolation,
						"session halted after invariant violation")
					return err
				}
				return err
			}
		}
		batch.Results[i] = res
	}
	return nil
}

type outcome struct {
	res types.OrderExecutionResult
	err error
}

// executeOne bounds the executor call. A stalled executor yields a rejected result.
func (p *Pipeline) executeOne(ctx context.Context, ex executor.Executor, order types.Order, mode string) types.OrderExecutionResult {
	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		res, err := ex.ExecuteOrder(execCtx, order)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-execCtx.Done():
		out = outcome{err: execCtx.Err()}
	}
	monitoring.ObserveExecutorLatency(string(ex.Kind()), time.Since(start))

	log := p.log.With(zap.String("client_order_id", order.ClientOrderID), zap.String("symbol", order.Symbol))
	var blocked *safety.BlockedError
	switch {
	case out.err == nil:
		return out.res
	case errors.Is(out.err, context.DeadlineExceeded):
		log.Warn("executor timed out", zap.Duration("timeout", p.timeout))
		return types.NewRejectedResult(order, mode, CodeExecutorTimeout,
			fmt.Sprintf("executor %s did not answer within %s", ex.Kind(), p.timeout))
	case errors.As(out.err, &blocked):
		log.Warn("executor refused order", zap.Error(out.err))
		return types.NewBlockedResult(order, mode, blocked.Code(), blocked.Error())
	default:
		log.Warn("executor failed", zap.Error(out.err))
		return types.NewRejectedResult(order, mode, CodeExecutorError, out.err.Error())
	}
}

// submittedIDs is a bounded set of client order ids that reached an executor.
// The oldest id is forgotten first.
type submittedIDs struct {
	ids   map[string]struct{}
	order []string
	limit int
}

func newSubmittedIDs(limit int) *submittedIDs {
	return &submittedIDs{ids: make(map[string]struct{}, limit), limit: limit}
}

func (s *submittedIDs) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *submittedIDs) add(id string) {
	if s.has(id) {
		return
	}
	if len(s.order) >= s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
}

func ordersAt(orders []types.Order, idx []int) []types.Order {
	out := make([]types.Order, 0, len(idx))
	for _, i := range idx {
		out = append(out, orders[i])
	}
	return out
}
