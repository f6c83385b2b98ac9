package safety

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ducminhle1904/trade-guard/internal/audit"
	"github.com/ducminhle1904/trade-guard/internal/environment"
	"github.com/ducminhle1904/trade-guard/internal/logger"
)

// Component is the audit component name used by the guard
const Component = "safety_guard"

// Verdict is the tagged outcome of Authorize
type Verdict string

const (
	VerdictAllowed Verdict = "allowed"
	VerdictDenied  Verdict = "denied"
)

// Decision is returned by Authorize. Route is the effective mode an allowed order takes.
type Decision struct {
	Verdict Verdict
	Route   environment.EffectiveMode
	Reasons []string
	Err     *BlockedError
}

// Allowed reports whether the guard let the order through
func (d Decision) Allowed() bool {
	return d.Verdict == VerdictAllowed
}

// Guard is the mandatory choke point for every order-placing code path
type Guard struct {
	env      environment.Config
	recorder *audit.Recorder
	log      *zap.Logger
}

// NewGuard creates a guard bound to one immutable environment configuration
func NewGuard(env environment.Config, recorder *audit.Recorder, log *zap.Logger) *Guard {
	return &Guard{
		env:      env,
		recorder: recorder,
		log:      logger.OrNop(log).With(zap.String("component", Component)),
	}
}

// Environment returns the current environment decision without auditing it
func (g *Guard) Environment() environment.Decision {
	return environment.Evaluate(g.env)
}

// EnsureMayPlaceOrder reports whether a real order may be sent to a venue. In this
// build no effective mode permits it, so the result is always a *BlockedError.
func (g *Guard) EnsureMayPlaceOrder(ctx context.Context) error {
	d := environment.Evaluate(g.env)
	blocked := placementError(d)
	g.audit(ctx, "ensure_may_place_order", audit.DecisionDenied, d, blocked)
	return blocked
}

// EnsureConfirmToken checks the confirm token when one is required
func (g *Guard) EnsureConfirmToken(ctx context.Context) error {
	d := environment.Evaluate(g.env)
	if !g.env.RequireConfirmToken || environment.ConfirmTokenValid(g.env) {
		g.audit(ctx, "ensure_confirm_token", audit.DecisionAllowed, d, nil)
		return nil
	}

	reason := environment.ReasonConfirmTokenMissing
	if strings.TrimSpace(g.env.ConfirmToken) != "" {
		reason = environment.ReasonConfirmTokenInvalid
	}
	blocked := &BlockedError{Kind: ErrConfirmTokenInvalid, Reason: reason, Mode: d.Effective}
	g.audit(ctx, "ensure_confirm_token", audit.DecisionDenied, d, blocked)
	return blocked
}

// MayUseDryRun is always true: dry runs have no external effect
func (g *Guard) MayUseDryRun(ctx context.Context) bool {
	g.audit(ctx, "may_use_dry_run", audit.DecisionAllowed, environment.Evaluate(g.env), nil)
	return true
}

// Authorize is the pipeline's gate. Simulated routes are allowed; anything that
// could reach a real venue is denied with the EnsureMayPlaceOrder error.
func (g *Guard) Authorize(ctx context.Context) Decision {
	d := environment.Evaluate(g.env)
	if d.Simulated() {
		g.audit(ctx, "authorize", audit.DecisionAllowed, d, nil)
		return Decision{Verdict: VerdictAllowed, Route: d.Effective, Reasons: d.Reasons}
	}

	blocked := placementError(d)
	g.audit(ctx, "authorize", audit.DecisionDenied, d, blocked)
	return Decision{Verdict: VerdictDenied, Route: d.Effective, Reasons: d.Reasons, Err: blocked}
}

func placementError(d environment.Decision) *BlockedError {
	switch d.Effective {
	case environment.EffectivePaper, environment.EffectiveShadow:
		return &BlockedError{Kind: ErrPaperModeOrder, Reason: "mode=" + string(d.Nominal), Mode: d.Effective}
	case environment.EffectiveTestnetDryRun:
		return &BlockedError{Kind: ErrTestnetDryRunOnly, Reason: environment.ReasonDryRunStillSet, Mode: d.Effective}
	case environment.EffectiveTestnetBlocked:
		return &BlockedError{Kind: ErrTestnetDryRunOnly, Reason: d.Reason(), Mode: d.Effective}
	case environment.EffectiveLive:
		return &BlockedError{Kind: ErrLiveNotImplemented, Reason: "live_execution_not_implemented", Mode: d.Effective}
	}

	if onlyTokenReasons(d.Reasons) {
		return &BlockedError{Kind: ErrConfirmTokenInvalid, Reason: d.Reason(), Mode: d.Effective}
	}
	return &BlockedError{Kind: ErrLiveTradingDisabled, Reason: d.Reason(), Mode: d.Effective}
}

func onlyTokenReasons(reasons []string) bool {
	if len(reasons) == 0 {
		return false
	}
	for _, r := range reasons {
		if r != environment.ReasonConfirmTokenMissing && r != environment.ReasonConfirmTokenInvalid {
			return false
		}
	}
	return true
}

func (g *Guard) audit(ctx context.Context, operation, decision string, d environment.Decision, blocked *BlockedError) {
	fields := map[string]string{
		"operation":      operation,
		"nominal_mode":   string(d.Nominal),
		"effective_mode": string(d.Effective),
	}
	if reason := d.Reason(); reason != "" {
		fields["mode_reasons"] = reason
	}
	if blocked != nil {
		fields["reason"] = blocked.Reason
		fields["reason_code"] = blocked.Code()
	}
	g.recorder.Record(ctx, Component, decision, fields)

	if blocked != nil {
		g.log.Debug("gate denied",
			zap.String("operation", operation),
			zap.String("mode", string(d.Effective)),
			zap.String("reason", blocked.Error()))
	}
}
