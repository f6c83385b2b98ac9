package killswitch

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ducminhle1904/trade-guard/internal/audit"
	"github.com/ducminhle1904/trade-guard/internal/logger"
	"github.com/ducminhle1904/trade-guard/internal/monitoring"
	"github.com/ducminhle1904/trade-guard/internal/notifications"
)

// Switch halts all order placement until an operator recovers it.
//
// Every transition is written ahead to the Store before it takes effect, appended
// to State.AuditTrail, mirrored to the audit recorder and to a per-day JSONL file
// under AuditDir. The persisted state is re-read on every Check so sessions sharing
// a state file halt together.
type Switch struct {
	cfg      Config
	store    Store
	recorder *audit.Recorder
	alerts   notifications.Alerter
	log      *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	state        State
	failedClosed bool
	violations   []time.Time
}

// New loads the persisted state. An unreadable store does not fail construction:
// the switch starts triggered with reason state_store_unreadable.
func New(ctx context.Context, cfg Config, store Store, recorder *audit.Recorder, alerts notifications.Alerter, log *zap.Logger) (*Switch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		if cfg.StateFile == "" {
			store = &MemoryStore{}
		} else {
			store = NewFileStore(cfg.StateFile)
		}
	}

	s := &Switch{
		cfg:      cfg,
		store:    store,
		recorder: recorder,
		alerts:   notifications.OrNop(alerts),
		log:      logger.OrNop(log).With(zap.String("component", Component)),
		now:      func() time.Time { return time.Now().UTC() },
		state:    NewArmedState(cfg.RequireApprovalCode),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh(ctx)
	monitoring.SetKillSwitchStatus(string(s.state.Status))
	return s, nil
}

// WithClock overrides the time source used for trigger timestamps and violation windows
func (s *Switch) WithClock(now func() time.Time) *Switch {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// State returns a copy of the current state
func (s *Switch) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Check is the final gate before execution. It reloads persisted state and audits the outcome.
func (s *Switch) Check(ctx context.Context) CheckDecision {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refresh(ctx)
	d := CheckDecision{Allowed: !s.state.Status.Halting(), Status: s.state.Status}
	decision := audit.DecisionAllowed
	if !d.Allowed {
		d.Reason = ReasonTriggered
		d.TriggerReason = s.state.TriggerReason
		decision = audit.DecisionDenied
	}

	s.recorder.Record(ctx, Component, decision, map[string]string{
		"operation":      "check",
		"status":         string(d.Status),
		"reason":         d.Reason,
		"trigger_reason": d.TriggerReason,
	})
	monitoring.SetKillSwitchStatus(string(s.state.Status))
	return d
}

// Trigger trips the switch. Triggering an already halted switch is audited and otherwise ignored.
func (s *Switch) Trigger(ctx context.Context, reason, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh(ctx)
	return s.triggerLocked(ctx, reason, source, nil)
}

// RecordRiskCheck feeds one risk check outcome into the repeated-violation trigger.
// A passing check resets the consecutive count. It reports whether the switch tripped.
func (s *Switch) RecordRiskCheck(ctx context.Context, violated, enforced bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !violated {
		s.violations = nil
		return false, nil
	}
	if !enforced && !s.cfg.TriggerOnUnenforcedViolations {
		s.log.Debug("unenforced risk violation not counted")
		return false, nil
	}
	if s.cfg.MaxConsecutiveViolations == 0 {
		return false, nil
	}

	now := s.now()
	s.violations = append(s.violations, now)
	if s.cfg.ViolationWindow > 0 {
		kept := s.violations[:0]
		for _, at := range s.violations {
			if now.Sub(at) <= s.cfg.ViolationWindow {
				kept = append(kept, at)
			}
		}
		s.violations = kept
	}

	count := len(s.violations)
	s.log.Warn("risk violation recorded",
		zap.Int("consecutive", count),
		zap.Int("threshold", s.cfg.MaxConsecutiveViolations),
		zap.Bool("enforced", enforced))
	if count < s.cfg.MaxConsecutiveViolations {
		return false, nil
	}

	s.refresh(ctx)
	if s.state.Status.Halting() {
		return false, nil
	}
	err := s.triggerLocked(ctx, ReasonRepeatedViolations, "risk_limits", map[string]string{
		"consecutive_violations": strconv.Itoa(count),
		"window":                 s.cfg.ViolationWindow.String(),
	})
	return true, err
}

// ReportDataAnomaly trips the switch when data-anomaly triggering is enabled, otherwise it is only audited
func (s *Switch) ReportDataAnomaly(ctx context.Context, detail string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.TriggerOnDataAnomaly {
		s.recorder.Record(ctx, Component, DecisionObserved, map[string]string{
			"operation": "data_anomaly",
			"detail":    detail,
		})
		s.log.Warn("data anomaly reported, trigger disabled", zap.String("detail", detail))
		return false, nil
	}

	s.refresh(ctx)
	if s.state.Status.Halting() {
		return false, nil
	}
	err := s.triggerLocked(ctx, ReasonDataAnomaly, "data_feed", map[string]string{"detail": detail})
	return true, err
}

// ReportDailyLoss trips the switch once the day's loss reaches DailyLossTriggerAbs
func (s *Switch) ReportDailyLoss(ctx context.Context, loss decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.cfg.DailyLossTriggerAbs
	if !limit.IsPositive() || loss.LessThan(limit) {
		return false, nil
	}

	s.refresh(ctx)
	if s.state.Status.Halting() {
		return false, nil
	}
	err := s.triggerLocked(ctx, ReasonDailyLoss, "portfolio", map[string]string{
		"daily_loss": loss.String(),
		"limit":      limit.String(),
	})
	return true, err
}

// Recover moves a halted switch through recovering back to armed. Each step is
// persisted before it takes effect; a failed save leaves the switch halted.
func (s *Switch) Recover(ctx context.Context, code, operator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if operator == "" {
		operator = "unknown"
	}
	s.refresh(ctx)
	if !s.state.Status.Halting() {
		return ErrNotTriggered
	}

	if !s.cfg.approvalValid(code) {
		entry := s.recorder.Record(ctx, Component, DecisionRecoveryDenied, map[string]string{
			"operation": "recover",
			"operator":  operator,
			"reason":    ReasonApprovalCodeInvalid,
			"status":    string(s.state.Status),
		})
		s.appendDaily(entry)
		s.log.Warn("kill switch recovery denied", zap.String("operator", operator))
		s.alerts.Dispatch(ctx, notifications.AlertEvent{
			Severity:  notifications.SeverityWarning,
			Source:    Component,
			Code:      AlertCodeRecoveryDenied,
			Message:   "kill switch recovery attempted with an invalid approval code",
			Context:   map[string]string{"operator": operator},
			Timestamp: entry.Timestamp,
		})
		return ErrApprovalCodeInvalid
	}

	if s.state.Status == StatusTriggered {
		next := s.state.Clone()
		next.Status = StatusRecovering
		entry, err := s.commit(ctx, next, DecisionRecovering, map[string]string{
			"operation": "recover",
			"from":      string(StatusTriggered),
			"to":        string(StatusRecovering),
			"operator":  operator,
		})
		if err != nil {
			return fmt.Errorf("failed to persist recovering state: %w", err)
		}
		s.publish(ctx, entry)
	}

	next := s.state.Clone()
	reason := next.TriggerReason
	next.Status = StatusArmed
	next.TriggerReason = ""
	next.TriggerSource = ""
	next.TriggeredAt = nil
	next.ApprovalCodeRequired = s.cfg.RequireApprovalCode
	entry, err := s.commit(ctx, next, DecisionArmed, map[string]string{
		"operation":      "recover",
		"from":           string(StatusRecovering),
		"to":             string(StatusArmed),
		"operator":       operator,
		"trigger_reason": reason,
	})
	if err != nil {
		return fmt.Errorf("failed to persist armed state: %w", err)
	}
	s.publish(ctx, entry)
	s.failedClosed = false
	s.violations = nil

	s.log.Info("kill switch recovered", zap.String("operator", operator), zap.String("trigger_reason", reason))
	s.alerts.Dispatch(ctx, notifications.AlertEvent{
		Severity:  notifications.SeverityInfo,
		Source:    Component,
		Code:      AlertCodeRecovered,
		Message:   "kill switch re-armed by operator",
		Context:   map[string]string{"operator": operator, "trigger_reason": reason},
		Timestamp: entry.Timestamp,
	})
	return nil
}

func (s *Switch) triggerLocked(ctx context.Context, reason, source string, extra map[string]string) error {
	if s.state.Status.Halting() {
		s.recorder.Record(ctx, Component, DecisionAlreadyTriggered, map[string]string{
			"operation":      "trigger",
			"reason":         reason,
			"source":         source,
			"trigger_reason": s.state.TriggerReason,
		})
		return nil
	}

	at := s.now()
	next := s.state.Clone()
	next.Status = StatusTriggered
	next.TriggerReason = reason
	next.TriggerSource = source
	next.TriggeredAt = &at
	next.ApprovalCodeRequired = s.cfg.RequireApprovalCode

	fields := map[string]string{
		"operation": "trigger",
		"from":      string(StatusArmed),
		"to":        string(StatusTriggered),
		"reason":    reason,
		"source":    source,
	}
	for k, v := range extra {
		fields[k] = v
	}

	entry, err := s.commit(ctx, next, DecisionTriggered, fields)
	if err != nil {
		// Halt in memory regardless; the store is behind and will be overwritten on recovery
		s.state = s.stage(next, entry)
		s.failedClosed = true
	}
	s.publish(ctx, entry)
	s.violations = nil

	s.log.Error("kill switch triggered", zap.String("reason", reason), zap.String("source", source))
	s.alerts.Dispatch(ctx, notifications.AlertEvent{
		Severity:  notifications.SeverityCritical,
		Source:    Component,
		Code:      AlertCodeTriggered,
		Message:   fmt.Sprintf("kill switch triggered: %s", reason),
		Context:   fields,
		Timestamp: entry.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("kill switch triggered but state was not persisted: %w", err)
	}
	return nil
}

// stage stamps next with the transition entry and a new version
func (s *Switch) stage(next State, entry audit.Entry) State {
	next.Version = s.state.Version + 1
	next.UpdatedAt = entry.Timestamp
	next.AuditTrail = append(next.AuditTrail, entry)
	return next
}

// commit writes next ahead through the store and makes it current only when the save succeeds
func (s *Switch) commit(ctx context.Context, next State, decision string, fields map[string]string) (audit.Entry, error) {
	entry := s.recorder.NewEntry(Component, decision, fields)
	staged := s.stage(next, entry)
	if err := s.store.Save(ctx, staged); err != nil {
		s.log.Error("failed to persist kill switch state", zap.String("decision", decision), zap.Error(err))
		return entry, err
	}
	s.state = staged
	return entry, nil
}

func (s *Switch) publish(ctx context.Context, entry audit.Entry) {
	s.recorder.Append(ctx, entry)
	s.appendDaily(entry)
	monitoring.SetKillSwitchStatus(string(s.state.Status))
}

// refresh adopts the persisted state when it is at least as new as the in-memory one
func (s *Switch) refresh(ctx context.Context) {
	loaded, found, err := s.store.Load(ctx)
	if err != nil {
		if !s.failedClosed {
			s.failClosed(ctx, err)
		}
		return
	}
	if !found || s.failedClosed {
		return
	}
	if loaded.Version >= s.state.Version {
		s.state = loaded
	}
}

func (s *Switch) failClosed(ctx context.Context, cause error) {
	at := s.now()
	next := s.state.Clone()
	next.Status = StatusTriggered
	next.TriggerReason = ReasonStateStoreUnreadable
	next.TriggerSource = "state_store"
	next.TriggeredAt = &at
	next.ApprovalCodeRequired = s.cfg.RequireApprovalCode

	fields := map[string]string{
		"operation": "load",
		"to":        string(StatusTriggered),
		"reason":    ReasonStateStoreUnreadable,
		"error":     cause.Error(),
	}
	entry := s.recorder.NewEntry(Component, DecisionTriggered, fields)
	s.state = s.stage(next, entry)
	s.failedClosed = true
	s.publish(ctx, entry)

	s.log.Error("kill switch state unreadable, failing closed", zap.Error(cause))
	s.alerts.Dispatch(ctx, notifications.AlertEvent{
		Severity:  notifications.SeverityCritical,
		Source:    Component,
		Code:      AlertCodeTriggered,
		Message:   fmt.Sprintf("kill switch triggered: %s", ReasonStateStoreUnreadable),
		Context:   fields,
		Timestamp: entry.Timestamp,
	})
}

// DailyAuditPath returns the JSONL file that receives transitions for day
func DailyAuditPath(dir string, day time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("kill_switch_%s.jsonl", day.UTC().Format("2006-01-02")))
}

func (s *Switch) appendDaily(entry audit.Entry) {
	if s.cfg.AuditDir == "" {
		return
	}
	sink, err := audit.NewJSONLSink(DailyAuditPath(s.cfg.AuditDir, entry.Timestamp))
	if err == nil {
		err = sink.Write(context.Background(), entry)
		if closeErr := sink.Close(); err == nil {
			err = closeErr
		}
	}
	if err != nil {
		monitoring.RecordSinkFailure("audit", "kill_switch_daily")
		s.log.Warn("failed to append kill switch audit file", zap.Error(err))
	}
}
