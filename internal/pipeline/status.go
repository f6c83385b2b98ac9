package pipeline

import (
	"github.com/ducminhle1904/trade-guard/internal/environment"
	"github.com/ducminhle1904/trade-guard/internal/killswitch"
	"github.com/ducminhle1904/trade-guard/internal/monitoring"
	"github.com/ducminhle1904/trade-guard/internal/risk"
)

// Status is the side-effect free view of the gates
type Status struct {
	EffectiveMode    environment.EffectiveMode `json:"effective_mode"`
	Reasons          []string                  `json:"reasons,omitempty"`
	KillSwitch       killswitch.Status         `json:"kill_switch"`
	KillSwitchReason string                    `json:"kill_switch_reason,omitempty"`
	LastRisk         *risk.CheckResult         `json:"last_risk,omitempty"`
}

// Status reports the current gate state. It neither audits nor reloads the kill switch store.
func (p *Pipeline) Status() Status {
	env := p.deps.Guard.Environment()
	ks := p.deps.KillSwitch.State()
	st := Status{
		EffectiveMode:    env.Effective,
		Reasons:          env.Reasons,
		KillSwitch:       ks.Status,
		KillSwitchReason: ks.TriggerReason,
	}
	if last, ok := p.deps.Risk.LastResult(); ok {
		st.LastRisk = &last
	}
	return st
}

// Report implements monitoring.StatusReporter
func (p *Pipeline) Report() monitoring.StatusReport {
	st := p.Status()
	report := monitoring.StatusReport{
		Status:           monitoring.HealthHealthy,
		EffectiveMode:    string(st.EffectiveMode),
		ModeReasons:      st.Reasons,
		KillSwitch:       string(st.KillSwitch),
		KillSwitchReason: st.KillSwitchReason,
	}
	if st.LastRisk != nil {
		report.LastRisk = st.LastRisk
	}
	switch {
	case st.KillSwitch.Halting():
		report.Status = monitoring.HealthHalted
	case st.EffectiveMode == environment.EffectiveLiveBlocked,
		st.EffectiveMode == environment.EffectiveTestnetBlocked,
		st.LastRisk != nil && !st.LastRisk.Allowed:
		report.Status = monitoring.HealthDegraded
	}
	return report
}
