package monitoring

import (
	"encoding/json"
	"net/http"
	"time"
)

// Overall health values reported by the status endpoints
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthHalted   = "halted"
)

// StatusReport is the read-only view an operator console needs
type StatusReport struct {
	Status           string      `json:"status"`
	Timestamp        time.Time   `json:"timestamp"`
	Uptime           string      `json:"uptime"`
	EffectiveMode    string      `json:"effective_mode"`
	ModeReasons      []string    `json:"mode_reasons,omitempty"`
	KillSwitch       string      `json:"kill_switch"`
	KillSwitchReason string      `json:"kill_switch_reason,omitempty"`
	LastRisk         interface{} `json:"last_risk,omitempty"`
}

// StatusReporter is implemented by anything that can describe its gate state without side effects
type StatusReporter interface {
	Report() StatusReport
}

// HealthChecker serves the status report as JSON
type HealthChecker struct {
	reporter  StatusReporter
	startTime time.Time
	now       func() time.Time
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(reporter StatusReporter) *HealthChecker {
	return &HealthChecker{
		reporter:  reporter,
		startTime: time.Now(),
		now:       time.Now,
	}
}

func (h *HealthChecker) report() StatusReport {
	report := h.reporter.Report()
	report.Timestamp = h.now()
	report.Uptime = h.now().Sub(h.startTime).Round(time.Second).String()
	if report.Status == "" {
		report.Status = HealthHealthy
	}
	return report
}

// ServeHTTP serves the full status report. It always answers 200 so consoles can read a halted state.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.report())
}

// HealthHandler answers 200 while order placement can proceed and 503 when halted
func (h *HealthChecker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := h.report()
		w.Header().Set("Content-Type", "application/json")
		if report.Status == HealthHalted {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status":      report.Status,
			"kill_switch": report.KillSwitch,
		})
	})
}
