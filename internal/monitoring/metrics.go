package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gate metrics
	gateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_guard_gate_decisions_total",
			Help: "Total number of gate decisions by component and decision",
		},
		[]string{"component", "decision"},
	)

	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_guard_orders_total",
			Help: "Total number of orders by final status and mode",
		},
		[]string{"status", "mode"},
	)

	executorLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trade_guard_executor_latency_seconds",
			Help:    "Latency of the executor stage per order",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"executor"},
	)

	// Risk metrics
	riskViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_guard_risk_violations_total",
			Help: "Total number of risk limit violations by threshold",
		},
		[]string{"code"},
	)

	// Kill switch metrics
	killSwitchStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trade_guard_kill_switch_status",
			Help: "Kill switch status, 1 for the current status and 0 otherwise",
		},
		[]string{"status"},
	)

	// Sink metrics
	sinkFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_guard_sink_failures_total",
			Help: "Total number of audit or alert sink delivery failures",
		},
		[]string{"kind", "sink"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_guard_alerts_total",
			Help: "Total number of alerts dispatched by severity",
		},
		[]string{"severity"},
	)
)

var killSwitchStatuses = []string{"armed", "triggered", "recovering"}

func init() {
	// Register metrics
	prometheus.MustRegister(gateDecisionsTotal)
	prometheus.MustRegister(ordersTotal)
	prometheus.MustRegister(executorLatency)
	prometheus.MustRegister(riskViolationsTotal)
	prometheus.MustRegister(killSwitchStatus)
	prometheus.MustRegister(sinkFailuresTotal)
	prometheus.MustRegister(alertsTotal)
}

// MetricsHandler handles Prometheus metrics endpoint
type MetricsHandler struct{}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

// ServeHTTP serves the Prometheus metrics endpoint
func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// RecordGateDecision records one audited gate decision
func RecordGateDecision(component, decision string) {
	gateDecisionsTotal.WithLabelValues(component, decision).Inc()
}

// RecordOrderOutcome records the final status of one order
func RecordOrderOutcome(status, mode string) {
	ordersTotal.WithLabelValues(status, mode).Inc()
}

// ObserveExecutorLatency records how long the executor stage took for one order
func ObserveExecutorLatency(executor string, d time.Duration) {
	executorLatency.WithLabelValues(executor).Observe(d.Seconds())
}

// RecordRiskViolation records a violated risk threshold
func RecordRiskViolation(code string) {
	riskViolationsTotal.WithLabelValues(code).Inc()
}

// SetKillSwitchStatus marks status as the current kill switch status
func SetKillSwitchStatus(status string) {
	for _, s := range killSwitchStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		killSwitchStatus.WithLabelValues(s).Set(value)
	}
}

// RecordSinkFailure records a failed audit or alert delivery
func RecordSinkFailure(kind, sink string) {
	sinkFailuresTotal.WithLabelValues(kind, sink).Inc()
}

// RecordAlert records a dispatched alert
func RecordAlert(severity string) {
	alertsTotal.WithLabelValues(severity).Inc()
}
