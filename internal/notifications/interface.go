package notifications

import (
	"context"
	"time"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// AlertEvent is emitted for every risk or kill switch violation
type AlertEvent struct {
	Severity  Severity          `json:"severity"`
	Source    string            `json:"source"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier defines the interface for notification services
type Notifier interface {
	// Name identifies the sink in logs and metrics
	Name() string
	// SendAlert delivers one alert
	SendAlert(ctx context.Context, ev AlertEvent) error
}

// Alerter is what gate components publish alerts to. Implementations must not block
// on remote delivery and must never report delivery failures back to the caller.
type Alerter interface {
	Dispatch(ctx context.Context, ev AlertEvent)
}

// NopAlerter discards every alert
type NopAlerter struct{}

// Dispatch implements Alerter
func (NopAlerter) Dispatch(context.Context, AlertEvent) {}

// OrNop returns a, or a NopAlerter when a is nil
func OrNop(a Alerter) Alerter {
	if a == nil {
		return NopAlerter{}
	}
	return a
}
