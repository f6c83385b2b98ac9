package killswitch

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/trade-guard/internal/audit"
	guarderrors "github.com/ducminhle1904/trade-guard/internal/errors"
)

// Component is the audit component name of the kill switch
const Component = "kill_switch"

// Status is a kill switch state machine position
type Status string

const (
	StatusArmed      Status = "armed"
	StatusTriggered  Status = "triggered"
	StatusRecovering Status = "recovering"
)

// Halting reports whether orders must be blocked in this status
func (s Status) Halting() bool {
	return s != StatusArmed
}

// Trigger and block reasons
const (
	ReasonTriggered            = "kill_switch_triggered"
	ReasonStateStoreUnreadable = "state_store_unreadable"
	ReasonRepeatedViolations   = "repeated_risk_violations"
	ReasonDataAnomaly          = "data_anomaly"
	ReasonDailyLoss            = "daily_loss_limit"
	ReasonManual               = "manual"
	ReasonApprovalCodeInvalid  = "approval_code_invalid"
)

// Alert codes
const (
	AlertCodeTriggered      = "kill_switch_triggered"
	AlertCodeRecovered      = "kill_switch_recovered"
	AlertCodeRecoveryDenied = "kill_switch_recovery_denied"
)

// Audit decisions
const (
	DecisionTriggered        = "triggered"
	DecisionRecovering       = "recovering"
	DecisionArmed            = "armed"
	DecisionRecoveryDenied   = "recovery_denied"
	DecisionAlreadyTriggered = "already_triggered"
	DecisionObserved         = "observed"
)

var (
	// ErrApprovalCodeInvalid is returned by Recover when the supplied code does not match
	ErrApprovalCodeInvalid = errors.New("approval code invalid")
	// ErrNotTriggered is returned by Recover when there is nothing to recover from
	ErrNotTriggered = errors.New("kill switch is not triggered")
	// ErrStateUnreadable wraps a state store that exists but cannot be parsed
	ErrStateUnreadable = errors.New(ReasonStateStoreUnreadable)
)

// State is the persisted kill switch record. AuditTrail is append-only and never pruned.
type State struct {
	Status               Status        `json:"status"`
	TriggerReason        string        `json:"trigger_reason,omitempty"`
	TriggerSource        string        `json:"trigger_source,omitempty"`
	TriggeredAt          *time.Time    `json:"triggered_at,omitempty"`
	ApprovalCodeRequired bool          `json:"approval_code_required"`
	Version              uint64        `json:"version"` // Incremented on every transition
	UpdatedAt            time.Time     `json:"updated_at"`
	AuditTrail           []audit.Entry `json:"audit_trail"`
}

// Clone returns a deep copy
func (s State) Clone() State {
	out := s
	if s.TriggeredAt != nil {
		at := *s.TriggeredAt
		out.TriggeredAt = &at
	}
	out.AuditTrail = append([]audit.Entry(nil), s.AuditTrail...)
	return out
}

// NewArmedState returns the initial state
func NewArmedState(requireApproval bool) State {
	return State{
		Status:               StatusArmed,
		ApprovalCodeRequired: requireApproval,
		AuditTrail:           []audit.Entry{},
	}
}

// Config holds trigger thresholds and storage locations
type Config struct {
	StateFile                     string          `yaml:"state_file"`
	AuditDir                      string          `yaml:"audit_dir"`
	RequireApprovalCode           bool            `yaml:"require_approval_code"`
	ApprovalCode                  string          `yaml:"-"` // From KILL_SWITCH_APPROVAL_CODE
	ApprovalCodeSHA256            string          `yaml:"approval_code_sha256"`
	MaxConsecutiveViolations      int             `yaml:"max_consecutive_violations"`
	ViolationWindow               time.Duration   `yaml:"violation_window"`
	TriggerOnDataAnomaly          bool            `yaml:"trigger_on_data_anomaly"`
	TriggerOnUnenforcedViolations bool            `yaml:"trigger_on_unenforced_violations"`
	DailyLossTriggerAbs           decimal.Decimal `yaml:"daily_loss_trigger_abs"`
}

// DefaultConfig returns the recommended trigger settings
func DefaultConfig() Config {
	return Config{
		StateFile:                     "state/kill_switch.json",
		AuditDir:                      "audit/kill_switch",
		RequireApprovalCode:           true,
		MaxConsecutiveViolations:      3,
		ViolationWindow:               15 * time.Minute,
		TriggerOnDataAnomaly:          true,
		TriggerOnUnenforcedViolations: true,
	}
}

// Validate checks the configuration can be used
func (c Config) Validate() error {
	if c.RequireApprovalCode && c.ApprovalCode == "" && c.ApprovalCodeSHA256 == "" {
		return guarderrors.NewConfigurationError(Component, "validate",
			"require_approval_code is set but neither an approval code nor its sha256 is configured")
	}
	if c.ApprovalCodeSHA256 != "" {
		if raw, err := hex.DecodeString(c.ApprovalCodeSHA256); err != nil || len(raw) != sha256.Size {
			return guarderrors.NewConfigurationError(Component, "validate", "approval_code_sha256 must be 64 hex characters")
		}
	}
	if c.MaxConsecutiveViolations < 0 {
		return guarderrors.NewConfigurationError(Component, "validate", "max_consecutive_violations must not be negative")
	}
	if c.ViolationWindow < 0 {
		return guarderrors.NewConfigurationError(Component, "validate", "violation_window must not be negative")
	}
	if c.DailyLossTriggerAbs.IsNegative() {
		return guarderrors.NewConfigurationError(Component, "validate", "daily_loss_trigger_abs must not be negative")
	}
	return nil
}

// approvalValid compares the supplied code against the configured code or digest in constant time
func (c Config) approvalValid(code string) bool {
	if !c.RequireApprovalCode {
		return true
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	if c.ApprovalCodeSHA256 != "" {
		sum := sha256.Sum256([]byte(code))
		want, err := hex.DecodeString(strings.ToLower(c.ApprovalCodeSHA256))
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare(sum[:], want) == 1
	}
	if c.ApprovalCode == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(code), []byte(c.ApprovalCode)) == 1
}

// CheckDecision is the outcome of the final gate before execution
type CheckDecision struct {
	Allowed       bool   `json:"allowed"`
	Status        Status `json:"status"`
	Reason        string `json:"reason,omitempty"`         // kill_switch_triggered when halting
	TriggerReason string `json:"trigger_reason,omitempty"` // Why the switch was tripped
}
