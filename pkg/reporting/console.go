package reporting

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ducminhle1904/trade-guard/internal/audit"
	"github.com/ducminhle1904/trade-guard/internal/environment"
	"github.com/ducminhle1904/trade-guard/internal/killswitch"
	"github.com/ducminhle1904/trade-guard/internal/pipeline"
	"github.com/ducminhle1904/trade-guard/internal/safety"
	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// ConsoleReporter renders gate state as tables for operators
type ConsoleReporter struct {
	out io.Writer
}

// NewConsoleReporter writes to w, or stdout when w is nil
func NewConsoleReporter(w io.Writer) *ConsoleReporter {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleReporter{out: w}
}

func (r *ConsoleReporter) newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	return t
}

// PrintKillSwitchState prints the persisted kill switch state
func (r *ConsoleReporter) PrintKillSwitchState(state killswitch.State) {
	t := r.newTable("KILL SWITCH")
	t.AppendRows([]table.Row{
		{"Status", strings.ToUpper(string(state.Status))},
		{"Trigger Reason", orDash(state.TriggerReason)},
		{"Trigger Source", orDash(state.TriggerSource)},
		{"Triggered At", formatTimePtr(state)},
		{"Approval Required", state.ApprovalCodeRequired},
		{"Version", state.Version},
		{"Updated At", state.UpdatedAt.UTC().Format("2006-01-02 15:04:05")},
		{"Audit Entries", len(state.AuditTrail)},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft},
	})
	t.Render()
}

func formatTimePtr(state killswitch.State) string {
	if state.TriggeredAt == nil {
		return "-"
	}
	return state.TriggeredAt.UTC().Format("2006-01-02 15:04:05")
}

// PrintAuditTrail prints entries oldest first. limit <= 0 prints all of them.
func (r *ConsoleReporter) PrintAuditTrail(entries []audit.Entry, limit int) {
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	t := r.newTable(fmt.Sprintf("AUDIT TRAIL (%d)", len(entries)))
	t.AppendHeader(table.Row{"Timestamp", "Component", "Decision", "Context"})
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			e.Component,
			e.Decision,
			formatContext(e.Context),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignLeft, WidthMax: 80},
	})
	t.Render()
}

// PrintEnvironment prints the resolved execution environment
func (r *ConsoleReporter) PrintEnvironment(decision environment.Decision) {
	t := r.newTable("EXECUTION ENVIRONMENT")
	verdict := "SIMULATED"
	switch {
	case decision.LiveExecuting():
		verdict = "LIVE"
	case !decision.Simulated():
		verdict = "BLOCKED"
	}
	t.AppendRows([]table.Row{
		{"Nominal Mode", string(decision.Nominal)},
		{"Effective Mode", string(decision.Effective)},
		{"Verdict", verdict},
	})
	for i, reason := range decision.Reasons {
		label := ""
		if i == 0 {
			label = "Reasons"
		}
		t.AppendRow(table.Row{label, reason})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft},
	})
	t.Render()
}

// PrintGuardDecision prints the safety guard verdict for the configured environment
func (r *ConsoleReporter) PrintGuardDecision(decision safety.Decision) {
	t := r.newTable("SAFETY GUARD")
	t.AppendRows([]table.Row{
		{"Verdict", strings.ToUpper(string(decision.Verdict))},
		{"Route", string(decision.Route)},
	})
	if decision.Err != nil {
		t.AppendRows([]table.Row{
			{"Code", decision.Err.Code()},
			{"Reason", decision.Err.Error()},
		})
	}
	t.Render()
}

// PrintBatchSummary prints one row per order in the batch
func (r *ConsoleReporter) PrintBatchSummary(batch *pipeline.BatchResult) {
	if batch == nil {
		return
	}
	t := r.newTable(fmt.Sprintf("BATCH %s (%s)", shortID(batch.ID), batch.Route))
	t.AppendHeader(table.Row{"Order", "Symbol", "Side", "Status", "Fill Price", "Qty", "Fees", "Reason"})
	for _, res := range batch.Results {
		t.AppendRow(table.Row{
			shortID(res.ClientOrderID),
			res.Symbol,
			string(res.Side),
			string(res.Status),
			res.FillPrice.String(),
			res.FilledQuantity.String(),
			res.Fees.String(),
			orDash(res.Reason()),
		})
	}
	t.AppendFooter(table.Row{
		"", "", "",
		fmt.Sprintf("%d filled", batch.Count(types.StatusFilled)+batch.Count(types.StatusValidated)),
		"", "",
		fmt.Sprintf("%d rejected", batch.Count(types.StatusRejected)),
		fmt.Sprintf("%d blocked", batch.Count(types.StatusBlocked)),
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignLeft, WidthMax: 60},
	})
	t.Render()
}

// PrintStatus prints the gate status snapshot
func (r *ConsoleReporter) PrintStatus(status pipeline.Status) {
	t := r.newTable("GATE STATUS")
	t.AppendRows([]table.Row{
		{"Effective Mode", string(status.EffectiveMode)},
		{"Kill Switch", strings.ToUpper(string(status.KillSwitch))},
		{"Kill Switch Reason", orDash(status.KillSwitchReason)},
	})
	if status.LastRisk != nil {
		codes := make([]string, 0, len(status.LastRisk.Violations))
		for _, v := range status.LastRisk.Violations {
			codes = append(codes, v.Code)
		}
		sort.Strings(codes)
		t.AppendRows([]table.Row{
			{"Last Risk Check", fmt.Sprintf("%s allowed=%t", status.LastRisk.Kind, status.LastRisk.Allowed)},
			{"Violations", orDash(strings.Join(codes, ", "))},
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft},
	})
	t.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
