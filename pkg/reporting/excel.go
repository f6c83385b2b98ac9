package reporting

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/ducminhle1904/trade-guard/internal/audit"
	"github.com/ducminhle1904/trade-guard/internal/executor"
	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// Sheet names used by the workbooks
const (
	ShadowOrdersSheet = "Shadow Orders"
	SummarySheet      = "Summary"
	AuditSheet        = "Audit Trail"
)

var shadowHeaders = []string{
	"Recorded At", "Client Order ID", "Symbol", "Side", "Type", "Quantity", "Limit Price",
	"Status", "Fill Price", "Fees", "Notional", "Reason",
}

var auditHeaders = []string{"Timestamp", "Component", "Decision", "Entry ID", "Context"}

// ExcelReporter writes operator review workbooks
type ExcelReporter struct{}

// NewExcelReporter creates a new Excel reporter
func NewExcelReporter() *ExcelReporter {
	return &ExcelReporter{}
}

// WriteShadowOrdersXLSX writes the shadow order log with a per-status summary sheet
func (r *ExcelReporter) WriteShadowOrdersXLSX(records []executor.ShadowRecord, path string) error {
	if err := EnsureDirectoryExists(path); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	fx := excelize.NewFile()
	defer fx.Close()

	fx.SetSheetName(fx.GetSheetName(0), ShadowOrdersSheet)
	if _, err := fx.NewSheet(SummarySheet); err != nil {
		return err
	}

	styles, err := r.createExcelStyles(fx)
	if err != nil {
		return err
	}
	if err := r.writeShadowSheet(fx, records, styles); err != nil {
		return err
	}
	if err := r.writeSummarySheet(fx, records, styles); err != nil {
		return err
	}
	return fx.SaveAs(path)
}

// WriteAuditXLSX writes audit entries, one row per entry, in the order given
func (r *ExcelReporter) WriteAuditXLSX(entries []audit.Entry, path string) error {
	if err := EnsureDirectoryExists(path); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	fx := excelize.NewFile()
	defer fx.Close()
	fx.SetSheetName(fx.GetSheetName(0), AuditSheet)

	styles, err := r.createExcelStyles(fx)
	if err != nil {
		return err
	}

	fx.SetColWidth(AuditSheet, "A", "A", 26)
	fx.SetColWidth(AuditSheet, "B", "C", 18)
	fx.SetColWidth(AuditSheet, "D", "D", 38)
	fx.SetColWidth(AuditSheet, "E", "E", 80)
	if err := writeHeader(fx, AuditSheet, auditHeaders, styles.HeaderStyle); err != nil {
		return err
	}

	for i, e := range entries {
		row := i + 2
		values := []interface{}{
			e.Timestamp.UTC().Format("2006-01-02 15:04:05.000"),
			e.Component,
			e.Decision,
			e.ID,
			formatContext(e.Context),
		}
		style := styles.BaseStyle
		if e.Decision == audit.DecisionDenied {
			style = styles.BlockedStyle
		}
		if err := writeRow(fx, AuditSheet, row, values, style); err != nil {
			return err
		}
	}
	return fx.SaveAs(path)
}

// createExcelStyles creates all Excel styles
func (r *ExcelReporter) createExcelStyles(fx *excelize.File) (ExcelStyles, error) {
	var styles ExcelStyles
	var err error

	border := func(color string) []excelize.Border {
		return []excelize.Border{
			{Type: "left", Color: color, Style: 1},
			{Type: "right", Color: color, Style: 1},
			{Type: "top", Color: color, Style: 1},
			{Type: "bottom", Color: color, Style: 1},
		}
	}

	// Header style - Dark slate background with white text
	styles.HeaderStyle, err = fx.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "FFFFFF", Family: "Calibri"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"2F4F4F"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
		Border:    border("000000"),
	})
	if err != nil {
		return styles, err
	}

	styles.BaseStyle, err = fx.NewStyle(&excelize.Style{Border: border("E0E0E0")})
	if err != nil {
		return styles, err
	}

	styles.NumberStyle, err = fx.NewStyle(&excelize.Style{
		CustomNumFmt: strPtr("#,##0.00######"),
		Alignment:    &excelize.Alignment{Horizontal: "right"},
		Border:       border("E0E0E0"),
	})
	if err != nil {
		return styles, err
	}

	styles.FilledStyle, err = fx.NewStyle(&excelize.Style{
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"E8F5E8"}, Pattern: 1},
		Border: border("E0E0E0"),
	})
	if err != nil {
		return styles, err
	}

	styles.RejectedStyle, err = fx.NewStyle(&excelize.Style{
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"FFF4E0"}, Pattern: 1},
		Border: border("E0E0E0"),
	})
	if err != nil {
		return styles, err
	}

	styles.BlockedStyle, err = fx.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Color: "9C0006"},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"FFE8E8"}, Pattern: 1},
		Border: border("E0E0E0"),
	})
	if err != nil {
		return styles, err
	}

	styles.SummaryStyle, err = fx.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Size: 11},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"D9E1F2"}, Pattern: 1},
		Border: border("000000"),
	})
	return styles, err
}

func (r *ExcelReporter) writeShadowSheet(fx *excelize.File, records []executor.ShadowRecord, styles ExcelStyles) error {
	sheet := ShadowOrdersSheet
	fx.SetColWidth(sheet, "A", "A", 22) // Recorded At
	fx.SetColWidth(sheet, "B", "B", 38) // Client Order ID
	fx.SetColWidth(sheet, "C", "E", 10)
	fx.SetColWidth(sheet, "F", "K", 14)
	fx.SetColWidth(sheet, "L", "L", 40) // Reason

	if err := writeHeader(fx, sheet, shadowHeaders, styles.HeaderStyle); err != nil {
		return err
	}

	for i, rec := range records {
		row := i + 2
		o, res := rec.Order, rec.Result
		limit := ""
		if o.LimitPrice.Valid {
			limit = o.LimitPrice.Decimal.String()
		}
		values := []interface{}{
			rec.RecordedAt.UTC().Format("2006-01-02 15:04:05"),
			o.ClientOrderID,
			o.Symbol,
			string(o.Side),
			string(o.Type),
			o.Quantity.InexactFloat64(),
			limit,
			string(res.Status),
			res.FillPrice.InexactFloat64(),
			res.Fees.InexactFloat64(),
			res.Notional().InexactFloat64(),
			res.Reason(),
		}
		if err := writeRow(fx, sheet, row, values, statusStyle(res.Status, styles)); err != nil {
			return err
		}
		for _, col := range []string{"F", "I", "J", "K"} {
			cell := fmt.Sprintf("%s%d", col, row)
			if err := fx.SetCellStyle(sheet, cell, cell, styles.NumberStyle); err != nil {
				return err
			}
		}
	}

	return fx.AutoFilter(sheet, fmt.Sprintf("A1:L%d", len(records)+1), nil)
}

func (r *ExcelReporter) writeSummarySheet(fx *excelize.File, records []executor.ShadowRecord, styles ExcelStyles) error {
	sheet := SummarySheet
	fx.SetColWidth(sheet, "A", "A", 24)
	fx.SetColWidth(sheet, "B", "D", 16)

	if err := writeHeader(fx, sheet, []string{"Status", "Orders", "Notional", "Fees"}, styles.HeaderStyle); err != nil {
		return err
	}

	type totals struct {
		count    int
		notional decimal.Decimal
		fees     decimal.Decimal
	}
	byStatus := make(map[types.ExecutionStatus]*totals)
	for _, rec := range records {
		t, ok := byStatus[rec.Result.Status]
		if !ok {
			t = &totals{}
			byStatus[rec.Result.Status] = t
		}
		t.count++
		t.notional = t.notional.Add(rec.Result.Notional())
		t.fees = t.fees.Add(rec.Result.Fees)
	}

	statuses := make([]string, 0, len(byStatus))
	for s := range byStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	row := 2
	var all totals
	for _, s := range statuses {
		t := byStatus[types.ExecutionStatus(s)]
		if err := writeRow(fx, sheet, row, []interface{}{s, t.count, t.notional.InexactFloat64(), t.fees.InexactFloat64()}, styles.BaseStyle); err != nil {
			return err
		}
		all.count += t.count
		all.notional = all.notional.Add(t.notional)
		all.fees = all.fees.Add(t.fees)
		row++
	}
	return writeRow(fx, sheet, row, []interface{}{"Total", all.count, all.notional.InexactFloat64(), all.fees.InexactFloat64()}, styles.SummaryStyle)
}

func statusStyle(status types.ExecutionStatus, styles ExcelStyles) int {
	switch status {
	case types.StatusFilled, types.StatusValidated:
		return styles.FilledStyle
	case types.StatusRejected:
		return styles.RejectedStyle
	case types.StatusBlocked:
		return styles.BlockedStyle
	}
	return styles.BaseStyle
}

func writeHeader(fx *excelize.File, sheet string, headers []string, style int) error {
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		fx.SetCellValue(sheet, cell, h)
		fx.SetCellStyle(sheet, cell, cell, style)
	}
	return nil
}

func writeRow(fx *excelize.File, sheet string, row int, values []interface{}, style int) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if err := fx.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
		fx.SetCellStyle(sheet, cell, cell, style)
	}
	return nil
}

// formatContext renders audit context as sorted key=value pairs
func formatContext(ctx map[string]string) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+ctx[k])
	}
	return strings.Join(parts, "; ")
}

func strPtr(s string) *string { return &s }

// WriteShadowOrdersXLSX is a convenience function using the default reporter
func WriteShadowOrdersXLSX(records []executor.ShadowRecord, path string) error {
	return NewExcelReporter().WriteShadowOrdersXLSX(records, path)
}

// WriteAuditXLSX is a convenience function using the default reporter
func WriteAuditXLSX(entries []audit.Entry, path string) error {
	return NewExcelReporter().WriteAuditXLSX(entries, path)
}
