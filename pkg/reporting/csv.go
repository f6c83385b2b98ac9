package reporting

import (
	"encoding/csv"
	"os"
	"strings"

	"github.com/ducminhle1904/trade-guard/internal/executor"
)

// WriteShadowOrdersCSV writes the shadow order log as CSV. A path ending in .xlsx
// is delegated to the Excel writer.
func (r *ExcelReporter) WriteShadowOrdersCSV(records []executor.ShadowRecord, path string) error {
	if strings.HasSuffix(strings.ToLower(path), ".xlsx") {
		return r.WriteShadowOrdersXLSX(records, path)
	}
	if err := EnsureDirectoryExists(path); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(shadowHeaders); err != nil {
		return err
	}
	for _, rec := range records {
		o, res := rec.Order, rec.Result
		limit := ""
		if o.LimitPrice.Valid {
			limit = o.LimitPrice.Decimal.String()
		}
		if err := w.Write([]string{
			rec.RecordedAt.UTC().Format("2006-01-02T15:04:05Z"),
			o.ClientOrderID,
			o.Symbol,
			string(o.Side),
			string(o.Type),
			o.Quantity.String(),
			limit,
			string(res.Status),
			res.FillPrice.String(),
			res.Fees.String(),
			res.Notional().String(),
			res.Reason(),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// WriteShadowOrders picks CSV or Excel from the path extension
func WriteShadowOrders(records []executor.ShadowRecord, path string) error {
	return NewExcelReporter().WriteShadowOrdersCSV(records, path)
}
