// Package reporting renders shadow orders, audit trails and gate state for operators
package reporting

import (
	"github.com/ducminhle1904/trade-guard/internal/audit"
	"github.com/ducminhle1904/trade-guard/internal/executor"
)

// FileReporter writes review artifacts
type FileReporter interface {
	WriteShadowOrdersXLSX(records []executor.ShadowRecord, path string) error
	WriteShadowOrdersCSV(records []executor.ShadowRecord, path string) error
	WriteAuditXLSX(entries []audit.Entry, path string) error
}

// ExcelStyles holds Excel formatting styles
type ExcelStyles struct {
	HeaderStyle   int
	BaseStyle     int
	NumberStyle   int
	FilledStyle   int
	RejectedStyle int
	BlockedStyle  int
	SummaryStyle  int
}

var _ FileReporter = (*ExcelReporter)(nil)
